// Copyright 2024 Nimbus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pgxv5

import (
	"context"
	"net"
	"testing"

	"github.com/nimbusdb/connector-go/driver"
)

func TestRegistersUnderPgxV5Name(t *testing.T) {
	a, ok := driver.Lookup("pgx/v5")
	if !ok {
		t.Fatal("want pgx/v5 adapter registered by init(), got not-found")
	}
	if a.Name() != "pgx/v5" {
		t.Errorf("Name() = %q, want pgx/v5", a.Name())
	}
}

func TestOpenDoesNotDial(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	a := adapter{}
	db, err := a.Open(context.Background(), client, "user", "pw", "postgres")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	if db == nil {
		t.Fatal("want non-nil *sql.DB")
	}
}
