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

// Package pgxv5 registers the "pgx/v5" driver adapter, which hands an
// already-authenticated connection to pgx v5's database/sql stdlib shim.
package pgxv5

import (
	"context"
	"database/sql"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/nimbusdb/connector-go/driver"
)

func init() {
	driver.Register(adapter{})
}

type adapter struct{}

func (adapter) Name() string { return "pgx/v5" }

// Open wraps conn as a pgx v5 connection, the same way the pgx v4 adapter
// does: a DialFunc that returns the already-dialed, already-TLS-wrapped
// socket instead of opening a new one.
func (adapter) Open(ctx context.Context, conn net.Conn, user, password, database string) (*sql.DB, error) {
	config, err := pgx.ParseConfig("")
	if err != nil {
		return nil, err
	}
	config.User = user
	config.Password = password
	config.Database = database
	config.DialFunc = func(context.Context, string, string) (net.Conn, error) {
		return conn, nil
	}

	return stdlib.OpenDB(*config), nil
}
