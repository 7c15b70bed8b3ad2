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

// Package direct registers the "pgx" driver adapter, which hands an
// already-authenticated connection to pgx v4's database/sql stdlib shim.
package direct

import (
	"context"
	"database/sql"
	"net"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/stdlib"

	"github.com/nimbusdb/connector-go/driver"
)

func init() {
	driver.Register(adapter{})
}

type adapter struct{}

func (adapter) Name() string { return "pgx" }

// Open wraps conn, a socket the facade has already dialed and wrapped in
// TLS, as a pgx v4 connection. The DialFunc below ignores the
// network/address pgx would normally use and returns conn directly, since
// the facade -- not pgx -- owns connection establishment. OpenDB is used
// instead of a registered DSN string so this adapter never touches the
// global database/sql driver namespace, which other adapters share.
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
