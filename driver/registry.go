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

// Package driver holds the registry of database driver adapters the
// connector facade hands an authenticated socket off to. The set of
// supported drivers is closed and small; adapters register themselves from
// an init function in their own package.
package driver

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"sort"
	"sync"
)

// Adapter wraps an already-dialed, already-TLS-wrapped connection in a
// driver-specific *sql.DB. The facade has done all the network and
// security work by the time Open is called; the adapter's only job is
// handing the live socket to the driver's own wire-protocol implementation.
type Adapter interface {
	// Name is the string callers pass as Connect's driver argument.
	Name() string
	// Open wraps conn for use with this driver. password, if non-empty, is
	// supplied as the database password (used for IAM-authenticated
	// connections, where the bearer token itself is the password).
	Open(ctx context.Context, conn net.Conn, user, password, database string) (*sql.DB, error)
}

var (
	mu       sync.Mutex
	adapters = map[string]Adapter{}
)

// Register adds a to the registry, keyed by its Name. Registering two
// adapters under the same name panics -- it can only happen from competing
// init functions, a programming error, never a runtime condition.
func Register(a Adapter) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := adapters[a.Name()]; exists {
		panic(fmt.Sprintf("driver: Register called twice for driver %q", a.Name()))
	}
	adapters[a.Name()] = a
}

// Lookup returns the adapter registered under name, if any.
func Lookup(name string) (Adapter, bool) {
	mu.Lock()
	defer mu.Unlock()
	a, ok := adapters[name]
	return a, ok
}

// Names returns the sorted list of currently registered driver names, used
// to build the error message for an unsupported driver.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(adapters))
	for n := range adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
