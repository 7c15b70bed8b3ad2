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

package nimbusconn

import (
	"context"
	"fmt"
	"testing"
	"time"

	_ "github.com/nimbusdb/connector-go/driver/direct"
	"github.com/nimbusdb/connector-go/errtype"
	"github.com/nimbusdb/connector-go/instance"
	"github.com/nimbusdb/connector-go/internal/mock"
)

const testURI = "projects/proj/locations/region/clusters/cluster/instances/inst"

// newTestConnector builds a Connector wired to a fake control plane and,
// when withProxy is true, a fake server-side proxy listening on the real
// serverProxyPort.
func newTestConnector(t *testing.T, inst mock.FakeInstance, withProxy bool, reqs ...*mock.Request) (*Connector, func()) {
	t.Helper()
	hc, url, cleanupHTTP := mock.HTTPServer(reqs...)

	var cleanupProxy func()
	if withProxy {
		cleanupProxy = mock.StartServerProxy(t, inst)
	}

	c, err := NewConnector(context.Background(),
		WithHTTPClient(hc),
		WithAPIEndpoint(url),
		WithDriver("pgx"),
	)
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	return c, func() {
		_ = c.Close()
		if err := cleanupHTTP(); err != nil {
			t.Errorf("unconsumed requests: %v", err)
		}
		if cleanupProxy != nil {
			cleanupProxy()
		}
	}
}

func TestConnectHappyPath(t *testing.T) {
	inst := mock.NewFakeInstance("proj", "region", "cluster", "inst",
		mock.WithIPAddr("127.0.0.1"))
	c, cleanup := newTestConnector(t, inst, true,
		mock.ConnectionInfoSuccess(inst, 1),
		mock.CreateCertificateSuccess(inst, 1),
	)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := c.Connect(ctx, testURI, WithDialIPType("PRIVATE"), WithDialDriver("pgx"))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer db.Close()
}

func TestConnectUnknownIPType(t *testing.T) {
	inst := mock.NewFakeInstance("proj", "region", "cluster", "inst")
	c, cleanup := newTestConnector(t, inst, false)
	defer cleanup()

	_, err := c.Connect(context.Background(), testURI, WithDialIPType("BAD-IP-TYPE"))
	if err == nil {
		t.Fatal("want error for unknown ip_type, got nil")
	}
	want := "Incorrect value for ip_type, got 'BAD-IP-TYPE'. Want one of: 'PUBLIC', 'PRIVATE', 'PSC'."
	if err.Error() != fmt.Sprintf("[%s] %s", testURI, want) {
		t.Errorf("Connect error = %q, want %q", err.Error(), fmt.Sprintf("[%s] %s", testURI, want))
	}
}

func TestConnectUnknownDriver(t *testing.T) {
	inst := mock.NewFakeInstance("proj", "region", "cluster", "inst")
	c, cleanup := newTestConnector(t, inst, false)
	defer cleanup()

	_, err := c.Connect(context.Background(), testURI, WithDialDriver("does-not-exist"))
	if err == nil {
		t.Fatal("want error for unknown driver, got nil")
	}
}

func TestConnectPreferredIPAbsentEvicts(t *testing.T) {
	inst := mock.NewFakeInstance("proj", "region", "cluster", "inst",
		mock.WithIPAddr(""), mock.WithPublicIPAddr("127.0.0.1"))
	// Only PUBLIC is populated; request PRIVATE.
	c, cleanup := newTestConnector(t, inst, false,
		mock.ConnectionInfoSuccess(inst, 1),
		mock.CreateCertificateSuccess(inst, 1),
	)
	defer cleanup()

	_, err := c.Connect(context.Background(), testURI, WithDialIPType("PRIVATE"))
	if err == nil {
		t.Fatal("want IPTypeNotFoundError, got nil")
	}
	if _, ok := err.(*errtype.IPTypeNotFoundError); !ok {
		t.Fatalf("err = %T, want *errtype.IPTypeNotFoundError", err)
	}
	if c.cache.Len() != 0 {
		t.Fatalf("cache.Len() = %d, want 0 (evicted)", c.cache.Len())
	}
}

func TestConnectForceRefreshOnDialFailure(t *testing.T) {
	inst := mock.NewFakeInstance("proj", "region", "cluster", "inst",
		mock.WithIPAddr("127.0.0.1"))
	// No proxy listening on 5433: the TCP dial fails.
	c, cleanup := newTestConnector(t, inst, false,
		mock.ConnectionInfoSuccess(inst, 2),
		mock.CreateCertificateSuccess(inst, 2),
	)
	defer cleanup()

	if _, err := c.Connect(context.Background(), testURI, WithDialIPType("PRIVATE")); err == nil {
		t.Fatal("want dial error, got nil")
	}

	// ForceRefresh kicks off a second fetch in the background; give it a
	// moment to land so the fake control plane sees both of the two
	// connectionInfo/generateClientCertificate calls it's primed for.
	// cleanup (deferred above) fails the test if either is left unconsumed.
	time.Sleep(200 * time.Millisecond)
}

func TestConnectAfterCloseReturnsClosedConnectorError(t *testing.T) {
	inst := mock.NewFakeInstance("proj", "region", "cluster", "inst")
	c, cleanup := newTestConnector(t, inst, false)
	defer cleanup()

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := c.Connect(context.Background(), testURI)
	if _, ok := err.(*errtype.ClosedConnectorError); !ok {
		t.Fatalf("err = %T (%v), want *errtype.ClosedConnectorError", err, err)
	}
}
