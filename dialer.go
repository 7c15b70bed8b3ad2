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

// Package nimbusconn is a client-side connector for Nimbus, a managed
// relational database service reachable only through a server-side proxy.
// A Connector establishes authenticated, encrypted connections without the
// caller ever handling certificates or credentials directly: it fetches
// connection metadata and a short-lived client certificate from the
// control plane, refreshing ahead of expiration, and hands the resulting
// mTLS socket to a database driver adapter.
package nimbusconn

import (
	"context"
	"crypto/tls"
	"database/sql"
	_ "embed"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/proxy"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"github.com/nimbusdb/connector-go/driver"
	"github.com/nimbusdb/connector-go/errtype"
	"github.com/nimbusdb/connector-go/instance"
	"github.com/nimbusdb/connector-go/internal/controlplane"
	"github.com/nimbusdb/connector-go/internal/debug"
	"github.com/nimbusdb/connector-go/internal/refresh"
	"github.com/nimbusdb/connector-go/internal/telemetry"
)

const (
	// defaultTCPKeepAlive is applied to every dialed connection unless a
	// DialOption overrides it.
	defaultTCPKeepAlive = 30 * time.Second
	// serverProxyPort is the port the server-side proxy listens on.
	serverProxyPort = "5433"
)

//go:embed version.txt
var versionString string

var baseUserAgent = "nimbus-go-connector/" + strings.TrimSpace(versionString)

// Connector establishes connections to Nimbus instances. Its cache is
// owned exclusively by this instance: separate Connectors never share
// refreshers, even when dialing the same instance URI.
//
// Use NewConnector to construct one.
type Connector struct {
	mu       sync.RWMutex
	closed   bool
	cache    *refresh.Cache
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
	dialCfg  dialCfg

	enableIAMAuthN bool
	tokenSource    oauth2.TokenSource

	// connectorID distinguishes log lines from different Connectors in the
	// same process; it has no meaning outside this process's lifetime.
	connectorID string

	rec    telemetry.Recorder
	logger debug.ContextLogger
}

// NewConnector builds a Connector. Construction makes one authenticated
// HTTP client for the control plane; it never blocks on a refresh, since
// refreshers are created lazily per instance URI on first Connect.
func NewConnector(ctx context.Context, opts ...Option) (*Connector, error) {
	cfg := &connectorConfig{
		refreshTimeout: refresh.RefreshTimeout,
		dialFunc:       proxy.Dial,
		userAgents:     []string{baseUserAgent},
		ipType:         string(refresh.PublicIP),
	}
	for _, opt := range opts {
		opt(cfg)
		if cfg.err != nil {
			return nil, cfg.err
		}
	}

	if cfg.driver != "" {
		cfg.userAgents[0] += "+" + cfg.driver
	}
	userAgent := strings.Join(cfg.userAgents, " ")

	ts := cfg.tokenSource
	adminOpts := cfg.adminOpts
	if !cfg.httpClientSet {
		if ts == nil {
			var err error
			ts, err = google.DefaultTokenSource(ctx, CloudPlatformScope)
			if err != nil {
				return nil, errtype.NewConfigError(
					fmt.Sprintf("failed to resolve default credentials: %v", err), "n/a")
			}
		}
		adminOpts = append([]option.ClientOption{option.WithTokenSource(ts)}, adminOpts...)
	}
	if ts == nil && cfg.enableIAMAuthN {
		var err error
		ts, err = google.DefaultTokenSource(ctx, CloudPlatformScope)
		if err != nil {
			return nil, errtype.NewConfigError(
				fmt.Sprintf("failed to resolve default credentials: %v", err), "n/a")
		}
	}
	if cfg.endpoint != "" {
		adminOpts = append(adminOpts, option.WithEndpoint("https://"+cfg.endpoint))
	}

	var controlOpts []controlplane.Option
	controlOpts = append(controlOpts, controlplane.WithUserAgent(userAgent))
	if cfg.quotaProject != "" {
		controlOpts = append(controlOpts, controlplane.WithQuotaProject(cfg.quotaProject))
	}
	client, err := controlplane.NewClient(ctx, userAgent, adminOpts, controlOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create control-plane client: %w", err)
	}

	logger := cfg.logger
	if logger == nil {
		logger = debug.NewNullContextLogger()
	}
	rec := cfg.recorder
	if rec == nil {
		rec = telemetry.NoOp{}
	}

	cache := refresh.NewCache(client, cfg.rsaKey, cfg.refreshTimeout, logger, rec)

	base := dialCfg{
		ipType:       cfg.ipType,
		driver:       cfg.driver,
		tcpKeepAlive: defaultTCPKeepAlive,
	}
	for _, opt := range cfg.dialOpts {
		opt(&base)
	}

	return &Connector{
		cache:          cache,
		dialFunc:       cfg.dialFunc,
		dialCfg:        base,
		enableIAMAuthN: cfg.enableIAMAuthN,
		tokenSource:    ts,
		connectorID:    uuid.New().String(),
		rec:            rec,
		logger:         logger,
	}, nil
}

// Connect dials the Nimbus instance identified by uri and hands the
// resulting authenticated socket to the named driver adapter, returning
// the *sql.DB the adapter builds on top of it.
//
// uri must be of the form
// projects/<P>/locations/<L>/clusters/<C>/instances/<I>.
func (c *Connector) Connect(ctx context.Context, uri string, opts ...DialOption) (*sql.DB, error) {
	start := time.Now()

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, errtype.NewClosedConnectorError()
	}

	cfg := c.dialCfg
	for _, opt := range opts {
		opt(&cfg)
	}

	ipType, ok := refresh.ParseIPType(cfg.ipType)
	if !ok {
		return nil, errtype.NewConfigError(
			fmt.Sprintf("Incorrect value for ip_type, got '%s'. Want one of: 'PUBLIC', 'PRIVATE', 'PSC'.", cfg.ipType),
			uri,
		)
	}

	adapter, ok := driver.Lookup(cfg.driver)
	if !ok {
		return nil, errtype.NewConfigError(
			fmt.Sprintf("Driver '%s' is not a supported database driver. Want one of: %s.",
				cfg.driver, strings.Join(driver.Names(), ", ")),
			uri,
		)
	}

	inst, err := instance.Parse(uri)
	if err != nil {
		return nil, err
	}

	conn, inst, err := c.dialInstance(ctx, inst, ipType, cfg, start)
	if err != nil {
		return nil, err
	}

	password := cfg.password
	if c.enableIAMAuthN {
		tok, err := c.tokenSource.Token()
		if err != nil {
			_ = conn.Close()
			return nil, errtype.NewDialError("failed to obtain IAM token", inst.String(), err)
		}
		password = tok.AccessToken
	}

	db, err := adapter.Open(ctx, conn, cfg.user, password, cfg.database)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

// dialInstance performs the network half of Connect: cache lookup, IP
// selection, TCP dial, and TLS handshake. It does not touch the driver
// adapter, so tests can exercise it without a real database wire protocol.
func (c *Connector) dialInstance(
	ctx context.Context, inst instance.URI, ipType refresh.IPType, cfg dialCfg, start time.Time,
) (net.Conn, instance.URI, error) {
	ref := c.cache.Get(inst)
	ci, err := ref.ConnectionInfo(ctx)
	if err != nil {
		if refresh.IsTerminalError(err) {
			c.cache.Evict(inst)
		}
		c.rec.RecordDial(ctx, telemetry.DialCacheError, false, time.Since(start))
		return nil, inst, err
	}

	addr, err := ci.PreferredIP(ipType)
	if err != nil {
		c.cache.Evict(inst)
		c.rec.RecordDial(ctx, telemetry.DialCacheError, false, time.Since(start))
		return nil, inst, err
	}

	hostPort := net.JoinHostPort(addr, serverProxyPort)
	dial := c.dialFunc
	if cfg.dialFunc != nil {
		dial = cfg.dialFunc
	}
	c.logger.Debugf(ctx, "[%v] connector=%v dialing %v", inst, c.connectorID, hostPort)
	conn, err := dial(ctx, "tcp", hostPort)
	if err != nil {
		ref.ForceRefresh()
		c.rec.RecordDial(ctx, telemetry.DialTCPError, false, time.Since(start))
		return nil, inst, errtype.NewDialError("failed to dial", inst.String(), err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(cfg.tcpKeepAlive)
	}

	serverName := addr
	if ipType == refresh.PSC {
		if priv, perr := ci.PreferredIP(refresh.PrivateIP); perr == nil {
			serverName = priv
		}
	}
	tlsConf, err := ci.TLSConfig()
	if err != nil {
		_ = conn.Close()
		return nil, inst, err
	}
	tlsConf = tlsConf.Clone()
	tlsConf.ServerName = serverName

	tlsConn := tls.Client(conn, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		ref.ForceRefresh()
		_ = tlsConn.Close()
		c.rec.RecordDial(ctx, telemetry.DialTLSError, false, time.Since(start))
		return nil, inst, errtype.NewDialError("handshake failed", inst.String(), err)
	}

	c.rec.RecordDial(ctx, telemetry.DialSuccess, false, time.Since(start))
	c.rec.RecordOpenConnection(ctx, 1)
	return &instrumentedConn{
		Conn: tlsConn,
		onClose: func() {
			c.rec.RecordOpenConnection(context.Background(), -1)
		},
	}, inst, nil
}

// instrumentedConn wraps a net.Conn to invoke onClose exactly once on
// Close, keeping the open-connection gauge accurate regardless of which
// layer (driver adapter or caller) closes the socket.
type instrumentedConn struct {
	net.Conn
	closeOnce sync.Once
	onClose   func()
}

func (c *instrumentedConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(c.onClose)
	return err
}

// Close releases every resource the Connector holds: all per-instance
// refreshers (and their timers) are closed, and subsequent Connect calls
// return a ClosedConnectorError.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.cache.Close()
}
