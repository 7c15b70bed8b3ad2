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
	"crypto/rsa"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	apiopt "google.golang.org/api/option"

	"github.com/nimbusdb/connector-go/errtype"
	"github.com/nimbusdb/connector-go/internal/debug"
	"github.com/nimbusdb/connector-go/internal/telemetry"
)

// CloudPlatformScope is the default OAuth2 scope requested when no
// credentials are supplied explicitly.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// Option configures a Connector at construction time.
type Option func(c *connectorConfig)

type connectorConfig struct {
	rsaKey         *rsa.PrivateKey
	adminOpts      []apiopt.ClientOption
	dialOpts       []DialOption
	dialFunc       func(ctx context.Context, network, addr string) (net.Conn, error)
	refreshTimeout time.Duration
	tokenSource    oauth2.TokenSource
	endpoint       string
	quotaProject   string
	userAgents     []string
	driver         string
	ipType         string
	enableIAMAuthN bool
	logger         debug.ContextLogger
	recorder       telemetry.Recorder
	// httpClientSet is true once WithHTTPClient has been applied. The
	// underlying transport forbids combining a caller-supplied HTTP client
	// with a token source, so NewConnector skips its default-credentials
	// lookup in that case -- this is how tests point the connector at a
	// fake control plane without needing real credentials.
	httpClientSet bool
	// err tracks any option that failed to apply; surfaced by
	// NewConnector so a bad option produces a ConfigError instead of a
	// panic or a silently ignored setting.
	err error
}

// WithOptions turns a list of Options into a single Option.
func WithOptions(opts ...Option) Option {
	return func(c *connectorConfig) {
		for _, opt := range opts {
			opt(c)
		}
	}
}

// WithCredentialsFile specifies a service account or refresh token JSON
// credentials file to use as the basis for authentication.
func WithCredentialsFile(filename string) Option {
	return func(c *connectorConfig) {
		b, err := os.ReadFile(filename)
		if err != nil {
			c.err = errtype.NewConfigError(err.Error(), "n/a")
			return
		}
		WithCredentialsJSON(b)(c)
	}
}

// WithCredentialsJSON specifies service account or refresh token JSON
// credentials to use as the basis for authentication.
func WithCredentialsJSON(b []byte) Option {
	return func(c *connectorConfig) {
		creds, err := google.CredentialsFromJSON(context.Background(), b, CloudPlatformScope)
		if err != nil {
			c.err = errtype.NewConfigError(err.Error(), "n/a")
			return
		}
		c.tokenSource = creds.TokenSource
		c.adminOpts = append(c.adminOpts, apiopt.WithCredentials(creds))
	}
}

// WithTokenSource specifies an OAuth2 token source to use as the basis for
// authentication, overriding application default credentials.
func WithTokenSource(s oauth2.TokenSource) Option {
	return func(c *connectorConfig) {
		c.tokenSource = s
		c.adminOpts = append(c.adminOpts, apiopt.WithTokenSource(s))
	}
}

// WithUserAgent appends a suffix to the connector's default User-Agent.
func WithUserAgent(ua string) Option {
	return func(c *connectorConfig) { c.userAgents = append(c.userAgents, ua) }
}

// WithHTTPClient overrides the HTTP client used to reach the control
// plane. Generally unnecessary except for tests, where it points the
// client at a fake server with a self-signed certificate.
func WithHTTPClient(client *http.Client) Option {
	return func(c *connectorConfig) {
		c.adminOpts = append(c.adminOpts, apiopt.WithHTTPClient(client))
		c.httpClientSet = true
	}
}

// WithAPIEndpoint overrides the control-plane base URL. http:// and
// https:// prefixes are stripped, matching normalizeEndpoint.
func WithAPIEndpoint(url string) Option {
	return func(c *connectorConfig) { c.endpoint = normalizeEndpoint(url) }
}

// WithQuotaProject sets the project billed for control-plane API usage,
// via the x-goog-user-project header.
func WithQuotaProject(project string) Option {
	return func(c *connectorConfig) { c.quotaProject = project }
}

// WithRSAKey overrides the default process-wide key reuse with a fixed
// key pair. Intended for tests; production configuration should leave
// this unset so every instance shares the one lazily-generated key.
func WithRSAKey(k *rsa.PrivateKey) Option {
	return func(c *connectorConfig) { c.rsaKey = k }
}

// WithRefreshTimeout sets the maximum duration a single refresh cycle may
// run for. Defaults to refresh.RefreshTimeout (60s).
func WithRefreshTimeout(t time.Duration) Option {
	return func(c *connectorConfig) { c.refreshTimeout = t }
}

// WithDialFunc overrides the function used to open the underlying TCP
// connection for every Connect call. Primarily useful for tests.
func WithDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(c *connectorConfig) { c.dialFunc = dial }
}

// WithDefaultDialOptions sets DialOptions applied to every Connect call
// unless overridden per-call.
func WithDefaultDialOptions(opts ...DialOption) Option {
	return func(c *connectorConfig) { c.dialOpts = append(c.dialOpts, opts...) }
}

// WithIPType sets the default preferred IP type ("PUBLIC", "PRIVATE", or
// "PSC", case-insensitive). Defaults to PUBLIC. Validation happens at
// Connect time, not here, so the error surfaced matches spec.md's
// connect-time ValueError contract even when the default is set wrong.
func WithIPType(ipType string) Option {
	return func(c *connectorConfig) { c.ipType = ipType }
}

// WithIAMAuthN enables automatic IAM authentication: the token source's
// current access token is passed to the driver adapter as the database
// password. If no token source has been configured, the default
// application credentials token source is used.
func WithIAMAuthN() Option {
	return func(c *connectorConfig) { c.enableIAMAuthN = true }
}

// WithDriver selects the default driver adapter by name, used by Connect
// calls that don't specify one explicitly and contributing to the
// connector's User-Agent string.
func WithDriver(name string) Option {
	return func(c *connectorConfig) { c.driver = name }
}

// WithLogger wires a caller-supplied logger into the connector and every
// refresher it creates.
func WithLogger(l debug.ContextLogger) Option {
	return func(c *connectorConfig) { c.logger = l }
}

// WithTelemetry wires a caller-supplied metrics recorder into the
// connector. If unset, telemetry is a no-op.
func WithTelemetry(r telemetry.Recorder) Option {
	return func(c *connectorConfig) { c.recorder = r }
}

// A DialOption configures an individual call to Connect.
type DialOption func(cfg *dialCfg)

type dialCfg struct {
	ipType       string
	driver       string
	dialFunc     func(ctx context.Context, network, addr string) (net.Conn, error)
	tcpKeepAlive time.Duration
	user         string
	password     string
	database     string
}

// DialOptions turns a list of DialOption instances into a single
// DialOption.
func DialOptions(opts ...DialOption) DialOption {
	return func(cfg *dialCfg) {
		for _, opt := range opts {
			opt(cfg)
		}
	}
}

// WithDialIPType overrides the preferred IP type for one Connect call.
// Validation happens inside Connect.
func WithDialIPType(ipType string) DialOption {
	return func(cfg *dialCfg) { cfg.ipType = ipType }
}

// WithDialDriver overrides the driver adapter for one Connect call.
func WithDialDriver(name string) DialOption {
	return func(cfg *dialCfg) { cfg.driver = name }
}

// WithOneOffDialFunc overrides the dial function for one Connect call.
func WithOneOffDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) DialOption {
	return func(cfg *dialCfg) { cfg.dialFunc = dial }
}

// WithTCPKeepAlive sets the TCP keep-alive period for the connection
// returned by one Connect call.
func WithTCPKeepAlive(d time.Duration) DialOption {
	return func(cfg *dialCfg) { cfg.tcpKeepAlive = d }
}

// WithUser sets the database user passed to the driver adapter.
func WithUser(user string) DialOption {
	return func(cfg *dialCfg) { cfg.user = user }
}

// WithPassword sets the database password passed to the driver adapter.
// Ignored if IAM authentication is enabled, since the bearer token takes
// its place.
func WithPassword(password string) DialOption {
	return func(cfg *dialCfg) { cfg.password = password }
}

// WithDatabase sets the database name passed to the driver adapter.
func WithDatabase(database string) DialOption {
	return func(cfg *dialCfg) { cfg.database = database }
}

// normalizeEndpoint strips a leading http:// or https:// scheme, so
// "http://host", "https://host", and "host" are all treated identically.
func normalizeEndpoint(url string) string {
	url = strings.TrimPrefix(url, "https://")
	url = strings.TrimPrefix(url, "http://")
	return url
}
