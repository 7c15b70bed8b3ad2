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

// Package refresh implements the per-instance credential lifecycle manager:
// a set of cooperating state machines, one per instance, that fetch
// connection metadata and a signed certificate chain from the control
// plane, serve the current materials to callers with bounded latency, and
// refresh ahead of expiration.
package refresh

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nimbusdb/connector-go/errtype"
	"github.com/nimbusdb/connector-go/instance"
	"github.com/nimbusdb/connector-go/internal/controlplane"
	"github.com/nimbusdb/connector-go/internal/debug"
	"github.com/nimbusdb/connector-go/internal/telemetry"
)

const (
	// RefreshTimeout is the default maximum duration a single refresh
	// cycle is allowed to run for.
	RefreshTimeout = 60 * time.Second

	// refreshInterval and refreshBurst configure the rate limiter on the
	// start of refresh cycles for the same instance, to avoid hammering the
	// control plane's quotas under repeated failure: up to refreshBurst
	// cycles may start back to back, after which one more may start per
	// refreshInterval.
	refreshInterval = 30 * time.Second
	refreshBurst    = 2

	// maxBackoff bounds the exponential backoff applied between failed
	// refresh attempts.
	maxBackoff = 30 * time.Second
)

// Client is the subset of the control-plane client a refresher needs.
// Satisfied by *controlplane.Client.
type Client interface {
	GetConnectionInfo(ctx context.Context, uri instance.URI) (controlplane.ConnectionInfoResponse, error)
	GenerateClientCertificate(ctx context.Context, uri instance.URI, publicKeyPEM []byte) (controlplane.CertificateResponse, error)
}

// operation is a pending or completed refresh attempt.
type operation struct {
	result ConnectionInfo
	err    error

	timer *time.Timer
	ready chan struct{}
}

// cancel prevents the operation from starting if its timer hasn't already
// fired. Returns true if the timer was stopped before it fired.
func (o *operation) cancel() bool {
	return o.timer.Stop()
}

// wait blocks until the operation completes or ctx is done, whichever comes
// first. Cancellation via ctx does not affect the operation itself -- it
// keeps running for any other waiter.
func (o *operation) wait(ctx context.Context) (ConnectionInfo, error) {
	select {
	case <-o.ready:
		return o.result, o.err
	case <-ctx.Done():
		return ConnectionInfo{}, ctx.Err()
	}
}

// isValid reports whether the operation has completed successfully and its
// certificate has not yet expired.
func (o *operation) isValid() bool {
	select {
	case <-o.ready:
		return o.err == nil && time.Now().Before(o.result.Expiration)
	default:
		return false
	}
}

// Refresher is the per-instance state machine described in the design:
// States Init -> Refreshing -> Ready -> Refreshing -> ... -> Closed.
//
// Exactly one "next" operation exists at any time unless the refresher is
// closed. Single-writer discipline is enforced by guarding cur/next/stale
// with one mutex; the only goroutine that mutates them is the
// time.AfterFunc callback scheduled by scheduleRefresh, plus ForceRefresh
// and Close which run under the same lock.
type Refresher struct {
	uri    instance.URI
	key    *rsa.PrivateKey
	client Client
	logger debug.ContextLogger
	rec    telemetry.Recorder

	timeout time.Duration
	limiter *rate.Limiter

	mu      sync.Mutex
	cur     *operation
	next    *operation
	stale   bool
	closed  bool
	backoff time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRefresher creates a Refresher and immediately schedules its first
// refresh cycle. Construction never blocks on that first fetch; callers
// awaiting ConnectionInfo will block until it completes.
func NewRefresher(
	uri instance.URI,
	client Client,
	key *rsa.PrivateKey,
	timeout time.Duration,
	logger debug.ContextLogger,
	rec telemetry.Recorder,
) *Refresher {
	if timeout <= 0 {
		timeout = RefreshTimeout
	}
	if logger == nil {
		logger = debug.NewNullContextLogger()
	}
	if rec == nil {
		rec = telemetry.NoOp{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Refresher{
		uri:     uri,
		key:     key,
		client:  client,
		logger:  logger,
		rec:     rec,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Every(refreshInterval), refreshBurst),
		ctx:     ctx,
		cancel:  cancel,
	}
	// The first operation is both cur and next, so callers block on it
	// until the initial fetch completes.
	r.mu.Lock()
	r.cur = r.scheduleRefresh(0)
	r.next = r.cur
	r.mu.Unlock()
	return r
}

// ConnectionInfo returns the current connection info, blocking on an
// in-flight refresh if necessary. If ctx is cancelled first, it returns a
// cancellation error without affecting the refresh itself.
func (r *Refresher) ConnectionInfo(ctx context.Context) (ConnectionInfo, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ConnectionInfo{}, errtype.NewClosedError(r.uri.String())
	}
	op := r.cur
	r.mu.Unlock()
	return op.wait(ctx)
}

// ForceRefresh is idempotent. If no refresh is currently running, it starts
// one immediately. If one is already running, it lets that one complete,
// but marks the current result stale so the next ConnectionInfo call
// awaits that in-flight refresh's outcome instead of returning the
// (possibly compromised) current materials.
func (r *Refresher) ForceRefresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.next.cancel() {
		// The pending timer hadn't fired yet; replace it with an
		// immediate attempt.
		r.next = r.scheduleRefresh(0)
	} else {
		// A refresh is already in flight (or about to run); let it
		// finish, but don't trust cur until it does.
		r.stale = true
	}
	if !r.cur.isValid() || r.stale {
		r.cur = r.next
	}
}

// Close transitions the refresher to Closed: cancels the pending timer and
// the in-flight cycle's context, and releases references. Subsequent calls
// are no-ops; subsequent ConnectionInfo calls return a ClosedError.
func (r *Refresher) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.next.cancel()
	r.cancel()
	return nil
}

// scheduleRefresh arranges for a refresh cycle to run after delay d. The
// returned operation can be waited on or cancelled while still pending.
// Must be called with r.mu held.
func (r *Refresher) scheduleRefresh(d time.Duration) *operation {
	op := &operation{ready: make(chan struct{})}
	op.timer = time.AfterFunc(d, func() { r.runRefresh(op) })
	return op
}

// runRefresh executes one refresh cycle and reschedules the next one. It is
// always invoked from a time.AfterFunc goroutine, never concurrently with
// another invocation for the same Refresher (each operation owns exactly
// one timer).
func (r *Refresher) runRefresh(op *operation) {
	result, err := r.performRefresh(r.ctx)
	op.result, op.err = result, err
	close(op.ready)

	r.rec.RecordRefresh(err == nil)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	if err != nil {
		r.logger.Debugf(r.ctx, "[%v] refresh failed: %v", r.uri, err)
		if r.backoff == 0 {
			r.backoff = time.Second
		} else {
			r.backoff *= 2
			if r.backoff > maxBackoff {
				r.backoff = maxBackoff
			}
		}
		r.next = r.scheduleRefresh(r.backoff)
		// Only the initial fetch (no valid prior result) propagates its
		// error to waiters; otherwise keep serving cur until it expires.
		if !r.cur.isValid() {
			r.cur = op
		}
		return
	}

	r.backoff = 0
	r.cur = op
	r.stale = false
	delay := refreshDelay(op.result.Expiration, time.Now())
	r.next = r.scheduleRefresh(delay)
}

// performRefresh fetches fresh metadata and a signed certificate chain and
// assembles a ConnectionInfo. Metadata and certificate fetches happen
// concurrently; if either fails, the whole cycle fails.
func (r *Refresher) performRefresh(ctx context.Context) (ConnectionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.limiter.Wait(ctx); err != nil {
		return ConnectionInfo{}, errtype.NewRefreshError("refresh was throttled until context expired", r.uri.String(), err)
	}

	key := r.key
	if key == nil {
		var err error
		key, err = DefaultKey()
		if err != nil {
			return ConnectionInfo{}, errtype.NewRefreshError("failed to generate key pair", r.uri.String(), err)
		}
	}
	pubPEM, err := publicKeyPEM(key)
	if err != nil {
		return ConnectionInfo{}, errtype.NewRefreshError("failed to encode public key", r.uri.String(), err)
	}

	type metaResult struct {
		resp controlplane.ConnectionInfoResponse
		err  error
	}
	type certResult struct {
		resp controlplane.CertificateResponse
		err  error
	}
	metaCh := make(chan metaResult, 1)
	certCh := make(chan certResult, 1)

	go func() {
		resp, err := r.client.GetConnectionInfo(ctx, r.uri)
		metaCh <- metaResult{resp, err}
	}()
	go func() {
		resp, err := r.client.GenerateClientCertificate(ctx, r.uri, pubPEM)
		certCh <- certResult{resp, err}
	}()

	var meta metaResult
	select {
	case meta = <-metaCh:
		if meta.err != nil {
			return ConnectionInfo{}, fmt.Errorf("failed to get instance metadata: %w", meta.err)
		}
	case <-ctx.Done():
		return ConnectionInfo{}, fmt.Errorf("refresh failed: %w", ctx.Err())
	}

	var cert certResult
	select {
	case cert = <-certCh:
		if cert.err != nil {
			return ConnectionInfo{}, fmt.Errorf("failed to generate client certificate: %w", cert.err)
		}
	case <-ctx.Done():
		return ConnectionInfo{}, fmt.Errorf("refresh failed: %w", ctx.Err())
	}

	ipAddrs := map[IPType]string{
		PublicIP:  meta.resp.PublicIPAddress,
		PrivateIP: meta.resp.IPAddress,
		PSC:       meta.resp.PSCDNSName,
	}

	return NewConnectionInfo(r.uri, cert.resp.CACert, cert.resp.PemCertificateChain, key, ipAddrs)
}

// IsTerminalError reports whether err indicates the instance does not
// exist (or is otherwise permanently unreachable), in which case the cache
// should evict the entry rather than keep retrying.
func IsTerminalError(err error) bool {
	var cpErr *errtype.ControlPlaneError
	for e := err; e != nil; e = unwrap(e) {
		if cp, ok := e.(*errtype.ControlPlaneError); ok {
			cpErr = cp
			break
		}
	}
	return cpErr != nil && cpErr.Terminal
}

func unwrap(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}
