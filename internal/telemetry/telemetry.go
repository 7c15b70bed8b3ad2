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

// Package telemetry records counters describing the connector's internal
// operations: dial outcomes, refresh outcomes, and open connection counts.
// It is exporter-agnostic; callers configure the *sdkmetric.MeterProvider
// with whatever reader/exporter fits their environment.
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const (
	meterName = "github.com/nimbusdb/connector-go"

	dialCountName     = "dial_count"
	dialLatencyName   = "dial_latencies"
	openConnsName     = "open_connections"
	refreshCountName  = "refresh_count"
	statusAttr        = "status"
	cacheHitAttr      = "is_cache_hit"
	refreshStatusAttr = "refresh_status"

	// DialSuccess tags a dial attempt that completed successfully.
	DialSuccess = "success"
	// DialTCPError tags a dial attempt that failed during the TCP phase.
	DialTCPError = "tcp-error"
	// DialTLSError tags a dial attempt that failed during the TLS handshake.
	DialTLSError = "tls-error"
	// DialCacheError tags a dial attempt that failed to obtain connection
	// info from the cache.
	DialCacheError = "cache-error"
)

// Recorder is the subset of telemetry operations the refresh-ahead cache
// and connector facade emit. Implementations must be safe for concurrent
// use.
type Recorder interface {
	RecordDial(ctx context.Context, status string, cacheHit bool, latency time.Duration)
	RecordRefresh(success bool)
	RecordOpenConnection(ctx context.Context, delta int64)
}

// NoOp is a Recorder that discards everything, used when telemetry is
// disabled.
type NoOp struct{}

func (NoOp) RecordDial(context.Context, string, bool, time.Duration) {}
func (NoOp) RecordRefresh(bool)                                      {}
func (NoOp) RecordOpenConnection(context.Context, int64)             {}

// Metrics is the default Recorder, backed by OpenTelemetry instruments
// registered against a caller-supplied MeterProvider.
type Metrics struct {
	// provider is set only when NewMetrics created the MeterProvider itself.
	provider metric.MeterProvider

	dialCount    metric.Int64Counter
	dialLatency  metric.Float64Histogram
	openConns    metric.Int64UpDownCounter
	refreshCount metric.Int64Counter
}

// NewMetrics registers the connector's instruments against provider. If
// provider is nil, a local MeterProvider with no reader attached is used,
// which still validates instrument creation but exports nothing -- callers
// that want real export should pass their own provider configured with a
// periodic reader and exporter.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	var owned metric.MeterProvider
	if provider == nil {
		provider = sdkmetric.NewMeterProvider()
		owned = provider
	}
	m := provider.Meter(meterName)

	dialCount, err := m.Int64Counter(dialCountName)
	if err != nil {
		return nil, err
	}
	dialLatency, err := m.Float64Histogram(dialLatencyName)
	if err != nil {
		return nil, err
	}
	openConns, err := m.Int64UpDownCounter(openConnsName)
	if err != nil {
		return nil, err
	}
	refreshCount, err := m.Int64Counter(refreshCountName)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		provider:     owned,
		dialCount:    dialCount,
		dialLatency:  dialLatency,
		openConns:    openConns,
		refreshCount: refreshCount,
	}, nil
}

// RecordDial records the outcome and latency of one Connect attempt.
func (m *Metrics) RecordDial(ctx context.Context, status string, cacheHit bool, latency time.Duration) {
	set := attribute.NewSet(
		attribute.String(statusAttr, status),
		attribute.Bool(cacheHitAttr, cacheHit),
	)
	m.dialCount.Add(ctx, 1, metric.WithAttributeSet(set))
	m.dialLatency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributeSet(set))
}

// RecordRefresh records the outcome of one refresh cycle.
func (m *Metrics) RecordRefresh(success bool) {
	status := "failure"
	if success {
		status = "success"
	}
	m.refreshCount.Add(context.Background(), 1, metric.WithAttributeSet(
		attribute.NewSet(attribute.String(refreshStatusAttr, status)),
	))
}

// RecordOpenConnection adjusts the open-connection gauge by delta (+1 on
// open, -1 on close).
func (m *Metrics) RecordOpenConnection(ctx context.Context, delta int64) {
	m.openConns.Add(ctx, delta)
}

// Shutdown flushes and releases any MeterProvider this package created
// itself. If the caller supplied their own provider to NewMetrics, they own
// its lifecycle and Shutdown is a no-op here.
func (m *Metrics) Shutdown(ctx context.Context) error {
	sp, ok := m.provider.(*sdkmetric.MeterProvider)
	if !ok {
		return nil
	}
	return errors.Join(sp.ForceFlush(ctx), sp.Shutdown(ctx))
}
