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

// Package debug provides the logging interface used internally by the
// connector. Callers may supply their own implementation via
// WithLogger; by default log lines are discarded.
package debug

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Logger is the minimal logging interface the connector depends on.
type Logger interface {
	Debugf(format string, args ...interface{})
}

// ContextLogger is a Logger that can also thread a context through, so a
// caller's structured logger can attach request-scoped fields (trace IDs,
// instance labels) to connector log lines.
type ContextLogger interface {
	Debugf(ctx context.Context, format string, args ...interface{})
}

// NullLogger is a Logger that discards all log lines. The connector's
// default when no logger is configured is the ContextLogger returned by
// NewNullContextLogger.
type NullLogger struct{}

// Debugf implements Logger.
func (NullLogger) Debugf(string, ...interface{}) {}

// nullContextLogger adapts NullLogger to ContextLogger.
type nullContextLogger struct{}

func (nullContextLogger) Debugf(context.Context, string, ...interface{}) {}

// NewNullContextLogger returns a ContextLogger that discards all log lines.
func NewNullContextLogger() ContextLogger { return nullContextLogger{} }

// contextAdapter adapts a plain Logger to ContextLogger by dropping the
// context.
type contextAdapter struct {
	l Logger
}

// AsContextLogger wraps a Logger so it satisfies ContextLogger.
func AsContextLogger(l Logger) ContextLogger {
	if l == nil {
		return nullContextLogger{}
	}
	return contextAdapter{l: l}
}

func (c contextAdapter) Debugf(_ context.Context, format string, args ...interface{}) {
	c.l.Debugf(format, args...)
}

// ZapLogger is a structured, JSON-emitting Logger backed by
// go.uber.org/zap. It satisfies Logger; AsContext returns a ContextLogger
// view of it.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger builds a ZapLogger around the given *zap.Logger. Passing nil
// builds zap's JSON production logger with its level lowered to Debug, so
// Debugf lines are emitted.
func NewZapLogger(base *zap.Logger) (*ZapLogger, error) {
	if base == nil {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		var err error
		base, err = cfg.Build()
		if err != nil {
			return nil, err
		}
	}
	return &ZapLogger{sugar: base.Sugar()}, nil
}

// Debugf implements Logger.
func (z *ZapLogger) Debugf(format string, args ...interface{}) {
	z.sugar.Debugf(format, args...)
}

// debugfCtx backs the Debugf method of the ContextLogger view returned by
// AsContext; ZapLogger's own Debugf already has Logger's signature.
func (z *ZapLogger) debugfCtx(_ context.Context, format string, args ...interface{}) {
	z.sugar.Debugw(fmt.Sprintf(format, args...))
}

// AsContext returns a ContextLogger view of this logger.
func (z *ZapLogger) AsContext() ContextLogger {
	return zapContextLogger{z: z}
}

type zapContextLogger struct {
	z *ZapLogger
}

func (c zapContextLogger) Debugf(ctx context.Context, format string, args ...interface{}) {
	c.z.debugfCtx(ctx, format, args...)
}

// Sync flushes any buffered log entries. Callers should defer Sync on
// shutdown.
func (z *ZapLogger) Sync() error {
	return z.sugar.Sync()
}
