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

// Package errtype defines the error types surfaced by the connector. Each
// type carries the instance URI the error pertains to so that callers (and
// logs) can identify which instance a failure is about without string
// parsing.
package errtype

import "fmt"

// ConfigError is used when the Connector is misconfigured, e.g. bad input,
// unknown ip_type, or unknown driver.
type ConfigError struct {
	message  string
	instance string
}

// NewConfigError initializes a ConfigError.
func NewConfigError(message, instance string) *ConfigError {
	return &ConfigError{message: message, instance: instance}
}

func (c *ConfigError) Error() string {
	return fmt.Sprintf("[%v] %v", c.instance, c.message)
}

// DialError is used when the Connector fails to dial, handshake, or complete a
// connection attempt.
type DialError struct {
	message  string
	instance string
	err      error
}

// NewDialError initializes a DialError.
func NewDialError(message, instance string, err error) *DialError {
	return &DialError{message: message, instance: instance, err: err}
}

func (d *DialError) Error() string {
	if d.err == nil {
		return fmt.Sprintf("[%v] %v", d.instance, d.message)
	}
	return fmt.Sprintf("[%v] %v: %v", d.instance, d.message, d.err)
}

// Unwrap allows the wrapped error to be inspected with errors.Is/As.
func (d *DialError) Unwrap() error {
	return d.err
}

// RefreshError is used when a refresh cycle fails to retrieve new
// connection info for an instance.
type RefreshError struct {
	message  string
	instance string
	err      error
}

// NewRefreshError initializes a RefreshError.
func NewRefreshError(message, instance string, err error) *RefreshError {
	return &RefreshError{message: message, instance: instance, err: err}
}

func (r *RefreshError) Error() string {
	if r.err == nil {
		return fmt.Sprintf("[%v] %v", r.instance, r.message)
	}
	return fmt.Sprintf("[%v] %v: %v", r.instance, r.message, r.err)
}

// Unwrap allows the wrapped error to be inspected with errors.Is/As.
func (r *RefreshError) Unwrap() error {
	return r.err
}

// ControlPlaneError reports a failure from the control-plane API: a
// network error or a non-2xx response. Terminal is set when the failure
// indicates the instance does not exist (or the caller lacks permission to
// see it) so the cache knows to evict rather than retry.
type ControlPlaneError struct {
	message    string
	instance   string
	StatusCode int
	Terminal   bool
	err        error
}

// NewControlPlaneError initializes a ControlPlaneError.
func NewControlPlaneError(message, instance string, statusCode int, terminal bool, err error) *ControlPlaneError {
	return &ControlPlaneError{
		message:    message,
		instance:   instance,
		StatusCode: statusCode,
		Terminal:   terminal,
		err:        err,
	}
}

func (c *ControlPlaneError) Error() string {
	if c.err == nil {
		return fmt.Sprintf("[%v] %v (status=%d)", c.instance, c.message, c.StatusCode)
	}
	return fmt.Sprintf("[%v] %v (status=%d): %v", c.instance, c.message, c.StatusCode, c.err)
}

// Unwrap allows the wrapped error to be inspected with errors.Is/As.
func (c *ControlPlaneError) Unwrap() error {
	return c.err
}

// IPTypeNotFoundError is returned when the instance's connection info does
// not contain an IP address matching the caller's preferred IP type.
type IPTypeNotFoundError struct {
	instance string
	ipType   string
}

// NewIPTypeNotFoundError initializes an IPTypeNotFoundError.
func NewIPTypeNotFoundError(instance, ipType string) *IPTypeNotFoundError {
	return &IPTypeNotFoundError{instance: instance, ipType: ipType}
}

func (e *IPTypeNotFoundError) Error() string {
	return fmt.Sprintf(
		"[%v] instance does not have an IP address matching type: %q",
		e.instance, e.ipType,
	)
}

// ClosedConnectorError is returned by the connector facade once it has
// been closed. It is distinct from ClosedError, which is scoped to a
// single refresher rather than the whole connector.
type ClosedConnectorError struct{}

// NewClosedConnectorError initializes a ClosedConnectorError.
func NewClosedConnectorError() *ClosedConnectorError {
	return &ClosedConnectorError{}
}

func (e *ClosedConnectorError) Error() string {
	return "Connection attempt failed because the connector has already been closed."
}

// ClosedError is returned by a refresher once it has been closed.
type ClosedError struct {
	instance string
}

// NewClosedError initializes a ClosedError.
func NewClosedError(instance string) *ClosedError {
	return &ClosedError{instance: instance}
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("[%v] instance has been closed", e.instance)
}
