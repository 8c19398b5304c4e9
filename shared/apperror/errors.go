// Copyright 2025 Takos
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package apperror defines the error taxonomy shared by every component that
// sits on the app mediation boundary. Each error carries a stable machine
// code and an HTTP status so the gateway can map failures onto the wire
// without inspecting error strings.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error classification.
type Code string

const (
	// CodeUnauthorized indicates a bad or missing RPC token.
	CodeUnauthorized Code = "UNAUTHORIZED"

	// CodeForbidden indicates a capability that is not exposed to the caller:
	// unknown service root, non-allowlisted agent tool, or an outbound request
	// blocked by an SSRF or blocklist rule.
	CodeForbidden Code = "FORBIDDEN"

	// CodeInvalidRequest indicates a malformed request: unknown kind, unsafe
	// property name, bad storage key, missing required field.
	CodeInvalidRequest Code = "INVALID_REQUEST"

	// CodeQuotaExceeded indicates a plan limit was reached.
	CodeQuotaExceeded Code = "QUOTA_EXCEEDED"

	// CodeRateLimited indicates a burst window was exceeded.
	CodeRateLimited Code = "RATE_LIMITED"

	// CodeDataPolicyViolation indicates a payload slice the node does not
	// permit to be sent to an AI provider.
	CodeDataPolicyViolation Code = "DATA_POLICY_VIOLATION"

	// CodeServiceUnavailable indicates a missing binding or configuration.
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"

	// CodeUpstreamError indicates a provider or outbound HTTP call failed.
	CodeUpstreamError Code = "UPSTREAM_ERROR"

	// CodeSandboxTimeout indicates a handler exceeded its execution budget.
	CodeSandboxTimeout Code = "SANDBOX_TIMEOUT"

	// CodeInternal is the catch-all for unclassified failures.
	CodeInternal Code = "INTERNAL"
)

// statusByCode maps each code to the HTTP status the gateway responds with.
// Token failures map to 403, not 401: apps must not be able to distinguish
// "wrong token" from "capability not exposed".
var statusByCode = map[Code]int{
	CodeUnauthorized:        http.StatusForbidden,
	CodeForbidden:           http.StatusForbidden,
	CodeInvalidRequest:      http.StatusBadRequest,
	CodeQuotaExceeded:       http.StatusPaymentRequired,
	CodeRateLimited:         http.StatusTooManyRequests,
	CodeDataPolicyViolation: http.StatusBadRequest,
	CodeServiceUnavailable:  http.StatusServiceUnavailable,
	CodeUpstreamError:       http.StatusBadGateway,
	CodeSandboxTimeout:      http.StatusBadGateway,
	CodeInternal:            http.StatusInternalServerError,
}

// Error is the typed error crossing the mediation boundary.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the HTTP status associated with the error's code.
func (e *Error) HTTPStatus() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WithDetail attaches a key/value detail and returns the error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an Error with an explicit code.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error with an explicit code and a cause.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Unauthorized creates a bad/missing token error.
func Unauthorized(format string, args ...interface{}) *Error {
	return New(CodeUnauthorized, format, args...)
}

// Forbidden creates a capability-not-exposed error.
func Forbidden(format string, args ...interface{}) *Error {
	return New(CodeForbidden, format, args...)
}

// InvalidRequest creates a malformed-request error.
func InvalidRequest(format string, args ...interface{}) *Error {
	return New(CodeInvalidRequest, format, args...)
}

// QuotaExceeded creates a plan-limit error.
func QuotaExceeded(format string, args ...interface{}) *Error {
	return New(CodeQuotaExceeded, format, args...)
}

// RateLimited creates a burst-window error carrying the limit that tripped.
func RateLimited(limit int, format string, args ...interface{}) *Error {
	return New(CodeRateLimited, format, args...).WithDetail("limit", limit)
}

// DataPolicyViolation creates a payload-slice policy error.
func DataPolicyViolation(format string, args ...interface{}) *Error {
	return New(CodeDataPolicyViolation, format, args...)
}

// ServiceUnavailable creates a missing-binding error.
func ServiceUnavailable(format string, args ...interface{}) *Error {
	return New(CodeServiceUnavailable, format, args...)
}

// Upstream wraps a failed provider or outbound HTTP call.
func Upstream(cause error, format string, args ...interface{}) *Error {
	return Wrap(CodeUpstreamError, cause, format, args...)
}

// SandboxTimeout creates an execution-budget error.
func SandboxTimeout(format string, args ...interface{}) *Error {
	return New(CodeSandboxTimeout, format, args...)
}

// FromError classifies an arbitrary error. Typed errors pass through;
// anything else becomes CodeInternal so internals never leak a code they
// did not choose.
func FromError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Code: CodeInternal, Message: err.Error(), Cause: err}
}

// CodeOf returns the code of a classified error, or CodeInternal.
func CodeOf(err error) Code {
	return FromError(err).Code
}

// HTTPStatusOf returns the HTTP status of a classified error, or 500.
func HTTPStatusOf(err error) int {
	return FromError(err).HTTPStatus()
}
