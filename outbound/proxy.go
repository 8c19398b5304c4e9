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

package outbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"takos/platform/audit"
	"takos/platform/quota"
	"takos/platform/shared/apperror"
)

const (
	// MaxResponseBytes caps a proxied response body at 1 MiB. The
	// content-length check is a best-effort early reject; the read itself
	// is always bounded.
	MaxResponseBytes = 1 << 20

	// DefaultTimeout is the per-call timeout when the caller sets none.
	DefaultTimeout = 30 * time.Second

	// DefaultPerMinute and DefaultPerDay are the proxy's own rate bucket.
	DefaultPerMinute = 30
	DefaultPerDay    = 5000
)

// RequestInit mirrors the fetch-style init block an app supplies.
type RequestInit struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	// TimeoutMs overrides the proxy's default per-call timeout.
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// Response is what the app receives back.
type Response struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body"`
}

// HTTPClient abstracts the underlying client for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ProxyConfig bundles the guard policy with proxy-level knobs.
type ProxyConfig struct {
	Guard   GuardConfig
	Limits  quota.Limits
	Timeout time.Duration
	MaxBody int64
}

// Proxy validates and executes outbound requests for background app jobs.
type Proxy struct {
	cfg      ProxyConfig
	rates    *quota.RateStore
	recorder audit.Recorder
	client   HTTPClient
}

// NewProxy creates a proxy. The HTTP client pins resolved IPs and refuses
// private addresses at dial time, which also covers DNS answers the literal
// checks cannot see.
func NewProxy(cfg ProxyConfig, rates *quota.RateStore, recorder audit.Recorder) *Proxy {
	if cfg.Limits.PerMinute == 0 {
		cfg.Limits.PerMinute = DefaultPerMinute
	}
	if cfg.Limits.PerDay == 0 {
		cfg.Limits.PerDay = DefaultPerDay
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBody == 0 {
		cfg.MaxBody = MaxResponseBytes
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if rates == nil {
		rates = quota.NewRateStore(nil)
	}
	return &Proxy{
		cfg:      cfg,
		rates:    rates,
		recorder: recorder,
		client: &http.Client{
			// The outer context carries the per-call timeout.
			Transport: &http.Transport{
				DialContext:     safeDialContext(),
				MaxIdleConns:    100,
				MaxConnsPerHost: 10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

// SetHTTPClient replaces the underlying client. Test hook.
func (p *Proxy) SetHTTPClient(client HTTPClient) {
	p.client = client
}

// Do runs the full pipeline for one outbound request on behalf of appID.
// Every verdict, allowed or not, is audited before Do returns.
func (p *Proxy) Do(ctx context.Context, appID string, authenticated bool, rawURL string, init RequestInit) (*Response, error) {
	start := time.Now()

	verdict := Validate(rawURL, authenticated, p.cfg.Guard)
	if verdict.Err != nil {
		p.record(ctx, appID, rawURL, verdict.Hostname, init.Method, audit.OutcomeBlocked, string(verdict.Reason), 0, start)
		return nil, verdict.Err
	}

	method, aerr := ValidateMethod(init.Method)
	if aerr != nil {
		p.record(ctx, appID, rawURL, verdict.Hostname, init.Method, audit.OutcomeBlocked, string(ReasonMethod), 0, start)
		return nil, aerr
	}
	for name := range init.Headers {
		if err := ValidateHeaderName(name); err != nil {
			p.record(ctx, appID, rawURL, verdict.Hostname, method, audit.OutcomeBlocked, string(ReasonHeader), 0, start)
			return nil, err
		}
	}

	// (8) the proxy's own rate bucket, keyed by app.
	if err := p.rates.Allow(ctx, "outbound", appID, "", p.cfg.Limits); err != nil {
		outcome := audit.OutcomeError
		reason := err.Error()
		if apperror.CodeOf(err) == apperror.CodeRateLimited {
			outcome = audit.OutcomeBlocked
			reason = string(ReasonRateLimited)
		}
		p.record(ctx, appID, rawURL, verdict.Hostname, method, outcome, reason, 0, start)
		return nil, err
	}

	timeout := p.cfg.Timeout
	if init.TimeoutMs > 0 {
		timeout = time.Duration(init.TimeoutMs) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if init.Body != "" {
		body = strings.NewReader(init.Body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, verdict.URL.String(), body)
	if err != nil {
		p.record(ctx, appID, rawURL, verdict.Hostname, method, audit.OutcomeError, err.Error(), 0, start)
		return nil, apperror.InvalidRequest("invalid outbound request: %v", err)
	}
	for name, value := range init.Headers {
		req.Header.Set(name, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		aerr := classifyTransportError(err)
		outcome := audit.OutcomeError
		reason := err.Error()
		if aerr.Code == apperror.CodeForbidden {
			outcome = audit.OutcomeBlocked
			reason = string(ReasonResolvedIP)
		}
		p.record(ctx, appID, rawURL, verdict.Hostname, method, outcome, reason, 0, start)
		return nil, aerr
	}
	defer resp.Body.Close()

	// Best-effort early reject before reading anything.
	if resp.ContentLength > p.cfg.MaxBody {
		p.record(ctx, appID, rawURL, verdict.Hostname, method, audit.OutcomeError, "response_too_large", resp.StatusCode, start)
		return nil, apperror.Upstream(nil, "response exceeds %d bytes", p.cfg.MaxBody)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBody+1))
	if err != nil {
		p.record(ctx, appID, rawURL, verdict.Hostname, method, audit.OutcomeError, err.Error(), resp.StatusCode, start)
		return nil, apperror.Upstream(err, "reading outbound response failed")
	}
	if int64(len(data)) > p.cfg.MaxBody {
		p.record(ctx, appID, rawURL, verdict.Hostname, method, audit.OutcomeError, "response_too_large", resp.StatusCode, start)
		return nil, apperror.Upstream(nil, "response exceeds %d bytes", p.cfg.MaxBody)
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	p.record(ctx, appID, rawURL, verdict.Hostname, method, audit.OutcomeAllowed, "", resp.StatusCode, start)
	return &Response{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    headers,
		Body:       data,
	}, nil
}

func (p *Proxy) record(ctx context.Context, appID, rawURL, hostname, method string, outcome audit.Outcome, reason string, httpStatus int, start time.Time) {
	details := map[string]interface{}{
		"url":        rawURL,
		"hostname":   hostname,
		"method":     method,
		"durationMs": time.Since(start).Milliseconds(),
	}
	if httpStatus > 0 {
		details["httpStatus"] = httpStatus
	}
	p.recorder.Record(ctx, audit.Event{
		Type:    audit.EventOutbound,
		Outcome: outcome,
		AppID:   appID,
		Reason:  reason,
		Details: details,
	})
}

// classifyTransportError maps a client error onto the taxonomy: deadline
// exceeded becomes SandboxTimeout, an SSRF dial refusal becomes Forbidden,
// everything else is an upstream failure.
func classifyTransportError(err error) *apperror.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperror.SandboxTimeout("outbound request timed out")
	}
	var dialErr *ssrfDialError
	if errors.As(err, &dialErr) {
		return apperror.Forbidden("address resolves to a private range")
	}
	return apperror.Upstream(err, "outbound request failed")
}

// ssrfDialError marks a connection refused by the dial-time IP check.
type ssrfDialError struct {
	host string
	ip   net.IP
}

func (e *ssrfDialError) Error() string {
	return fmt.Sprintf("ssrf: blocked connection to private IP %s (resolved from %s)", e.ip, e.host)
}

// safeDialContext returns a DialContext that resolves the hostname itself,
// refuses any private answer, and pins the connection to the first resolved
// address. Checking after resolution also closes DNS rebinding.
func safeDialContext() func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", addr, err)
		}

		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("dns resolution failed for %q: %w", host, err)
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no addresses resolved for %q", host)
		}

		for _, ip := range ips {
			if isPrivateAddress(ip.IP) {
				return nil, &ssrfDialError{host: host, ip: ip.IP}
			}
		}

		pinned := net.JoinHostPort(ips[0].IP.String(), port)
		return dialer.DialContext(ctx, network, pinned)
	}
}

func isPrivateAddress(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		return isPrivateIPv4(ip4)
	}
	return isPrivateIPv6(ip)
}
