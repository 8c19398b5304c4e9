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

// Package outbound implements the SSRF-resistant HTTP proxy used by
// scheduled and background app jobs. Validation is fail-closed and ordered;
// the first failing rule wins and every verdict is audited with a distinct
// reason before anything reaches the network.
package outbound

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"takos/platform/shared/apperror"
)

// Reason identifies which rule blocked (or passed) an outbound request.
// Reasons are stable strings: they end up in the audit trail.
type Reason string

const (
	ReasonDisabled      Reason = "proxy_disabled"
	ReasonAuthenticated Reason = "authenticated_caller"
	ReasonScheme        Reason = "disallowed_scheme"
	ReasonHostname      Reason = "blocked_hostname"
	ReasonPrivateIPv4   Reason = "private_ipv4"
	ReasonPrivateIPv6   Reason = "private_ipv6"
	ReasonBlocklist     Reason = "instance_blocklist"
	ReasonMethod        Reason = "disallowed_method"
	ReasonHeader        Reason = "invalid_header_name"
	ReasonRateLimited   Reason = "rate_limited"
	ReasonResolvedIP    Reason = "resolved_private_ip"
)

// allowedMethods is the closed set of HTTP methods apps may proxy.
var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"HEAD": true, "OPTIONS": true, "PATCH": true,
}

// headerNamePattern restricts proxied header names.
var headerNamePattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// privateIPv4Networks are the IPv4 ranges an app may never reach.
var privateIPv4Networks []*net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",     // RFC 1918 private
		"172.16.0.0/12",  // RFC 1918 private
		"192.168.0.0/16", // RFC 1918 private
		"169.254.0.0/16", // link-local (cloud metadata endpoints)
		"127.0.0.0/8",    // loopback
		"0.0.0.0/8",      // current network
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR in privateIPv4Networks: " + cidr)
		}
		privateIPv4Networks = append(privateIPv4Networks, network)
	}
}

// GuardConfig is the node policy the guard enforces. Values arrive already
// resolved from the environment; the guard only reads them.
type GuardConfig struct {
	// Enabled gates the whole proxy feature.
	Enabled bool

	// InternalHostname is the platform's own hostname; apps may not call it.
	InternalHostname string

	// Blocklist is the node's federation blocklist, matched against the
	// target hostname and its subdomains.
	Blocklist []string
}

// Verdict is the outcome of running the ordered validation pipeline.
type Verdict struct {
	URL      *url.URL
	Hostname string
	Reason   Reason
	Err      *apperror.Error
}

// Validate runs rules (1)-(7) of the pipeline: feature flag, caller
// authentication, scheme, hostname, IPv4 literal, IPv6 literal, blocklist.
// Rate limiting (8) is caller-side because it consumes quota. Returns a
// verdict whose Err is nil only when every rule passed.
func Validate(rawURL string, authenticated bool, cfg GuardConfig) Verdict {
	// (1) feature flag
	if !cfg.Enabled {
		return blocked("", nil, ReasonDisabled,
			apperror.Forbidden("outbound proxy is not enabled on this node"))
	}

	// (2) reserved for background jobs: an authenticated caller is refused,
	// not silently downgraded.
	if authenticated {
		return blocked("", nil, ReasonAuthenticated,
			apperror.Forbidden("outbound proxy is not available to authenticated callers"))
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return blocked("", nil, ReasonScheme,
			apperror.InvalidRequest("invalid outbound URL"))
	}
	hostname := strings.ToLower(parsed.Hostname())

	// (3) scheme
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return blocked(hostname, parsed, ReasonScheme,
			apperror.Forbidden("scheme %q is not allowed", parsed.Scheme))
	}

	// (4) hostname
	if hostname == "localhost" || strings.HasSuffix(hostname, ".local") ||
		(cfg.InternalHostname != "" && hostname == strings.ToLower(cfg.InternalHostname)) {
		return blocked(hostname, parsed, ReasonHostname,
			apperror.Forbidden("hostname %q is not allowed", hostname))
	}

	if ip := net.ParseIP(hostname); ip != nil {
		// (5) IPv4 literal
		if ip4 := ip.To4(); ip4 != nil {
			if isPrivateIPv4(ip4) {
				return blocked(hostname, parsed, ReasonPrivateIPv4,
					apperror.Forbidden("address %s is in a private range", hostname))
			}
		} else {
			// (6) IPv6 literal
			if isPrivateIPv6(ip) {
				return blocked(hostname, parsed, ReasonPrivateIPv6,
					apperror.Forbidden("address %s is in a private range", hostname))
			}
		}
	}

	// (7) instance blocklist
	for _, entry := range cfg.Blocklist {
		entry = strings.ToLower(entry)
		if entry == "" {
			continue
		}
		if hostname == entry || strings.HasSuffix(hostname, "."+entry) {
			return blocked(hostname, parsed, ReasonBlocklist,
				apperror.Forbidden("hostname %q matches the instance blocklist", hostname))
		}
	}

	return Verdict{URL: parsed, Hostname: hostname}
}

// ValidateMethod checks the proxied method against the closed whitelist.
func ValidateMethod(method string) (string, *apperror.Error) {
	m := strings.ToUpper(method)
	if m == "" {
		m = "GET"
	}
	if !allowedMethods[m] {
		return "", apperror.InvalidRequest("method %q is not allowed", method)
	}
	return m, nil
}

// ValidateHeaderName checks one proxied header name.
func ValidateHeaderName(name string) *apperror.Error {
	if !headerNamePattern.MatchString(name) {
		return apperror.InvalidRequest("invalid header name %q", name)
	}
	return nil
}

func isPrivateIPv4(ip net.IP) bool {
	for _, network := range privateIPv4Networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func isPrivateIPv6(ip net.IP) bool {
	if ip.IsLoopback() {
		return true // ::1
	}
	if ip.IsLinkLocalUnicast() {
		return true // fe80::/10
	}
	// fc00::/7 unique local
	return len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc
}

func blocked(hostname string, u *url.URL, reason Reason, err *apperror.Error) Verdict {
	return Verdict{URL: u, Hostname: hostname, Reason: reason, Err: err}
}
