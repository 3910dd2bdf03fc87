// Package origin implements the browser Origin policy shared by the relay's
// HTTP routes and its WebSocket upgrade.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Null is the opaque origin browsers send from sandboxed or file:// pages.
const Null = "null"

// Normalize validates a browser Origin value and returns it as
// scheme://host[:port] together with its host[:port] part. Default ports are
// dropped from both.
func Normalize(raw string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == Null {
		return Null, "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Allowed reports whether a normalized origin may reach requestHost.
//
// A non-empty allowlist is authoritative; "*" admits everything. With no
// allowlist only same host:port requests pass. Schemes are not compared so a
// TLS-terminating proxy in front of the relay does not break same-host checks.
func Allowed(normalized, originHost, requestHost string, allowlist []string) bool {
	if len(allowlist) > 0 {
		for _, entry := range allowlist {
			if entry == "*" || entry == normalized {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalized, "://")
	if !found || (scheme != "http" && scheme != "https") {
		return false
	}
	reqHost, ok := canonicalAuthority(strings.TrimSpace(requestHost), scheme)
	if !ok {
		return false
	}
	return originHost == reqHost
}

// Check applies the policy to r. Requests without an Origin header are not
// browser cross-origin requests and always pass with an empty origin.
func Check(r *http.Request, allowlist []string) (normalized string, ok bool) {
	raw := strings.TrimSpace(r.Header.Get("Origin"))
	if raw == "" {
		return "", true
	}
	normalized, host, ok := Normalize(raw)
	if !ok || !Allowed(normalized, host, r.Host, allowlist) {
		return "", false
	}
	return normalized, true
}

func canonicalAuthority(authority, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.ToLower(authority))
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port]. IPv6 literals must be bracketed and are
// returned without brackets.
func splitHostPort(authority string) (hostname, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}

	if rest, isV6 := strings.CutPrefix(authority, "["); isV6 {
		hostname, after, found := strings.Cut(rest, "]")
		if !found {
			return "", "", false
		}
		if after == "" {
			return hostname, "", true
		}
		port, found = strings.CutPrefix(after, ":")
		if !found || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(authority, ":") {
	case 0:
		return authority, "", true
	case 1:
		hostname, port, _ = strings.Cut(authority, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		return "", "", false
	}
}
