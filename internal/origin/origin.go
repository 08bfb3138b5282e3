// Package origin validates browser Origin headers for the admin HTTP server
// and the /events WebSocket upgrade.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Wildcard in an allow-list admits every origin.
const Wildcard = "*"

// NormalizeHeader validates a browser Origin header and returns its canonical
// form (scheme://host[:port], default ports dropped) together with the
// host[:port] part. The special value "null" is accepted as-is with an empty
// host.
func NormalizeHeader(originHeader string) (normalized, host string, ok bool) {
	raw := strings.TrimSpace(originHeader)
	if raw == "null" {
		return "null", "", true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// ParseList parses a comma-separated allow-list. Entries are either "*" or a
// full origin; the returned entries are normalized.
func ParseList(raw string) ([]string, error) {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		switch entry {
		case "":
			continue
		case Wildcard:
			out = append(out, entry)
			continue
		}
		normalized, _, ok := NormalizeHeader(entry)
		if !ok {
			return nil, &InvalidError{Value: entry}
		}
		out = append(out, normalized)
	}
	return out, nil
}

type InvalidError struct {
	Value string
}

func (e *InvalidError) Error() string {
	return "invalid origin " + strconv.Quote(e.Value) + " (expected full origin like https://example.com)"
}

// IsAllowed reports whether a normalized origin may talk to requestHost.
//
// A non-empty allow-list is matched exactly (or by "*"). An empty list means
// same host:port only. The scheme is not compared since the server commonly
// sits behind a TLS-terminating proxy.
func IsAllowed(normalized, originHost, requestHost string, allowed []string) bool {
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == Wildcard || a == normalized {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		// "null" never matches a host.
		return false
	}
	reqHost, ok := canonicalHost(requestHost, scheme)
	return ok && reqHost == originHost
}

// Allowed applies IsAllowed to r. Requests without an Origin header are
// not browser cross-origin requests and are allowed.
func Allowed(r *http.Request, allowed []string) bool {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return true
	}
	normalized, host, ok := NormalizeHeader(header)
	return ok && IsAllowed(normalized, host, r.Host, allowed)
}

// canonicalHost lowercases an authority, brackets IPv6 literals and drops the
// scheme's default port.
func canonicalHost(authority, scheme string) (string, bool) {
	hostname, port, ok := splitAuthority(strings.ToLower(strings.TrimSpace(authority)))
	if !ok || hostname == "" {
		return "", false
	}
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == "" {
		return hostname, true
	}
	return hostname + ":" + port, true
}

// splitAuthority splits host[:port]. IPv6 literals must be bracketed; the
// brackets are stripped from the returned hostname.
func splitAuthority(authority string) (hostname, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", false
		}
		hostname, rest := authority[1:end], authority[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		port, found := strings.CutPrefix(rest, ":")
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
