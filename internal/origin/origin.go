// Package origin validates browser Origin headers for the relay's HTTP and
// WebSocket surfaces.
package origin

import (
	"net"
	"net/url"
	"strings"
)

// Normalize validates an Origin header and returns it in canonical
// scheme://host[:port] form, plus the host[:port] part for same-host
// comparisons. The special value "null" is passed through.
func Normalize(header string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
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

	host = strings.ToLower(u.Host)
	host = stripDefaultPort(host, scheme)
	return scheme + "://" + host, host, true
}

// Allowed reports whether the normalized origin may access requestHost.
//
// A non-empty allowlist is authoritative: entries are "*" or normalized
// origins. With an empty allowlist the policy is same-host only; scheme is
// deliberately not compared because the relay may sit behind a
// TLS-terminating proxy.
func Allowed(normalized, originHost, requestHost string, allowlist []string) bool {
	if len(allowlist) > 0 {
		for _, entry := range allowlist {
			if entry == "*" || entry == normalized {
				return true
			}
		}
		return false
	}

	if originHost == "" {
		// "null" origins cannot match a host-based request.
		return false
	}

	scheme := "http"
	if strings.HasPrefix(normalized, "https://") {
		scheme = "https"
	}
	return originHost == stripDefaultPort(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
}

func stripDefaultPort(host, scheme string) string {
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}
