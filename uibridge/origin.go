package uibridge

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// defaultOrigins covers the loopback origins a browser presents when the
// gateway serves its UI locally. Custom entries add to these.
var defaultOrigins = []string{"localhost", "127.0.0.1", "::1"}

// originAllowed validates r.Header["Origin"] against an allow-list.
//
// Allowed entries support:
//   - Full Origin values with scheme, e.g. "https://example.com" or "http://127.0.0.1:5173"
//   - Hostnames, e.g. "example.com"
//   - Wildcard hostnames, e.g. "*.example.com" (subdomains only)
//   - Host:port pairs, e.g. "example.com:5173"
//   - Exact non-standard Origin values, e.g. "null"
//
// Requests without an Origin header are allowed; non-browser clients do
// not send one. An Origin whose host equals the request Host is always
// allowed, so a UI served by the gateway itself needs no entry.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	host := ""
	hostname := ""
	if err == nil {
		host = strings.ToLower(parsed.Host)
		hostname = strings.ToLower(parsed.Hostname())
	}
	if host != "" && strings.EqualFold(host, r.Host) {
		return true
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		// An entry with a scheme is a full Origin value match.
		if strings.Contains(entry, "://") {
			if origin == entry {
				return true
			}
			continue
		}
		// Wildcard hostname entries match subdomains, not the base domain.
		if strings.HasPrefix(entry, "*.") {
			base := strings.ToLower(strings.TrimPrefix(entry, "*."))
			if hostname != "" && base != "" && strings.HasSuffix(hostname, "."+base) {
				return true
			}
			continue
		}
		// A host:port entry compares against the parsed Host. This keeps
		// the "example.com" form hostname-only while enabling an explicit
		// port allow-list.
		if host != "" {
			if _, _, err := net.SplitHostPort(entry); err == nil {
				if host == strings.ToLower(entry) {
					return true
				}
				continue
			}
		}
		if hostname != "" && hostname == strings.ToLower(entry) {
			return true
		}
		// Exact string match for non-standard Origin values (e.g. "null").
		if origin == entry {
			return true
		}
	}
	return false
}
