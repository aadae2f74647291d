// Package origin decides which browser origins may use the relay's HTTP and
// WebSocket endpoints.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Wildcard in an allow list admits every origin.
const Wildcard = "*"

// NormalizeHeader validates a browser Origin header and returns it as
// scheme://host[:port], plus the host[:port] part. Default ports are dropped.
// The opaque origin "null" is returned as-is with an empty host.
func NormalizeHeader(originHeader string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
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

// Policy is an origin allow list. An empty list admits same-host requests
// only.
type Policy struct {
	allowed []string
}

// NewPolicy normalizes allowed. Entries that are not valid origins are
// skipped; config validation reports them before a Policy is built.
func NewPolicy(allowed []string) *Policy {
	p := &Policy{}
	for _, entry := range allowed {
		if entry == Wildcard {
			p.allowed = append(p.allowed, entry)
			continue
		}
		if normalized, _, ok := NormalizeHeader(entry); ok {
			p.allowed = append(p.allowed, normalized)
		}
	}
	return p
}

// AllowsAny reports whether the policy admits every origin.
func (p *Policy) AllowsAny() bool {
	for _, a := range p.allowed {
		if a == Wildcard {
			return true
		}
	}
	return false
}

// Check admits r if it carries no Origin header (non-browser clients) or its
// origin is allowed.
func (p *Policy) Check(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}
	normalized, host, ok := NormalizeHeader(header)
	if !ok {
		return false
	}
	return p.allows(normalized, host, r.Host)
}

func (p *Policy) allows(normalized, originHost, requestHost string) bool {
	if len(p.allowed) > 0 {
		for _, a := range p.allowed {
			if a == Wildcard || a == normalized {
				return true
			}
		}
		return false
	}

	// Same host:port. The scheme is not compared: behind a TLS-terminating
	// proxy the request arrives as http while the page is https.
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		return false
	}
	reqHost, ok := canonicalHost(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	return ok && reqHost == originHost
}

// canonicalHost lowercases an authority, validates its port and drops the
// scheme's default port. IPv6 literals keep their brackets.
func canonicalHost(authority, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(authority)
	if !ok {
		return "", false
	}
	hostname = strings.ToLower(hostname)
	if hostname == "" {
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

// splitHostPort splits host[:port]. IPv6 hostnames are returned without
// brackets; the port is not validated.
func splitHostPort(authority string) (hostname, port string, ok bool) {
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
		hostname, port, _ := strings.Cut(authority, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 is not a valid authority.
		return "", "", false
	}
}
