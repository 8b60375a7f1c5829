package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"net/http"
	"net/url"
	"strings"
)

// CORS response header values.
const (
	corsAllowMethods  = "GET, POST, DELETE, OPTIONS"
	corsAllowHeaders  = "Accept, Content-Type, Authorization, If-None-Match"
	corsExposeHeaders = "ETag, Content-Disposition"
	corsMaxAge        = "86400"
)

// corsPolicy holds the allowed origins, split by kind. Patterns are
// "*", exact origins such as "https://example.com", and host wildcards
// such as "*.example.com", which match subdomains on any scheme and port.
type corsPolicy struct {
	any      bool
	exact    map[string]bool
	suffixes []string // ".example.com"
}

func newCORSPolicy(patterns []string) *corsPolicy {
	p := &corsPolicy{exact: make(map[string]bool, len(patterns))}
	for _, pattern := range patterns {
		switch {
		case pattern == "*":
			p.any = true
		case strings.HasPrefix(pattern, "*."):
			p.suffixes = append(p.suffixes, strings.ToLower(pattern[1:]))
		default:
			p.exact[strings.TrimSuffix(pattern, "/")] = true
		}
	}
	return p
}

// allows reports whether origin may read responses.
func (p *corsPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.any || p.exact[origin] {
		return true
	}
	if len(p.suffixes) == 0 {
		return false
	}

	host := originHost(origin)
	for _, suffix := range p.suffixes {
		// "*.example.com" matches "a.example.com" but not "example.com".
		if len(host) > len(suffix) && strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// originHost returns the lower-cased host of an origin without the port.
func originHost(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// middleware sets the CORS headers for allowed origins and answers
// preflight requests without calling next.
func (p *corsPolicy) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Add("Vary", "Origin")

		if origin := r.Header.Get("Origin"); p.allows(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
