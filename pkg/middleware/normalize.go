package middleware

import (
	"net/http"
	"path"
	"strings"
)

// Normalize cleans up request fields mangled by proxies before routing.
// "/api/webhooks/stripe/" and "//api/webhooks/stripe" both reach the webhook route.
func Normalize() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p := cleanPath(r.URL.Path); p != r.URL.Path {
				r.URL.Path = p
				r.URL.RawPath = ""
			}

			// 多层代理时取第一个值
			if proto := firstForwarded(r.Header.Get("X-Forwarded-Proto")); proto == "http" || proto == "https" {
				r.URL.Scheme = proto
			}
			if host := firstForwarded(r.Header.Get("X-Forwarded-Host")); host != "" {
				r.Host = host
			}
			next.ServeHTTP(w, r)
		})
	}
}

// cleanPath trims whitespace, collapses duplicate slashes and drops the trailing slash.
func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func firstForwarded(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.ToLower(strings.TrimSpace(v))
}
