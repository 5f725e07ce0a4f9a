package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// routePattern returns the matched chi route, so metrics are labelled by
// route rather than by id. Unmatched paths are normalized instead.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return normalizeMetricRoute(r.URL.Path)
}

func normalizeMetricRoute(route string) string {
	route = strings.TrimSpace(route)
	if route == "" {
		return "/unknown"
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	parts := strings.Split(route, "/")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len(p) >= 24 && isHexLike(strings.ReplaceAll(p, "-", "")) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func isHexLike(v string) bool {
	for _, ch := range v {
		if (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F') {
			continue
		}
		return false
	}
	return true
}
