package server

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/aigrid/internal/auth"
)

// authMiddleware requires a valid bearer token when authentication is
// enabled and stores the caller in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		raw, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusForbidden, "not authenticated", "FORBIDDEN")
			return
		}
		p, err := s.auth.Verify(r.Context(), raw)
		if err != nil {
			writeError(w, http.StatusForbidden, "invalid or expired token", "FORBIDDEN")
			return
		}
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		auditLog(r, p, ww.status)
	})
}

// auditLog records mutating requests made by an authenticated caller.
func auditLog(r *http.Request, p auth.Principal, status int) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return
	}
	slog.Info("audit",
		"principal", p.Subject,
		"auth_method", p.Method,
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"request_id", middleware.GetReqID(r.Context()),
	)
}

// metricsMiddleware records every request against its route pattern.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.metrics.RequestStarted()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.metrics.RequestFinished(r.Method, routePattern(r), ww.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacker unsupported")
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }
