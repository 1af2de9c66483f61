package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/observability"
)

type contextKey string

const requestIDKey contextKey = "request-id"

func (s *Server) registerMiddleware() {
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.requestIDMiddleware)
	s.mux.Use(s.observabilityMiddleware)
}

// requestIDMiddleware reuses the caller's X-Request-ID when present and
// echoes it back.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, reqID)))
	})
}

// observabilityMiddleware records request metrics and one access log line.
// A websocket request is logged when the session ends, so its duration is
// the session length.
func (s *Server) observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := routeTemplate(r)
		code := strconv.Itoa(ww.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(elapsed.Seconds())

		if route == "/metrics" || route == "/healthz" {
			return
		}
		level := slog.LevelInfo
		if ww.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.LogAttrs(r.Context(), level, "http_request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", ww.status),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("remote_addr", remoteIP(r)),
			slog.String("request_id", requestIDFromContext(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			s.logger.Error("panic recovered",
				"error", rec,
				"route", routeTemplate(r),
				"stack", string(debug.Stack()),
			)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error", "category": "internal"})
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (r *responseWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
