package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/gateway"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type WSConfig struct {
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	SendBuffer      int
	MaxMessageBytes int64
}

func (c WSConfig) withDefaults() WSConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
	return c
}

type Options struct {
	Verifier auth.Verifier
	Gateway  *gateway.Gateway
	Logger   *slog.Logger
	WS       WSConfig
	// Ready maps dependency names to readiness checks.
	Ready map[string]Check
}

type Server struct {
	verifier auth.Verifier
	gateway  *gateway.Gateway
	logger   *slog.Logger
	ws       WSConfig
	ready    map[string]Check
	upgrader websocket.Upgrader
	mux      *mux.Router
}

func NewServer(o Options) *Server {
	s := &Server{
		verifier: o.Verifier,
		gateway:  o.Gateway,
		logger:   o.Logger,
		ws:       o.WS.withDefaults(),
		ready:    o.Ready,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// clients authenticate with a token, not cookies
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux: mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	report := make(map[string]string, len(s.ready))
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			report[name] = err.Error()
			continue
		}
		report[name] = "ok"
	}
	writeJSON(w, status, report)
}

// handleWS authenticates before upgrading; a rejected token never gets a
// socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.verifier.Verify(r.Context(), tokenFrom(r))
	if err != nil {
		status := http.StatusUnauthorized
		if apperr.CategoryOf(err) == apperr.Dependency {
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn("websocket auth rejected", "remote_addr", remoteIP(r), "error", err)
		writeJSON(w, status, map[string]string{"error": apperr.Message(err), "category": string(apperr.CategoryOf(err))})
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		s.logger.Warn("websocket upgrade failed", "user_id", id.UserID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	c := newWSConn(uuid.NewString(), ws, s.ws, s.logger)
	go c.writePump()

	sess := s.gateway.Connect(ctx, c, id)
	defer s.gateway.Disconnect(ctx, sess)
	c.readPump(func(raw []byte) {
		s.gateway.HandleMessage(ctx, sess, raw)
	})
}

func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
