package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"leadsheet/internal/util"
)

// StatusFunc supplies the payload for the /status endpoint.
type StatusFunc func() any

// Server is the small ops surface of the worker: health, metrics, and a
// JWT-guarded status snapshot. It carries no pipeline logic.
type Server struct {
	srv       *http.Server
	jwtSecret string
	status    StatusFunc
	logger    *zap.Logger
	started   time.Time
}

func New(port, jwtSecret string, status StatusFunc, logger *zap.Logger) *Server {
	s := &Server{
		jwtSecret: jwtSecret,
		status:    status,
		logger:    logger,
		started:   time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", s.requireAuth(s.handleStatus))

	s.srv = &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the ops endpoints.
func (s *Server) ListenAndServe() error {
	s.logger.Info("ops server listening", zap.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.status != nil {
		payload["pipeline"] = s.status()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("failed to write status response", zap.Error(err))
	}
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := util.ExtractToken(r)
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := util.ParseOpsToken(token, s.jwtSecret); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
