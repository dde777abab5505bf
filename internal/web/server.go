// Package web serves the HTTP API, the live event websocket and the
// Prometheus metrics endpoint.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mtzanidakis/docpipe/internal/config"
	"github.com/mtzanidakis/docpipe/internal/filestore"
	"github.com/mtzanidakis/docpipe/internal/natsbus"
	"github.com/mtzanidakis/docpipe/internal/pipeline"
	"github.com/mtzanidakis/docpipe/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	store     *store.Store
	files     *filestore.Store
	pipe      *pipeline.Pipeline
	nats      *natsbus.Client
	hub       *Hub
	cfg       config.WebConfig
	limits    config.FilesConfig
	version   string
	startedAt time.Time
}

// NewServer builds the API server. events may be nil, in which case
// websocket clients connect but receive nothing.
func NewServer(st *store.Store, files *filestore.Store, p *pipeline.Pipeline, events *natsbus.Client, cfg *config.Config, version string) *Server {
	return &Server{
		store:     st,
		files:     files,
		pipe:      p,
		nats:      events,
		hub:       NewHub(),
		cfg:       cfg.Web,
		limits:    cfg.Files,
		version:   version,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)
	mux.Handle("GET /metrics", promhttp.Handler())
	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	if s.nats != nil {
		sub, err := s.hub.Follow(s.nats)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" {
			if _, pass, ok := r.BasicAuth(); !ok || pass != s.cfg.Auth {
				w.Header().Set("WWW-Authenticate", `Basic realm="docpipe"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}
