// Package server provides the HTTP server and routing for FinPack.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	backtesthandlers "github.com/finpack/finpack/internal/modules/backtest/handlers"
)

// Config holds server configuration.
type Config struct {
	Log      zerolog.Logger
	Port     int
	DevMode  bool
	Backtest *backtesthandlers.BacktestHandlers
}

// Server is the HTTP front end.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	port   int
}

// New wires middleware and routes.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("service", "server").Logger(),
		port:   cfg.Port,
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if !cfg.DevMode {
		s.router.Use(middleware.Compress(5))
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api", func(r chi.Router) {
		cfg.Backtest.RegisterRoutes(r)
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.router,
		// Long-running backtests stream progress over SSE; no write
		// timeout, generous read timeout.
		ReadTimeout: 30 * time.Second,
	}
	return s
}

// Router exposes the chi mux, mainly for tests.
func (s *Server) Router() *chi.Mux { return s.router }

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
