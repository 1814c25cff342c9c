// Package httpapi exposes the event projection over REST endpoints and a
// GraphQL-compatible POST endpoint, mirroring the response shapes of the
// subgraph the projection replaces.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"domalend/indexer"
	"domalend/store"
)

const (
	// Total per-request budget, enforced by the router.
	handlerTimeout  = 30 * time.Second
	readTimeout     = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// HealthSource reports the indexer's lifecycle counters.
type HealthSource interface {
	Health() indexer.Health
}

// Server serves the read API for one store.
type Server struct {
	store  *store.Store
	health HealthSource
	logger *slog.Logger
	cors   CORSConfig
}

// New builds a server over the projection.
func New(st *store.Store, health HealthSource, cors CORSConfig, logger *slog.Logger) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  st,
		health: health,
		logger: logger.With("component", "httpapi"),
		cors:   cors,
	}, nil
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(handlerTimeout))
	r.Use(CORS(s.cors))

	r.With(Observe("health")).Get("/health", s.handleHealth)
	r.With(Observe("loans_kind")).Get("/api/loans/all", s.handleLoansAll)
	r.With(Observe("loans_kind")).Get("/api/loans/{kind}", s.handleLoansByKind)
	r.With(Observe("stats")).Get("/api/stats", s.handleStats)
	r.With(Observe("graphql")).Post("/graphql", s.handleGraphQL)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests within the shutdown timeout.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(s.Router(), "domalend.httpapi"),
		ReadHeaderTimeout: readTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return srv.Close()
	}
	err := <-errCh
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write response failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]interface{}{"error": msg})
}
