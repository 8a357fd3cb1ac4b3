// Package server exposes the operator API: manual harvest and distribution
// triggers, backlog inspection, the job log, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/d1c-labs/settler/pkg/distributor"
	"github.com/d1c-labs/settler/pkg/harvester"
	"github.com/d1c-labs/settler/pkg/joblog"
	"github.com/d1c-labs/settler/pkg/ledger"
)

// HarvestService is the harvester surface the API exposes.
type HarvestService interface {
	HarvestFromTransfers(ctx context.Context) (harvester.Result, error)
	HarvestFromAllAccounts(ctx context.Context) (harvester.Result, error)
	WithdrawFromMint(ctx context.Context) (harvester.Result, error)
}

// DistributeService is the distributor surface the API exposes.
type DistributeService interface {
	Distribute(ctx context.Context) (distributor.Result, error)
	Preview(ctx context.Context) (distributor.Accumulation, error)
	Summarize(ctx context.Context) (distributor.PendingSummary, error)
}

// RunService triggers full settlement cycles.
type RunService interface {
	RunNow(ctx context.Context) (joblog.Entry, error)
	Running() bool
}

// LedgerStore is the transfer ledger surface the API exposes.
type LedgerStore interface {
	ListUnharvested(ctx context.Context, limit int) ([]ledger.Transfer, error)
	ListHarvestedUndistributed(ctx context.Context, limit int) ([]ledger.Transfer, error)
	CountUnharvested(ctx context.Context) (int64, error)
	CountHarvestedUndistributed(ctx context.Context) (int64, error)
	MarkHarvested(ctx context.Context, ids []int64) (int64, error)
	MarkDistributed(ctx context.Context, ids []int64) (int64, error)
}

// JobLogStore reads the run audit trail.
type JobLogStore interface {
	Recent(ctx context.Context, limit int) ([]joblog.Entry, error)
	Summarize(ctx context.Context) (joblog.Summary, error)
}

type Config struct {
	Logger      *slog.Logger
	ListenAddr  string
	Harvester   HarvestService
	Distributor DistributeService
	Runner      RunService
	Ledger      LedgerStore
	JobLog      JobLogStore

	// AuthToken protects the /api routes with a bearer token when set.
	AuthToken string

	ShutdownTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if cfg.Harvester == nil {
		return errors.New("harvester is required")
	}
	if cfg.Distributor == nil {
		return errors.New("distributor is required")
	}
	if cfg.Runner == nil {
		return errors.New("runner is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger store is required")
	}
	if cfg.JobLog == nil {
		return errors.New("job log store is required")
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write healthz response", "error", err)
		}
	})
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		if s.cfg.AuthToken != "" {
			r.Use(s.authMiddleware)
		}

		r.Post("/harvest/transfers", s.handleHarvestTransfers)
		r.Post("/harvest/accounts", s.handleHarvestAccounts)
		r.Post("/harvest/mint", s.handleWithdrawFromMint)
		r.Post("/distribute", s.handleDistribute)
		r.Post("/run", s.handleRunCycle)

		r.Get("/distribution/preview", s.handleDistributionPreview)
		r.Get("/distribution/summary", s.handleDistributionSummary)

		r.Get("/transfers/pending", s.handlePendingCounts)
		r.Get("/transfers/unharvested", s.handleListUnharvested)
		r.Get("/transfers/undistributed", s.handleListUndistributed)
		r.Post("/transfers/mark-harvested", s.handleMarkHarvested)
		r.Post("/transfers/mark-distributed", s.handleMarkDistributed)

		r.Get("/joblog", s.handleJobLog)
		r.Get("/joblog/summary", s.handleJobLogSummary)

		r.Get("/status", s.handleStatus)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.AuthToken {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("http server stopping", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	case err := <-serveErrCh:
		return err
	}
}
