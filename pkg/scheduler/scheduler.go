// Package scheduler drives the periodic settlement pipeline: harvest, then
// distribute, with one job log entry per run. A mutex guard keeps runs from
// overlapping when a tick fires while the previous run is still in flight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/d1c-labs/settler/pkg/distributor"
	"github.com/d1c-labs/settler/pkg/harvester"
	"github.com/d1c-labs/settler/pkg/joblog"
	"github.com/d1c-labs/settler/pkg/metrics"
)

// ErrRunInProgress is returned by RunNow when a run is already executing.
var ErrRunInProgress = errors.New("settlement run already in progress")

// Trigger labels what started a run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// HarvestService runs the harvest leg of the pipeline.
type HarvestService interface {
	HarvestFromTransfers(ctx context.Context) (harvester.Result, error)
}

// DistributeService runs the distribution leg of the pipeline.
type DistributeService interface {
	Distribute(ctx context.Context) (distributor.Result, error)
}

// JobLog records run outcomes.
type JobLog interface {
	Append(ctx context.Context, e joblog.Entry) error
}

// PendingCounter reports backlog sizes for the health gauges.
type PendingCounter interface {
	CountUnharvested(ctx context.Context) (int64, error)
	CountHarvestedUndistributed(ctx context.Context) (int64, error)
}

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Harvester   HarvestService
	Distributor DistributeService
	JobLog      JobLog
	Ledger      PendingCounter

	// Enabled gates scheduled runs. Manual runs ignore it.
	Enabled bool

	// Interval between scheduled settlement runs.
	Interval time.Duration

	// HealthInterval between backlog gauge refreshes.
	HealthInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Harvester == nil {
		return errors.New("harvester is required")
	}
	if cfg.Distributor == nil {
		return errors.New("distributor is required")
	}
	if cfg.JobLog == nil {
		return errors.New("job log is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = time.Minute
	}
	return nil
}

type Scheduler struct {
	log *slog.Logger
	cfg Config

	mu      sync.Mutex
	running bool
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Start launches the settlement and health loops. Both stop when ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		s.log.Info("starting settlement loop", "interval", s.cfg.Interval, "enabled", s.cfg.Enabled)
		ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.tick(ctx)
			}
		}
	}()

	go func() {
		s.refreshGauges(ctx)

		ticker := s.cfg.Clock.NewTicker(s.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.refreshGauges(ctx)
			}
		}
	}()
}

// Running reports whether a settlement run is currently executing.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// tick runs one scheduled settlement cycle. The overlap guard is checked
// before the enabled flag so a long-running cycle is always visible in the
// logs, even while scheduling is switched off.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.tryAcquire() {
		s.log.Warn("previous settlement run still in progress, skipping tick")
		metrics.RunTotal.WithLabelValues(string(TriggerScheduled), "skipped").Inc()
		return
	}
	defer s.release()

	if !s.cfg.Enabled {
		s.log.Debug("scheduled settlement disabled, skipping tick")
		return
	}
	s.run(ctx, TriggerScheduled)
}

// RunNow executes one settlement cycle immediately, ignoring the enabled
// flag. Returns ErrRunInProgress if a run is already executing.
func (s *Scheduler) RunNow(ctx context.Context) (joblog.Entry, error) {
	if !s.tryAcquire() {
		return joblog.Entry{}, ErrRunInProgress
	}
	defer s.release()
	return s.run(ctx, TriggerManual), nil
}

// run executes harvest then distribute and appends exactly one job log entry.
func (s *Scheduler) run(ctx context.Context, trigger Trigger) joblog.Entry {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("settlement run panicked", "panic", r)
			metrics.RunTotal.WithLabelValues(string(trigger), "panic").Inc()
		}
	}()

	start := s.cfg.Clock.Now()
	entry := joblog.Entry{ExecutedAt: start.UTC()}
	var runErrors []string

	s.log.Info("settlement run started", "trigger", trigger)

	hr, err := s.cfg.Harvester.HarvestFromTransfers(ctx)
	if err != nil {
		runErrors = append(runErrors, fmt.Sprintf("harvest failed: %v", err))
	} else {
		entry.HarvestedAmount = hr.TotalHarvested
		runErrors = append(runErrors, hr.Errors...)
	}

	// Distribution only runs on a clean harvest that moved something into
	// custody; an unsuccessful or empty harvest leaves the cycle to the
	// next tick.
	if err == nil && hr.Success && hr.TotalHarvested > 0 {
		dr, err := s.cfg.Distributor.Distribute(ctx)
		if err != nil {
			runErrors = append(runErrors, fmt.Sprintf("distribution failed: %v", err))
		} else {
			entry.DistributedAmount = dr.CollegeAmount
			entry.BurnedAmount = dr.BurnedAmount
			runErrors = append(runErrors, dr.Errors...)
		}
	}

	entry.Success = len(runErrors) == 0
	entry.ErrorMessage = strings.Join(runErrors, "; ")

	if err := s.cfg.JobLog.Append(ctx, entry); err != nil {
		s.log.Error("failed to append job log entry", "error", err)
	}

	status := "ok"
	if !entry.Success {
		status = "error"
	}
	metrics.RunTotal.WithLabelValues(string(trigger), status).Inc()
	metrics.RunDuration.Observe(s.cfg.Clock.Since(start).Seconds())

	s.log.Info("settlement run finished",
		"trigger", trigger,
		"success", entry.Success,
		"harvested", entry.HarvestedAmount,
		"distributed", entry.DistributedAmount,
		"burned", entry.BurnedAmount,
		"duration", s.cfg.Clock.Since(start).String())
	return entry
}

func (s *Scheduler) refreshGauges(ctx context.Context) {
	unharvested, err := s.cfg.Ledger.CountUnharvested(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Error("failed to count unharvested transfers", "error", err)
		}
		return
	}
	undistributed, err := s.cfg.Ledger.CountHarvestedUndistributed(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Error("failed to count undistributed transfers", "error", err)
		}
		return
	}
	metrics.PendingUnharvested.Set(float64(unharvested))
	metrics.PendingUndistributed.Set(float64(undistributed))
}
