// Package joblog is the append-only audit trail of settlement runs. One row
// per scheduled or manual run; rows are never mutated or deleted.
package joblog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/d1c-labs/settler/pkg/fees"
)

// Entry summarizes one settlement run. Amounts are base units.
type Entry struct {
	ID                int64
	ExecutedAt        time.Time
	Success           bool
	HarvestedAmount   uint64
	DistributedAmount uint64
	BurnedAmount      uint64
	ErrorMessage      string
}

// Summary aggregates the whole job log for operator dashboards.
type Summary struct {
	TotalRuns        int64
	SuccessfulRuns   int64
	FailedRuns       int64
	TotalHarvested   uint64
	TotalDistributed uint64
	TotalBurned      uint64
	LastExecutedAt   time.Time
}

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

type Store struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Append writes one run record.
func (s *Store) Append(ctx context.Context, e Entry) error {
	var errMsg *string
	if e.ErrorMessage != "" {
		errMsg = &e.ErrorMessage
	}
	_, err := s.cfg.Pool.Exec(ctx, `
		INSERT INTO fee_job_logs
			(executed_at, success, harvested_amount, distributed_amount, burned_amount, error_message)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ExecutedAt, e.Success,
		fees.DecimalFromBaseUnits(e.HarvestedAmount),
		fees.DecimalFromBaseUnits(e.DistributedAmount),
		fees.DecimalFromBaseUnits(e.BurnedAmount),
		errMsg)
	if err != nil {
		return fmt.Errorf("failed to append job log entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT id, executed_at, success, harvested_amount, distributed_amount, burned_amount,
			COALESCE(error_message, '')
		FROM fee_job_logs
		ORDER BY executed_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var harvested, distributed, burned decimal.Decimal
		if err := rows.Scan(&e.ID, &e.ExecutedAt, &e.Success, &harvested, &distributed, &burned, &e.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan job log entry: %w", err)
		}
		if e.HarvestedAmount, err = fees.BaseUnitsFromDecimal(harvested); err != nil {
			return nil, fmt.Errorf("invalid harvested amount on entry %d: %w", e.ID, err)
		}
		if e.DistributedAmount, err = fees.BaseUnitsFromDecimal(distributed); err != nil {
			return nil, fmt.Errorf("invalid distributed amount on entry %d: %w", e.ID, err)
		}
		if e.BurnedAmount, err = fees.BaseUnitsFromDecimal(burned); err != nil {
			return nil, fmt.Errorf("invalid burned amount on entry %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read job log rows: %w", err)
	}
	return entries, nil
}

// Summarize aggregates success/failure counts and settled amounts.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	var sum Summary
	var harvested, distributed, burned decimal.Decimal
	var last *time.Time
	err := s.cfg.Pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success),
			COALESCE(SUM(harvested_amount), 0),
			COALESCE(SUM(distributed_amount), 0),
			COALESCE(SUM(burned_amount), 0),
			MAX(executed_at)
		FROM fee_job_logs`).Scan(
		&sum.TotalRuns, &sum.SuccessfulRuns, &sum.FailedRuns,
		&harvested, &distributed, &burned, &last)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize job log: %w", err)
	}
	if sum.TotalHarvested, err = fees.BaseUnitsFromDecimal(harvested); err != nil {
		return Summary{}, fmt.Errorf("invalid harvested total: %w", err)
	}
	if sum.TotalDistributed, err = fees.BaseUnitsFromDecimal(distributed); err != nil {
		return Summary{}, fmt.Errorf("invalid distributed total: %w", err)
	}
	if sum.TotalBurned, err = fees.BaseUnitsFromDecimal(burned); err != nil {
		return Summary{}, fmt.Errorf("invalid burned total: %w", err)
	}
	if last != nil {
		sum.LastExecutedAt = *last
	}
	return sum, nil
}
