// Package burnperiod tracks yearly burn windows and enforces the annual burn
// cap. Periods are anchored at the first burn the service ever performed and
// roll forward in exact one-year steps, so the window boundary is stable
// across restarts.
package burnperiod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/d1c-labs/settler/pkg/fees"
)

// ErrCapExceeded is returned by Admit when the requested burn would push the
// current period past the annual cap.
var ErrCapExceeded = errors.New("annual burn cap exceeded")

// Period is one yearly burn window. BurnedAmount is base units.
type Period struct {
	ID            int64
	PeriodStartAt time.Time
	BurnedAmount  uint64
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Pool   *pgxpool.Pool

	// AnnualBurnCap is the maximum base units burnable per period.
	AnnualBurnCap uint64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.AnnualBurnCap == 0 {
		return errors.New("annual burn cap is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Tracker struct {
	log *slog.Logger
	cfg Config
}

func NewTracker(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// CurrentPeriod returns the period covering now, creating it if missing. The
// first call ever anchors the schedule at the current instant; later periods
// start on exact anniversaries of that anchor.
func (t *Tracker) CurrentPeriod(ctx context.Context) (Period, error) {
	now := t.cfg.Clock.Now().UTC()

	latest, err := t.latestPeriod(ctx)
	if errors.Is(err, pgx.ErrNoRows) {
		return t.createPeriod(ctx, now)
	}
	if err != nil {
		return Period{}, err
	}

	if now.Before(latest.PeriodStartAt.AddDate(1, 0, 0)) {
		return latest, nil
	}

	// Roll forward to the anniversary boundary covering now.
	start := latest.PeriodStartAt
	for !now.Before(start.AddDate(1, 0, 0)) {
		start = start.AddDate(1, 0, 0)
	}
	t.log.Info("starting new burn period", "period_start_at", start)
	return t.createPeriod(ctx, start)
}

func (t *Tracker) latestPeriod(ctx context.Context) (Period, error) {
	var p Period
	var burned decimal.Decimal
	err := t.cfg.Pool.QueryRow(ctx, `
		SELECT id, period_start_at, burned_amount
		FROM burn_periods
		ORDER BY period_start_at DESC
		LIMIT 1`).Scan(&p.ID, &p.PeriodStartAt, &burned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, err
		}
		return Period{}, fmt.Errorf("failed to query latest burn period: %w", err)
	}
	if p.BurnedAmount, err = fees.BaseUnitsFromDecimal(burned); err != nil {
		return Period{}, fmt.Errorf("invalid burned amount on period %d: %w", p.ID, err)
	}
	return p, nil
}

// createPeriod inserts a period at start and reads it back. ON CONFLICT makes
// concurrent creation by two instances converge on the same row.
func (t *Tracker) createPeriod(ctx context.Context, start time.Time) (Period, error) {
	_, err := t.cfg.Pool.Exec(ctx, `
		INSERT INTO burn_periods (period_start_at)
		VALUES ($1)
		ON CONFLICT (period_start_at) DO NOTHING`, start)
	if err != nil {
		return Period{}, fmt.Errorf("failed to create burn period: %w", err)
	}

	var p Period
	var burned decimal.Decimal
	err = t.cfg.Pool.QueryRow(ctx, `
		SELECT id, period_start_at, burned_amount
		FROM burn_periods
		WHERE period_start_at = $1`, start).Scan(&p.ID, &p.PeriodStartAt, &burned)
	if err != nil {
		return Period{}, fmt.Errorf("failed to read back burn period: %w", err)
	}
	if p.BurnedAmount, err = fees.BaseUnitsFromDecimal(burned); err != nil {
		return Period{}, fmt.Errorf("invalid burned amount on period %d: %w", p.ID, err)
	}
	return p, nil
}

// CanAdmit reports whether the current period has room for the requested burn.
func (t *Tracker) CanAdmit(ctx context.Context, requested uint64) (bool, error) {
	p, err := t.CurrentPeriod(ctx)
	if err != nil {
		return false, err
	}
	if requested > t.cfg.AnnualBurnCap {
		return false, nil
	}
	return p.BurnedAmount <= t.cfg.AnnualBurnCap-requested, nil
}

// Admit records a burn against the current period. The predicate re-checks the
// cap inside the UPDATE, so two instances admitting concurrently cannot
// overshoot: the loser affects zero rows and gets ErrCapExceeded.
func (t *Tracker) Admit(ctx context.Context, amount uint64) error {
	if amount == 0 {
		return nil
	}
	p, err := t.CurrentPeriod(ctx)
	if err != nil {
		return err
	}

	tag, err := t.cfg.Pool.Exec(ctx, `
		UPDATE burn_periods
		SET burned_amount = burned_amount + $1, updated_at = now()
		WHERE id = $2 AND burned_amount + $1 <= $3`,
		fees.DecimalFromBaseUnits(amount), p.ID,
		fees.DecimalFromBaseUnits(t.cfg.AnnualBurnCap))
	if err != nil {
		return fmt.Errorf("failed to record burn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: period %d, requested %d", ErrCapExceeded, p.ID, amount)
	}

	t.log.Debug("recorded burn", "period_id", p.ID, "amount", amount)
	return nil
}
