// Package ledger is the relational store of observed on-chain transfers and
// their two-flag settlement lifecycle (fee_harvested, fee_distributed).
// Rows are appended by webhook ingestion (outside this service) and only ever
// flipped forward here; fee_distributed is never set on a row that is not
// already harvested.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/d1c-labs/settler/pkg/fees"
)

// Transfer is one observed fee-bearing transfer. Amount is the transfer
// amount in base units, not the fee itself. CollegeWallet is the payout
// wallet of the linked college, empty when the transfer is unaffiliated.
type Transfer struct {
	ID             int64
	Signature      string
	From           string // empty when unknown
	To             string // empty when unknown
	Amount         uint64
	CollegeWallet  string
	FeeHarvested   bool
	FeeDistributed bool
	OccurredAt     time.Time
}

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool

	// ExcludeFromAddress filters out transfers originated by this address
	// (the custody wallet) from distribution queries, so custody-originated
	// transfers are not recycled back into the payout pool. Empty disables
	// the filter.
	ExcludeFromAddress string
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

const transferColumns = `
	t.id, t.signature,
	COALESCE(t.from_address, ''), COALESCE(t.to_address, ''),
	t.amount, COALESCE(c.wallet_address, ''),
	t.fee_harvested, t.fee_distributed,
	COALESCE(t.occurred_at, t.created_at)`

// ListUnharvested returns transfers whose fees have not been harvested yet,
// oldest first. A limit <= 0 returns everything.
func (s *Store) ListUnharvested(ctx context.Context, limit int) ([]Transfer, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfers t
		LEFT JOIN colleges c ON c.id = t.linked_college_id
		WHERE NOT t.fee_harvested
		ORDER BY COALESCE(t.occurred_at, t.created_at) ASC`
	return s.list(ctx, query, limit)
}

// ListHarvestedUndistributed returns transfers ready for distribution, oldest
// first, excluding custody-originated rows when the store is configured to.
func (s *Store) ListHarvestedUndistributed(ctx context.Context, limit int) ([]Transfer, error) {
	clause, args := s.excludeFromClause()
	query := `
		SELECT ` + transferColumns + `
		FROM transfers t
		LEFT JOIN colleges c ON c.id = t.linked_college_id
		WHERE t.fee_harvested AND NOT t.fee_distributed` + clause + `
		ORDER BY COALESCE(t.occurred_at, t.created_at) ASC`
	return s.list(ctx, query, limit, args...)
}

func (s *Store) list(ctx context.Context, query string, limit int, args ...any) ([]Transfer, error) {
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.cfg.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var transfers []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transfer rows: %w", err)
	}
	return transfers, nil
}

func scanTransfer(row pgx.Row) (Transfer, error) {
	var t Transfer
	var amount decimal.Decimal
	if err := row.Scan(
		&t.ID, &t.Signature, &t.From, &t.To, &amount,
		&t.CollegeWallet, &t.FeeHarvested, &t.FeeDistributed, &t.OccurredAt,
	); err != nil {
		return Transfer{}, fmt.Errorf("failed to scan transfer: %w", err)
	}
	v, err := fees.BaseUnitsFromDecimal(amount)
	if err != nil {
		return Transfer{}, fmt.Errorf("invalid amount on transfer %d: %w", t.ID, err)
	}
	t.Amount = v
	return t, nil
}

// CountUnharvested returns the number of transfers awaiting harvest,
// excluding custody-originated rows when configured.
func (s *Store) CountUnharvested(ctx context.Context) (int64, error) {
	clause, args := s.excludeFromClause()
	query := `SELECT COUNT(*) FROM transfers t WHERE NOT t.fee_harvested` + clause
	var count int64
	if err := s.cfg.Pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unharvested transfers: %w", err)
	}
	return count, nil
}

// CountHarvestedUndistributed returns the number of transfers awaiting
// distribution.
func (s *Store) CountHarvestedUndistributed(ctx context.Context) (int64, error) {
	clause, args := s.excludeFromClause()
	query := `SELECT COUNT(*) FROM transfers t WHERE t.fee_harvested AND NOT t.fee_distributed` + clause
	var count int64
	if err := s.cfg.Pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count undistributed transfers: %w", err)
	}
	return count, nil
}

// MarkHarvested flips fee_harvested on the given rows. Already-harvested rows
// are left untouched, so re-running a batch is idempotent. Returns the number
// of rows actually updated.
func (s *Store) MarkHarvested(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.cfg.Pool.Exec(ctx, `
		UPDATE transfers
		SET fee_harvested = TRUE, updated_at = now()
		WHERE id = ANY($1) AND NOT fee_harvested`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to mark transfers harvested: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkDistributed flips fee_distributed on the given rows. The conditional
// predicate keeps the lifecycle monotonic (never distributes before harvest)
// and makes the update safe to race: a second instance updating the same rows
// affects zero of them instead of double-marking.
func (s *Store) MarkDistributed(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.cfg.Pool.Exec(ctx, `
		UPDATE transfers
		SET fee_distributed = TRUE, updated_at = now()
		WHERE id = ANY($1) AND fee_harvested AND NOT fee_distributed`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to mark transfers distributed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkRefunded flips both lifecycle flags in one statement: a refunded fee
// never reaches the distributor.
func (s *Store) MarkRefunded(ctx context.Context, id int64) error {
	_, err := s.cfg.Pool.Exec(ctx, `
		UPDATE transfers
		SET fee_harvested = TRUE, fee_distributed = TRUE, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark transfer %d refunded: %w", id, err)
	}
	return nil
}

// MarkHarvestedByRecipient marks unharvested transfers whose recipient is in
// the given address set. This is the full-scan reconciliation path: it matches
// by address rather than by exact source account, which can over-mark when a
// recipient has newer unobserved activity. Returns the number of rows updated.
func (s *Store) MarkHarvestedByRecipient(ctx context.Context, addresses []string) (int64, error) {
	if len(addresses) == 0 {
		return 0, nil
	}
	tag, err := s.cfg.Pool.Exec(ctx, `
		UPDATE transfers
		SET fee_harvested = TRUE, updated_at = now()
		WHERE to_address = ANY($1) AND NOT fee_harvested`, addresses)
	if err != nil {
		return 0, fmt.Errorf("failed to mark transfers harvested by recipient: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) excludeFromClause() (string, []any) {
	if s.cfg.ExcludeFromAddress == "" {
		return "", nil
	}
	return " AND COALESCE(t.from_address, '') <> $1", []any{s.cfg.ExcludeFromAddress}
}
