// Package wallets is the registry of service-owned wallet roles and
// fee-exemption flags. The settlement core only reads it.
package wallets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Role is a logical wallet role.
type Role string

const (
	// RoleCustody is the operations wallet holding harvested fees until
	// distribution.
	RoleCustody Role = "CUSTODY"
	// RoleCommunity is the default payout wallet for transfers with no
	// linked college.
	RoleCommunity Role = "COMMUNITY"
)

// ErrNotConfigured is returned when a required wallet role has no row.
var ErrNotConfigured = errors.New("wallet role not configured")

type Wallet struct {
	ID        int64
	Role      Role
	Address   string
	FeeExempt bool
	CreatedAt time.Time
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

// CustodyWallet returns the operations custody wallet address.
func (s *Store) CustodyWallet(ctx context.Context) (string, error) {
	return s.addressByRole(ctx, RoleCustody)
}

// CommunityWallet returns the community payout wallet address.
func (s *Store) CommunityWallet(ctx context.Context) (string, error) {
	return s.addressByRole(ctx, RoleCommunity)
}

func (s *Store) addressByRole(ctx context.Context, role Role) (string, error) {
	var address string
	err := s.cfg.Pool.QueryRow(ctx,
		`SELECT wallet_address FROM wallets WHERE role = $1 ORDER BY created_at ASC LIMIT 1`,
		string(role),
	).Scan(&address)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotConfigured, role)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query %s wallet: %w", role, err)
	}
	return address, nil
}

// FeeExemptAddresses returns the set of addresses whose outgoing transfers'
// fees are refunded to the recipient instead of harvested.
func (s *Store) FeeExemptAddresses(ctx context.Context) (map[string]bool, error) {
	rows, err := s.cfg.Pool.Query(ctx, `SELECT wallet_address FROM wallets WHERE fee_exempt`)
	if err != nil {
		return nil, fmt.Errorf("failed to query fee-exempt wallets: %w", err)
	}
	defer rows.Close()

	exempt := make(map[string]bool)
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, fmt.Errorf("failed to scan fee-exempt wallet: %w", err)
		}
		exempt[address] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fee-exempt wallet rows: %w", err)
	}
	return exempt, nil
}

// IsFeeExempt reports whether a single address is flagged fee-exempt.
func (s *Store) IsFeeExempt(ctx context.Context, address string) (bool, error) {
	var exempt bool
	err := s.cfg.Pool.QueryRow(ctx,
		`SELECT fee_exempt FROM wallets WHERE wallet_address = $1`, address,
	).Scan(&exempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query wallet %s: %w", address, err)
	}
	return exempt, nil
}

// Put inserts or updates a registry entry. Used by seeding and tests; the
// settlement pipeline itself never writes here.
func (s *Store) Put(ctx context.Context, w Wallet) error {
	_, err := s.cfg.Pool.Exec(ctx, `
		INSERT INTO wallets (role, wallet_address, fee_exempt)
		VALUES ($1, $2, $3)
		ON CONFLICT (wallet_address)
		DO UPDATE SET role = EXCLUDED.role, fee_exempt = EXCLUDED.fee_exempt, updated_at = now()`,
		string(w.Role), w.Address, w.FeeExempt)
	if err != nil {
		return fmt.Errorf("failed to upsert wallet %s: %w", w.Address, err)
	}
	return nil
}
