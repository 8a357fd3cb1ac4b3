// Package distributor pays out harvested fees. Each harvested transfer
// contributes a college share, paid to its linked college wallet (or the
// community wallet when unaffiliated), and a burn share destroyed under the
// annual cap. The ops share stays in custody and is never touched here.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/d1c-labs/settler/pkg/chain"
	"github.com/d1c-labs/settler/pkg/fees"
	"github.com/d1c-labs/settler/pkg/ledger"
	"github.com/d1c-labs/settler/pkg/metrics"
)

// PayoutMode selects how payouts leave the service.
type PayoutMode string

const (
	// PayoutTransfer moves tokens out of the custody wallet.
	PayoutTransfer PayoutMode = "transfer"
	// PayoutMint mints new tokens to the destination instead.
	PayoutMint PayoutMode = "mint"
)

// LedgerStore is the slice of the transfer ledger the distributor needs.
type LedgerStore interface {
	ListHarvestedUndistributed(ctx context.Context, limit int) ([]ledger.Transfer, error)
	MarkDistributed(ctx context.Context, ids []int64) (int64, error)
}

// WalletRegistry resolves the community fallback wallet.
type WalletRegistry interface {
	CommunityWallet(ctx context.Context) (string, error)
}

// BurnTracker admits burns against the annual cap.
type BurnTracker interface {
	CanAdmit(ctx context.Context, requested uint64) (bool, error)
	Admit(ctx context.Context, amount uint64) error
}

// PayoutOutcome is the per-destination result of a distribution run.
type PayoutOutcome struct {
	Wallet    string
	Amount    uint64
	Signature string
	Error     string
}

// Result is the outcome of one distribution run.
type Result struct {
	Success        bool
	ProcessedCount int
	CollegeAmount  uint64 // base units actually paid out
	BurnedAmount   uint64 // base units actually burned
	Signatures     []string
	Payouts        []PayoutOutcome
	Errors         []string
}

type Config struct {
	Logger  *slog.Logger
	Ledger  LedgerStore
	Wallets WalletRegistry
	Tracker BurnTracker
	Chain   chain.Client
	Policy  fees.Policy

	// Mode selects transfer-from-custody or mint payouts.
	Mode PayoutMode

	// MaxConcurrency bounds parallel payout submissions.
	MaxConcurrency int

	// BatchLimit caps the transfers pulled per run. 0 means no limit.
	BatchLimit int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger store is required")
	}
	if cfg.Wallets == nil {
		return errors.New("wallet registry is required")
	}
	if cfg.Tracker == nil {
		return errors.New("burn tracker is required")
	}
	if cfg.Chain == nil {
		return errors.New("chain client is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid fee policy: %w", err)
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = PayoutTransfer
	case PayoutTransfer, PayoutMint:
	default:
		return fmt.Errorf("unknown payout mode %q", cfg.Mode)
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return nil
}

type Distributor struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Distributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Distributor{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Distribute pays out the college shares of every harvested, undistributed
// transfer and burns the accumulated burn share if the annual cap admits it.
// The burn decision is all-or-nothing: a batch whose burn share would cross
// the cap burns nothing and only pays colleges.
func (d *Distributor) Distribute(ctx context.Context) (Result, error) {
	var res Result

	transfers, err := d.cfg.Ledger.ListHarvestedUndistributed(ctx, d.cfg.BatchLimit)
	if err != nil {
		return res, fmt.Errorf("failed to list undistributed transfers: %w", err)
	}
	if len(transfers) == 0 {
		res.Errors = append(res.Errors, "no transfers with undistributed fees")
		return res, nil
	}

	community, err := d.cfg.Wallets.CommunityWallet(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to resolve community wallet: %w", err)
	}

	acc := Accumulate(transfers, d.cfg.Policy, community)

	// The burn decision is made for the whole batch before any payout: when
	// the cap disallows it, every destination's burn share folds into its
	// payout instead, so the batch's value still leaves custody in full.
	burnAdmitted := false
	if acc.BurnTotal > 0 {
		ok, err := d.cfg.Tracker.CanAdmit(ctx, acc.BurnTotal)
		if err != nil {
			return res, fmt.Errorf("failed to check burn cap: %w", err)
		}
		burnAdmitted = ok
		if !ok {
			d.log.Warn("burn share exceeds annual cap, folding burn into payouts", "burn", acc.BurnTotal)
		}
	}

	res.Payouts = d.payout(ctx, acc.Payouts, !burnAdmitted)
	for _, p := range res.Payouts {
		if p.Error != "" {
			res.Errors = append(res.Errors, fmt.Sprintf("payout to %s failed: %s", p.Wallet, p.Error))
			continue
		}
		res.CollegeAmount += p.Amount
		res.Signatures = append(res.Signatures, p.Signature)
	}

	if burnAdmitted {
		sig, err := d.cfg.Chain.Burn(ctx, acc.BurnTotal)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("failed to burn %d: %v", acc.BurnTotal, err))
		} else {
			res.Signatures = append(res.Signatures, sig.String())
			res.BurnedAmount = acc.BurnTotal
			if err := d.cfg.Tracker.Admit(ctx, acc.BurnTotal); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("failed to record burn: %v", err))
			}
		}
	}

	// The batch is marked as a whole once anything settled on chain. Partial
	// payout failures are surfaced per destination above rather than splitting
	// the batch into per-row retries.
	if len(res.Signatures) > 0 {
		if _, err := d.cfg.Ledger.MarkDistributed(ctx, acc.IDs); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("failed to mark transfers distributed: %v", err))
		} else {
			res.ProcessedCount = len(acc.IDs)
		}
	}

	res.Success = len(res.Errors) == 0
	if res.CollegeAmount > 0 {
		metrics.DistributedBaseUnits.Add(float64(res.CollegeAmount))
	}
	if res.BurnedAmount > 0 {
		metrics.BurnedBaseUnits.Add(float64(res.BurnedAmount))
	}
	d.log.Info("distribution finished",
		"processed", res.ProcessedCount,
		"paid", res.CollegeAmount,
		"burned", res.BurnedAmount,
		"errors", len(res.Errors))
	return res, nil
}

// payout submits one transfer or mint per destination, in parallel. With
// foldBurn set, each destination's burn share rides along in its payout.
// Destinations with nothing payable are skipped.
func (d *Distributor) payout(ctx context.Context, payouts []Payout, foldBurn bool) []PayoutOutcome {
	due := make([]PayoutOutcome, 0, len(payouts))
	for _, p := range payouts {
		amount := p.College
		if foldBurn {
			amount += p.Burn
		}
		if amount == 0 {
			continue
		}
		due = append(due, PayoutOutcome{Wallet: p.Wallet, Amount: amount})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxConcurrency)

	// Each goroutine owns exactly one slice slot, so no locking is needed.
	for i := range due {
		g.Go(func() error {
			outcome := &due[i]

			owner, err := solana.PublicKeyFromBase58(outcome.Wallet)
			if err != nil {
				outcome.Error = fmt.Sprintf("invalid wallet address: %v", err)
				return nil
			}
			var sig solana.Signature
			if d.cfg.Mode == PayoutMint {
				sig, err = d.cfg.Chain.MintTo(gctx, owner, outcome.Amount)
			} else {
				sig, err = d.cfg.Chain.Transfer(gctx, owner, outcome.Amount)
			}
			if err != nil {
				outcome.Error = err.Error()
				return nil
			}
			outcome.Signature = sig.String()
			return nil
		})
	}
	_ = g.Wait()
	return due
}

// Preview returns what Distribute would pay and burn without touching the
// chain or the ledger.
func (d *Distributor) Preview(ctx context.Context) (Accumulation, error) {
	transfers, err := d.cfg.Ledger.ListHarvestedUndistributed(ctx, d.cfg.BatchLimit)
	if err != nil {
		return Accumulation{}, fmt.Errorf("failed to list undistributed transfers: %w", err)
	}
	community, err := d.cfg.Wallets.CommunityWallet(ctx)
	if err != nil {
		return Accumulation{}, fmt.Errorf("failed to resolve community wallet: %w", err)
	}
	return Accumulate(transfers, d.cfg.Policy, community), nil
}

// PendingSummary breaks down the undistributed backlog for dashboards.
type PendingSummary struct {
	TransferCount int
	Total         uint64 // college + burn
	College       uint64
	Burn          uint64
	Community     uint64 // college share falling back to the community wallet
	LinkedCollege uint64 // college share going to linked colleges
}

// Summarize computes the pending backlog breakdown.
func (d *Distributor) Summarize(ctx context.Context) (PendingSummary, error) {
	transfers, err := d.cfg.Ledger.ListHarvestedUndistributed(ctx, d.cfg.BatchLimit)
	if err != nil {
		return PendingSummary{}, fmt.Errorf("failed to list undistributed transfers: %w", err)
	}

	var sum PendingSummary
	sum.TransferCount = len(transfers)
	for _, t := range transfers {
		college := fees.Split(t.Amount, d.cfg.Policy.CollegePct)
		burn := fees.Split(t.Amount, d.cfg.Policy.BurnPct)
		sum.College += college
		sum.Burn += burn
		if t.CollegeWallet == "" {
			sum.Community += college
		} else {
			sum.LinkedCollege += college
		}
	}
	sum.Total = sum.College + sum.Burn
	return sum, nil
}
