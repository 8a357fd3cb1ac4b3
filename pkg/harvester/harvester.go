// Package harvester drains withheld transfer fees from recipient token
// accounts into the custody wallet. It has two modes: transfer-scoped harvest
// driven by the ledger, and a full on-chain scan used for reconciliation.
package harvester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/gagliardetto/solana-go"

	"github.com/d1c-labs/settler/pkg/chain"
	"github.com/d1c-labs/settler/pkg/ledger"
	"github.com/d1c-labs/settler/pkg/metrics"
)

// maxSourcesPerWithdraw bounds the accounts per withdraw transaction so it
// stays under the transaction size limit.
const maxSourcesPerWithdraw = 20

// LedgerStore is the slice of the transfer ledger the harvester needs.
type LedgerStore interface {
	ListUnharvested(ctx context.Context, limit int) ([]ledger.Transfer, error)
	MarkHarvested(ctx context.Context, ids []int64) (int64, error)
	MarkRefunded(ctx context.Context, id int64) error
	MarkHarvestedByRecipient(ctx context.Context, addresses []string) (int64, error)
}

// WalletRegistry resolves service wallet roles and exemptions.
type WalletRegistry interface {
	CustodyWallet(ctx context.Context) (string, error)
	FeeExemptAddresses(ctx context.Context) (map[string]bool, error)
}

// Result is the outcome of one harvest run.
type Result struct {
	Success        bool
	ProcessedCount int
	TotalHarvested uint64 // base units
	Signatures     []string
	Errors         []string
}

type Config struct {
	Logger  *slog.Logger
	Ledger  LedgerStore
	Wallets WalletRegistry
	Chain   chain.Client

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
	if cfg.Chain == nil {
		return errors.New("chain client is required")
	}
	return nil
}

type Harvester struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Harvester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Harvester{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// bucket is one recipient token account and the ledger rows it covers. A nil
// bucket in the map records a recipient that resolved to nothing harvestable
// this run (zero withheld balance or a resolution failure).
type bucket struct {
	source   solana.PublicKey
	withheld uint64
	ids      []int64
}

// HarvestFromTransfers drains the fees withheld for ledger transfers that have
// not been harvested yet. Fees of fee-exempt senders are refunded to the
// recipient; everything else is withdrawn into custody in batches grouped by
// recipient token account. Recipients whose accounts currently hold no
// withheld balance are skipped and their rows stay unharvested until fees
// accrue.
func (h *Harvester) HarvestFromTransfers(ctx context.Context) (Result, error) {
	var res Result

	transfers, err := h.cfg.Ledger.ListUnharvested(ctx, h.cfg.BatchLimit)
	if err != nil {
		return res, fmt.Errorf("failed to list unharvested transfers: %w", err)
	}
	if len(transfers) == 0 {
		res.Errors = append(res.Errors, "no transfers with unharvested fees")
		return res, nil
	}

	exempt, err := h.cfg.Wallets.FeeExemptAddresses(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to load fee-exempt wallets: %w", err)
	}

	custodyATA, err := h.custodyTokenAccount(ctx)
	if err != nil {
		return res, err
	}

	// Group by recipient: each recipient's token account carries the withheld
	// fees of all its transfers, so one source drains many rows.
	buckets := make(map[string]*bucket)
	var recipients []string

	for _, t := range transfers {
		c := Classify(t, exempt)

		if c.Action == ActionRefund {
			processed, err := h.refund(ctx, t)
			if err != nil {
				res.Errors = append(res.Errors, err.Error())
				continue
			}
			if processed {
				res.ProcessedCount++
			}
			continue
		}

		if t.To == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("transfer %s has no recipient", t.Signature))
			continue
		}
		b, seen := buckets[t.To]
		if !seen {
			b = h.resolveBucket(ctx, t, &res)
			buckets[t.To] = b
			if b != nil {
				recipients = append(recipients, t.To)
			}
		}
		if b == nil {
			continue
		}
		b.ids = append(b.ids, t.ID)
	}
	sort.Strings(recipients)

	for start := 0; start < len(recipients); start += maxSourcesPerWithdraw {
		end := min(start+maxSourcesPerWithdraw, len(recipients))
		chunk := recipients[start:end]

		sources := make([]solana.PublicKey, 0, len(chunk))
		var ids []int64
		var withheld uint64
		for _, r := range chunk {
			b := buckets[r]
			sources = append(sources, b.source)
			ids = append(ids, b.ids...)
			withheld += b.withheld
		}

		sig, err := h.cfg.Chain.WithdrawWithheld(ctx, sources, custodyATA)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("failed to withdraw withheld fees: %v", err))
			continue
		}
		res.Signatures = append(res.Signatures, sig.String())

		if _, err := h.cfg.Ledger.MarkHarvested(ctx, ids); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("failed to mark transfers harvested: %v", err))
			continue
		}
		res.ProcessedCount += len(ids)
		res.TotalHarvested += withheld
	}

	res.Success = len(res.Errors) == 0
	if res.TotalHarvested > 0 {
		metrics.HarvestedBaseUnits.Add(float64(res.TotalHarvested))
	}
	h.log.Info("harvest from transfers finished",
		"processed", res.ProcessedCount,
		"harvested", res.TotalHarvested,
		"errors", len(res.Errors))
	return res, nil
}

// resolveBucket derives the recipient's token account and reads its withheld
// balance. Returns nil when there is nothing to harvest: resolution failures
// are recorded as errors, a zero balance is a normal skip.
func (h *Harvester) resolveBucket(ctx context.Context, t ledger.Transfer, res *Result) *bucket {
	recipient, err := solana.PublicKeyFromBase58(t.To)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("transfer %s has invalid recipient %s", t.Signature, t.To))
		return nil
	}
	source, err := h.cfg.Chain.AssociatedAccount(recipient)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("failed to derive token account for %s: %v", t.To, err))
		return nil
	}
	withheld, err := h.cfg.Chain.WithheldAmount(ctx, source)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("failed to read withheld balance for %s: %v", t.To, err))
		return nil
	}
	if withheld == 0 {
		h.log.Debug("no withheld balance yet, leaving transfers unharvested", "recipient", t.To)
		return nil
	}
	return &bucket{source: source, withheld: withheld}
}

// refund returns the withheld fee of a single transfer to its recipient and
// marks the row settled on both lifecycle flags. Returns false without error
// when the recipient's account holds no withheld balance yet.
func (h *Harvester) refund(ctx context.Context, t ledger.Transfer) (bool, error) {
	if t.To == "" {
		return false, fmt.Errorf("cannot refund transfer %s: no recipient", t.Signature)
	}
	recipient, err := solana.PublicKeyFromBase58(t.To)
	if err != nil {
		return false, fmt.Errorf("cannot refund transfer %s: invalid recipient %s", t.Signature, t.To)
	}
	source, err := h.cfg.Chain.AssociatedAccount(recipient)
	if err != nil {
		return false, fmt.Errorf("failed to derive token account for refund to %s: %w", t.To, err)
	}
	withheld, err := h.cfg.Chain.WithheldAmount(ctx, source)
	if err != nil {
		return false, fmt.Errorf("failed to read withheld balance for refund to %s: %w", t.To, err)
	}
	if withheld == 0 {
		return false, nil
	}
	destination, err := h.cfg.Chain.EnsureAssociatedAccount(ctx, recipient)
	if err != nil {
		return false, fmt.Errorf("failed to ensure refund account for %s: %w", t.To, err)
	}
	if _, err := h.cfg.Chain.WithdrawWithheld(ctx, []solana.PublicKey{source}, destination); err != nil {
		return false, fmt.Errorf("failed to refund fee for transfer %s: %w", t.Signature, err)
	}
	if err := h.cfg.Ledger.MarkRefunded(ctx, t.ID); err != nil {
		return false, fmt.Errorf("failed to mark transfer %s refunded: %w", t.Signature, err)
	}
	h.log.Debug("refunded withheld fee", "signature", t.Signature, "recipient", t.To, "withheld", withheld)
	return true, nil
}

// HarvestFromAllAccounts scans every token account of the mint and drains all
// withheld fees into custody. Ledger rows are marked by recipient address, an
// approximation that can mark rows whose fee arrived after the scan; the
// full scan is a reconciliation tool, not the primary path.
func (h *Harvester) HarvestFromAllAccounts(ctx context.Context) (Result, error) {
	var res Result

	accounts, err := h.cfg.Chain.AccountsWithWithheldFees(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to scan accounts with withheld fees: %w", err)
	}
	if len(accounts) == 0 {
		res.Errors = append(res.Errors, "no accounts with withheld fees")
		return res, nil
	}

	custodyATA, err := h.custodyTokenAccount(ctx)
	if err != nil {
		return res, err
	}

	// The custody account can itself carry withheld fees from payouts; they
	// are already ours, skip them.
	eligible := make([]chain.WithheldAccount, 0, len(accounts))
	for _, a := range accounts {
		if a.Address.Equals(custodyATA) {
			continue
		}
		eligible = append(eligible, a)
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].Address.String() < eligible[j].Address.String()
	})

	for start := 0; start < len(eligible); start += maxSourcesPerWithdraw {
		end := min(start+maxSourcesPerWithdraw, len(eligible))
		chunk := eligible[start:end]

		sources := make([]solana.PublicKey, 0, len(chunk))
		owners := make([]string, 0, len(chunk))
		var amount uint64
		for _, a := range chunk {
			sources = append(sources, a.Address)
			owners = append(owners, a.Owner.String())
			amount += a.Amount
		}

		sig, err := h.cfg.Chain.WithdrawWithheld(ctx, sources, custodyATA)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("failed to withdraw withheld fees: %v", err))
			continue
		}
		res.Signatures = append(res.Signatures, sig.String())
		res.TotalHarvested += amount

		marked, err := h.cfg.Ledger.MarkHarvestedByRecipient(ctx, owners)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("failed to mark transfers harvested: %v", err))
			continue
		}
		res.ProcessedCount += int(marked)
	}

	res.Success = len(res.Errors) == 0
	if res.TotalHarvested > 0 {
		metrics.HarvestedBaseUnits.Add(float64(res.TotalHarvested))
	}
	h.log.Info("harvest from full scan finished",
		"accounts", len(eligible),
		"marked", res.ProcessedCount,
		"harvested", res.TotalHarvested,
		"errors", len(res.Errors))
	return res, nil
}

// WithdrawFromMint drains fees accumulated on the mint account itself into
// custody. No ledger rows correspond to these fees.
func (h *Harvester) WithdrawFromMint(ctx context.Context) (Result, error) {
	var res Result

	custodyATA, err := h.custodyTokenAccount(ctx)
	if err != nil {
		return res, err
	}

	sig, err := h.cfg.Chain.WithdrawWithheldFromMint(ctx, custodyATA)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("failed to withdraw from mint: %v", err))
		return res, nil
	}
	res.Signatures = append(res.Signatures, sig.String())
	res.Success = true

	h.log.Info("withdrew withheld fees from mint", "signature", sig)
	return res, nil
}

func (h *Harvester) custodyTokenAccount(ctx context.Context) (solana.PublicKey, error) {
	address, err := h.cfg.Wallets.CustodyWallet(ctx)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to resolve custody wallet: %w", err)
	}
	owner, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid custody wallet address %s: %w", address, err)
	}
	ata, err := h.cfg.Chain.EnsureAssociatedAccount(ctx, owner)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to ensure custody token account: %w", err)
	}
	return ata, nil
}
