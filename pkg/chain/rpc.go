package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"

	"github.com/d1c-labs/settler/pkg/metrics"
	"github.com/d1c-labs/settler/pkg/retry"
)

// SolanaRPC is the subset of the Solana JSON-RPC client used here.
type SolanaRPC interface {
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*solanarpc.GetAccountInfoResult, error)
	GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error)
}

type RPCConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	RPC    SolanaRPC

	// Mint is the Token-2022 mint with the transfer-fee extension.
	Mint solana.PublicKey

	// WithdrawAuthority signs withheld-fee withdrawals and pays transaction
	// fees for every submission.
	WithdrawAuthority solana.PrivateKey

	// Custody owns the token account harvested fees land in; it signs payout
	// transfers and burns.
	Custody solana.PrivateKey

	// MintAuthority is only needed when payouts are minted instead of
	// transferred from custody.
	MintAuthority solana.PrivateKey

	Retry          retry.Config
	ConfirmTimeout time.Duration
}

func (cfg *RPCConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("solana rpc client is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("mint is required")
	}
	if len(cfg.WithdrawAuthority) == 0 {
		return errors.New("withdraw authority keypair is required")
	}
	if len(cfg.Custody) == 0 {
		return errors.New("custody keypair is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	return nil
}

// RPCClient implements Client against a live Solana RPC endpoint.
type RPCClient struct {
	log *slog.Logger
	cfg RPCConfig

	mu             sync.Mutex
	decimals       uint8
	decimalsLoaded bool
}

func NewRPCClient(cfg RPCConfig) (*RPCClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RPCClient{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (c *RPCClient) AssociatedAccount(owner solana.PublicKey) (solana.PublicKey, error) {
	return FindAssociatedTokenAccount(owner, c.cfg.Mint)
}

func (c *RPCClient) WithheldAmount(ctx context.Context, tokenAccount solana.PublicKey) (uint64, error) {
	res, err := c.cfg.RPC.GetAccountInfo(ctx, tokenAccount)
	if errors.Is(err, solanarpc.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch token account %s: %w", tokenAccount, err)
	}
	if res.Value == nil {
		return 0, nil
	}
	return ParseWithheldAmount(res.Value.Data.GetBinary())
}

func (c *RPCClient) AccountsWithWithheldFees(ctx context.Context) ([]WithheldAccount, error) {
	mintBytes := c.cfg.Mint.Bytes()
	out, err := c.cfg.RPC.GetProgramAccountsWithOpts(ctx, Token2022ProgramID, &solanarpc.GetProgramAccountsOpts{
		Encoding: solana.EncodingBase64,
		Filters: []solanarpc.RPCFilter{
			{
				Memcmp: &solanarpc.RPCFilterMemcmp{
					Offset: 0,
					Bytes:  solana.Base58(mintBytes),
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan token accounts for mint %s: %w", c.cfg.Mint, err)
	}

	var accounts []WithheldAccount
	for _, keyed := range out {
		if keyed == nil || keyed.Account == nil {
			continue
		}
		data := keyed.Account.Data.GetBinary()
		withheld, err := ParseWithheldAmount(data)
		if err != nil {
			c.log.Warn("skipping unparseable token account", "account", keyed.Pubkey, "error", err)
			continue
		}
		if withheld == 0 {
			continue
		}
		owner, err := ParseTokenAccountOwner(data)
		if err != nil {
			c.log.Warn("skipping token account with unreadable owner", "account", keyed.Pubkey, "error", err)
			continue
		}
		accounts = append(accounts, WithheldAccount{
			Address: keyed.Pubkey,
			Owner:   owner,
			Amount:  withheld,
		})
	}
	return accounts, nil
}

func (c *RPCClient) EnsureAssociatedAccount(ctx context.Context, owner solana.PublicKey) (solana.PublicKey, error) {
	ata, err := c.AssociatedAccount(owner)
	if err != nil {
		return solana.PublicKey{}, err
	}

	_, err = c.cfg.RPC.GetAccountInfo(ctx, ata)
	if err == nil {
		return ata, nil
	}
	if !errors.Is(err, solanarpc.ErrNotFound) {
		return solana.PublicKey{}, fmt.Errorf("failed to check token account %s: %w", ata, err)
	}

	payer := c.cfg.WithdrawAuthority.PublicKey()
	ix := NewCreateAssociatedAccountIdempotentInstruction(payer, ata, owner, c.cfg.Mint)
	if _, err := c.sendAndConfirm(ctx, "create_account", []solana.Instruction{ix}, c.cfg.WithdrawAuthority); err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to create token account for %s: %w", owner, err)
	}
	return ata, nil
}

func (c *RPCClient) WithdrawWithheld(ctx context.Context, sources []solana.PublicKey, destination solana.PublicKey) (solana.Signature, error) {
	if len(sources) == 0 {
		return solana.Signature{}, errors.New("no source accounts to withdraw from")
	}
	authority := c.cfg.WithdrawAuthority.PublicKey()
	ix := NewWithdrawWithheldFromAccountsInstruction(c.cfg.Mint, destination, authority, sources)
	return c.sendAndConfirm(ctx, "withdraw_withheld", []solana.Instruction{ix}, c.cfg.WithdrawAuthority)
}

func (c *RPCClient) WithdrawWithheldFromMint(ctx context.Context, destination solana.PublicKey) (solana.Signature, error) {
	authority := c.cfg.WithdrawAuthority.PublicKey()
	ix := NewWithdrawWithheldFromMintInstruction(c.cfg.Mint, destination, authority)
	return c.sendAndConfirm(ctx, "withdraw_from_mint", []solana.Instruction{ix}, c.cfg.WithdrawAuthority)
}

func (c *RPCClient) Transfer(ctx context.Context, owner solana.PublicKey, amount uint64) (solana.Signature, error) {
	decimals, err := c.mintDecimals(ctx)
	if err != nil {
		return solana.Signature{}, err
	}
	source, err := c.AssociatedAccount(c.cfg.Custody.PublicKey())
	if err != nil {
		return solana.Signature{}, err
	}
	destination, err := c.EnsureAssociatedAccount(ctx, owner)
	if err != nil {
		return solana.Signature{}, err
	}
	ix := NewTransferCheckedInstruction(source, c.cfg.Mint, destination, c.cfg.Custody.PublicKey(), amount, decimals)
	return c.sendAndConfirm(ctx, "transfer", []solana.Instruction{ix}, c.cfg.WithdrawAuthority, c.cfg.Custody)
}

func (c *RPCClient) MintTo(ctx context.Context, owner solana.PublicKey, amount uint64) (solana.Signature, error) {
	if len(c.cfg.MintAuthority) == 0 {
		return solana.Signature{}, errors.New("mint authority keypair is not configured")
	}
	decimals, err := c.mintDecimals(ctx)
	if err != nil {
		return solana.Signature{}, err
	}
	destination, err := c.EnsureAssociatedAccount(ctx, owner)
	if err != nil {
		return solana.Signature{}, err
	}
	ix := NewMintToCheckedInstruction(c.cfg.Mint, destination, c.cfg.MintAuthority.PublicKey(), amount, decimals)
	return c.sendAndConfirm(ctx, "mint_to", []solana.Instruction{ix}, c.cfg.WithdrawAuthority, c.cfg.MintAuthority)
}

func (c *RPCClient) Burn(ctx context.Context, amount uint64) (solana.Signature, error) {
	decimals, err := c.mintDecimals(ctx)
	if err != nil {
		return solana.Signature{}, err
	}
	account, err := c.AssociatedAccount(c.cfg.Custody.PublicKey())
	if err != nil {
		return solana.Signature{}, err
	}
	ix := NewBurnCheckedInstruction(account, c.cfg.Mint, c.cfg.Custody.PublicKey(), amount, decimals)
	return c.sendAndConfirm(ctx, "burn", []solana.Instruction{ix}, c.cfg.WithdrawAuthority, c.cfg.Custody)
}

func (c *RPCClient) mintDecimals(ctx context.Context) (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decimalsLoaded {
		return c.decimals, nil
	}
	res, err := c.cfg.RPC.GetAccountInfo(ctx, c.cfg.Mint)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch mint %s: %w", c.cfg.Mint, err)
	}
	if res.Value == nil {
		return 0, fmt.Errorf("mint %s does not exist", c.cfg.Mint)
	}
	decimals, err := ParseMintDecimals(res.Value.Data.GetBinary())
	if err != nil {
		return 0, err
	}
	c.decimals = decimals
	c.decimalsLoaded = true
	return decimals, nil
}

// sendAndConfirm builds, signs, submits and confirms a transaction. Submission
// is retried on transient RPC errors; a fresh blockhash is fetched per
// attempt.
func (c *RPCClient) sendAndConfirm(ctx context.Context, operation string, instructions []solana.Instruction, signers ...solana.PrivateKey) (solana.Signature, error) {
	payer := c.cfg.WithdrawAuthority.PublicKey()

	var sig solana.Signature
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		blockhash, err := c.cfg.RPC.GetLatestBlockhash(ctx, solanarpc.CommitmentFinalized)
		if err != nil {
			return fmt.Errorf("failed to get latest blockhash: %w", err)
		}

		tx, err := solana.NewTransaction(instructions, blockhash.Value.Blockhash, solana.TransactionPayer(payer))
		if err != nil {
			return fmt.Errorf("failed to build transaction: %w", err)
		}

		if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
			for i := range signers {
				if signers[i].PublicKey().Equals(key) {
					return &signers[i]
				}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("failed to sign transaction: %w", err)
		}

		sig, err = c.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
			PreflightCommitment: solanarpc.CommitmentConfirmed,
		})
		if err != nil {
			return fmt.Errorf("failed to send transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.ChainSubmissionTotal.WithLabelValues(operation, "error").Inc()
		return solana.Signature{}, err
	}

	if err := c.confirm(ctx, sig); err != nil {
		metrics.ChainSubmissionTotal.WithLabelValues(operation, "error").Inc()
		return solana.Signature{}, err
	}

	metrics.ChainSubmissionTotal.WithLabelValues(operation, "ok").Inc()
	c.log.Debug("transaction confirmed", "operation", operation, "signature", sig)
	return sig, nil
}

func (c *RPCClient) confirm(ctx context.Context, sig solana.Signature) error {
	deadline := c.cfg.Clock.Now().Add(c.cfg.ConfirmTimeout)
	for {
		out, err := c.cfg.RPC.GetSignatureStatuses(ctx, false, sig)
		if err == nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction %s failed on chain: %v", sig, status.Err)
			}
			if status.ConfirmationStatus == solanarpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == solanarpc.ConfirmationStatusFinalized {
				return nil
			}
		}

		if c.cfg.Clock.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for confirmation of %s", sig)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.cfg.Clock.After(500 * time.Millisecond):
		}
	}
}
