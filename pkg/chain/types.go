// Package chain talks to the token program on Solana: withheld-fee queries,
// withdrawals, payouts and burns. Everything above this package works in base
// units and wallet addresses; account derivation and instruction encoding
// live here.
package chain

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// WithheldAccount is a token account carrying undrained withheld fees.
type WithheldAccount struct {
	Address solana.PublicKey
	Owner   solana.PublicKey
	Amount  uint64
}

// Client is the on-chain surface the harvester and distributor consume.
type Client interface {
	// AssociatedAccount derives the token account for an owner wallet without
	// touching the chain.
	AssociatedAccount(owner solana.PublicKey) (solana.PublicKey, error)

	// WithheldAmount reads the withheld fee balance of a token account.
	// Returns 0 for accounts that do not exist.
	WithheldAmount(ctx context.Context, tokenAccount solana.PublicKey) (uint64, error)

	// AccountsWithWithheldFees scans every token account of the mint and
	// returns those with a non-zero withheld balance.
	AccountsWithWithheldFees(ctx context.Context) ([]WithheldAccount, error)

	// EnsureAssociatedAccount derives the owner's token account and creates it
	// on chain if missing.
	EnsureAssociatedAccount(ctx context.Context, owner solana.PublicKey) (solana.PublicKey, error)

	// WithdrawWithheld drains withheld fees from the source token accounts
	// into the destination token account.
	WithdrawWithheld(ctx context.Context, sources []solana.PublicKey, destination solana.PublicKey) (solana.Signature, error)

	// WithdrawWithheldFromMint drains fees accumulated on the mint itself.
	WithdrawWithheldFromMint(ctx context.Context, destination solana.PublicKey) (solana.Signature, error)

	// Transfer moves tokens from the custody wallet to the owner's token
	// account, creating it if needed.
	Transfer(ctx context.Context, owner solana.PublicKey, amount uint64) (solana.Signature, error)

	// MintTo mints new tokens to the owner's token account, creating it if
	// needed. Requires a configured mint authority.
	MintTo(ctx context.Context, owner solana.PublicKey, amount uint64) (solana.Signature, error)

	// Burn destroys tokens held by the custody wallet.
	Burn(ctx context.Context, amount uint64) (solana.Signature, error)
}
