// Package fees holds the fee split policy and the fixed-point percentage math
// used by the harvester and distributor. All monetary values inside the
// settlement core are token base units (8 decimals); percentages are integer
// basis points. No floating point is used anywhere in the split path, so
// repeated evaluation of the same inputs is always bit-identical.
package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Percent is a percentage expressed in basis points (1/100 of a percent).
type Percent uint32

const (
	// bpsDenominator is the basis-point scale: 10_000 bps = 100%.
	bpsDenominator = 10_000

	// Decimals is the token's base-unit scale.
	Decimals = 8

	// OneToken is one whole token in base units.
	OneToken uint64 = 100_000_000
)

// Policy is the fee split configuration shared by the distributor and the
// burn tracker. College + burn + ops make up the full transfer fee; the ops
// share is retained at harvest time and never redistributed.
type Policy struct {
	CollegePct    Percent
	BurnPct       Percent
	OpsPct        Percent
	AnnualBurnCap uint64 // base units
}

// DefaultPolicy returns the production fee split: 2% college, 0.5% burn,
// 1% ops, with a 100k token annual burn cap.
func DefaultPolicy() Policy {
	return Policy{
		CollegePct:    200,
		BurnPct:       50,
		OpsPct:        100,
		AnnualBurnCap: 100_000 * OneToken,
	}
}

func (p Policy) Validate() error {
	total := uint64(p.CollegePct) + uint64(p.BurnPct) + uint64(p.OpsPct)
	if total == 0 {
		return errors.New("fee policy percentages must not all be zero")
	}
	if total > bpsDenominator {
		return fmt.Errorf("fee policy percentages sum to %d bps, must not exceed %d", total, bpsDenominator)
	}
	if p.AnnualBurnCap == 0 {
		return errors.New("annual burn cap is required")
	}
	return nil
}

// DistributablePct is the share of a transfer amount that the distributor
// pays out or burns (the ops share is already in custody after harvest).
func (p Policy) DistributablePct() Percent {
	return p.CollegePct + p.BurnPct
}

// TotalPct is the full fee share withheld on chain per transfer.
func (p Policy) TotalPct() Percent {
	return p.CollegePct + p.BurnPct + p.OpsPct
}

// Split returns floor(amount * pct / 10000) without overflowing the
// intermediate product. The decomposition q*b + r*b/10000 (with
// amount = q*10000 + r) is exact for pct <= 10000 bps.
func Split(amount uint64, pct Percent) uint64 {
	b := uint64(pct)
	q := amount / bpsDenominator
	r := amount % bpsDenominator
	return q*b + r*b/bpsDenominator
}

// DecimalFromBaseUnits converts base units to the NUMERIC(20,8) representation
// used by the ledger tables.
func DecimalFromBaseUnits(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(decimal.NewFromUint64(v).BigInt(), -Decimals)
}

// BaseUnitsFromDecimal converts a NUMERIC(20,8) column value to base units,
// truncating anything beyond 8 decimal places.
func BaseUnitsFromDecimal(d decimal.Decimal) (uint64, error) {
	shifted := d.Shift(Decimals).Truncate(0)
	if shifted.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", d)
	}
	bi := shifted.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("amount %s does not fit in 64 bits", d)
	}
	return bi.Uint64(), nil
}
