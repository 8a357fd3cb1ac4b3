package fees

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSettler_Fees_Split(t *testing.T) {
	t.Parallel()

	t.Run("matches the production split for whole amounts", func(t *testing.T) {
		t.Parallel()

		p := DefaultPolicy()
		require.Equal(t, uint64(20), Split(1000, p.CollegePct))
		require.Equal(t, uint64(5), Split(1000, p.BurnPct))
		require.Equal(t, uint64(10), Split(1000, p.OpsPct))
	})

	t.Run("floors instead of rounding", func(t *testing.T) {
		t.Parallel()

		// 999 * 50 / 10000 = 4.995
		require.Equal(t, uint64(4), Split(999, 50))
		require.Equal(t, uint64(0), Split(1, 50))
	})

	t.Run("is deterministic across repeated calls", func(t *testing.T) {
		t.Parallel()

		for _, amount := range []uint64{0, 1, 999, 12_345_678, math.MaxUint64} {
			first := Split(amount, 250)
			for range 100 {
				require.Equal(t, first, Split(amount, 250))
			}
		}
	})

	t.Run("does not overflow near the uint64 limit", func(t *testing.T) {
		t.Parallel()

		// 100% of max must return max exactly; naive amount*bps would overflow.
		require.Equal(t, uint64(math.MaxUint64), Split(math.MaxUint64, 10_000))
		require.Equal(t, uint64(math.MaxUint64/2), Split(math.MaxUint64, 5_000))
	})

	t.Run("conserves value across the policy shares", func(t *testing.T) {
		t.Parallel()

		p := DefaultPolicy()
		for _, amount := range []uint64{0, 1, 3, 999, 1000, 7_777_777, 123_456_789_012_345} {
			college := Split(amount, p.CollegePct)
			burn := Split(amount, p.BurnPct)
			ops := Split(amount, p.OpsPct)
			total := Split(amount, p.CollegePct+p.BurnPct+p.OpsPct)
			require.LessOrEqual(t, college+burn+ops, amount)
			// Per-share floors can undershoot the combined floor only by rounding.
			require.LessOrEqual(t, total-(college+burn+ops), uint64(2))
		}
	})
}

func TestSettler_Fees_PolicyShares(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	require.Equal(t, Percent(350), p.TotalPct())
	require.Equal(t, Percent(250), p.DistributablePct())
}

func TestSettler_Fees_PolicyValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.AnnualBurnCap = 0
	require.Error(t, p.Validate())

	p = Policy{CollegePct: 9_000, BurnPct: 2_000, OpsPct: 0, AnnualBurnCap: 1}
	require.Error(t, p.Validate())

	p = Policy{AnnualBurnCap: 1}
	require.Error(t, p.Validate())
}

func TestSettler_Fees_DecimalConversion(t *testing.T) {
	t.Parallel()

	t.Run("round trips base units", func(t *testing.T) {
		t.Parallel()

		for _, v := range []uint64{0, 1, 5, OneToken, 123_456_789_012} {
			d := DecimalFromBaseUnits(v)
			back, err := BaseUnitsFromDecimal(d)
			require.NoError(t, err)
			require.Equal(t, v, back)
		}
	})

	t.Run("renders whole tokens at 8 decimals", func(t *testing.T) {
		t.Parallel()

		require.Equal(t, "1", DecimalFromBaseUnits(OneToken).String())
		require.Equal(t, "0.00000005", DecimalFromBaseUnits(5).String())
	})

	t.Run("rejects negative amounts", func(t *testing.T) {
		t.Parallel()

		_, err := BaseUnitsFromDecimal(decimal.NewFromInt(-1))
		require.Error(t, err)
	})

	t.Run("truncates sub-base-unit precision", func(t *testing.T) {
		t.Parallel()

		d := decimal.RequireFromString("0.000000019")
		v, err := BaseUnitsFromDecimal(d)
		require.NoError(t, err)
		require.Equal(t, uint64(1), v)
	})
}
