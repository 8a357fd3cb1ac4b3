package distributor

import (
	"sort"

	"github.com/d1c-labs/settler/pkg/fees"
	"github.com/d1c-labs/settler/pkg/ledger"
)

// Payout is one destination wallet and the base units it accumulated: the
// college share, plus the burn share that folds into the payout when the
// annual cap disallows burning.
type Payout struct {
	Wallet  string
	College uint64
	Burn    uint64
}

// Accumulation is the deterministic payout plan for a batch of transfers.
type Accumulation struct {
	IDs       []int64
	Payouts   []Payout // sorted by wallet
	BurnTotal uint64
}

// CollegeTotal is the college share summed across all payout destinations.
func (a Accumulation) CollegeTotal() uint64 {
	var total uint64
	for _, p := range a.Payouts {
		total += p.College
	}
	return total
}

// Accumulate folds a batch of transfers into per-wallet college and burn
// shares. Each transfer's shares go to its linked college wallet, falling back
// to the community wallet when unaffiliated. The split is computed per
// transfer before summing, so the result is identical no matter how the batch
// is ordered or regrouped.
func Accumulate(transfers []ledger.Transfer, policy fees.Policy, communityWallet string) Accumulation {
	var acc Accumulation
	byWallet := make(map[string]*Payout)

	for _, t := range transfers {
		acc.IDs = append(acc.IDs, t.ID)

		college := fees.Split(t.Amount, policy.CollegePct)
		burn := fees.Split(t.Amount, policy.BurnPct)
		acc.BurnTotal += burn
		if college == 0 && burn == 0 {
			continue
		}
		wallet := t.CollegeWallet
		if wallet == "" {
			wallet = communityWallet
		}
		p, ok := byWallet[wallet]
		if !ok {
			p = &Payout{Wallet: wallet}
			byWallet[wallet] = p
		}
		p.College += college
		p.Burn += burn
	}

	acc.Payouts = make([]Payout, 0, len(byWallet))
	for _, p := range byWallet {
		acc.Payouts = append(acc.Payouts, *p)
	}
	sort.Slice(acc.Payouts, func(i, j int) bool {
		return acc.Payouts[i].Wallet < acc.Payouts[j].Wallet
	})
	return acc
}
