package harvester

import (
	"github.com/d1c-labs/settler/pkg/ledger"
)

// Action is what the harvester does with a transfer's withheld fee.
type Action int

const (
	// ActionHarvest moves the fee into custody.
	ActionHarvest Action = iota
	// ActionRefund returns the fee to the recipient because the sender is
	// fee-exempt.
	ActionRefund
)

// Classified pairs a transfer with its harvest action.
type Classified struct {
	Transfer ledger.Transfer
	Action   Action
}

// Classify decides whether a transfer's withheld fee is harvested or refunded.
// Transfers with an unknown sender are harvested; only a known, fee-exempt
// sender triggers a refund.
func Classify(t ledger.Transfer, exempt map[string]bool) Classified {
	c := Classified{
		Transfer: t,
		Action:   ActionHarvest,
	}
	if t.From != "" && exempt[t.From] {
		c.Action = ActionRefund
	}
	return c
}
