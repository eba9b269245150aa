package fsm

import (
	"fmt"

	"coursepay/internal/models"
)

var transitions = map[string]map[string]struct{}{
	models.PurchaseStatusPending: {
		models.PurchaseStatusPaid:     {},
		models.PurchaseStatusRefunded: {},
	},
	models.PurchaseStatusPaid: {
		models.PurchaseStatusRefunded: {},
	},
	models.PurchaseStatusManual:        {},
	models.PurchaseStatusRevokedManual: {},
	models.PurchaseStatusRefunded:      {},
}

// CanTransition returns whether a purchase can move from the current status to the target status.
func CanTransition(from, to string) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Check returns ErrPurchaseNotPending when settling a purchase that already left pending,
// and a plain error for any other disallowed transition.
func Check(from, to string) error {
	if CanTransition(from, to) {
		return nil
	}
	if from != models.PurchaseStatusPending && to == models.PurchaseStatusPaid {
		return models.ErrPurchaseNotPending
	}
	return fmt.Errorf("invalid purchase transition %s -> %s", from, to)
}

// IsTerminal reports whether no further transitions are allowed from status.
func IsTerminal(status string) bool {
	return len(transitions[status]) == 0
}
