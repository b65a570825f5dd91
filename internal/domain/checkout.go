package domain

import "time"

// CheckoutStatus tracks a checkout attempt through the commit protocol.
type CheckoutStatus string

const (
	CheckoutStatusCollecting       CheckoutStatus = "COLLECTING"
	CheckoutStatusPricing          CheckoutStatus = "PRICING"
	CheckoutStatusDispatching      CheckoutStatus = "DISPATCHING"
	CheckoutStatusAwaitingOutcomes CheckoutStatus = "AWAITING_OUTCOMES"
	CheckoutStatusFinalizing       CheckoutStatus = "FINALIZING"
	CheckoutStatusCompleted        CheckoutStatus = "COMPLETED"
	CheckoutStatusPartiallyFailed  CheckoutStatus = "PARTIALLY_FAILED"
)

// validTransitions encodes the forward-only path of the checkout state
// machine. PartiallyFailed is a terminal state, not an error.
var validTransitions = map[CheckoutStatus][]CheckoutStatus{
	CheckoutStatusCollecting:       {CheckoutStatusPricing},
	CheckoutStatusPricing:          {CheckoutStatusDispatching},
	CheckoutStatusDispatching:      {CheckoutStatusAwaitingOutcomes},
	CheckoutStatusAwaitingOutcomes: {CheckoutStatusFinalizing},
	CheckoutStatusFinalizing:       {CheckoutStatusCompleted, CheckoutStatusPartiallyFailed},
}

func CanTransitionTo(from, to CheckoutStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s CheckoutStatus) IsTerminal() bool {
	return s == CheckoutStatusCompleted || s == CheckoutStatusPartiallyFailed
}

func (s CheckoutStatus) String() string {
	return string(s)
}

// OutcomeStatus is the commit state of a single seller's slice of a checkout.
type OutcomeStatus string

const (
	OutcomePending  OutcomeStatus = "PENDING"
	OutcomeAccepted OutcomeStatus = "ACCEPTED"
	OutcomeRejected OutcomeStatus = "REJECTED"
)

// SellerOrderOutcome tracks the in-flight commit of one seller's order.
// A rejected or timed-out seller leaves that seller's cart untouched.
type SellerOrderOutcome struct {
	SellerID  string        `json:"seller_id"`
	Status    OutcomeStatus `json:"status"`
	OrderID   string        `json:"order_id,omitempty"`
	Total     int64         `json:"total"`
	UpdatedAt time.Time     `json:"updated_at"`
}
