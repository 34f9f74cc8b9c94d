package ledger

import (
	"time"

	"gorm.io/gorm"
)

// State is an order's lifecycle position. Transitions follow the machine in
// allowedTransitions and nothing else; terminal states accept no further
// updates.
type State string

const (
	// StatePending is the initial, local-only state: the intent is durable
	// but nothing has been sent to the exchange.
	StatePending State = "PENDING"
	// StateSubmitting means a creation request is (or may be) in flight.
	StateSubmitting State = "SUBMITTING"
	// StateAcknowledged means the exchange accepted the order and the
	// remote id is recorded.
	StateAcknowledged State = "ACKNOWLEDGED"
	// StateOpen means reconciliation confirmed the order present in the
	// exchange's open set.
	StateOpen State = "OPEN"

	StateFilled    State = "FILLED"
	StateCancelled State = "CANCELLED"
	StateExpired   State = "EXPIRED"
	StateFailed    State = "FAILED"
)

var allowedTransitions = map[State][]State{
	StatePending:      {StateSubmitting},
	StateSubmitting:   {StatePending, StateAcknowledged, StateFailed},
	StateAcknowledged: {StateOpen, StateFilled, StateCancelled, StateExpired},
	StateOpen:         {StateFilled, StateCancelled, StateExpired},
}

// Terminal reports whether the state accepts no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateExpired, StateFailed:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits s -> to.
func (s State) CanTransition(to State) bool {
	for _, next := range allowedTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is the durable record of trade intent. LocalID is assigned and
// persisted before any network call is made for the order; RemoteID, once
// set, is immutable, as are the product, price and amount.
type Order struct {
	gorm.Model       `json:"-"`
	LocalID          string     `gorm:"uniqueIndex" json:"local_id"`
	RemoteID         string     `gorm:"index" json:"remote_id,omitempty"`
	ProductID        string     `json:"product_id"`
	Side             string     `json:"side"` // BUY or SELL
	Price            string     `json:"price"`
	Amount           string     `json:"amount"`
	State            State      `gorm:"index" json:"state"`
	Attempts         int        `json:"attempts"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	TimeExpiry       *time.Time `json:"time_expiry,omitempty"`
	LastReconciledAt *time.Time `json:"last_reconciled_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IdempotencyRecord maps an operator-supplied key to the order it produced,
// so retried create requests return the existing order instead of a second
// one.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
