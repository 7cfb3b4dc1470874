// Package types provides common type definitions for the first-purchase settlement relay.
package types

// OrderStatus represents the lifecycle state of a first-purchase order.
// Transitions are forward-only: pending -> paid -> completed, or pending -> expired.
type OrderStatus string

const (
	// OrderPending represents an order awaiting payment
	OrderPending OrderStatus = "pending"
	// OrderPaid represents an order whose payment was confirmed but not yet settled on chain
	OrderPaid OrderStatus = "paid"
	// OrderCompleted represents an order settled on chain (terminal)
	OrderCompleted OrderStatus = "completed"
	// OrderExpired represents an order that ran out its payment window (terminal)
	OrderExpired OrderStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderExpired
}

// ClaimStatus represents the sponsored-claim settlement state of a claimable order.
type ClaimStatus string

const (
	// ClaimPending represents a claim awaiting relay
	ClaimPending ClaimStatus = "pending"
	// ClaimCompleted represents a claim settled by the relay (terminal)
	ClaimCompleted ClaimStatus = "completed"
	// ClaimFailed represents a claim whose last relay attempt failed
	ClaimFailed ClaimStatus = "failed"
)

// PlanckPerMEMO is the smallest on-chain unit scale: 10^12 planck = 1 MEMO.
const PlanckPerMEMO = 1_000_000_000_000

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
