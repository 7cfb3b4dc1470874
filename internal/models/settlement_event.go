package models

import "time"

// Settlement event kinds recorded in the audit archive.
const (
	EventOrderCompleted = "order_completed"
	EventOrderExpired   = "order_expired"
	EventClaimCompleted = "claim_completed"
	EventClaimFailed    = "claim_failed"
)

// SettlementEvent is an append-only audit record of a settlement outcome,
// archived in ClickHouse. Archive writes are best-effort and never gate the
// settlement paths.
type SettlementEvent struct {
	EventType   string
	OrderID     string
	Beneficiary string
	Amount      int64 // whole MEMO units
	TxHash      string
	FeePaid     uint64 // planck paid by the submitting account
	Detail      string
	OccurredAt  time.Time
}
