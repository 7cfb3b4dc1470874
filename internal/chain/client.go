// Package chain abstracts the node RPC surface the relay depends on: a few
// typed queries plus extrinsic submission as a stream of status events.
package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/purchase-relay/internal/models"
)

// Phase is the lifecycle stage of a submitted extrinsic.
type Phase string

const (
	PhaseSubmitted Phase = "submitted"
	PhaseInBlock   Phase = "inBlock"
	PhaseFinalized Phase = "finalized"
	PhaseInvalid   Phase = "invalid"
	PhaseDropped   Phase = "dropped"
	PhaseUsurped   Phase = "usurped"
)

// Terminal reports whether no further status events follow this phase.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseFinalized, PhaseInvalid, PhaseDropped, PhaseUsurped:
		return true
	}
	return false
}

// DispatchError is a decoded runtime module error attached to a finalized
// extrinsic that executed but failed.
type DispatchError struct {
	Module string `json:"module"`
	Name   string `json:"name"`
	Docs   string `json:"docs,omitempty"`
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Module, e.Name, e.Docs)
}

// Event is a runtime event emitted by an extrinsic, with its payload left to
// the consumer to decode.
type Event struct {
	Section string          `json:"section"`
	Method  string          `json:"method"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// StatusEvent is one step of an extrinsic's lifecycle. After a terminal phase
// (or a non-nil Err) the stream is closed.
type StatusEvent struct {
	Phase         Phase
	TxHash        common.Hash
	BlockHash     common.Hash
	FeePaid       uint64
	DispatchError *DispatchError
	Events        []Event
	Err           error
}

// FirstPurchaseCall is the settlement extrinsic submitted by the service
// account once a fiat payment is confirmed.
type FirstPurchaseCall struct {
	OrderID      string `json:"orderId"`
	Beneficiary  string `json:"beneficiary"`
	AmountPlanck uint64 `json:"amount"`
	Referrer     string `json:"referrer,omitempty"`
}

// Client is the node capability the relay services are built against.
type Client interface {
	// HasFirstPurchased reports whether the address already holds a
	// first-purchase record on chain.
	HasFirstPurchased(ctx context.Context, address string) (bool, error)

	// ReferrerByCode resolves a referral code to its owning account.
	// Returns "" without error when the code is unbound.
	ReferrerByCode(ctx context.Context, code string) (string, error)

	// IsValidMember reports whether the account is a current member.
	IsValidMember(ctx context.Context, address string) (bool, error)

	// Balance returns the free balance of an account in planck.
	Balance(ctx context.Context, address string) (uint64, error)

	// SubmitFirstPurchase submits the settlement extrinsic signed by the
	// service account and streams its status until a terminal phase.
	SubmitFirstPurchase(ctx context.Context, call *FirstPurchaseCall) (<-chan StatusEvent, error)

	// SubmitClaim submits the user's pre-signed claim authorization with the
	// maker account as fee-paying submitter. The authorization is forwarded
	// verbatim.
	SubmitClaim(ctx context.Context, auth *models.ClaimAuthorization) (<-chan StatusEvent, error)

	Close()
}
