package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/purchase-relay/internal/types"
)

// ClaimAuthorization is an off-chain-signed permission letting any relayer
// submit a claim on the beneficiary's behalf before DeadlineBlock. The relay
// consumes it verbatim; it never re-signs or alters the authorization.
type ClaimAuthorization struct {
	IssuerAccount string `json:"issuer_account"`
	OrderID       string `json:"order_id"`
	Beneficiary   string `json:"beneficiary"`
	Amount        uint64 `json:"amount"` // token units (planck)
	DeadlineBlock uint64 `json:"deadline_block"`
	Nonce         uint64 `json:"nonce"`
	Signature     string `json:"signature"`
}

// Validate checks the fields a claim extrinsic cannot be built without.
func (a *ClaimAuthorization) Validate() error {
	if a.IssuerAccount == "" {
		return fmt.Errorf("issuer_account is required")
	}
	if a.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	if a.Beneficiary == "" {
		return fmt.Errorf("beneficiary is required")
	}
	if a.Amount == 0 {
		return fmt.Errorf("amount must be positive")
	}
	if a.Signature == "" {
		return fmt.Errorf("signature is required")
	}
	return nil
}

// ParseClaimAuthorization decodes auth_data from the payment-processor source.
// The column may carry JSON text or doubly-encoded JSON (a JSON string holding
// JSON), both of which occur in practice.
func ParseClaimAuthorization(raw []byte) (*ClaimAuthorization, error) {
	var auth ClaimAuthorization
	if err := json.Unmarshal(raw, &auth); err == nil {
		if verr := auth.Validate(); verr != nil {
			return nil, fmt.Errorf("incomplete auth_data: %w", verr)
		}
		return &auth, nil
	}

	// Second try: the payload is a JSON-encoded string containing JSON.
	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("malformed auth_data: %w", err)
	}
	if err := json.Unmarshal([]byte(inner), &auth); err != nil {
		return nil, fmt.Errorf("malformed auth_data: %w", err)
	}
	if err := auth.Validate(); err != nil {
		return nil, fmt.Errorf("incomplete auth_data: %w", err)
	}
	return &auth, nil
}

// ClaimableOrder is a row from the external payment-processor database.
// Its lifecycle runs on a separate channel from Order: pending (unpaid) ->
// paid (awaiting claim) -> claim completed or claim failed.
type ClaimableOrder struct {
	ID          int64
	UserAddress string
	MemoAmount  int64 // whole MEMO units
	Status      types.OrderStatus
	ClaimStatus types.ClaimStatus
	AuthData    []byte // serialized ClaimAuthorization
	ClaimTxHash *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
