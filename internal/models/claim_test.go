package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAuthJSON(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(&ClaimAuthorization{
		IssuerAccount: "5Issuer",
		OrderID:       "MEMO_20260831_AAAAAAAA",
		Beneficiary:   "5Buyer",
		Amount:        80_000_000_000_000,
		DeadlineBlock: 120_000,
		Nonce:         7,
		Signature:     "0xsig",
	})
	require.NoError(t, err)
	return raw
}

func TestParseClaimAuthorization_Plain(t *testing.T) {
	auth, err := ParseClaimAuthorization(validAuthJSON(t))
	require.NoError(t, err)
	assert.Equal(t, "5Buyer", auth.Beneficiary)
	assert.Equal(t, uint64(80_000_000_000_000), auth.Amount)
}

func TestParseClaimAuthorization_DoublyEncoded(t *testing.T) {
	wrapped, err := json.Marshal(string(validAuthJSON(t)))
	require.NoError(t, err)

	auth, err := ParseClaimAuthorization(wrapped)
	require.NoError(t, err)
	assert.Equal(t, "MEMO_20260831_AAAAAAAA", auth.OrderID)
}

func TestParseClaimAuthorization_IncompleteObject(t *testing.T) {
	// A well-formed object missing required fields reports which field,
	// not a type mismatch from the doubly-encoded fallback.
	_, err := ParseClaimAuthorization([]byte(`{"order_id":"MEMO_20260831_AAAAAAAA"}`))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "issuer_account is required"), "got %v", err)
}

func TestParseClaimAuthorization_Malformed(t *testing.T) {
	for _, raw := range []string{"not json", `"also not json inside"`, "42"} {
		_, err := ParseClaimAuthorization([]byte(raw))
		assert.Error(t, err, "payload %q", raw)
	}
}
