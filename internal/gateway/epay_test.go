package gateway

import (
	"net/url"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/purchase-relay/internal/config"
	apperrors "github.com/purchase-relay/internal/errors"
)

func newTestAdapter() *EpayAdapter {
	return NewEpayAdapter(&config.GatewayConfig{
		Endpoint:  "https://pay.example.com/",
		PID:       "1001",
		Key:       "test-secret",
		NotifyURL: "https://relay.example.com/api/payment/notify",
		ReturnURL: "https://relay.example.com/purchased",
	})
}

func TestGenerateSignDropsSignAndEmptyValues(t *testing.T) {
	a := newTestAdapter()

	base := map[string]string{
		"pid":          "1001",
		"out_trade_no": "MEMO_20260831_AB12CD34",
		"money":        "5.00",
	}
	withNoise := map[string]string{
		"pid":          "1001",
		"out_trade_no": "MEMO_20260831_AB12CD34",
		"money":        "5.00",
		"sign":         "deadbeef",
		"sign_type":    "MD5",
		"buyer":        "",
	}

	assert.Equal(t, a.GenerateSign(base), a.GenerateSign(withNoise))
}

func TestVerifySign(t *testing.T) {
	a := newTestAdapter()

	params := map[string]string{
		"pid":          "1001",
		"trade_no":     "2026083112345",
		"out_trade_no": "MEMO_20260831_AB12CD34",
		"money":        "5.00",
		"trade_status": "TRADE_SUCCESS",
	}
	params["sign"] = a.GenerateSign(params)

	assert.True(t, a.VerifySign(params))

	params["money"] = "6.00"
	assert.False(t, a.VerifySign(params), "tampered amount must fail verification")

	delete(params, "sign")
	assert.False(t, a.VerifySign(params))
}

func TestVerifySignAcceptsUppercaseHex(t *testing.T) {
	a := newTestAdapter()

	params := map[string]string{
		"pid":   "1001",
		"money": "5.00",
	}
	params["sign"] = strings.ToUpper(a.GenerateSign(params))

	assert.True(t, a.VerifySign(params))
}

func TestCreatePayment(t *testing.T) {
	a := newTestAdapter()

	raw := a.CreatePayment(&PaymentRequest{
		OrderID: "MEMO_20260831_AB12CD34",
		Amount:  decimal.RequireFromString("4.5"),
		Name:    "MEMO first purchase",
	})

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/submit.php", u.Path)

	q := u.Query()
	assert.Equal(t, "1001", q.Get("pid"))
	assert.Equal(t, "MEMO_20260831_AB12CD34", q.Get("out_trade_no"))
	assert.Equal(t, "4.50", q.Get("money"))
	assert.Equal(t, "MD5", q.Get("sign_type"))

	params := map[string]string{}
	for k := range q {
		params[k] = q.Get(k)
	}
	assert.True(t, a.VerifySign(params), "generated URL must carry a valid signature")
}

func TestHandleCallback(t *testing.T) {
	a := newTestAdapter()

	params := map[string]string{
		"pid":          "1001",
		"trade_no":     "2026083112345",
		"out_trade_no": "MEMO_20260831_AB12CD34",
		"money":        "5.00",
		"trade_status": "TRADE_SUCCESS",
		"buyer":        "buyer@example.com",
	}
	params["sign"] = a.GenerateSign(params)

	res, err := a.HandleCallback(params)
	require.NoError(t, err)
	assert.Equal(t, "MEMO_20260831_AB12CD34", res.OrderID)
	assert.Equal(t, "2026083112345", res.TradeNo)
	assert.True(t, res.Amount.Equal(decimal.RequireFromString("5.00")))
	assert.Equal(t, "buyer@example.com", res.BuyerID)
}

func TestHandleCallbackRejectsPendingStatus(t *testing.T) {
	a := newTestAdapter()

	params := map[string]string{
		"out_trade_no": "MEMO_20260831_AB12CD34",
		"money":        "5.00",
		"trade_status": "WAIT_BUYER_PAY",
	}
	params["sign"] = a.GenerateSign(params)

	_, err := a.HandleCallback(params)
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryPaymentVerification))
}

func TestHandleCallbackRejectsBadSignature(t *testing.T) {
	a := newTestAdapter()

	_, err := a.HandleCallback(map[string]string{
		"out_trade_no": "MEMO_20260831_AB12CD34",
		"money":        "5.00",
		"trade_status": "TRADE_SUCCESS",
		"sign":         "0123456789abcdef0123456789abcdef",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryPaymentVerification))
}

// The signature must depend only on the key/value set, never on the order the
// gateway happens to send parameters in.
func TestGenerateSignOrderInvariance(t *testing.T) {
	a := newTestAdapter()

	properties := gopter.NewProperties(nil)

	genParams := gen.MapOf(
		gen.RegexMatch(`[a-z_]{1,12}`),
		gen.RegexMatch(`[a-zA-Z0-9._-]{0,16}`),
	)

	properties.Property("sign is stable under key-set copies", prop.ForAll(
		func(params map[string]string) bool {
			copied := make(map[string]string, len(params))
			for k, v := range params {
				copied[k] = v
			}
			return a.GenerateSign(params) == a.GenerateSign(copied)
		},
		genParams,
	))

	properties.Property("adding empty values never changes the sign", prop.ForAll(
		func(params map[string]string, extraKey string) bool {
			before := a.GenerateSign(params)
			copied := make(map[string]string, len(params)+1)
			for k, v := range params {
				copied[k] = v
			}
			if _, ok := copied[extraKey]; !ok {
				copied[extraKey] = ""
			}
			return a.GenerateSign(copied) == before
		},
		genParams,
		gen.RegexMatch(`[a-z_]{1,12}`),
	))

	properties.TestingRun(t)
}
