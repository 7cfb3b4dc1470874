// Package gateway implements the epay-style payment gateway adapter: signed
// redirect URLs out, verified callbacks in.
package gateway

import (
	"crypto/hmac"
	"crypto/md5" // #nosec G501 - MD5 is the gateway's mandated signing scheme
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/purchase-relay/internal/config"
	apperrors "github.com/purchase-relay/internal/errors"
)

// tradeStatusSuccess is the gateway's canonical success value for a callback.
const tradeStatusSuccess = "TRADE_SUCCESS"

// EpayAdapter signs outbound payment requests and verifies inbound callbacks
// with the gateway's shared-secret MD5 scheme.
type EpayAdapter struct {
	endpoint  string
	pid       string
	key       string
	notifyURL string
	returnURL string
}

// PaymentRequest describes the payment to redirect the user to.
type PaymentRequest struct {
	OrderID string
	Amount  decimal.Decimal // fiat
	Name    string
}

// CallbackResult is the verified content of a successful payment callback.
type CallbackResult struct {
	OrderID string
	TradeNo string
	Amount  decimal.Decimal
	BuyerID string
}

// NewEpayAdapter creates an adapter from gateway configuration.
func NewEpayAdapter(cfg *config.GatewayConfig) *EpayAdapter {
	return &EpayAdapter{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		pid:       cfg.PID,
		key:       cfg.Key,
		notifyURL: cfg.NotifyURL,
		returnURL: cfg.ReturnURL,
	}
}

// GenerateSign computes the gateway signature: keys sorted lexically, the
// sign key and empty values dropped, joined as k=v pairs with &, the shared
// secret appended, MD5 hex over the result. Input key order never matters.
func (a *EpayAdapter) GenerateSign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || k == "sign_type" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}

	sum := md5.Sum([]byte(strings.Join(pairs, "&") + a.key)) // #nosec G401
	return hex.EncodeToString(sum[:])
}

// VerifySign recomputes the signature and compares it to the supplied sign in
// constant time.
func (a *EpayAdapter) VerifySign(params map[string]string) bool {
	supplied := params["sign"]
	if supplied == "" {
		return false
	}
	expected := a.GenerateSign(params)
	return hmac.Equal([]byte(strings.ToLower(supplied)), []byte(expected))
}

// CreatePayment builds the signed redirect URL the user pays at.
func (a *EpayAdapter) CreatePayment(req *PaymentRequest) string {
	params := map[string]string{
		"pid":          a.pid,
		"type":         "alipay",
		"out_trade_no": req.OrderID,
		"notify_url":   a.notifyURL,
		"return_url":   a.returnURL,
		"name":         req.Name,
		"money":        req.Amount.StringFixed(2),
	}
	params["sign"] = a.GenerateSign(params)
	params["sign_type"] = "MD5"

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}

	return fmt.Sprintf("%s/submit.php?%s", a.endpoint, values.Encode())
}

// HandleCallback verifies an inbound payment notification. A bad signature,
// a non-success trade status or an unparsable amount yields a payment
// verification error; the webhook surface answers those with "fail" so the
// gateway retries and alerts.
func (a *EpayAdapter) HandleCallback(params map[string]string) (*CallbackResult, error) {
	if !a.VerifySign(params) {
		return nil, apperrors.NewPaymentVerificationError("invalid callback signature")
	}

	if status := params["trade_status"]; status != tradeStatusSuccess {
		return nil, apperrors.NewPaymentVerificationError(
			fmt.Sprintf("unexpected trade status %q", status))
	}

	orderID := params["out_trade_no"]
	if orderID == "" {
		return nil, apperrors.NewPaymentVerificationError("callback missing out_trade_no")
	}

	amount, err := decimal.NewFromString(params["money"])
	if err != nil {
		return nil, apperrors.NewPaymentVerificationError(
			fmt.Sprintf("invalid callback amount %q", params["money"]))
	}

	return &CallbackResult{
		OrderID: orderID,
		TradeNo: params["trade_no"],
		Amount:  amount,
		BuyerID: params["buyer"],
	}, nil
}
