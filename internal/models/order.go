package models

import (
	"fmt"
	"strconv"

	"github.com/purchase-relay/internal/types"
)

// Order represents a first-purchase order held in the durable store.
// Fiat amounts are carried as decimal strings to avoid float drift in the store.
type Order struct {
	OrderID         string            `json:"orderId"`
	WalletAddress   string            `json:"walletAddress"`
	Amount          int64             `json:"amount"` // whole MEMO units
	Referrer        string            `json:"referrer,omitempty"`
	ReferralCode    string            `json:"referralCode,omitempty"`
	PaymentAmount   string            `json:"paymentAmount"`   // fiat, decimal string
	PaymentDiscount string            `json:"paymentDiscount"` // ratio, decimal string
	PaymentURL      string            `json:"paymentUrl"`
	ClientIP        string            `json:"clientIp"`
	Status          types.OrderStatus `json:"status"`
	CreatedAt       int64             `json:"createdAt"` // epoch ms
	ExpiresAt       int64             `json:"expiresAt"` // epoch ms
	TradeNo         string            `json:"tradeNo,omitempty"`
	PaidAt          int64             `json:"paidAt,omitempty"`
	CompletedAt     int64             `json:"completedAt,omitempty"`
	BlockHash       string            `json:"blockHash,omitempty"`
}

// ToHash flattens the order into Redis hash fields.
func (o *Order) ToHash() map[string]interface{} {
	h := map[string]interface{}{
		"orderId":         o.OrderID,
		"walletAddress":   o.WalletAddress,
		"amount":          strconv.FormatInt(o.Amount, 10),
		"referrer":        o.Referrer,
		"referralCode":    o.ReferralCode,
		"paymentAmount":   o.PaymentAmount,
		"paymentDiscount": o.PaymentDiscount,
		"paymentUrl":      o.PaymentURL,
		"clientIp":        o.ClientIP,
		"status":          string(o.Status),
		"createdAt":       strconv.FormatInt(o.CreatedAt, 10),
		"expiresAt":       strconv.FormatInt(o.ExpiresAt, 10),
	}
	if o.TradeNo != "" {
		h["tradeNo"] = o.TradeNo
	}
	if o.PaidAt != 0 {
		h["paidAt"] = strconv.FormatInt(o.PaidAt, 10)
	}
	if o.CompletedAt != 0 {
		h["completedAt"] = strconv.FormatInt(o.CompletedAt, 10)
	}
	if o.BlockHash != "" {
		h["blockHash"] = o.BlockHash
	}
	return h
}

// OrderFromHash reconstructs an order from Redis hash fields.
func OrderFromHash(fields map[string]string) (*Order, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	amount, err := strconv.ParseInt(fields["amount"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", fields["amount"], err)
	}
	createdAt, err := strconv.ParseInt(fields["createdAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid createdAt %q: %w", fields["createdAt"], err)
	}
	expiresAt, err := strconv.ParseInt(fields["expiresAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid expiresAt %q: %w", fields["expiresAt"], err)
	}

	o := &Order{
		OrderID:         fields["orderId"],
		WalletAddress:   fields["walletAddress"],
		Amount:          amount,
		Referrer:        fields["referrer"],
		ReferralCode:    fields["referralCode"],
		PaymentAmount:   fields["paymentAmount"],
		PaymentDiscount: fields["paymentDiscount"],
		PaymentURL:      fields["paymentUrl"],
		ClientIP:        fields["clientIp"],
		Status:          types.OrderStatus(fields["status"]),
		CreatedAt:       createdAt,
		ExpiresAt:       expiresAt,
		TradeNo:         fields["tradeNo"],
		BlockHash:       fields["blockHash"],
	}

	// Optional timestamps, present once paid/completed
	if v := fields["paidAt"]; v != "" {
		if o.PaidAt, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid paidAt %q: %w", v, err)
		}
	}
	if v := fields["completedAt"]; v != "" {
		if o.CompletedAt, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid completedAt %q: %w", v, err)
		}
	}

	return o, nil
}
