// Package service holds the relay's business logic: the first-purchase order
// state machine and the gas-sponsored claim relay.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/purchase-relay/internal/chain"
	"github.com/purchase-relay/internal/config"
	apperrors "github.com/purchase-relay/internal/errors"
	"github.com/purchase-relay/internal/gateway"
	"github.com/purchase-relay/internal/logging"
	"github.com/purchase-relay/internal/models"
	"github.com/purchase-relay/internal/risk"
	"github.com/purchase-relay/internal/storage"
	"github.com/purchase-relay/internal/types"
)

// orderIDPrefix forms ids like MEMO_20260831_AB12CD34.
const orderIDPrefix = "MEMO"

// callbackAmountTolerance absorbs gateway rounding on the paid amount.
var callbackAmountTolerance = decimal.RequireFromString("0.01")

// PaymentGateway is the slice of the gateway adapter the order service needs.
type PaymentGateway interface {
	CreatePayment(req *gateway.PaymentRequest) string
	HandleCallback(params map[string]string) (*gateway.CallbackResult, error)
}

// OrderService owns the order state machine: Pending -> Paid -> Completed,
// Pending -> Expired. Transitions only move forward.
type OrderService struct {
	store   *storage.OrderStore
	risk    *risk.Controller
	gateway PaymentGateway
	chain   chain.Client
	audit   *storage.AuditRepository
	cfg     config.FirstPurchaseConfig
	logger  *logging.Logger
	now     func() time.Time
}

// NewOrderService wires the order state machine. audit may be nil when the
// archive is not configured.
func NewOrderService(
	store *storage.OrderStore,
	riskCtrl *risk.Controller,
	gw PaymentGateway,
	chainClient chain.Client,
	audit *storage.AuditRepository,
	cfg config.FirstPurchaseConfig,
	logger *logging.Logger,
) *OrderService {
	return &OrderService{
		store:   store,
		risk:    riskCtrl,
		gateway: gw,
		chain:   chainClient,
		audit:   audit,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the service clock. Tests only.
func (s *OrderService) SetClock(now func() time.Time) {
	s.now = now
	s.store.SetClock(now)
}

// CreateOrderRequest is the input of CreateOrder.
type CreateOrderRequest struct {
	WalletAddress string `json:"walletAddress"`
	Amount        int64  `json:"amount"`
	ReferralCode  string `json:"referralCode,omitempty"`
	ClientIP      string `json:"-"`
}

// CreateOrderResult is what the client needs to proceed to payment.
type CreateOrderResult struct {
	OrderID          string `json:"orderId"`
	PaymentURL       string `json:"paymentUrl"`
	Amount           int64  `json:"amount"`
	PaymentAmount    string `json:"paymentAmount"`
	PaymentDiscount  string `json:"paymentDiscount"`
	ExpiresAt        int64  `json:"expiresAt"`
	CountdownSeconds int64  `json:"countdownSeconds"`
}

// CreateOrder runs the eligibility and risk checks, prices the order and
// persists it as Pending with a signed payment redirect URL.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResult, error) {
	if req.WalletAddress == "" {
		return nil, apperrors.NewValidationError("walletAddress is required")
	}
	if req.Amount < s.cfg.MinAmount || req.Amount > s.cfg.MaxAmount {
		return nil, apperrors.NewValidationError(fmt.Sprintf(
			"amount must be between %d and %d MEMO", s.cfg.MinAmount, s.cfg.MaxAmount))
	}

	// One completed first purchase per address, checked against both the
	// cached set and the chain record.
	cached, err := s.store.HasFirstPurchased(ctx, req.WalletAddress)
	if err != nil {
		return nil, err
	}
	if !cached {
		onChain, err := s.chain.HasFirstPurchased(ctx, req.WalletAddress)
		if err != nil {
			return nil, err
		}
		cached = onChain
	}
	if cached {
		return nil, apperrors.NewEligibilityError("already purchased")
	}

	if err := s.risk.CheckOrderCreation(ctx, req.ClientIP); err != nil {
		return nil, err
	}

	referrer := ""
	if req.ReferralCode != "" {
		referrer, err = s.resolveReferrer(ctx, req.ReferralCode)
		if err != nil {
			return nil, err
		}
	}

	paymentAmount, discount := s.pricePayment(req.Amount, referrer != "")

	order := &models.Order{
		OrderID:         s.newOrderID(),
		WalletAddress:   req.WalletAddress,
		Amount:          req.Amount,
		Referrer:        referrer,
		ReferralCode:    req.ReferralCode,
		PaymentAmount:   paymentAmount.StringFixed(2),
		PaymentDiscount: discount.String(),
		ClientIP:        req.ClientIP,
	}
	order.PaymentURL = s.gateway.CreatePayment(&gateway.PaymentRequest{
		OrderID: order.OrderID,
		Amount:  paymentAmount,
		Name:    fmt.Sprintf("MEMO first purchase %d", req.Amount),
	})

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"orderId": order.OrderID,
		"wallet":  order.WalletAddress,
		"amount":  order.Amount,
	}).Info("Order created")

	return &CreateOrderResult{
		OrderID:          order.OrderID,
		PaymentURL:       order.PaymentURL,
		Amount:           order.Amount,
		PaymentAmount:    order.PaymentAmount,
		PaymentDiscount:  order.PaymentDiscount,
		ExpiresAt:        order.ExpiresAt,
		CountdownSeconds: (order.ExpiresAt - order.CreatedAt) / 1000,
	}, nil
}

// resolveReferrer maps a referral code to its owning account and requires the
// owner to be a current member.
func (s *OrderService) resolveReferrer(ctx context.Context, code string) (string, error) {
	account, err := s.chain.ReferrerByCode(ctx, code)
	if err != nil {
		return "", err
	}
	if account == "" {
		return "", apperrors.NewValidationError("invalid referral")
	}
	valid, err := s.chain.IsValidMember(ctx, account)
	if err != nil {
		return "", err
	}
	if !valid {
		return "", apperrors.NewValidationError("invalid referral")
	}
	return account, nil
}

// pricePayment computes the fiat payment amount: amount x fiatRate, with the
// referral discount multiplier when a referrer applies.
func (s *OrderService) pricePayment(amount int64, hasReferrer bool) (decimal.Decimal, decimal.Decimal) {
	discount := decimal.NewFromInt(1)
	if hasReferrer {
		discount = decimal.NewFromFloat(s.cfg.ReferralDiscountRate)
	}
	payment := decimal.NewFromInt(amount).
		Mul(decimal.NewFromFloat(s.cfg.FiatRate)).
		Mul(discount).
		Round(2)
	return payment, discount
}

// newOrderID generates MEMO_yyyymmdd_RANDOM8 with an uppercase uuid-derived suffix.
func (s *OrderService) newOrderID() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:8]
	return fmt.Sprintf("%s_%s_%s", orderIDPrefix, s.now().UTC().Format("20060102"), suffix)
}

// HandlePaymentCallback processes a verified gateway webhook: marks the order
// Paid, settles it on chain and marks it Completed. A duplicate delivery for a
// completed order is a no-op success. A chain failure leaves the order Paid;
// recovery rides the off-chain-worker surface.
func (s *OrderService) HandlePaymentCallback(ctx context.Context, params map[string]string) error {
	res, err := s.gateway.HandleCallback(params)
	if err != nil {
		return err
	}

	order, err := s.store.GetOrder(ctx, res.OrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return apperrors.NewValidationError("order not found")
	}

	switch order.Status {
	case types.OrderCompleted:
		return nil
	case types.OrderExpired:
		return apperrors.NewValidationError("order expired")
	}

	expected, err := decimal.NewFromString(order.PaymentAmount)
	if err != nil {
		return apperrors.NewStoreError("decode payment amount", err)
	}
	if res.Amount.Sub(expected).Abs().GreaterThan(callbackAmountTolerance) {
		return apperrors.NewValidationError("amount mismatch")
	}

	if err := s.store.UpdateOrderStatus(ctx, order.OrderID, types.OrderPaid, map[string]interface{}{
		"tradeNo": res.TradeNo,
		"paidAt":  fmt.Sprintf("%d", s.now().UnixMilli()),
	}); err != nil {
		return err
	}

	blockHash, err := s.settleOnChain(ctx, order)
	if err != nil {
		s.logger.WithError(err).WithField("orderId", order.OrderID).
			Error("Chain settlement failed, order remains paid")
		return err
	}

	return s.completeOrder(ctx, order, blockHash)
}

// settleOnChain submits the first-purchase extrinsic signed by the service
// account and waits for finality. Returns the finalized block hash.
func (s *OrderService) settleOnChain(ctx context.Context, order *models.Order) (string, error) {
	events, err := s.chain.SubmitFirstPurchase(ctx, &chain.FirstPurchaseCall{
		OrderID:      order.OrderID,
		Beneficiary:  order.WalletAddress,
		AmountPlanck: uint64(order.Amount) * types.PlanckPerMEMO,
		Referrer:     order.Referrer,
	})
	if err != nil {
		return "", err
	}

	for ev := range events {
		if ev.Err != nil {
			return "", apperrors.NewChainSubmissionError("settlement status stream failed", "", ev.Err)
		}
		switch ev.Phase {
		case chain.PhaseFinalized:
			if ev.DispatchError != nil {
				return "", apperrors.NewChainSubmissionError(
					"settlement extrinsic failed", ev.DispatchError.Error(), ev.DispatchError)
			}
			return ev.BlockHash.Hex(), nil
		case chain.PhaseInvalid, chain.PhaseDropped, chain.PhaseUsurped:
			return "", apperrors.NewChainSubmissionError(
				fmt.Sprintf("settlement extrinsic %s", ev.Phase), "", nil)
		}
	}
	return "", apperrors.NewChainSubmissionError("settlement status stream ended without finality", "", nil)
}

// completeOrder records the terminal Completed state, inserts the address into
// the dedupe set and retires the order from the expiry index.
func (s *OrderService) completeOrder(ctx context.Context, order *models.Order, blockHash string) error {
	now := s.now().UnixMilli()
	if err := s.store.UpdateOrderStatus(ctx, order.OrderID, types.OrderCompleted, map[string]interface{}{
		"blockHash":   blockHash,
		"completedAt": fmt.Sprintf("%d", now),
	}); err != nil {
		return err
	}
	if err := s.store.MarkFirstPurchased(ctx, order.WalletAddress, order.OrderID); err != nil {
		return err
	}
	if err := s.store.RemoveExpiredOrder(ctx, order.OrderID); err != nil {
		return err
	}

	s.audit.InsertAsync(&models.SettlementEvent{
		EventType:   models.EventOrderCompleted,
		OrderID:     order.OrderID,
		Beneficiary: order.WalletAddress,
		Amount:      order.Amount,
		TxHash:      blockHash,
		OccurredAt:  s.now(),
	})

	s.logger.WithFields(map[string]interface{}{
		"orderId":   order.OrderID,
		"blockHash": blockHash,
	}).Info("Order completed")
	return nil
}

// OrderStatusView is the client-facing status of an order.
type OrderStatusView struct {
	OrderID          string            `json:"orderId"`
	Status           types.OrderStatus `json:"status"`
	Amount           int64             `json:"amount"`
	PaymentAmount    string            `json:"paymentAmount"`
	PaymentURL       string            `json:"paymentUrl,omitempty"`
	ExpiresAt        int64             `json:"expiresAt"`
	CountdownSeconds int64             `json:"countdownSeconds"`
	BlockHash        string            `json:"blockHash,omitempty"`
}

// GetOrderStatus returns the current view of an order. A pending order past
// its expiry transitions to Expired as a side effect of the read, so an order
// observed as expired is never again payable.
func (s *OrderService) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatusView, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, apperrors.NewValidationError("order not found")
	}

	nowMs := s.now().UnixMilli()
	if order.Status == types.OrderPending && nowMs > order.ExpiresAt {
		if err := s.store.UpdateOrderStatus(ctx, orderID, types.OrderExpired, nil); err != nil {
			return nil, err
		}
		order.Status = types.OrderExpired
	}

	view := &OrderStatusView{
		OrderID:       order.OrderID,
		Status:        order.Status,
		Amount:        order.Amount,
		PaymentAmount: order.PaymentAmount,
		ExpiresAt:     order.ExpiresAt,
		BlockHash:     order.BlockHash,
	}
	if order.Status == types.OrderPending {
		view.PaymentURL = order.PaymentURL
		view.CountdownSeconds = (order.ExpiresAt - nowMs) / 1000
	}
	return view, nil
}

// ProcessExpiredOrders sweeps the expiry index: pending orders past their
// window become Expired, and every swept entry leaves the index regardless of
// its status. Returns the number of orders transitioned.
func (s *OrderService) ProcessExpiredOrders(ctx context.Context) (int, error) {
	ids, err := s.store.GetExpiredOrders(ctx, s.now())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		order, err := s.store.GetOrder(ctx, id)
		if err != nil {
			s.logger.WithError(err).WithField("orderId", id).Warn("Skipping unreadable order in expiry sweep")
			continue
		}
		if order != nil && order.Status == types.OrderPending {
			if err := s.store.UpdateOrderStatus(ctx, id, types.OrderExpired, nil); err != nil {
				return expired, err
			}
			expired++
			s.audit.InsertAsync(&models.SettlementEvent{
				EventType:   models.EventOrderExpired,
				OrderID:     id,
				Beneficiary: order.WalletAddress,
				Amount:      order.Amount,
				OccurredAt:  s.now(),
			})
		}
		if err := s.store.RemoveExpiredOrder(ctx, id); err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// OCWPendingOrder is one settlement task for the external off-chain worker,
// amounts in planck.
type OCWPendingOrder struct {
	Buyer    string  `json:"buyer"`
	Amount   uint64  `json:"amount"`
	Referrer *string `json:"referrer"`
	OrderID  string  `json:"order_id"`
}

// PendingOrders projects paid, unexpired orders for the off-chain worker.
// Orders with incomplete data are logged and omitted, never erroring the
// whole response.
func (s *OrderService) PendingOrders(ctx context.Context) ([]OCWPendingOrder, error) {
	orders, skipped, err := s.store.PendingOrders(ctx, s.now())
	if err != nil {
		return nil, err
	}
	for _, id := range skipped {
		s.logger.WithField("orderId", id).Warn("Omitting order with incomplete data from OCW projection")
	}

	out := make([]OCWPendingOrder, 0, len(orders))
	for _, order := range orders {
		entry := OCWPendingOrder{
			Buyer:   order.WalletAddress,
			Amount:  uint64(order.Amount) * types.PlanckPerMEMO,
			OrderID: order.OrderID,
		}
		if order.Referrer != "" {
			referrer := order.Referrer
			entry.Referrer = &referrer
		}
		out = append(out, entry)
	}
	return out, nil
}

// MarkProcessed acknowledges that the off-chain worker settled an order:
// marks it Completed with the reported block hash and retires it from the
// projection. Acknowledging an unknown or already-completed order is a no-op.
// Only Paid orders complete; an unpaid order never enters the projection, so
// an ack for one is rejected and the order is left to expire normally.
func (s *OrderService) MarkProcessed(ctx context.Context, orderID, blockHash string) error {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil || order.Status.Terminal() {
		return s.store.RemoveExpiredOrder(ctx, orderID)
	}
	if order.Status != types.OrderPaid {
		return apperrors.NewValidationError("order not paid")
	}
	return s.completeOrder(ctx, order, blockHash)
}

// HasPurchased reports whether the address already completed a first
// purchase, consulting the cached set first and the chain record second.
func (s *OrderService) HasPurchased(ctx context.Context, address string) (bool, error) {
	cached, err := s.store.HasFirstPurchased(ctx, address)
	if err != nil {
		return false, err
	}
	if cached {
		return true, nil
	}
	return s.chain.HasFirstPurchased(ctx, address)
}

// PendingOrderCount reports the live projection size for the health surface.
func (s *OrderService) PendingOrderCount(ctx context.Context) (int64, error) {
	return s.store.PendingOrderCount(ctx, s.now())
}

// Ping checks the order store connection.
func (s *OrderService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
