package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/purchase-relay/internal/config"
	apperrors "github.com/purchase-relay/internal/errors"
	"github.com/purchase-relay/internal/gateway"
	"github.com/purchase-relay/internal/logging"
	"github.com/purchase-relay/internal/risk"
	"github.com/purchase-relay/internal/storage"
	"github.com/purchase-relay/internal/types"
)

var testStart = time.Date(2026, 8, 31, 10, 30, 0, 0, time.UTC)

type orderFixture struct {
	svc     *OrderService
	chain   *mockChain
	adapter *gateway.EpayAdapter
	store   *storage.OrderStore
	clock   *time.Time
}

func setupOrderService(t *testing.T) *orderFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rs := storage.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rs.Close() })

	cfg := config.FirstPurchaseConfig{
		MinAmount:            10,
		MaxAmount:            100,
		FiatRate:             0.01,
		ReferralDiscountRate: 0.9,
		ExpirySeconds:        900,
		IPDailyMax:           1000,
		IPHourlyMax:          1000,
	}

	store := storage.NewOrderStore(rs, time.Duration(cfg.ExpirySeconds)*time.Second)
	riskCtrl := risk.NewController(store, cfg.IPDailyMax, cfg.IPHourlyMax)
	adapter := gateway.NewEpayAdapter(&config.GatewayConfig{
		Endpoint:  "https://pay.example.com",
		PID:       "1001",
		Key:       "test-secret",
		NotifyURL: "https://relay.example.com/first-purchase/notify",
		ReturnURL: "https://relay.example.com/purchased",
	})
	ch := newMockChain()
	logger := logging.NewLogger(logging.LevelError, logging.FormatText)

	svc := NewOrderService(store, riskCtrl, adapter, ch, nil, cfg, logger)

	clock := testStart
	svc.SetClock(func() time.Time { return clock })

	return &orderFixture{svc: svc, chain: ch, adapter: adapter, store: store, clock: &clock}
}

func (f *orderFixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

// signedCallback builds a gateway webhook payload for an order.
func (f *orderFixture) signedCallback(orderID, money string) map[string]string {
	params := map[string]string{
		"pid":          "1001",
		"trade_no":     "20260831999",
		"out_trade_no": orderID,
		"money":        money,
		"trade_status": "TRADE_SUCCESS",
	}
	params["sign"] = f.adapter.GenerateSign(params)
	return params
}

func TestCreateOrderWithoutReferral(t *testing.T) {
	f := setupOrderService(t)

	res, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		WalletAddress: "5Buyer",
		Amount:        80,
		ClientIP:      "10.0.0.1",
	})
	require.NoError(t, err)

	assert.Regexp(t, `^MEMO_20260831_[A-Z0-9]{8}$`, res.OrderID)
	assert.Equal(t, "0.80", res.PaymentAmount)
	assert.Equal(t, "1", res.PaymentDiscount)
	assert.Equal(t, testStart.Add(900*time.Second).UnixMilli(), res.ExpiresAt)
	assert.Equal(t, int64(900), res.CountdownSeconds)
	assert.Contains(t, res.PaymentURL, "submit.php")

	order, err := f.store.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, types.OrderPending, order.Status)
}

func TestCreateOrderWithReferralDiscount(t *testing.T) {
	f := setupOrderService(t)
	f.chain.referrers["FRIEND1"] = "5Referrer"
	f.chain.members["5Referrer"] = true

	res, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		WalletAddress: "5Buyer",
		Amount:        80,
		ReferralCode:  "FRIEND1",
		ClientIP:      "10.0.0.1",
	})
	require.NoError(t, err)

	assert.Equal(t, "0.72", res.PaymentAmount)
	assert.Equal(t, "0.9", res.PaymentDiscount)

	order, err := f.store.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "5Referrer", order.Referrer)
}

func TestCreateOrderAmountBounds(t *testing.T) {
	f := setupOrderService(t)

	for _, amount := range []int64{9, 101, 0, -5} {
		_, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
			WalletAddress: "5Buyer",
			Amount:        amount,
			ClientIP:      "10.0.0.1",
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation), "amount %d", amount)
	}
}

func TestCreateOrderRejectsRepeatPurchase(t *testing.T) {
	f := setupOrderService(t)

	require.NoError(t, f.store.MarkFirstPurchased(context.Background(), "5Cached", "MEMO_20260801_AAAAAAAA"))
	_, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		WalletAddress: "5Cached", Amount: 50, ClientIP: "10.0.0.1",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryEligibility))

	// Chain record alone also blocks, even with a cold cache.
	f.chain.purchased["5OnChain"] = true
	_, err = f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		WalletAddress: "5OnChain", Amount: 50, ClientIP: "10.0.0.1",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryEligibility))
}

func TestCreateOrderInvalidReferral(t *testing.T) {
	f := setupOrderService(t)

	// Unbound code.
	_, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		WalletAddress: "5Buyer", Amount: 50, ReferralCode: "NOBODY", ClientIP: "10.0.0.1",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation))

	// Bound code whose owner is no longer a valid member.
	f.chain.referrers["LAPSED"] = "5Expired"
	_, err = f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		WalletAddress: "5Buyer", Amount: 50, ReferralCode: "LAPSED", ClientIP: "10.0.0.1",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation))
}

func TestHandlePaymentCallbackSettlesOrder(t *testing.T) {
	f := setupOrderService(t)
	f.chain.purchaseEvents = finalizedStream("0xb10c", "0x7a11", 120_000_000)

	res, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		WalletAddress: "5Buyer", Amount: 80, ClientIP: "10.0.0.1",
	})
	require.NoError(t, err)

	err = f.svc.HandlePaymentCallback(context.Background(), f.signedCallback(res.OrderID, "0.80"))
	require.NoError(t, err)

	order, err := f.store.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCompleted, order.Status)
	assert.NotEmpty(t, order.BlockHash)
	assert.NotZero(t, order.PaidAt)
	assert.NotZero(t, order.CompletedAt)

	purchased, err := f.store.HasFirstPurchased(context.Background(), "5Buyer")
	require.NoError(t, err)
	assert.True(t, purchased)

	require.Equal(t, 1, f.chain.purchaseCallCount())
	call := f.chain.purchaseCalls[0]
	assert.Equal(t, uint64(80)*types.PlanckPerMEMO, call.AmountPlanck)
	assert.Equal(t, "5Buyer", call.Beneficiary)
}

func TestHandlePaymentCallbackDuplicateIsNoOp(t *testing.T) {
	f := setupOrderService(t)
	f.chain.purchaseEvents = finalizedStream("0xb10c", "0x7a11", 120_000_000)

	res, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		WalletAddress: "5Buyer", Amount: 80, ClientIP: "10.0.0.1",
	})
	require.NoError(t, err)

	payload := f.signedCallback(res.OrderID, "0.80")
	require.NoError(t, f.svc.HandlePaymentCallback(context.Background(), payload))
	require.NoError(t, f.svc.HandlePaymentCallback(context.Background(), payload))

	assert.Equal(t, 1, f.chain.purchaseCallCount(), "duplicate webhook must not settle twice")
}

func TestHandlePaymentCallbackAmountMismatch(t *testing.T) {
	f := setupOrderService(t)

	res, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		WalletAddress: "5Buyer", Amount: 80, ClientIP: "10.0.0.1",
	})
	require.NoError(t, err)

	// 0.81 is within the tolerance, 0.95 is not.
	f.chain.purchaseEvents = finalizedStream("0xb10c", "0x7a11", 0)
	err = f.svc.HandlePaymentCallback(context.Background(), f.signedCallback(res.OrderID, "0.95"))
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation))

	err = f.svc.HandlePaymentCallback(context.Background(), f.signedCallback(res.OrderID, "0.81"))
	require.NoError(t, err)
}

func TestHandlePaymentCallbackUnknownOrder(t *testing.T) {
	f := setupOrderService(t)

	err := f.svc.HandlePaymentCallback(context.Background(),
		f.signedCallback("MEMO_20260831_ZZZZZZZZ", "0.80"))
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation))
}

func TestHandlePaymentCallbackChainFailureLeavesOrderPaid(t *testing.T) {
	f := setupOrderService(t)
	f.chain.purchaseEvents = dispatchErrorStream("memoFirstPurchase", "AlreadyPurchased")

	res, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		WalletAddress: "5Buyer", Amount: 80, ClientIP: "10.0.0.1",
	})
	require.NoError(t, err)

	err = f.svc.HandlePaymentCallback(context.Background(), f.signedCallback(res.OrderID, "0.80"))
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryChainSubmission))

	order, err := f.store.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderPaid, order.Status)

	// The stuck order is visible to the off-chain worker for recovery.
	pending, err := f.svc.PendingOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, res.OrderID, pending[0].OrderID)
}

func TestGetOrderStatusLazyExpiry(t *testing.T) {
	f := setupOrderService(t)

	res, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		WalletAddress: "5Buyer", Amount: 80, ClientIP: "10.0.0.1",
	})
	require.NoError(t, err)

	view, err := f.svc.GetOrderStatus(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderPending, view.Status)
	assert.Equal(t, int64(900), view.CountdownSeconds)

	f.advance(901 * time.Second)
	view, err = f.svc.GetOrderStatus(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderExpired, view.Status)
	assert.Zero(t, view.CountdownSeconds)

	// An expired order is never again payable.
	err = f.svc.HandlePaymentCallback(context.Background(), f.signedCallback(res.OrderID, "0.80"))
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation))
}

func TestProcessExpiredOrders(t *testing.T) {
	f := setupOrderService(t)

	res, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		WalletAddress: "5Buyer", Amount: 80, ClientIP: "10.0.0.1",
	})
	require.NoError(t, err)

	f.advance(901 * time.Second)
	expired, err := f.svc.ProcessExpiredOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	order, err := f.store.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderExpired, order.Status)

	// Index entry is gone: a second sweep finds nothing.
	expired, err = f.svc.ProcessExpiredOrders(context.Background())
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func TestPendingOrdersScalesToPlanck(t *testing.T) {
	f := setupOrderService(t)
	f.chain.referrers["FRIEND1"] = "5Referrer"
	f.chain.members["5Referrer"] = true

	res, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		WalletAddress: "5Buyer", Amount: 25, ReferralCode: "FRIEND1", ClientIP: "10.0.0.1",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateOrderStatus(context.Background(), res.OrderID, types.OrderPaid, nil))

	pending, err := f.svc.PendingOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(25_000_000_000_000), pending[0].Amount)
	assert.Equal(t, "5Buyer", pending[0].Buyer)
	require.NotNil(t, pending[0].Referrer)
	assert.Equal(t, "5Referrer", *pending[0].Referrer)
}

func TestMarkProcessedIdempotent(t *testing.T) {
	f := setupOrderService(t)

	res, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		WalletAddress: "5Buyer", Amount: 80, ClientIP: "10.0.0.1",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateOrderStatus(context.Background(), res.OrderID, types.OrderPaid, nil))

	require.NoError(t, f.svc.MarkProcessed(context.Background(), res.OrderID, "0xb10c"))
	order, err := f.store.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCompleted, order.Status)
	assert.Equal(t, "0xb10c", order.BlockHash)

	// Acknowledging again, or acknowledging an unknown order, is a no-op.
	require.NoError(t, f.svc.MarkProcessed(context.Background(), res.OrderID, "0xb10c"))
	require.NoError(t, f.svc.MarkProcessed(context.Background(), "MEMO_20260831_ZZZZZZZZ", "0xb10c"))

	pending, err := f.svc.PendingOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMarkProcessedRejectsUnpaidOrder(t *testing.T) {
	f := setupOrderService(t)

	res, err := f.svc.CreateOrder(context.Background(), &CreateOrderRequest{
		WalletAddress: "5Buyer", Amount: 80, ClientIP: "10.0.0.1",
	})
	require.NoError(t, err)

	err = f.svc.MarkProcessed(context.Background(), res.OrderID, "0xb10c")
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation))

	// The order is untouched: still pending, still payable, wallet still eligible.
	order, err := f.store.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderPending, order.Status)

	purchased, err := f.store.HasFirstPurchased(context.Background(), "5Buyer")
	require.NoError(t, err)
	assert.False(t, purchased)

	// It expires on schedule like any other unpaid order.
	f.advance(901 * time.Second)
	_, err = f.svc.ProcessExpiredOrders(context.Background())
	require.NoError(t, err)
	order, err = f.store.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderExpired, order.Status)
}

func TestHasPurchased(t *testing.T) {
	f := setupOrderService(t)

	ok, err := f.svc.HasPurchased(context.Background(), "5Nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.store.MarkFirstPurchased(context.Background(), "5Cached", "MEMO_20260801_AAAAAAAA"))
	ok, err = f.svc.HasPurchased(context.Background(), "5Cached")
	require.NoError(t, err)
	assert.True(t, ok)

	f.chain.purchased["5OnChain"] = true
	ok, err = f.svc.HasPurchased(context.Background(), "5OnChain")
	require.NoError(t, err)
	assert.True(t, ok)
}
