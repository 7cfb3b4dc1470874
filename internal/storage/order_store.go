package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/purchase-relay/internal/errors"
	"github.com/purchase-relay/internal/models"
	"github.com/purchase-relay/internal/types"
)

// Store key layout. The expiry zset doubles as the pending-order projection
// for the OCW surface: entries stay until swept or acknowledged.
const (
	orderKeyPrefix       = "order:"
	expiryIndexKey       = "first_purchase_orders"
	purchasedSetKey      = "first_purchase_addresses"
	purchasedOrderPrefix = "first_purchase_order:"
	dailyCounterPrefix   = "ip_daily:"
	hourlyCounterPrefix  = "ip_hourly:"
	claimMarkerPrefix    = "claim_processed:"
)

// physical TTL safety margin beyond the logical expiry, so an order that the
// sweeper misses still leaves the store eventually
const orderTTLSlack = 24 * time.Hour

// OrderStore provides durable keyed storage for orders, the time-indexed
// expiry structure, the first-purchase dedupe set, per-IP risk counters and
// the claim-relay processed markers.
type OrderStore struct {
	redis    *RedisStore
	orderTTL time.Duration
	now      func() time.Time
}

// NewOrderStore creates an order store with the configured payment window.
func NewOrderStore(redis *RedisStore, orderTTL time.Duration) *OrderStore {
	return &OrderStore{
		redis:    redis,
		orderTTL: orderTTL,
		now:      time.Now,
	}
}

// SetClock overrides the store clock. Tests only.
func (s *OrderStore) SetClock(now func() time.Time) {
	s.now = now
}

// Ping checks the underlying store connection.
func (s *OrderStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx)
}

// orderKey returns the hash key for an order id.
func orderKey(orderID string) string {
	return orderKeyPrefix + orderID
}

// CreateOrder persists a new order as pending, stamps createdAt/expiresAt and
// inserts it into the expiry index. A physical TTL slightly past the logical
// expiry acts as a safety net against sweeper gaps.
func (s *OrderStore) CreateOrder(ctx context.Context, order *models.Order) error {
	now := s.now()
	order.Status = types.OrderPending
	order.CreatedAt = now.UnixMilli()
	order.ExpiresAt = now.Add(s.orderTTL).UnixMilli()

	key := orderKey(order.OrderID)
	pipe := s.redis.Client().TxPipeline()
	pipe.HSet(ctx, key, order.ToHash())
	pipe.Expire(ctx, key, s.orderTTL+orderTTLSlack)
	pipe.ZAdd(ctx, expiryIndexKey, redis.Z{
		Score:  float64(order.ExpiresAt),
		Member: order.OrderID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewStoreError("create order", err)
	}
	return nil
}

// GetOrder returns the order, or nil without error when the id is unknown.
// Callers must branch on the nil case.
func (s *OrderStore) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	fields, err := s.redis.Client().HGetAll(ctx, orderKey(orderID)).Result()
	if err != nil {
		return nil, apperrors.NewStoreError("get order", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	order, err := models.OrderFromHash(fields)
	if err != nil {
		return nil, apperrors.NewStoreError("decode order", err)
	}
	return order, nil
}

// UpdateOrderStatus merges the new status and extra fields into the order
// hash. It does not validate the from-state; callers uphold the forward-only
// transition invariant.
func (s *OrderStore) UpdateOrderStatus(ctx context.Context, orderID string, status types.OrderStatus, extra map[string]interface{}) error {
	fields := map[string]interface{}{"status": string(status)}
	for k, v := range extra {
		fields[k] = v
	}

	if err := s.redis.Client().HSet(ctx, orderKey(orderID), fields).Err(); err != nil {
		return apperrors.NewStoreError("update order status", err)
	}

	// Completed and expired orders never expire back out of their hash before
	// the safety-net TTL; no adjustment needed here.
	return nil
}

// HasFirstPurchased reports whether the address already completed a first purchase.
func (s *OrderStore) HasFirstPurchased(ctx context.Context, address string) (bool, error) {
	ok, err := s.redis.Client().SIsMember(ctx, purchasedSetKey, address).Result()
	if err != nil {
		return false, apperrors.NewStoreError("check first purchase", err)
	}
	return ok, nil
}

// MarkFirstPurchased inserts the address into the dedupe set and records the
// settling order. Called only after on-chain settlement succeeds.
func (s *OrderStore) MarkFirstPurchased(ctx context.Context, address, orderID string) error {
	pipe := s.redis.Client().TxPipeline()
	pipe.SAdd(ctx, purchasedSetKey, address)
	pipe.Set(ctx, purchasedOrderPrefix+address, orderID, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewStoreError("mark first purchased", err)
	}
	return nil
}

// IncrIPDaily atomically increments the daily counter for the IP and returns
// the new count. The TTL is set only on the first increment within the bucket
// and is aligned to the next midnight UTC.
func (s *OrderStore) IncrIPDaily(ctx context.Context, ip string) (int64, error) {
	now := s.now().UTC()
	key := fmt.Sprintf("%s%s:%s", dailyCounterPrefix, now.Format("2006-01-02"), ip)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return s.incrCounter(ctx, key, midnight.Sub(now))
}

// IncrIPHourly is the hourly counterpart of IncrIPDaily, TTL aligned to the
// top of the next hour.
func (s *OrderStore) IncrIPHourly(ctx context.Context, ip string) (int64, error) {
	now := s.now().UTC()
	key := fmt.Sprintf("%s%s:%s", hourlyCounterPrefix, now.Format("2006-01-02-15"), ip)
	nextHour := now.Truncate(time.Hour).Add(time.Hour)
	return s.incrCounter(ctx, key, nextHour.Sub(now))
}

// incrCounter performs the single atomic increment the risk check depends on.
// Two concurrent requests from one IP each observe a distinct count.
func (s *OrderStore) incrCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.redis.Client().Incr(ctx, key).Result()
	if err != nil {
		return 0, apperrors.NewStoreError("increment counter", err)
	}
	if count == 1 {
		if err := s.redis.Client().Expire(ctx, key, ttl).Err(); err != nil {
			return 0, apperrors.NewStoreError("set counter ttl", err)
		}
	}
	return count, nil
}

// GetExpiredOrders returns order ids whose expiry is at or before now.
func (s *OrderStore) GetExpiredOrders(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.redis.Client().ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, apperrors.NewStoreError("range expiry index", err)
	}
	return ids, nil
}

// RemoveExpiredOrder removes the order from the expiry index. Removing a
// missing member is not an error.
func (s *OrderStore) RemoveExpiredOrder(ctx context.Context, orderID string) error {
	if err := s.redis.Client().ZRem(ctx, expiryIndexKey, orderID).Err(); err != nil {
		return apperrors.NewStoreError("remove expired order", err)
	}
	return nil
}

// PendingOrders returns orders still inside their payment window whose status
// is paid: the projection the off-chain worker polls for settlement work.
// Orders that fail to decode are skipped and reported to the caller by id.
func (s *OrderStore) PendingOrders(ctx context.Context, now time.Time) ([]*models.Order, []string, error) {
	ids, err := s.redis.Client().ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", now.UnixMilli()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, nil, apperrors.NewStoreError("range pending orders", err)
	}

	var orders []*models.Order
	var skipped []string
	for _, id := range ids {
		order, err := s.GetOrder(ctx, id)
		if err != nil || order == nil {
			skipped = append(skipped, id)
			continue
		}
		if order.Status != types.OrderPaid {
			continue
		}
		if order.WalletAddress == "" || order.Amount <= 0 {
			skipped = append(skipped, id)
			continue
		}
		orders = append(orders, order)
	}
	return orders, skipped, nil
}

// PendingOrderCount returns the number of live paid orders awaiting
// settlement, matching the projection the worker consumes. Unpaid orders in
// the expiry index are not counted.
func (s *OrderStore) PendingOrderCount(ctx context.Context, now time.Time) (int64, error) {
	ids, err := s.redis.Client().ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", now.UnixMilli()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, apperrors.NewStoreError("count pending orders", err)
	}

	var count int64
	for _, id := range ids {
		order, err := s.GetOrder(ctx, id)
		if err != nil || order == nil {
			continue
		}
		if order.Status == types.OrderPaid {
			count++
		}
	}
	return count, nil
}

// TryMarkClaimProcessed sets the persisted claim marker for a claimable-order
// id. Returns false when the marker already exists, which means another run
// already claimed or is claiming the order.
func (s *OrderStore) TryMarkClaimProcessed(ctx context.Context, claimableID int64) (bool, error) {
	ok, err := s.redis.Client().SetNX(ctx, fmt.Sprintf("%s%d", claimMarkerPrefix, claimableID), "1", 0).Result()
	if err != nil {
		return false, apperrors.NewStoreError("mark claim processed", err)
	}
	return ok, nil
}

// UnmarkClaimProcessed releases the claim marker so a later poll may retry.
func (s *OrderStore) UnmarkClaimProcessed(ctx context.Context, claimableID int64) error {
	if err := s.redis.Client().Del(ctx, fmt.Sprintf("%s%d", claimMarkerPrefix, claimableID)).Err(); err != nil {
		return apperrors.NewStoreError("unmark claim processed", err)
	}
	return nil
}
