// Package risk gates order creation with per-IP day and hour counters.
package risk

import (
	"context"

	apperrors "github.com/purchase-relay/internal/errors"
	"github.com/purchase-relay/internal/storage"
)

// Controller enforces the per-IP order creation limits on top of the order
// store's atomic counters.
type Controller struct {
	store     *storage.OrderStore
	dailyMax  int64
	hourlyMax int64
}

// NewController creates a risk controller with the configured limits.
func NewController(store *storage.OrderStore, dailyMax, hourlyMax int64) *Controller {
	return &Controller{
		store:     store,
		dailyMax:  dailyMax,
		hourlyMax: hourlyMax,
	}
}

// CheckOrderCreation increments the IP's daily and hourly counters and
// rejects when either bucket exceeds its limit. Both increments run even when
// the first one already breaches: a rejected request still counts against the
// caller's buckets.
func (c *Controller) CheckOrderCreation(ctx context.Context, ip string) error {
	daily, err := c.store.IncrIPDaily(ctx, ip)
	if err != nil {
		return err
	}
	hourly, err := c.store.IncrIPHourly(ctx, ip)
	if err != nil {
		return err
	}

	if daily > c.dailyMax || hourly > c.hourlyMax {
		return apperrors.NewEligibilityError("rate limited")
	}
	return nil
}
