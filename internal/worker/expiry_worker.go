package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/purchase-relay/internal/logging"
	"github.com/purchase-relay/internal/service"
)

// ExpiryWorker periodically sweeps the expiry index so pending orders past
// their payment window become Expired even when nobody polls them.
type ExpiryWorker struct {
	orders   *service.OrderService
	interval time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewExpiryWorker(orders *service.OrderService, interval time.Duration, logger *logging.Logger) *ExpiryWorker {
	return &ExpiryWorker{
		orders:   orders,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the sweep loop.
func (w *ExpiryWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("expiry worker already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go w.run()
	w.logger.Info("Expiry worker started")
	return nil
}

// Stop signals the loop and waits for the in-flight sweep to finish.
func (w *ExpiryWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()

	<-done
	w.logger.Info("Expiry worker stopped")
}

func (w *ExpiryWorker) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			expired, err := w.orders.ProcessExpiredOrders(context.Background())
			if err != nil {
				w.logger.WithError(err).Error("Expiry sweep failed")
				continue
			}
			if expired > 0 {
				w.logger.WithField("expired", expired).Info("Expired pending orders")
			}
		}
	}
}
