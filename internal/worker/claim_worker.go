// Package worker holds the relay's background loops: the claim relay poller
// and the order expiry sweeper.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/purchase-relay/internal/config"
	apperrors "github.com/purchase-relay/internal/errors"
	"github.com/purchase-relay/internal/logging"
	"github.com/purchase-relay/internal/models"
	"github.com/purchase-relay/internal/service"
	"github.com/purchase-relay/internal/storage"
)

// ClaimSource lists and acknowledges claimable orders in the external
// payment-processor database.
type ClaimSource interface {
	ListPayable(ctx context.Context, limit int) ([]*models.ClaimableOrder, error)
	MarkClaimCompleted(ctx context.Context, id int64, txHash string) error
	MarkClaimFailed(ctx context.Context, id int64) error
}

// ClaimRelay submits one sponsored claim.
type ClaimRelay interface {
	RelayClaim(ctx context.Context, auth *models.ClaimAuthorization) (*service.RelayResult, error)
}

// ClaimMarkerStore persists per-order claim markers so a restart cannot
// resubmit a claim that an earlier run already relayed.
type ClaimMarkerStore interface {
	TryMarkClaimProcessed(ctx context.Context, claimableID int64) (bool, error)
	UnmarkClaimProcessed(ctx context.Context, claimableID int64) error
}

// ClaimWorker polls the claimable-order source and relays each payable claim
// exactly once. Orders are processed strictly oldest-first, one at a time.
type ClaimWorker struct {
	source  ClaimSource
	relay   ClaimRelay
	markers ClaimMarkerStore
	audit   *storage.AuditRepository
	cfg     config.ClaimWorkerConfig
	logger  *logging.Logger

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	processed map[int64]bool
}

// NewClaimWorker wires the claim relay loop. audit may be nil.
func NewClaimWorker(
	source ClaimSource,
	relay ClaimRelay,
	markers ClaimMarkerStore,
	audit *storage.AuditRepository,
	cfg config.ClaimWorkerConfig,
	logger *logging.Logger,
) *ClaimWorker {
	return &ClaimWorker{
		source:    source,
		relay:     relay,
		markers:   markers,
		audit:     audit,
		cfg:       cfg,
		logger:    logger,
		processed: make(map[int64]bool),
	}
}

// Start launches the poll loop.
func (w *ClaimWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("claim worker already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go w.run()
	w.logger.Info("Claim worker started")
	return nil
}

// Stop signals the loop and waits for the in-flight iteration to finish.
func (w *ClaimWorker) Stop() {
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
	w.logger.Info("Claim worker stopped")
}

func (w *ClaimWorker) run() {
	defer close(w.doneCh)

	for {
		w.ProcessBatch(context.Background())

		select {
		case <-w.stopCh:
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// ProcessBatch fetches one batch of payable orders and relays them in fetch
// order. A stop signal or an under-funded maker ends the batch early; the
// remainder waits for a later poll.
func (w *ClaimWorker) ProcessBatch(ctx context.Context) {
	orders, err := w.source.ListPayable(ctx, w.cfg.BatchSize)
	if err != nil {
		w.logger.WithError(err).Error("Failed to list payable orders")
		return
	}
	if len(orders) == 0 {
		return
	}
	w.logger.WithField("count", len(orders)).Info("Processing payable orders")

	for i, order := range orders {
		select {
		case <-w.stopCh:
			return
		default:
		}

		if err := w.processOrder(ctx, order); err != nil && apperrors.IsCategory(err, apperrors.CategoryInsufficientGas) {
			w.logger.Warn("Maker under-funded, deferring remaining orders to next poll")
			return
		}

		// Throttle between orders, not after the last one.
		if i < len(orders)-1 {
			select {
			case <-w.stopCh:
				return
			case <-time.After(w.cfg.OrderDelay):
			}
		}
	}
}

func (w *ClaimWorker) processOrder(ctx context.Context, order *models.ClaimableOrder) error {
	if w.processed[order.ID] {
		return nil
	}
	log := w.logger.WithField("claimableId", order.ID)

	auth, err := models.ParseClaimAuthorization(order.AuthData)
	if err != nil {
		log.WithError(err).Error("Skipping order with malformed auth data")
		w.processed[order.ID] = true
		return nil
	}

	// The persisted marker is the restart-safe dedupe guard: it is taken
	// before submission and released only when the relay did not go through.
	taken, err := w.markers.TryMarkClaimProcessed(ctx, order.ID)
	if err != nil {
		log.WithError(err).Error("Failed to take claim marker")
		return err
	}
	if !taken {
		log.Warn("Claim marker already present, skipping")
		w.processed[order.ID] = true
		return nil
	}

	res, err := w.relay.RelayClaim(ctx, auth)
	if err != nil {
		if uerr := w.markers.UnmarkClaimProcessed(ctx, order.ID); uerr != nil {
			log.WithError(uerr).Error("Failed to release claim marker")
		}
		if apperrors.IsCategory(err, apperrors.CategoryInsufficientGas) {
			return err
		}

		log.WithError(err).Error("Claim relay failed")
		if merr := w.source.MarkClaimFailed(ctx, order.ID); merr != nil {
			log.WithError(merr).Error("Failed to record claim failure")
		}
		w.audit.InsertAsync(&models.SettlementEvent{
			EventType:   models.EventClaimFailed,
			OrderID:     auth.OrderID,
			Beneficiary: auth.Beneficiary,
			Amount:      order.MemoAmount,
			Detail:      err.Error(),
			OccurredAt:  time.Now(),
		})
		return err
	}

	if err := w.source.MarkClaimCompleted(ctx, order.ID, res.TxHash); err != nil {
		log.WithError(err).Error("Relay succeeded but completion not recorded")
		return err
	}
	w.processed[order.ID] = true

	w.audit.InsertAsync(&models.SettlementEvent{
		EventType:   models.EventClaimCompleted,
		OrderID:     auth.OrderID,
		Beneficiary: auth.Beneficiary,
		Amount:      order.MemoAmount,
		TxHash:      res.TxHash,
		FeePaid:     res.GasCostPaidByMaker,
		OccurredAt:  time.Now(),
	})
	log.WithFields(map[string]interface{}{
		"txHash":  res.TxHash,
		"feePaid": res.GasCostPaidByMaker,
	}).Info("Claim relayed")
	return nil
}
