package storage

import (
	"context"
	"fmt"
	"log"

	"github.com/purchase-relay/internal/models"
)

// AuditRepository archives settlement events in ClickHouse. The archive is an
// operational record only; callers write asynchronously and a lost event never
// blocks or fails a settlement.
type AuditRepository struct {
	db *ClickHouseDB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *ClickHouseDB) *AuditRepository {
	return &AuditRepository{db: db}
}

// CreateSchema creates the settlement_events table if it does not exist.
func (r *AuditRepository) CreateSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS settlement_events (
			event_type   String,
			order_id     String,
			beneficiary  String,
			amount       Int64,
			tx_hash      String,
			fee_paid     UInt64,
			detail       String,
			occurred_at  DateTime64(3)
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, order_id)
	`
	if err := r.db.Conn().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create settlement_events table: %w", err)
	}
	return nil
}

// Insert appends a settlement event to the archive.
func (r *AuditRepository) Insert(ctx context.Context, event *models.SettlementEvent) error {
	query := `
		INSERT INTO settlement_events
			(event_type, order_id, beneficiary, amount, tx_hash, fee_paid, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	err := r.db.Conn().Exec(ctx, query,
		event.EventType,
		event.OrderID,
		event.Beneficiary,
		event.Amount,
		event.TxHash,
		event.FeePaid,
		event.Detail,
		event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert settlement event: %w", err)
	}
	return nil
}

// InsertAsync fires the insert from a goroutine and logs failures. This is the
// form the settlement paths use.
func (r *AuditRepository) InsertAsync(event *models.SettlementEvent) {
	if r == nil {
		return
	}
	go func() {
		if err := r.Insert(context.Background(), event); err != nil {
			log.Printf("[Audit] failed to archive %s for order %s: %v", event.EventType, event.OrderID, err)
		}
	}()
}
