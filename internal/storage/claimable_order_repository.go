package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/purchase-relay/internal/models"
	"github.com/purchase-relay/internal/types"
)

// ClaimableOrderRepository reads and acknowledges claimable orders in the
// payment-processor database. The relay only ever advances claim_status; the
// payment processor owns the rest of the row.
type ClaimableOrderRepository struct {
	db *PostgresDB
}

// NewClaimableOrderRepository creates a new claimable order repository
func NewClaimableOrderRepository(db *PostgresDB) *ClaimableOrderRepository {
	return &ClaimableOrderRepository{db: db}
}

// ListPayable returns paid orders whose claim has not completed, oldest
// first, capped at limit. Failed claims are included: a previous relay
// failure is retried on a later poll.
func (r *ClaimableOrderRepository) ListPayable(ctx context.Context, limit int) ([]*models.ClaimableOrder, error) {
	query := `
		SELECT id, user_address, memo_amount, status, claim_status, auth_data, claim_tx_hash, created_at, updated_at
		FROM claimable_orders
		WHERE status = $1 AND claim_status <> $2
		ORDER BY created_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, string(types.OrderPaid), string(types.ClaimCompleted), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payable orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.ClaimableOrder
	for rows.Next() {
		var o models.ClaimableOrder
		var status, claimStatus string
		if err := rows.Scan(
			&o.ID,
			&o.UserAddress,
			&o.MemoAmount,
			&status,
			&claimStatus,
			&o.AuthData,
			&o.ClaimTxHash,
			&o.CreatedAt,
			&o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan claimable order: %w", err)
		}
		o.Status = types.OrderStatus(status)
		o.ClaimStatus = types.ClaimStatus(claimStatus)
		orders = append(orders, &o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claimable orders: %w", err)
	}

	return orders, nil
}

// MarkClaimCompleted records a successful relay with its transaction hash.
func (r *ClaimableOrderRepository) MarkClaimCompleted(ctx context.Context, id int64, txHash string) error {
	query := `
		UPDATE claimable_orders
		SET claim_status = $1, claim_tx_hash = $2, updated_at = $3
		WHERE id = $4
	`

	if _, err := r.db.Pool().Exec(ctx, query, string(types.ClaimCompleted), txHash, time.Now(), id); err != nil {
		return fmt.Errorf("failed to mark claim completed: %w", err)
	}
	return nil
}

// MarkClaimFailed records a failed relay attempt. The tx hash is cleared so a
// later poll can retry the order from a clean slate.
func (r *ClaimableOrderRepository) MarkClaimFailed(ctx context.Context, id int64) error {
	query := `
		UPDATE claimable_orders
		SET claim_status = $1, claim_tx_hash = NULL, updated_at = $2
		WHERE id = $3
	`

	if _, err := r.db.Pool().Exec(ctx, query, string(types.ClaimFailed), time.Now(), id); err != nil {
		return fmt.Errorf("failed to mark claim failed: %w", err)
	}
	return nil
}
