package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Tamnud-ghule/KUINBEE/internal/db"
	"github.com/Tamnud-ghule/KUINBEE/types"
)

// PurchaseRepository handles persistence for the purchase ledger.
// Rows are never deleted; only status transitions update them.
type PurchaseRepository struct {
	db *sql.DB
}

func NewPurchaseRepository(conn *sql.DB) *PurchaseRepository {
	return &PurchaseRepository{db: conn}
}

const purchaseColumns = `id, user_id, dataset_id, amount, purchase_date, encryption_key, status,
	artifact_key, artifact_sha256, artifact_size, artifact_content_type, failure_reason, updated_at`

func scanPurchase(row interface{ Scan(...any) error }) (types.Purchase, error) {
	var purchase types.Purchase
	err := row.Scan(
		&purchase.ID,
		&purchase.UserID,
		&purchase.DatasetID,
		&purchase.Amount,
		&purchase.PurchaseDate,
		&purchase.EncryptionKey,
		&purchase.Status,
		&purchase.Artifact.ObjectKey,
		&purchase.Artifact.SHA256,
		&purchase.Artifact.Size,
		&purchase.Artifact.ContentType,
		&purchase.FailureReason,
		&purchase.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Purchase{}, ErrNotFound
		}
		return types.Purchase{}, err
	}
	if !purchase.Status.Valid() {
		return types.Purchase{}, fmt.Errorf("purchase %d: unknown status %q", purchase.ID, purchase.Status)
	}
	return purchase, nil
}

// Create inserts a pending purchase. A second active purchase for the same
// user and dataset violates the partial unique index and yields ErrConflict.
func (r *PurchaseRepository) Create(ctx context.Context, purchase types.Purchase) (types.Purchase, error) {
	now := time.Now()
	purchase.PurchaseDate = now
	purchase.UpdatedAt = now
	purchase.Status = types.PurchasePending

	const query = `
		INSERT INTO purchases (user_id, dataset_id, amount, purchase_date, encryption_key, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		purchase.UserID,
		purchase.DatasetID,
		purchase.Amount,
		purchase.PurchaseDate,
		purchase.EncryptionKey,
		purchase.Status,
		purchase.UpdatedAt,
	).Scan(&purchase.ID); err != nil {
		if isUniqueViolation(err) {
			return types.Purchase{}, ErrConflict
		}
		return types.Purchase{}, err
	}
	return purchase, nil
}

func (r *PurchaseRepository) Get(ctx context.Context, id int) (types.Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE id = $1`
	return scanPurchase(r.db.QueryRowContext(ctx, query, id))
}

// Latest returns the newest non-failed purchase of a dataset by a user.
func (r *PurchaseRepository) Latest(ctx context.Context, userID, datasetID int) (types.Purchase, error) {
	query := `SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE user_id = $1 AND dataset_id = $2 AND status <> $3
		ORDER BY purchase_date DESC, id DESC
		LIMIT 1`
	return scanPurchase(r.db.QueryRowContext(ctx, query, userID, datasetID, types.PurchaseFailed))
}

func (r *PurchaseRepository) ListByUser(ctx context.Context, userID int) ([]types.Purchase, error) {
	query := `SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE user_id = $1
		ORDER BY purchase_date DESC, id DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return scanPurchases(rows)
}

func scanPurchases(rows *sql.Rows) ([]types.Purchase, error) {
	defer rows.Close()

	purchases := make([]types.Purchase, 0)
	for rows.Next() {
		purchase, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, purchase)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return purchases, nil
}

// Complete publishes the artifact and moves a pending purchase to completed.
func (r *PurchaseRepository) Complete(ctx context.Context, id int, artifact types.Artifact) (types.Purchase, error) {
	const query = `
		UPDATE purchases
		SET status = $1,
			artifact_key = $2,
			artifact_sha256 = $3,
			artifact_size = $4,
			artifact_content_type = $5,
			updated_at = $6
		WHERE id = $7
		RETURNING ` + purchaseColumns
	return r.transition(ctx, id, types.PurchaseCompleted, query,
		types.PurchaseCompleted,
		artifact.ObjectKey,
		artifact.SHA256,
		artifact.Size,
		artifact.ContentType,
		time.Now(),
		id,
	)
}

// Fail moves a pending purchase to failed and wipes its encryption key.
func (r *PurchaseRepository) Fail(ctx context.Context, id int, reason string) (types.Purchase, error) {
	const query = `
		UPDATE purchases
		SET status = $1,
			encryption_key = '',
			failure_reason = $2,
			updated_at = $3
		WHERE id = $4
		RETURNING ` + purchaseColumns
	return r.transition(ctx, id, types.PurchaseFailed, query,
		types.PurchaseFailed,
		reason,
		time.Now(),
		id,
	)
}

// Refund moves a completed purchase to refunded.
func (r *PurchaseRepository) Refund(ctx context.Context, id int) (types.Purchase, error) {
	const query = `
		UPDATE purchases
		SET status = $1,
			updated_at = $2
		WHERE id = $3
		RETURNING ` + purchaseColumns
	return r.transition(ctx, id, types.PurchaseRefunded, query,
		types.PurchaseRefunded,
		time.Now(),
		id,
	)
}

// StalePending returns up to limit purchases that have been pending since
// before the given time, oldest first.
func (r *PurchaseRepository) StalePending(ctx context.Context, before time.Time, limit int) ([]types.Purchase, error) {
	query := `SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at, id
		LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, types.PurchasePending, before, limit)
	if err != nil {
		return nil, err
	}
	return scanPurchases(rows)
}

// transition locks the row, checks that its status may move to next and
// applies query in the same transaction. query must return the updated row,
// so the caller gets exactly what was committed.
func (r *PurchaseRepository) transition(ctx context.Context, id int, next types.PurchaseStatus, query string, args ...any) (types.Purchase, error) {
	var updated types.Purchase
	err := db.WithTx(ctx, r.db, nil, func(ctx context.Context, tx db.DBTX) error {
		lockQuery := `SELECT ` + purchaseColumns + ` FROM purchases WHERE id = $1 FOR UPDATE`
		current, err := scanPurchase(tx.QueryRowContext(ctx, lockQuery, id))
		if err != nil {
			return err
		}
		if !current.Status.CanTransition(next) {
			return ErrInvalidTransition
		}
		updated, err = scanPurchase(tx.QueryRowContext(ctx, query, args...))
		return err
	})
	if err != nil {
		return types.Purchase{}, err
	}
	return updated, nil
}
