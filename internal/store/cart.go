package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Tamnud-ghule/KUINBEE/types"
)

// CartRepository handles persistence for cart items.
type CartRepository struct {
	db *sql.DB
}

func NewCartRepository(db *sql.DB) *CartRepository {
	return &CartRepository{db: db}
}

func (r *CartRepository) List(ctx context.Context, userID int) ([]types.CartItem, error) {
	const query = `
		SELECT id, user_id, dataset_id, added_at
		FROM cart_items
		WHERE user_id = $1
		ORDER BY added_at, id`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]types.CartItem, 0)
	for rows.Next() {
		var item types.CartItem
		if err := rows.Scan(&item.ID, &item.UserID, &item.DatasetID, &item.AddedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// Add inserts a cart item. Adding a dataset that is already in the cart
// returns the existing item.
func (r *CartRepository) Add(ctx context.Context, userID, datasetID int) (types.CartItem, error) {
	const insert = `
		INSERT INTO cart_items (user_id, dataset_id, added_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, dataset_id) DO NOTHING
		RETURNING id, user_id, dataset_id, added_at`
	var item types.CartItem
	err := r.db.QueryRowContext(ctx, insert, userID, datasetID, time.Now()).
		Scan(&item.ID, &item.UserID, &item.DatasetID, &item.AddedAt)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return types.CartItem{}, err
	}

	const existing = `
		SELECT id, user_id, dataset_id, added_at
		FROM cart_items
		WHERE user_id = $1 AND dataset_id = $2`
	if err := r.db.QueryRowContext(ctx, existing, userID, datasetID).
		Scan(&item.ID, &item.UserID, &item.DatasetID, &item.AddedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.CartItem{}, ErrNotFound
		}
		return types.CartItem{}, err
	}
	return item, nil
}

func (r *CartRepository) Remove(ctx context.Context, userID, datasetID int) error {
	const query = `DELETE FROM cart_items WHERE user_id = $1 AND dataset_id = $2`
	result, err := r.db.ExecContext(ctx, query, userID, datasetID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
