package types

import "time"

// CartItem is a transient association between a user and a dataset
// they intend to buy. It is removed on purchase or explicit removal.
type CartItem struct {
	ID        int       `json:"id" db:"id"`
	UserID    int       `json:"userId" db:"user_id"`
	DatasetID int       `json:"datasetId" db:"dataset_id"`
	AddedAt   time.Time `json:"addedAt" db:"added_at"`
}
