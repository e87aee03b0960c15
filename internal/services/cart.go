package services

import (
	"context"

	"github.com/Tamnud-ghule/KUINBEE/types"
)

// CartRepository defines persistence operations for cart items.
type CartRepository interface {
	List(ctx context.Context, userID int) ([]types.CartItem, error)
	Add(ctx context.Context, userID, datasetID int) (types.CartItem, error)
	Remove(ctx context.Context, userID, datasetID int) error
}

// CartService encapsulates cart use-cases.
type CartService struct {
	repo     CartRepository
	datasets DatasetReader
}

func NewCartService(repo CartRepository, datasets DatasetReader) *CartService {
	return &CartService{repo: repo, datasets: datasets}
}

func (s *CartService) List(ctx context.Context, userID int) ([]types.CartItem, error) {
	items, err := s.repo.List(ctx, userID)
	return items, translate(err)
}

// Add puts datasetID in the cart. Adding it twice returns the existing item.
func (s *CartService) Add(ctx context.Context, userID, datasetID int) (types.CartItem, error) {
	if _, err := s.datasets.Get(ctx, datasetID); err != nil {
		return types.CartItem{}, translate(err)
	}
	item, err := s.repo.Add(ctx, userID, datasetID)
	if err != nil {
		return types.CartItem{}, translate(err)
	}
	return item, nil
}

func (s *CartService) Remove(ctx context.Context, userID, datasetID int) error {
	return translate(s.repo.Remove(ctx, userID, datasetID))
}
