package handlers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Tamnud-ghule/KUINBEE/internal/store"
	"github.com/Tamnud-ghule/KUINBEE/types"
)

type memUsers struct {
	mu    sync.Mutex
	users map[int]types.User
}

func (m *memUsers) GetByID(_ context.Context, id int) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memUsers) find(match func(types.User) bool) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if match(u) {
			return u, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (m *memUsers) GetByUsername(_ context.Context, username string) (types.User, error) {
	return m.find(func(u types.User) bool { return u.Username == username })
}

func (m *memUsers) GetByAPIKeyHash(_ context.Context, hash string) (types.User, error) {
	return m.find(func(u types.User) bool { return u.APIKeyHash != "" && u.APIKeyHash == hash })
}

func (m *memUsers) Create(_ context.Context, user types.User) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username || u.Email == user.Email {
			return types.User{}, store.ErrConflict
		}
	}
	user.ID = len(m.users) + 100
	m.users[user.ID] = user
	return user, nil
}

func (m *memUsers) Update(_ context.Context, user types.User) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; !ok {
		return types.User{}, store.ErrNotFound
	}
	m.users[user.ID] = user
	return user, nil
}

func (m *memUsers) SetAPIKeyHash(_ context.Context, id int, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.APIKeyHash = hash
	m.users[id] = u
	return nil
}

type memDatasets struct {
	mu       sync.Mutex
	datasets map[int]types.Dataset
}

func (m *memDatasets) List(_ context.Context, offset, limit int) ([]types.Dataset, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]types.Dataset, 0, len(m.datasets))
	for _, d := range m.datasets {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	total := len(all)
	offset = min(offset, total)
	return all[offset:min(offset+limit, total)], total, nil
}

func (m *memDatasets) Get(_ context.Context, id int) (types.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.datasets[id]
	if !ok {
		return types.Dataset{}, store.ErrNotFound
	}
	return d, nil
}

func (m *memDatasets) GetBySlug(_ context.Context, slug string) (types.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.datasets {
		if d.Slug == slug {
			return d, nil
		}
	}
	return types.Dataset{}, store.ErrNotFound
}

func (m *memDatasets) Create(_ context.Context, dataset types.Dataset) (types.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dataset.ID = len(m.datasets) + 100
	m.datasets[dataset.ID] = dataset
	return dataset, nil
}

func (m *memDatasets) Update(_ context.Context, dataset types.Dataset) (types.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.datasets[dataset.ID]
	if !ok {
		return types.Dataset{}, store.ErrNotFound
	}
	if dataset.FileKey == "" {
		dataset.FileKey, dataset.FileName = current.FileKey, current.FileName
	}
	m.datasets[dataset.ID] = dataset
	return dataset, nil
}

type memPurchases struct {
	mu        sync.Mutex
	purchases map[int]types.Purchase
}

func (m *memPurchases) Create(_ context.Context, p types.Purchase) (types.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.purchases {
		if existing.UserID == p.UserID && existing.DatasetID == p.DatasetID && existing.Status.Active() {
			return types.Purchase{}, store.ErrConflict
		}
	}
	p.ID = len(m.purchases) + 1
	p.Status = types.PurchasePending
	p.PurchaseDate = time.Now().UTC()
	p.UpdatedAt = p.PurchaseDate
	m.purchases[p.ID] = p
	return p, nil
}

func (m *memPurchases) Get(_ context.Context, id int) (types.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[id]
	if !ok {
		return types.Purchase{}, store.ErrNotFound
	}
	return p, nil
}

func (m *memPurchases) Latest(_ context.Context, userID, datasetID int) (types.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest types.Purchase
	for _, p := range m.purchases {
		if p.UserID == userID && p.DatasetID == datasetID && p.Status != types.PurchaseFailed && p.ID > latest.ID {
			latest = p
		}
	}
	if latest.ID == 0 {
		return types.Purchase{}, store.ErrNotFound
	}
	return latest, nil
}

func (m *memPurchases) ListByUser(_ context.Context, userID int) ([]types.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []types.Purchase{}
	for _, p := range m.purchases {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memPurchases) move(id int, from, to types.PurchaseStatus, mutate func(*types.Purchase)) (types.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[id]
	if !ok {
		return types.Purchase{}, store.ErrNotFound
	}
	if p.Status != from {
		return types.Purchase{}, store.ErrInvalidTransition
	}
	p.Status = to
	if mutate != nil {
		mutate(&p)
	}
	m.purchases[id] = p
	return p, nil
}

func (m *memPurchases) Complete(_ context.Context, id int, a types.Artifact) (types.Purchase, error) {
	return m.move(id, types.PurchasePending, types.PurchaseCompleted, func(p *types.Purchase) { p.Artifact = a })
}

func (m *memPurchases) Fail(_ context.Context, id int, reason string) (types.Purchase, error) {
	return m.move(id, types.PurchasePending, types.PurchaseFailed, func(p *types.Purchase) {
		p.EncryptionKey = ""
		p.FailureReason = reason
	})
}

func (m *memPurchases) Refund(_ context.Context, id int) (types.Purchase, error) {
	return m.move(id, types.PurchaseCompleted, types.PurchaseRefunded, nil)
}

func (m *memPurchases) StalePending(_ context.Context, before time.Time, limit int) ([]types.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []types.Purchase{}
	for _, p := range m.purchases {
		if p.Status == types.PurchasePending && p.UpdatedAt.Before(before) && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

type memCart struct {
	mu    sync.Mutex
	items map[[2]int]types.CartItem
}

func (m *memCart) List(_ context.Context, userID int) ([]types.CartItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []types.CartItem{}
	for k, item := range m.items {
		if k[0] == userID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DatasetID < out[j].DatasetID })
	return out, nil
}

func (m *memCart) Add(_ context.Context, userID, datasetID int) (types.CartItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := types.CartItem{ID: len(m.items) + 1, UserID: userID, DatasetID: datasetID, AddedAt: time.Now()}
	m.items[[2]int{userID, datasetID}] = item
	return item, nil
}

func (m *memCart) Remove(_ context.Context, userID, datasetID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]int{userID, datasetID}
	if _, ok := m.items[k]; !ok {
		return store.ErrNotFound
	}
	delete(m.items, k)
	return nil
}
