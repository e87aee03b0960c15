package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Tamnud-ghule/KUINBEE/internal/storage"
	"github.com/Tamnud-ghule/KUINBEE/internal/store"
	"github.com/Tamnud-ghule/KUINBEE/types"
)

type fakeUsers struct {
	mu     sync.Mutex
	nextID int
	users  map[int]types.User
}

func newFakeUsers(users ...types.User) *fakeUsers {
	f := &fakeUsers{users: map[int]types.User{}}
	for _, u := range users {
		f.users[u.ID] = u
		if u.ID > f.nextID {
			f.nextID = u.ID
		}
	}
	return f
}

func (f *fakeUsers) GetByID(_ context.Context, id int) (types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) GetByUsername(_ context.Context, username string) (types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (f *fakeUsers) GetByAPIKeyHash(_ context.Context, hash string) (types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.APIKeyHash != "" && u.APIKeyHash == hash {
			return u, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (f *fakeUsers) Create(_ context.Context, user types.User) (types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == user.Username || u.Email == user.Email {
			return types.User{}, store.ErrConflict
		}
	}
	f.nextID++
	user.ID = f.nextID
	user.CreatedAt = time.Now()
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeUsers) Update(_ context.Context, user types.User) (types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.users[user.ID]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	user.Username = current.Username
	user.Email = current.Email
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeUsers) SetAPIKeyHash(_ context.Context, id int, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.APIKeyHash = hash
	f.users[id] = u
	return nil
}

type fakeDatasets struct {
	mu        sync.Mutex
	nextID    int
	datasets  map[int]types.Dataset
	createErr error
	updateErr error
}

func newFakeDatasets(datasets ...types.Dataset) *fakeDatasets {
	f := &fakeDatasets{datasets: map[int]types.Dataset{}}
	for _, d := range datasets {
		f.datasets[d.ID] = d
		if d.ID > f.nextID {
			f.nextID = d.ID
		}
	}
	return f
}

func (f *fakeDatasets) List(_ context.Context, offset, limit int) ([]types.Dataset, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := make([]types.Dataset, 0, len(f.datasets))
	for _, d := range f.datasets {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (f *fakeDatasets) Get(_ context.Context, id int) (types.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.datasets[id]
	if !ok {
		return types.Dataset{}, store.ErrNotFound
	}
	return d, nil
}

func (f *fakeDatasets) GetBySlug(_ context.Context, slug string) (types.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.datasets {
		if d.Slug == slug {
			return d, nil
		}
	}
	return types.Dataset{}, store.ErrNotFound
}

func (f *fakeDatasets) Create(_ context.Context, dataset types.Dataset) (types.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return types.Dataset{}, f.createErr
	}
	f.nextID++
	dataset.ID = f.nextID
	f.datasets[dataset.ID] = dataset
	return dataset, nil
}

func (f *fakeDatasets) Update(_ context.Context, dataset types.Dataset) (types.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return types.Dataset{}, f.updateErr
	}
	current, ok := f.datasets[dataset.ID]
	if !ok {
		return types.Dataset{}, store.ErrNotFound
	}
	if dataset.FileKey == "" {
		dataset.FileKey = current.FileKey
		dataset.FileName = current.FileName
	}
	dataset.Slug = current.Slug
	f.datasets[dataset.ID] = dataset
	return dataset, nil
}

// fakePurchases mirrors the constraints of the purchases table: at most one
// active purchase per user and dataset, and conditional status updates.
type fakePurchases struct {
	mu        sync.Mutex
	nextID    int
	purchases map[int]types.Purchase
	clock     time.Time
}

func newFakePurchases() *fakePurchases {
	return &fakePurchases{
		purchases: map[int]types.Purchase{},
		clock:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakePurchases) Create(_ context.Context, purchase types.Purchase) (types.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.purchases {
		if p.UserID == purchase.UserID && p.DatasetID == purchase.DatasetID && p.Status.Active() {
			return types.Purchase{}, store.ErrConflict
		}
		if p.EncryptionKey != "" && p.EncryptionKey == purchase.EncryptionKey {
			return types.Purchase{}, store.ErrConflict
		}
	}
	f.nextID++
	f.clock = f.clock.Add(time.Second)
	purchase.ID = f.nextID
	purchase.Status = types.PurchasePending
	purchase.PurchaseDate = f.clock
	purchase.UpdatedAt = f.clock
	f.purchases[purchase.ID] = purchase
	return purchase, nil
}

func (f *fakePurchases) Get(_ context.Context, id int) (types.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.purchases[id]
	if !ok {
		return types.Purchase{}, store.ErrNotFound
	}
	return p, nil
}

func (f *fakePurchases) Latest(_ context.Context, userID, datasetID int) (types.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest types.Purchase
	found := false
	for _, p := range f.purchases {
		if p.UserID != userID || p.DatasetID != datasetID || p.Status == types.PurchaseFailed {
			continue
		}
		if !found || p.ID > latest.ID {
			latest = p
			found = true
		}
	}
	if !found {
		return types.Purchase{}, store.ErrNotFound
	}
	return latest, nil
}

func (f *fakePurchases) ListByUser(_ context.Context, userID int) ([]types.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Purchase, 0)
	for _, p := range f.purchases {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakePurchases) transition(id int, from, to types.PurchaseStatus, mutate func(*types.Purchase)) (types.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.purchases[id]
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
	f.purchases[id] = p
	return p, nil
}

func (f *fakePurchases) Complete(_ context.Context, id int, artifact types.Artifact) (types.Purchase, error) {
	return f.transition(id, types.PurchasePending, types.PurchaseCompleted, func(p *types.Purchase) {
		p.Artifact = artifact
	})
}

func (f *fakePurchases) Fail(_ context.Context, id int, reason string) (types.Purchase, error) {
	return f.transition(id, types.PurchasePending, types.PurchaseFailed, func(p *types.Purchase) {
		p.EncryptionKey = ""
		p.FailureReason = reason
	})
}

func (f *fakePurchases) Refund(_ context.Context, id int) (types.Purchase, error) {
	return f.transition(id, types.PurchaseCompleted, types.PurchaseRefunded, nil)
}

func (f *fakePurchases) StalePending(_ context.Context, before time.Time, limit int) ([]types.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Purchase, 0)
	for _, p := range f.purchases {
		if p.Status == types.PurchasePending && p.UpdatedAt.Before(before) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// touch sets the last transition time of purchase id.
func (f *fakePurchases) touch(id int, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.purchases[id]
	p.UpdatedAt = at
	f.purchases[id] = p
}

func (f *fakePurchases) stored(id int) types.Purchase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.purchases[id]
}

type fakeCart struct {
	mu    sync.Mutex
	items map[[2]int]types.CartItem
}

func newFakeCart() *fakeCart {
	return &fakeCart{items: map[[2]int]types.CartItem{}}
}

func (f *fakeCart) List(_ context.Context, userID int) ([]types.CartItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.CartItem, 0)
	for k, item := range f.items {
		if k[0] == userID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeCart) Add(_ context.Context, userID, datasetID int) (types.CartItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := [2]int{userID, datasetID}
	if item, ok := f.items[k]; ok {
		return item, nil
	}
	item := types.CartItem{ID: len(f.items) + 1, UserID: userID, DatasetID: datasetID, AddedAt: time.Now()}
	f.items[k] = item
	return item, nil
}

func (f *fakeCart) Remove(_ context.Context, userID, datasetID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := [2]int{userID, datasetID}
	if _, ok := f.items[k]; !ok {
		return store.ErrNotFound
	}
	delete(f.items, k)
	return nil
}

// memObjects is an in-memory ObjectStore. putErr and getErr inject
// failures; truncate makes Put keep one byte less than it was given.
type memObjects struct {
	mu       sync.Mutex
	objects  map[string][]byte
	putErr   error
	getErr   error
	truncate bool
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}}
}

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, size int64, _ string) error {
	m.mu.Lock()
	putErr := m.putErr
	m.mu.Unlock()
	if putErr != nil {
		return putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.truncate && len(data) > 0 {
		data = data[:len(data)-1]
	}
	m.objects[key] = data
	return nil
}

func (m *memObjects) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memObjects) setPutErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putErr = err
}

func (m *memObjects) keysWithPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

type publishedMessage struct {
	channel string
	data    []byte
	attrs   map[string]string
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, publishedMessage{channel: channel, data: data, attrs: attrs})
	return "msg-1", nil
}

// brokenEncryptor fails after consuming part of the input.
type brokenEncryptor struct{}

func (brokenEncryptor) Encrypt(dst io.Writer, src io.Reader, _, _ string) error {
	buf := make([]byte, 4)
	_, _ = io.ReadFull(src, buf)
	_, _ = dst.Write([]byte("PK\x03\x04partial"))
	return errors.New("cipher exploded")
}

func (brokenEncryptor) Decrypt(io.Writer, io.ReaderAt, int64, string) error {
	return errors.New("not supported")
}

func (brokenEncryptor) ContentType() string { return "application/zip" }
func (brokenEncryptor) Extension() string   { return ".zip" }
