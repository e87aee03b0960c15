package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tamnud-ghule/KUINBEE/config"
	"github.com/Tamnud-ghule/KUINBEE/internal/artifact"
	"github.com/Tamnud-ghule/KUINBEE/internal/services"
	"github.com/Tamnud-ghule/KUINBEE/internal/storage"
	"github.com/Tamnud-ghule/KUINBEE/types"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

const (
	testSecret   = "test-secret"
	salesCSV     = "region,quarter,revenue\nemea,q1,1200\napac,q1,980\n"
	buyerID      = 1
	otherID      = 2
	adminID      = 3
	disabledID   = 4
	salesDataset = 7
)

type harness struct {
	router    *chi.Mux
	users     *memUsers
	datasets  *memDatasets
	purchases *memPurchases
	cart      *memCart
	objects   *storage.Storage
	encryptor artifact.Encryptor
}

func newHarness(t *testing.T, limit Limiter) *harness {
	t.Helper()

	local, err := storage.NewLocalClient(config.LocalConfig{Root: t.TempDir()})
	require.NoError(t, err)
	objects := storage.NewStorage(local)
	require.NoError(t, objects.EnsureBucket(context.Background()))

	h := &harness{
		users: &memUsers{users: map[int]types.User{
			buyerID:    {ID: buyerID, Username: "alice", Email: "alice@example.com", Role: "user"},
			otherID:    {ID: otherID, Username: "bob", Email: "bob@example.com", Role: "user"},
			adminID:    {ID: adminID, Username: "root", Email: "root@example.com", Role: "admin"},
			disabledID: {ID: disabledID, Username: "carol", Email: "carol@example.com", Role: "user", Disabled: true},
		}},
		datasets: &memDatasets{datasets: map[int]types.Dataset{
			salesDataset: {
				ID:         salesDataset,
				Title:      "Regional sales 2024",
				Slug:       "regional-sales-2024",
				Price:      49.99,
				DataFormat: "CSV",
				FileKey:    "datasets/regional-sales-2024/sales.csv",
				FileName:   "sales.csv",
			},
		}},
		purchases: &memPurchases{purchases: map[int]types.Purchase{}},
		cart:      &memCart{items: map[[2]int]types.CartItem{}},
		objects:   objects,
		encryptor: artifact.NewZipEncryptor(),
	}
	require.NoError(t, objects.Put(context.Background(), "datasets/regional-sales-2024/sales.csv",
		strings.NewReader(salesCSV), int64(len(salesCSV)), "text/csv"))

	userService := services.NewUserService(h.users, nil)
	datasetService := services.NewDatasetService(h.datasets, objects, nil)
	cartService := services.NewCartService(h.cart, h.datasets)
	artifacts := services.NewArtifactService(objects, h.encryptor, t.TempDir(), nil)
	ledger := services.NewLedgerService(h.purchases, h.users, h.datasets, artifacts, services.LedgerOptions{
		Mode:           config.FulfillmentSync,
		PriceTolerance: 0.005,
		Cart:           h.cart,
	})
	downloads := services.NewDownloadService(h.purchases, h.datasets, objects, nil)

	auth := RequireAuth(testSecret, userService)
	var limitMiddleware func(http.Handler) http.Handler
	if limit != nil {
		limitMiddleware = RateLimit(limit)
	}

	r := chi.NewRouter()
	r.Get("/healthz", Healthz)
	r.Route("/auth", func(r chi.Router) { AuthRouter(r, userService, testSecret) })
	r.Route("/api/datasets", func(r chi.Router) { DatasetRouter(r, datasetService, userService, auth) })
	r.Route("/api/purchases", func(r chi.Router) { PurchaseRouter(r, ledger, datasetService, auth, limitMiddleware) })
	r.Route("/api/admin/purchases", func(r chi.Router) { AdminPurchaseRouter(r, ledger, userService, auth) })
	r.Route("/api/download", func(r chi.Router) { DownloadRouter(r, downloads, auth, limitMiddleware) })
	r.Route("/api/cart", func(r chi.Router) { CartRouter(r, cartService, auth) })
	h.router = r
	return h
}

func token(t *testing.T, userID int) string {
	t.Helper()
	tok, err := issueToken(userID, []byte(testSecret), time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends a request as userID; userID 0 sends no credentials.
func (h *harness) do(t *testing.T, method, path string, userID int, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	return decode[ErrorResponse](t, rec).Error
}

func newAuthedRequest(t *testing.T, method, path string, userID int) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+token(t, userID))
	return req
}

func serve(h *harness, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}
