package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Tamnud-ghule/KUINBEE/internal/services"
	"github.com/Tamnud-ghule/KUINBEE/types"
	"github.com/go-chi/chi/v5"
)

// KeyNotice accompanies every response that carries an encryption key.
const KeyNotice = "Store this key safely. It is the only way to open the downloaded archive and it cannot be recovered if lost."

const purchaseNotFound = "purchase not found"

// PurchaseHandler provides HTTP handlers for the purchase ledger.
type PurchaseHandler struct {
	ledger   *services.LedgerService
	datasets *services.DatasetService
}

func NewPurchaseHandler(ledger *services.LedgerService, datasets *services.DatasetService) *PurchaseHandler {
	return &PurchaseHandler{ledger: ledger, datasets: datasets}
}

// PurchaseRouter registers purchase routes. All routes require auth; limit
// wraps the purchase creation route.
func PurchaseRouter(
	r chi.Router,
	ledger *services.LedgerService,
	datasets *services.DatasetService,
	authMiddleware func(http.Handler) http.Handler,
	limit func(http.Handler) http.Handler,
) {
	handler := NewPurchaseHandler(ledger, datasets)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		if limit != nil {
			r.With(limit).Post("/", handler.CreatePurchase)
		} else {
			r.Post("/", handler.CreatePurchase)
		}
		r.Get("/", handler.ListPurchases)
		r.Get("/by-id/{purchaseID}", handler.GetPurchaseByID)
		r.Get("/{datasetID}", handler.GetPurchase)
	})
}

// AdminPurchaseRouter registers ledger administration routes.
func AdminPurchaseRouter(
	r chi.Router,
	ledger *services.LedgerService,
	userService *services.UserService,
	authMiddleware func(http.Handler) http.Handler,
) {
	handler := NewPurchaseHandler(ledger, nil)
	r.With(authMiddleware, RequireAdmin(userService)).Post("/{purchaseID}/refund", handler.RefundPurchase)
}

func (h *PurchaseHandler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req CreatePurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.DatasetID < 1 {
		writeError(w, http.StatusBadRequest, "datasetId is required")
		return
	}

	purchase, err := h.ledger.RecordPurchase(r.Context(), userID, req.DatasetID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrConflict):
			writeError(w, http.StatusConflict, "dataset already purchased")
		case errors.Is(err, services.ErrNotAuthorized):
			writeError(w, http.StatusForbidden, "account disabled")
		default:
			writeServiceError(w, r, err, "dataset not found")
		}
		return
	}

	resp := PurchaseResponse{Purchase: purchase}
	status := http.StatusOK
	if purchase.KeyVisible() {
		resp.KeyNotice = KeyNotice
	} else {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (h *PurchaseHandler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	purchases, err := h.ledger.ListPurchases(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err, purchaseNotFound)
		return
	}
	writeJSON(w, http.StatusOK, PurchaseListResponse{Items: purchases})
}

// GetPurchase returns the caller's purchase of a dataset together with the
// dataset. Purchases of other users are reported as missing.
func (h *PurchaseHandler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	datasetID, err := parseIDParam(r, "datasetID")
	if err != nil {
		writeError(w, http.StatusNotFound, purchaseNotFound)
		return
	}

	purchase, err := h.ledger.GetPurchase(r.Context(), userID, datasetID)
	if err != nil {
		writeServiceError(w, r, err, purchaseNotFound)
		return
	}
	h.writePurchase(w, r, purchase)
}

func (h *PurchaseHandler) GetPurchaseByID(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, err := parseIDParam(r, "purchaseID")
	if err != nil {
		writeError(w, http.StatusNotFound, purchaseNotFound)
		return
	}

	purchase, err := h.ledger.GetPurchaseByID(r.Context(), userID, id)
	if err != nil {
		writeServiceError(w, r, err, purchaseNotFound)
		return
	}
	h.writePurchase(w, r, purchase)
}

func (h *PurchaseHandler) writePurchase(w http.ResponseWriter, r *http.Request, purchase types.Purchase) {
	dataset, err := h.datasets.Get(r.Context(), purchase.DatasetID)
	if err != nil {
		writeServiceError(w, r, err, purchaseNotFound)
		return
	}

	resp := PurchaseResponse{Purchase: purchase, Dataset: &dataset}
	if purchase.KeyVisible() {
		resp.KeyNotice = KeyNotice
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *PurchaseHandler) RefundPurchase(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "purchaseID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	purchase, err := h.ledger.Refund(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, purchaseNotFound)
		return
	}
	writeJSON(w, http.StatusOK, PurchaseResponse{Purchase: purchase})
}

// CreatePurchaseRequest is the body of POST /api/purchases. Amount is
// optional and defaults to the dataset's current price.
type CreatePurchaseRequest struct {
	DatasetID int      `json:"datasetId"`
	Amount    *float64 `json:"amount,omitempty"`
}

type PurchaseResponse struct {
	Purchase  types.Purchase `json:"purchase"`
	Dataset   *types.Dataset `json:"dataset,omitempty"`
	KeyNotice string         `json:"keyNotice,omitempty"`
}

type PurchaseListResponse struct {
	Items []types.Purchase `json:"items"`
}
