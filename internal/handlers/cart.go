package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/Tamnud-ghule/KUINBEE/internal/services"
	"github.com/Tamnud-ghule/KUINBEE/types"
	"github.com/go-chi/chi/v5"
)

type CartHandler struct {
	carts *services.CartService
}

func NewCartHandler(carts *services.CartService) *CartHandler {
	return &CartHandler{carts: carts}
}

// CartRouter registers cart routes. All routes require auth.
func CartRouter(r chi.Router, carts *services.CartService, authMiddleware func(http.Handler) http.Handler) {
	handler := NewCartHandler(carts)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/", handler.ListCart)
		r.Post("/", handler.AddToCart)
		r.Delete("/{datasetID}", handler.RemoveFromCart)
	})
}

func (h *CartHandler) ListCart(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	items, err := h.carts.List(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err, "cart item not found")
		return
	}
	writeJSON(w, http.StatusOK, CartResponse{Items: items})
}

func (h *CartHandler) AddToCart(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req AddToCartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DatasetID < 1 {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	item, err := h.carts.Add(r.Context(), userID, req.DatasetID)
	if err != nil {
		writeServiceError(w, r, err, "dataset not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *CartHandler) RemoveFromCart(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	datasetID, err := parseIDParam(r, "datasetID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.carts.Remove(r.Context(), userID, datasetID); err != nil {
		writeServiceError(w, r, err, "cart item not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type AddToCartRequest struct {
	DatasetID int `json:"datasetId"`
}

type CartResponse struct {
	Items []types.CartItem `json:"items"`
}
