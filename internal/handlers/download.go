package handlers

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Tamnud-ghule/KUINBEE/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DownloadHandler streams encrypted artifacts to entitled users.
type DownloadHandler struct {
	downloads *services.DownloadService
}

func NewDownloadHandler(downloads *services.DownloadService) *DownloadHandler {
	return &DownloadHandler{downloads: downloads}
}

// DownloadRouter registers the download route.
func DownloadRouter(
	r chi.Router,
	downloads *services.DownloadService,
	authMiddleware func(http.Handler) http.Handler,
	limit func(http.Handler) http.Handler,
) {
	handler := NewDownloadHandler(downloads)
	middlewares := []func(http.Handler) http.Handler{authMiddleware}
	if limit != nil {
		middlewares = append(middlewares, limit)
	}
	r.With(middlewares...).Get("/{datasetID}", handler.Download)
}

// Download streams the caller's artifact. Errors are JSON so clients can
// tell a failure from archive bytes by the content type. Once streaming has
// started a failure can only abort the connection.
func (h *DownloadHandler) Download(w http.ResponseWriter, r *http.Request) {
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

	dl, err := h.downloads.GetDownloadStream(r.Context(), userID, datasetID)
	if err != nil {
		writeServiceError(w, r, err, purchaseNotFound)
		return
	}
	defer dl.Body.Close()

	etag := ""
	if dl.SHA256 != "" {
		etag = `"` + dl.SHA256 + `"`
	}

	header := w.Header()
	header.Set("Content-Type", dl.ContentType)
	header.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, dl.Filename))
	header.Set("Cache-Control", "private, no-cache")
	header.Set("X-Content-Type-Options", "nosniff")
	if etag != "" {
		header.Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	if dl.Size > 0 {
		header.Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	written, err := io.Copy(w, dl.Body)
	if err != nil {
		slog.WarnContext(r.Context(), "download interrupted",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Int("user_id", userID),
			slog.Int("dataset_id", datasetID),
			slog.Int64("written", written),
			slog.Any("error", err),
		)
	}
}
