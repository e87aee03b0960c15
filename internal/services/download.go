package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Tamnud-ghule/KUINBEE/internal/storage"
	"github.com/Tamnud-ghule/KUINBEE/internal/store"
	"github.com/Tamnud-ghule/KUINBEE/types"
)

// EntitlementReader looks up the purchase that may entitle a download.
type EntitlementReader interface {
	Latest(ctx context.Context, userID, datasetID int) (types.Purchase, error)
}

// Download is an open artifact stream. The caller must close Body.
type Download struct {
	Body        io.ReadCloser
	Filename    string
	ContentType string
	Size        int64
	SHA256      string
}

// DownloadService gates access to published artifacts.
type DownloadService struct {
	purchases EntitlementReader
	datasets  DatasetReader
	objects   ObjectStore
	logger    *slog.Logger
}

func NewDownloadService(purchases EntitlementReader, datasets DatasetReader, objects ObjectStore, logger *slog.Logger) *DownloadService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DownloadService{
		purchases: purchases,
		datasets:  datasets,
		objects:   objects,
		logger:    logger,
	}
}

// GetDownloadStream opens the artifact of the caller's completed purchase
// of datasetID. The entitlement is checked on every call and the stored
// artifact is returned as is, so repeated downloads are byte-identical.
// The key is never part of the response.
func (s *DownloadService) GetDownloadStream(ctx context.Context, userID, datasetID int) (Download, error) {
	purchase, err := s.purchases.Latest(ctx, userID, datasetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Download{}, ErrNotAuthorized
		}
		return Download{}, translate(err)
	}
	if purchase.UserID != userID || !purchase.Entitled() {
		return Download{}, ErrNotAuthorized
	}

	dataset, err := s.datasets.Get(ctx, datasetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Download{}, ErrNotAuthorized
		}
		return Download{}, translate(err)
	}

	body, err := s.objects.Get(ctx, purchase.Artifact.ObjectKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			s.logger.Error("artifact missing for completed purchase",
				slog.Int("purchase_id", purchase.ID),
				slog.String("object_key", purchase.Artifact.ObjectKey),
			)
		}
		return Download{}, fmt.Errorf("%w: open artifact: %w", ErrStorage, err)
	}

	contentType := purchase.Artifact.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	s.logger.Info("download started",
		slog.Int("purchase_id", purchase.ID),
		slog.Int("user_id", userID),
		slog.Int("dataset_id", datasetID),
	)
	return Download{
		Body:        body,
		Filename:    DownloadFilename(dataset),
		ContentType: contentType,
		Size:        purchase.Artifact.Size,
		SHA256:      purchase.Artifact.SHA256,
	}, nil
}

// DownloadFilename is the attachment name artifacts are served under.
func DownloadFilename(dataset types.Dataset) string {
	return dataset.Slug + ".encrypted"
}
