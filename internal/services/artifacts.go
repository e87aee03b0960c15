package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/Tamnud-ghule/KUINBEE/internal/artifact"
	"github.com/Tamnud-ghule/KUINBEE/internal/storage"
	"github.com/Tamnud-ghule/KUINBEE/types"
	"github.com/google/uuid"
)

// ObjectStore is the subset of object storage the services rely on.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (storage.ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// ArtifactService issues purchase keys and produces encrypted artifacts.
type ArtifactService struct {
	objects   ObjectStore
	encryptor artifact.Encryptor
	tempDir   string
	logger    *slog.Logger
}

func NewArtifactService(objects ObjectStore, encryptor artifact.Encryptor, tempDir string, logger *slog.Logger) *ArtifactService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArtifactService{
		objects:   objects,
		encryptor: encryptor,
		tempDir:   tempDir,
		logger:    logger,
	}
}

// IssueKey allocates a fresh per-purchase key.
func (s *ArtifactService) IssueKey() (string, error) {
	key, err := artifact.IssueKey()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	return key, nil
}

// ObjectKey returns a fresh artifact location for one fulfillment attempt.
// Every attempt writes its own object so a published artifact is never
// overwritten.
func (s *ArtifactService) ObjectKey(datasetID, purchaseID int) string {
	return fmt.Sprintf("artifacts/%d/%d/%s%s", datasetID, purchaseID, uuid.NewString(), s.encryptor.Extension())
}

// EncryptArtifact encrypts the dataset source with key and publishes the
// result. The archive is staged in a temporary file and uploaded only once
// it is complete.
func (s *ArtifactService) EncryptArtifact(ctx context.Context, dataset types.Dataset, purchaseID int, key string) (types.Artifact, error) {
	if dataset.FileKey == "" {
		return types.Artifact{}, fmt.Errorf("%w: dataset %d has no source file", ErrEncryption, dataset.ID)
	}
	if key == "" {
		return types.Artifact{}, fmt.Errorf("%w: empty key", ErrEncryption)
	}

	src, err := s.objects.Get(ctx, dataset.FileKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return types.Artifact{}, fmt.Errorf("%w: dataset source %s is missing", ErrEncryption, dataset.FileKey)
		}
		return types.Artifact{}, fmt.Errorf("%w: open source: %w", ErrStorage, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(s.tempDir, "artifact-*")
	if err != nil {
		return types.Artifact{}, fmt.Errorf("%w: create temp file: %w", ErrStorage, err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	in := &trackingReader{ctx: ctx, r: src}
	out := &trackingWriter{w: io.MultiWriter(tmp, hasher)}
	if err := s.encryptor.Encrypt(out, in, sourceName(dataset), key); err != nil {
		if in.err != nil || out.err != nil {
			return types.Artifact{}, fmt.Errorf("%w: stream artifact: %w", ErrStorage, err)
		}
		return types.Artifact{}, fmt.Errorf("%w: %w", ErrEncryption, err)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return types.Artifact{}, fmt.Errorf("%w: rewind temp file: %w", ErrStorage, err)
	}

	result := types.Artifact{
		ObjectKey:   s.ObjectKey(dataset.ID, purchaseID),
		SHA256:      hex.EncodeToString(hasher.Sum(nil)),
		Size:        out.n,
		ContentType: s.encryptor.ContentType(),
	}
	if err := s.objects.Put(ctx, result.ObjectKey, tmp, result.Size, result.ContentType); err != nil {
		return types.Artifact{}, fmt.Errorf("%w: upload artifact: %w", ErrStorage, err)
	}
	if err := s.verifyUpload(ctx, result); err != nil {
		_ = s.Remove(context.WithoutCancel(ctx), result.ObjectKey)
		return types.Artifact{}, err
	}

	s.logger.Debug("artifact published",
		slog.Int("dataset_id", dataset.ID),
		slog.Int("purchase_id", purchaseID),
		slog.String("object_key", result.ObjectKey),
		slog.Int64("size", result.Size),
	)
	return result, nil
}

// verifyUpload checks that the stored object has the size that was hashed
// locally. A purchase must never complete against a truncated artifact.
func (s *ArtifactService) verifyUpload(ctx context.Context, a types.Artifact) error {
	info, err := s.objects.Stat(ctx, a.ObjectKey)
	if err != nil {
		return fmt.Errorf("%w: stat artifact: %w", ErrStorage, err)
	}
	if info.Size != a.Size {
		return fmt.Errorf("%w: artifact %s stored %d of %d bytes", ErrStorage, a.ObjectKey, info.Size, a.Size)
	}
	return nil
}

// Remove deletes a published artifact. Missing objects are ignored.
func (s *ArtifactService) Remove(ctx context.Context, objectKey string) error {
	if objectKey == "" {
		return nil
	}
	if err := s.objects.Delete(ctx, objectKey); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		return fmt.Errorf("%w: delete artifact: %w", ErrStorage, err)
	}
	return nil
}

func sourceName(dataset types.Dataset) string {
	if dataset.FileName != "" {
		return dataset.FileName
	}
	return dataset.Slug + path.Ext(dataset.FileKey)
}

type trackingReader struct {
	ctx context.Context
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	if err := t.ctx.Err(); err != nil {
		t.err = err
		return 0, err
	}
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		t.err = err
	}
	return n, err
}

type trackingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	t.n += int64(n)
	if err != nil {
		t.err = err
	}
	return n, err
}
