package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path"
	"regexp"
	"strings"

	"github.com/Tamnud-ghule/KUINBEE/types"
	"github.com/google/uuid"
)

var (
	slugPattern           = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
	sourceFilenamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// DatasetRepository defines persistence operations for datasets.
type DatasetRepository interface {
	List(ctx context.Context, offset, limit int) ([]types.Dataset, int, error)
	Get(ctx context.Context, id int) (types.Dataset, error)
	GetBySlug(ctx context.Context, slug string) (types.Dataset, error)
	Create(ctx context.Context, dataset types.Dataset) (types.Dataset, error)
	Update(ctx context.Context, dataset types.Dataset) (types.Dataset, error)
}

// SourceFile is an uploaded plaintext dataset file.
type SourceFile struct {
	Name        string
	Body        io.Reader
	Size        int64
	ContentType string
}

// DatasetService encapsulates catalog use-cases.
type DatasetService struct {
	repo    DatasetRepository
	objects ObjectStore
	logger  *slog.Logger
}

func NewDatasetService(repo DatasetRepository, objects ObjectStore, logger *slog.Logger) *DatasetService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DatasetService{repo: repo, objects: objects, logger: logger}
}

func (s *DatasetService) List(ctx context.Context, offset, limit int) ([]types.Dataset, int, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	datasets, total, err := s.repo.List(ctx, offset, limit)
	if err != nil {
		return nil, 0, translate(err)
	}
	return datasets, total, nil
}

func (s *DatasetService) Get(ctx context.Context, id int) (types.Dataset, error) {
	dataset, err := s.repo.Get(ctx, id)
	if err != nil {
		return types.Dataset{}, translate(err)
	}
	return dataset, nil
}

// Create uploads the source file and inserts the catalog entry.
func (s *DatasetService) Create(ctx context.Context, dataset types.Dataset, src SourceFile) (types.Dataset, error) {
	dataset.Slug = strings.TrimSpace(dataset.Slug)
	if err := validateDataset(dataset); err != nil {
		return types.Dataset{}, err
	}

	if _, err := s.repo.GetBySlug(ctx, dataset.Slug); err == nil {
		return types.Dataset{}, fmt.Errorf("%w: slug %q is taken", ErrConflict, dataset.Slug)
	} else if err = translate(err); !errors.Is(err, ErrNotFound) {
		return types.Dataset{}, err
	}

	key, name, err := s.uploadSource(ctx, dataset.Slug, src)
	if err != nil {
		return types.Dataset{}, err
	}
	dataset.FileKey = key
	dataset.FileName = name

	created, err := s.repo.Create(ctx, dataset)
	if err != nil {
		s.removeSource(ctx, key)
		return types.Dataset{}, translate(err)
	}

	s.logger.Info("dataset created", slog.Int("dataset_id", created.ID), slog.String("slug", created.Slug))
	return created, nil
}

// Update changes catalog metadata and, when src is given, points the
// dataset at a newly uploaded source file. The previous source object is
// left in place for fulfillments that already read the old key, and
// artifacts of earlier purchases are not affected.
func (s *DatasetService) Update(ctx context.Context, dataset types.Dataset, src *SourceFile) (types.Dataset, error) {
	current, err := s.repo.Get(ctx, dataset.ID)
	if err != nil {
		return types.Dataset{}, translate(err)
	}
	dataset.Slug = current.Slug
	if err := validateDataset(dataset); err != nil {
		return types.Dataset{}, err
	}

	dataset.FileKey = ""
	dataset.FileName = ""
	if src != nil {
		if dataset.FileKey, dataset.FileName, err = s.uploadSource(ctx, current.Slug, *src); err != nil {
			return types.Dataset{}, err
		}
	}

	updated, err := s.repo.Update(ctx, dataset)
	if err != nil {
		if dataset.FileKey != "" {
			s.removeSource(ctx, dataset.FileKey)
		}
		return types.Dataset{}, translate(err)
	}
	s.logger.Info("dataset updated", slog.Int("dataset_id", updated.ID), slog.Bool("source_replaced", src != nil))
	return updated, nil
}

func (s *DatasetService) uploadSource(ctx context.Context, slug string, src SourceFile) (string, string, error) {
	if src.Body == nil || src.Size == 0 {
		return "", "", invalidInput("empty dataset file")
	}
	name, err := validateSourceFilename(src.Name)
	if err != nil {
		return "", "", err
	}
	contentType := src.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	// Every upload gets its own prefix so a replaced source never
	// overwrites an object another request is reading.
	key := path.Join("datasets", slug, uuid.NewString(), name)
	if err := s.objects.Put(ctx, key, src.Body, src.Size, contentType); err != nil {
		return "", "", fmt.Errorf("%w: upload dataset source: %w", ErrStorage, err)
	}
	return key, name, nil
}

func (s *DatasetService) removeSource(ctx context.Context, key string) {
	if err := s.objects.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn("remove orphaned dataset source", slog.String("file_key", key), slog.Any("error", err))
	}
}

func validateDataset(dataset types.Dataset) error {
	if strings.TrimSpace(dataset.Title) == "" {
		return invalidInput("title is required")
	}
	if !slugPattern.MatchString(dataset.Slug) {
		return invalidInput("slug must be lowercase letters, digits and dashes")
	}
	if math.IsNaN(dataset.Price) || math.IsInf(dataset.Price, 0) || dataset.Price < 0 {
		return invalidInput("price must be a non-negative number")
	}
	if dataset.RecordCount < 0 {
		return invalidInput("record count must not be negative")
	}
	return nil
}

func validateSourceFilename(name string) (string, error) {
	name = strings.TrimSpace(name)
	if strings.ContainsAny(name, `/\`) {
		return "", invalidInput("file name must not contain directories")
	}
	if !sourceFilenamePattern.MatchString(name) || strings.Contains(name, "..") {
		return "", invalidInput(fmt.Sprintf("invalid file name %q", name))
	}
	return name, nil
}
