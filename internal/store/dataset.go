package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Tamnud-ghule/KUINBEE/types"
)

// DatasetRepository handles persistence for catalog datasets.
type DatasetRepository struct {
	db *sql.DB
}

func NewDatasetRepository(db *sql.DB) *DatasetRepository {
	return &DatasetRepository{db: db}
}

const datasetColumns = `id, title, slug, description, price, record_count, data_format, update_frequency,
	preview_available, file_key, file_name, category_id, last_updated, created_at, updated_at`

func scanDataset(row interface{ Scan(...any) error }) (types.Dataset, error) {
	var dataset types.Dataset
	var categoryID sql.NullInt64
	err := row.Scan(
		&dataset.ID,
		&dataset.Title,
		&dataset.Slug,
		&dataset.Description,
		&dataset.Price,
		&dataset.RecordCount,
		&dataset.DataFormat,
		&dataset.UpdateFrequency,
		&dataset.PreviewAvailable,
		&dataset.FileKey,
		&dataset.FileName,
		&categoryID,
		&dataset.LastUpdated,
		&dataset.CreatedAt,
		&dataset.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Dataset{}, ErrNotFound
		}
		return types.Dataset{}, err
	}
	if categoryID.Valid {
		id := int(categoryID.Int64)
		dataset.CategoryID = &id
	}
	return dataset, nil
}

func (r *DatasetRepository) List(ctx context.Context, offset, limit int) ([]types.Dataset, int, error) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 20
	}

	const countQuery = `SELECT COUNT(1) FROM datasets`
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT ` + datasetColumns + ` FROM datasets ORDER BY id OFFSET $1 LIMIT $2`
	rows, err := r.db.QueryContext(ctx, listQuery, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	datasets := make([]types.Dataset, 0, limit)
	for rows.Next() {
		dataset, err := scanDataset(rows)
		if err != nil {
			return nil, 0, err
		}
		datasets = append(datasets, dataset)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return datasets, total, nil
}

func (r *DatasetRepository) Get(ctx context.Context, id int) (types.Dataset, error) {
	query := `SELECT ` + datasetColumns + ` FROM datasets WHERE id = $1`
	return scanDataset(r.db.QueryRowContext(ctx, query, id))
}

func (r *DatasetRepository) GetBySlug(ctx context.Context, slug string) (types.Dataset, error) {
	query := `SELECT ` + datasetColumns + ` FROM datasets WHERE slug = $1`
	return scanDataset(r.db.QueryRowContext(ctx, query, slug))
}

func (r *DatasetRepository) Create(ctx context.Context, dataset types.Dataset) (types.Dataset, error) {
	now := time.Now()
	dataset.CreatedAt = now
	dataset.UpdatedAt = now
	if dataset.LastUpdated.IsZero() {
		dataset.LastUpdated = now
	}

	const query = `
		INSERT INTO datasets (title, slug, description, price, record_count, data_format, update_frequency,
			preview_available, file_key, file_name, category_id, last_updated, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		dataset.Title,
		dataset.Slug,
		dataset.Description,
		dataset.Price,
		dataset.RecordCount,
		dataset.DataFormat,
		dataset.UpdateFrequency,
		dataset.PreviewAvailable,
		dataset.FileKey,
		dataset.FileName,
		dataset.CategoryID,
		dataset.LastUpdated,
		dataset.CreatedAt,
		dataset.UpdatedAt,
	).Scan(&dataset.ID); err != nil {
		if isUniqueViolation(err) {
			return types.Dataset{}, ErrConflict
		}
		return types.Dataset{}, err
	}

	return dataset, nil
}

// Update changes catalog metadata. When FileKey is empty the stored source
// file reference is kept.
func (r *DatasetRepository) Update(ctx context.Context, dataset types.Dataset) (types.Dataset, error) {
	dataset.UpdatedAt = time.Now()

	const query = `
		UPDATE datasets
		SET title = $1,
			description = $2,
			price = $3,
			record_count = $4,
			data_format = $5,
			update_frequency = $6,
			preview_available = $7,
			file_key = COALESCE(NULLIF($8, ''), file_key),
			file_name = COALESCE(NULLIF($9, ''), file_name),
			category_id = $10,
			last_updated = CASE WHEN $8 <> '' THEN $11 ELSE last_updated END,
			updated_at = $11
		WHERE id = $12`
	result, err := r.db.ExecContext(
		ctx,
		query,
		dataset.Title,
		dataset.Description,
		dataset.Price,
		dataset.RecordCount,
		dataset.DataFormat,
		dataset.UpdateFrequency,
		dataset.PreviewAvailable,
		dataset.FileKey,
		dataset.FileName,
		dataset.CategoryID,
		dataset.UpdatedAt,
		dataset.ID,
	)
	if err != nil {
		return types.Dataset{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.Dataset{}, err
	}
	if affected == 0 {
		return types.Dataset{}, ErrNotFound
	}

	return r.Get(ctx, dataset.ID)
}
