package types

import "time"

// Dataset represents a purchasable catalog entry.
// The catalog owns datasets; the purchase flow only reads them.
type Dataset struct {
	// ID is the unique identifier of the dataset.
	ID int `json:"id" db:"id"`

	// Title is the human-readable name of the dataset.
	Title string `json:"title" db:"title"`

	// Slug is the unique URL-safe name of the dataset. Downloaded
	// artifacts are named after it.
	Slug string `json:"slug" db:"slug"`

	// Description is the long-form description shown in the catalog.
	Description string `json:"description" db:"description"`

	// Price is the current list price in US dollars.
	Price float64 `json:"price" db:"price"`

	// RecordCount is the number of records contained in the dataset.
	RecordCount int `json:"recordCount" db:"record_count"`

	// DataFormat names the format of the underlying file (e.g., "CSV").
	DataFormat string `json:"dataFormat" db:"data_format"`

	// UpdateFrequency describes how often the dataset is refreshed.
	UpdateFrequency string `json:"updateFrequency,omitempty" db:"update_frequency"`

	// PreviewAvailable indicates whether a preview can be shown before purchase.
	PreviewAvailable bool `json:"previewAvailable" db:"preview_available"`

	// FileKey is the object storage key of the plaintext source file.
	// It is never exposed to clients.
	FileKey string `json:"-" db:"file_key"`

	// FileName is the original file name of the source, used as the
	// entry name inside encrypted archives.
	FileName string `json:"-" db:"file_name"`

	// CategoryID optionally references the dataset category.
	CategoryID *int `json:"categoryId,omitempty" db:"category_id"`

	// LastUpdated is the timestamp of the last data refresh.
	LastUpdated time.Time `json:"lastUpdated" db:"last_updated"`

	// CreatedAt is the timestamp at which the dataset was created.
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent metadata update.
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}
