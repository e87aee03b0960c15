package types

import (
	"encoding/json"
	"time"
)

// Purchase is a ledger entry binding a user, a dataset, the amount paid and
// the per-purchase encryption key that unlocks the purchased artifact.
type Purchase struct {
	// ID is the unique identifier of the purchase.
	ID int `json:"id" db:"id"`

	// UserID identifies the buyer.
	UserID int `json:"userId" db:"user_id"`

	// DatasetID identifies the purchased dataset.
	DatasetID int `json:"datasetId" db:"dataset_id"`

	// Amount is the price paid, in US dollars.
	Amount float64 `json:"amount" db:"amount"`

	// PurchaseDate is the timestamp at which the purchase was recorded.
	PurchaseDate time.Time `json:"purchaseDate" db:"purchase_date"`

	// EncryptionKey is the secret that decrypts the artifact. It is generated
	// once when the purchase is created and never changes afterwards. It is
	// wiped when fulfillment fails and is only serialized once the purchase
	// has been fulfilled.
	EncryptionKey string `json:"encryptionKey,omitempty" db:"encryption_key"`

	// Status is the lifecycle state of the purchase.
	Status PurchaseStatus `json:"status" db:"status"`

	// Artifact describes the published encrypted archive. It is empty until
	// the purchase is completed.
	Artifact Artifact `json:"-" db:"artifact"`

	// FailureReason holds a short, client-safe reason for failed purchases.
	FailureReason string `json:"failureReason,omitempty" db:"failure_reason"`

	// UpdatedAt is the timestamp of the last status transition.
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Artifact references an encrypted archive in object storage.
type Artifact struct {
	// ObjectKey is the location of the archive in object storage.
	ObjectKey string `json:"objectKey" db:"artifact_key"`

	// SHA256 is the hex digest of the archive bytes.
	SHA256 string `json:"sha256" db:"artifact_sha256"`

	// Size is the archive size in bytes.
	Size int64 `json:"size" db:"artifact_size"`

	// ContentType is the media type the archive is served with.
	ContentType string `json:"contentType" db:"artifact_content_type"`
}

// Published reports whether the artifact was uploaded.
func (a Artifact) Published() bool {
	return a.ObjectKey != ""
}

// KeyVisible reports whether the encryption key may be shown to the owner.
func (p Purchase) KeyVisible() bool {
	return p.Status == PurchaseCompleted || p.Status == PurchaseRefunded
}

// Entitled reports whether the purchase currently grants download access.
func (p Purchase) Entitled() bool {
	return p.Status == PurchaseCompleted && p.Artifact.Published()
}

// MarshalJSON hides the encryption key of purchases that were not fulfilled.
func (p Purchase) MarshalJSON() ([]byte, error) {
	type purchase Purchase
	out := purchase(p)
	if !p.KeyVisible() {
		out.EncryptionKey = ""
	}
	return json.Marshal(out)
}

// PurchaseStatus represents the lifecycle state of a purchase.
type PurchaseStatus string

// Supported purchase statuses.
const (
	// PurchasePending indicates the purchase was recorded and its
	// artifact is being produced.
	PurchasePending PurchaseStatus = "pending"

	// PurchaseCompleted indicates the artifact was published and the
	// buyer is entitled to download it.
	PurchaseCompleted PurchaseStatus = "completed"

	// PurchaseFailed indicates fulfillment failed. The key was discarded
	// and no artifact is retrievable.
	PurchaseFailed PurchaseStatus = "failed"

	// PurchaseRefunded indicates the purchase was refunded. Download access
	// is revoked but the ledger entry is retained.
	PurchaseRefunded PurchaseStatus = "refunded"
)

// CanTransition reports whether moving from s to next is permitted.
func (s PurchaseStatus) CanTransition(next PurchaseStatus) bool {
	switch s {
	case PurchasePending:
		return next == PurchaseCompleted || next == PurchaseFailed
	case PurchaseCompleted:
		return next == PurchaseRefunded
	default:
		return false
	}
}

// Active reports whether the status holds or is about to hold an entitlement.
func (s PurchaseStatus) Active() bool {
	return s == PurchasePending || s == PurchaseCompleted
}

// Valid reports whether s is a known status.
func (s PurchaseStatus) Valid() bool {
	switch s {
	case PurchasePending, PurchaseCompleted, PurchaseFailed, PurchaseRefunded:
		return true
	default:
		return false
	}
}
