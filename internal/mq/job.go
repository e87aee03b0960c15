package mq

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FulfillmentJob asks a worker to encrypt and publish the artifact of a
// pending purchase.
type FulfillmentJob struct {
	ID         string    `json:"id"`
	PurchaseID int       `json:"purchaseId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// NewFulfillmentJob builds a job for purchaseID with a fresh job id.
func NewFulfillmentJob(purchaseID int) FulfillmentJob {
	return FulfillmentJob{
		ID:         uuid.NewString(),
		PurchaseID: purchaseID,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Attributes returns the message attributes published with the job.
func (j FulfillmentJob) Attributes() map[string]string {
	return map[string]string{
		"job_id":      j.ID,
		"purchase_id": fmt.Sprint(j.PurchaseID),
		"type":        "purchase.fulfillment",
	}
}

func (j FulfillmentJob) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeFulfillmentJob parses a job payload.
func DecodeFulfillmentJob(data []byte) (FulfillmentJob, error) {
	var job FulfillmentJob
	if err := json.Unmarshal(data, &job); err != nil {
		return FulfillmentJob{}, fmt.Errorf("decode fulfillment job: %w", err)
	}
	if job.PurchaseID <= 0 {
		return FulfillmentJob{}, errors.New("decode fulfillment job: missing purchase id")
	}
	return job, nil
}
