package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Tamnud-ghule/KUINBEE/config"
	"github.com/Tamnud-ghule/KUINBEE/internal/mq"
	"github.com/Tamnud-ghule/KUINBEE/internal/store"
	"github.com/Tamnud-ghule/KUINBEE/types"
)

// PurchaseRepository defines persistence operations for purchases.
type PurchaseRepository interface {
	Create(ctx context.Context, purchase types.Purchase) (types.Purchase, error)
	Get(ctx context.Context, id int) (types.Purchase, error)
	Latest(ctx context.Context, userID, datasetID int) (types.Purchase, error)
	ListByUser(ctx context.Context, userID int) ([]types.Purchase, error)
	Complete(ctx context.Context, id int, artifact types.Artifact) (types.Purchase, error)
	Fail(ctx context.Context, id int, reason string) (types.Purchase, error)
	Refund(ctx context.Context, id int) (types.Purchase, error)
	StalePending(ctx context.Context, before time.Time, limit int) ([]types.Purchase, error)
}

type UserReader interface {
	GetByID(ctx context.Context, id int) (types.User, error)
}

type DatasetReader interface {
	Get(ctx context.Context, id int) (types.Dataset, error)
}

type CartRemover interface {
	Remove(ctx context.Context, userID, datasetID int) error
}

// JobPublisher is satisfied by *mq.MQ.
type JobPublisher interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
}

// LedgerOptions configures a LedgerService.
type LedgerOptions struct {
	// Mode is config.FulfillmentSync or config.FulfillmentAsync.
	Mode           string
	PriceTolerance float64
	// Channel and Jobs are required in async mode.
	Channel string
	Jobs    JobPublisher
	Cart    CartRemover
	Logger  *slog.Logger
}

// Client-safe failure reasons stored on failed purchases.
const (
	reasonEncryption = "artifact encryption failed"
	reasonStorage    = "artifact storage unavailable"
	reasonQueue      = "fulfillment queue unavailable"
	reasonNoDataset  = "dataset no longer exists"
	reasonTimedOut   = "fulfillment timed out"
)

const stalePendingBatch = 100

// LedgerService records purchases and drives them through fulfillment.
type LedgerService struct {
	purchases PurchaseRepository
	users     UserReader
	datasets  DatasetReader
	artifacts *ArtifactService
	opts      LedgerOptions
	logger    *slog.Logger
}

func NewLedgerService(purchases PurchaseRepository, users UserReader, datasets DatasetReader, artifacts *ArtifactService, opts LedgerOptions) *LedgerService {
	if opts.Mode == "" {
		opts.Mode = config.FulfillmentSync
	}
	if opts.PriceTolerance < 0 {
		opts.PriceTolerance = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerService{
		purchases: purchases,
		users:     users,
		datasets:  datasets,
		artifacts: artifacts,
		opts:      opts,
		logger:    logger,
	}
}

// Async reports whether purchases are fulfilled by the worker.
func (s *LedgerService) Async() bool {
	return s.opts.Mode == config.FulfillmentAsync
}

// RecordPurchase records a purchase of datasetID by userID. A nil amount
// charges the current list price; otherwise the amount must match the price
// within the configured tolerance.
//
// In sync mode the returned purchase is completed and carries its key. In
// async mode it is pending and the key becomes visible once the worker
// completes it.
func (s *LedgerService) RecordPurchase(ctx context.Context, userID, datasetID int, amount *float64) (types.Purchase, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return types.Purchase{}, translate(err)
	}
	if user.Disabled {
		return types.Purchase{}, ErrNotAuthorized
	}

	dataset, err := s.datasets.Get(ctx, datasetID)
	if err != nil {
		return types.Purchase{}, translate(err)
	}

	charged, err := s.charge(dataset, amount)
	if err != nil {
		return types.Purchase{}, err
	}

	// The unique index has the last word; this only avoids issuing a key
	// for a purchase that cannot be recorded.
	if latest, err := s.purchases.Latest(ctx, userID, datasetID); err == nil && latest.Status.Active() {
		return types.Purchase{}, fmt.Errorf("%w: purchase %d is %s", ErrConflict, latest.ID, latest.Status)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return types.Purchase{}, translate(err)
	}

	key, err := s.artifacts.IssueKey()
	if err != nil {
		return types.Purchase{}, err
	}

	purchase, err := s.purchases.Create(ctx, types.Purchase{
		UserID:        userID,
		DatasetID:     datasetID,
		Amount:        charged,
		EncryptionKey: key,
		Status:        types.PurchasePending,
	})
	if err != nil {
		return types.Purchase{}, translate(err)
	}

	s.logger.Info("purchase recorded",
		slog.Int("purchase_id", purchase.ID),
		slog.Int("user_id", userID),
		slog.Int("dataset_id", datasetID),
		slog.Float64("amount", charged),
		slog.String("mode", s.opts.Mode),
	)

	if s.Async() {
		purchase, err = s.enqueue(ctx, purchase)
	} else {
		purchase, err = s.fulfill(ctx, purchase, dataset, false)
	}
	if err != nil {
		return types.Purchase{}, err
	}

	s.clearCart(ctx, userID, datasetID)
	return purchase, nil
}

func (s *LedgerService) charge(dataset types.Dataset, amount *float64) (float64, error) {
	if amount == nil {
		return dataset.Price, nil
	}
	value := *amount
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, value)
	}
	if math.Abs(value-dataset.Price) > s.opts.PriceTolerance {
		return 0, fmt.Errorf("%w: got %.2f, price is %.2f", ErrInvalidAmount, value, dataset.Price)
	}
	return dataset.Price, nil
}

func (s *LedgerService) enqueue(ctx context.Context, purchase types.Purchase) (types.Purchase, error) {
	job := mq.NewFulfillmentJob(purchase.ID)
	err := errors.New("no job publisher configured")
	if s.opts.Jobs != nil {
		var data []byte
		if data, err = job.Encode(); err == nil {
			_, err = s.opts.Jobs.Publish(ctx, s.opts.Channel, data, job.Attributes())
		}
	}
	if err != nil {
		s.logger.Error("enqueue fulfillment failed", slog.Int("purchase_id", purchase.ID), slog.Any("error", err))
		s.markFailed(ctx, purchase.ID, reasonQueue)
		return types.Purchase{}, fmt.Errorf("%w: enqueue fulfillment: %w", ErrStorage, err)
	}

	s.logger.Info("fulfillment enqueued", slog.Int("purchase_id", purchase.ID), slog.String("job_id", job.ID))
	return purchase, nil
}

// Fulfill produces the artifact of a pending purchase. Purchases that are no
// longer pending are returned unchanged. Encryption failures move the
// purchase to failed and are returned wrapped in ErrEncryption; storage
// failures leave it pending so the job can be retried.
func (s *LedgerService) Fulfill(ctx context.Context, purchaseID int) (types.Purchase, error) {
	purchase, err := s.purchases.Get(ctx, purchaseID)
	if err != nil {
		return types.Purchase{}, translate(err)
	}
	if purchase.Status != types.PurchasePending {
		return purchase, nil
	}

	dataset, err := s.datasets.Get(ctx, purchase.DatasetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.markFailed(ctx, purchase.ID, reasonNoDataset)
			return types.Purchase{}, fmt.Errorf("%w: dataset %d not found", ErrEncryption, purchase.DatasetID)
		}
		return types.Purchase{}, translate(err)
	}

	return s.fulfill(ctx, purchase, dataset, true)
}

// fulfill encrypts, publishes and completes purchase. Unless retryable is
// set, any failure moves the purchase to failed so no key is ever handed out
// for an artifact that does not exist.
func (s *LedgerService) fulfill(ctx context.Context, purchase types.Purchase, dataset types.Dataset, retryable bool) (types.Purchase, error) {
	log := s.logger.With(slog.Int("purchase_id", purchase.ID), slog.Int("dataset_id", dataset.ID))

	published, err := s.artifacts.EncryptArtifact(ctx, dataset, purchase.ID, purchase.EncryptionKey)
	if err != nil {
		log.Error("artifact encryption failed", slog.Any("error", err))
		if retryable && errors.Is(err, ErrStorage) {
			return types.Purchase{}, err
		}
		reason := reasonEncryption
		if errors.Is(err, ErrStorage) {
			reason = reasonStorage
		}
		s.markFailed(ctx, purchase.ID, reason)
		return types.Purchase{}, err
	}

	completed, err := s.purchases.Complete(ctx, purchase.ID, published)
	if err != nil {
		return s.settleAfterComplete(ctx, log, purchase.ID, published, retryable, err)
	}

	log.Info("purchase completed", slog.String("object_key", published.ObjectKey), slog.Int64("size", published.Size))
	return completed, nil
}

// settleAfterComplete resolves a Complete call that returned an error. The
// UPDATE may have committed before the error surfaced, so the row is read
// back before the artifact is discarded: an artifact referenced by a
// completed purchase is never removed.
func (s *LedgerService) settleAfterComplete(ctx context.Context, log *slog.Logger, purchaseID int, published types.Artifact, retryable bool, completeErr error) (types.Purchase, error) {
	current, err := s.purchases.Get(context.WithoutCancel(ctx), purchaseID)
	if err != nil {
		// Unknown outcome. Keep the object; an orphan is cheaper than a
		// completed purchase without its artifact.
		log.Error("complete purchase failed, state unknown",
			slog.String("object_key", published.ObjectKey),
			slog.Any("error", completeErr),
			slog.Any("read_error", err),
		)
		if !retryable {
			s.markFailed(ctx, purchaseID, reasonStorage)
		}
		return types.Purchase{}, translate(completeErr)
	}

	if current.Status == types.PurchaseCompleted && current.Artifact.ObjectKey == published.ObjectKey {
		log.Warn("complete purchase reported an error after commit", slog.Any("error", completeErr))
		return current, nil
	}

	s.discard(ctx, published.ObjectKey)
	if current.Status != types.PurchasePending {
		// Another attempt finished first.
		log.Warn("purchase already settled", slog.String("status", string(current.Status)))
		return current, nil
	}

	log.Error("complete purchase failed", slog.Any("error", completeErr))
	if !retryable {
		s.markFailed(ctx, purchaseID, reasonStorage)
	}
	return types.Purchase{}, translate(completeErr)
}

// ExpireStalePending fails purchases that have been pending for longer than
// olderThan. These are purchases whose fulfillment was abandoned: a parked
// job, or a sync request whose failure could not be recorded. It returns the
// number of purchases moved to failed.
func (s *LedgerService) ExpireStalePending(ctx context.Context, olderThan time.Duration) (int, error) {
	before := time.Now().Add(-olderThan)
	expired := 0
	for {
		stale, err := s.purchases.StalePending(ctx, before, stalePendingBatch)
		if err != nil {
			return expired, translate(err)
		}
		for _, purchase := range stale {
			if _, err := s.purchases.Fail(ctx, purchase.ID, reasonTimedOut); err != nil {
				if errors.Is(err, store.ErrInvalidTransition) {
					continue
				}
				return expired, translate(err)
			}
			expired++
			s.logger.Warn("pending purchase expired",
				slog.Int("purchase_id", purchase.ID),
				slog.Time("pending_since", purchase.UpdatedAt),
			)
		}
		if len(stale) < stalePendingBatch {
			return expired, nil
		}
	}
}

// markFailed moves a pending purchase to failed, wiping its key. It runs
// even when ctx was cancelled so an abandoned request never leaves a
// pending purchase behind.
func (s *LedgerService) markFailed(ctx context.Context, purchaseID int, reason string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.purchases.Fail(ctx, purchaseID, reason); err != nil {
		s.logger.Error("mark purchase failed", slog.Int("purchase_id", purchaseID), slog.Any("error", err))
		return
	}
	s.logger.Warn("purchase failed", slog.Int("purchase_id", purchaseID), slog.String("reason", reason))
}

func (s *LedgerService) discard(ctx context.Context, objectKey string) {
	if err := s.artifacts.Remove(context.WithoutCancel(ctx), objectKey); err != nil {
		s.logger.Error("discard artifact", slog.String("object_key", objectKey), slog.Any("error", err))
	}
}

func (s *LedgerService) clearCart(ctx context.Context, userID, datasetID int) {
	if s.opts.Cart == nil {
		return
	}
	if err := s.opts.Cart.Remove(ctx, userID, datasetID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("remove purchased dataset from cart", slog.Int("user_id", userID), slog.Int("dataset_id", datasetID), slog.Any("error", err))
	}
}

// GetPurchase returns the caller's latest non-failed purchase of datasetID.
// A missing purchase and another user's purchase are both ErrNotAuthorized.
func (s *LedgerService) GetPurchase(ctx context.Context, userID, datasetID int) (types.Purchase, error) {
	purchase, err := s.purchases.Latest(ctx, userID, datasetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Purchase{}, ErrNotAuthorized
		}
		return types.Purchase{}, translate(err)
	}
	if purchase.UserID != userID {
		return types.Purchase{}, ErrNotAuthorized
	}
	return purchase, nil
}

// GetPurchaseByID returns purchase id when it belongs to userID.
func (s *LedgerService) GetPurchaseByID(ctx context.Context, userID, id int) (types.Purchase, error) {
	purchase, err := s.purchases.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Purchase{}, ErrNotAuthorized
		}
		return types.Purchase{}, translate(err)
	}
	if purchase.UserID != userID {
		return types.Purchase{}, ErrNotAuthorized
	}
	return purchase, nil
}

func (s *LedgerService) ListPurchases(ctx context.Context, userID int) ([]types.Purchase, error) {
	purchases, err := s.purchases.ListByUser(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}
	return purchases, nil
}

// Refund revokes the entitlement of a completed purchase. The ledger entry
// and its artifact are kept for audit.
func (s *LedgerService) Refund(ctx context.Context, id int) (types.Purchase, error) {
	purchase, err := s.purchases.Refund(ctx, id)
	if err != nil {
		return types.Purchase{}, translate(err)
	}
	s.logger.Info("purchase refunded", slog.Int("purchase_id", id), slog.Int("user_id", purchase.UserID))
	return purchase, nil
}
