// Package worker consumes fulfillment jobs and produces purchase artifacts.
package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Tamnud-ghule/KUINBEE/internal/mq"
	"github.com/Tamnud-ghule/KUINBEE/internal/services"
	"github.com/Tamnud-ghule/KUINBEE/types"
	"golang.org/x/sync/errgroup"
)

// Subscriber is the consuming side of a message broker.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler mq.Handler) error
}

// Fulfiller produces the artifact of a pending purchase.
type Fulfiller interface {
	Fulfill(ctx context.Context, purchaseID int) (types.Purchase, error)
}

type Worker struct {
	queue       Subscriber
	ledger      Fulfiller
	channel     string
	concurrency int
	logger      *slog.Logger
}

func New(queue Subscriber, ledger Fulfiller, channel string, concurrency int, logger *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:       queue,
		ledger:      ledger,
		channel:     channel,
		concurrency: concurrency,
		logger:      logger.With(slog.String("component", "worker")),
	}
}

// Run starts one subscriber per unit of concurrency and blocks until ctx
// is done or a subscriber fails.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		slog.String("channel", w.channel),
		slog.Int("concurrency", w.concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			return w.queue.Subscribe(gctx, w.channel, w.Handle)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	w.logger.Info("worker stopped")
	return err
}

// Handle processes one delivery. Only retryable failures are returned so
// the broker redelivers; anything else is acknowledged.
func (w *Worker) Handle(ctx context.Context, msg mq.Message) error {
	job, err := mq.DecodeFulfillmentJob(msg.Data)
	if err != nil {
		w.logger.ErrorContext(ctx, "dropping malformed job",
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
		return nil
	}

	log := w.logger.With(
		slog.String("job_id", job.ID),
		slog.Int("purchase_id", job.PurchaseID),
		slog.Int("attempt", msg.Attempt),
	)

	purchase, err := w.ledger.Fulfill(ctx, job.PurchaseID)
	switch {
	case err == nil:
		log.InfoContext(ctx, "job done", slog.String("status", string(purchase.Status)))
		return nil
	case errors.Is(err, services.ErrStorage):
		log.WarnContext(ctx, "job will be retried", slog.Any("error", err))
		return err
	case errors.Is(err, services.ErrNotFound):
		log.WarnContext(ctx, "purchase not found, dropping job")
		return nil
	default:
		log.ErrorContext(ctx, "job failed", slog.Any("error", err))
		return nil
	}
}
