package worker

import (
	"context"
	"log/slog"
	"time"
)

// Expirer fails purchases stuck in pending.
type Expirer interface {
	ExpireStalePending(ctx context.Context, olderThan time.Duration) (int, error)
}

// Sweep expires purchases pending for longer than olderThan every interval
// until ctx is done. A non-positive interval or olderThan disables it.
// Failed sweeps are logged and retried on the next tick.
func Sweep(ctx context.Context, ledger Expirer, interval, olderThan time.Duration, logger *slog.Logger) error {
	if interval <= 0 || olderThan <= 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "pending-sweep"))
	logger.Info("pending sweep started",
		slog.Duration("interval", interval),
		slog.Duration("older_than", olderThan),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			expired, err := ledger.ExpireStalePending(ctx, olderThan)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.ErrorContext(ctx, "pending sweep failed", slog.Any("error", err))
				continue
			}
			if expired > 0 {
				logger.WarnContext(ctx, "expired stale pending purchases", slog.Int("count", expired))
			}
		}
	}
}
