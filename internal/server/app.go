package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Tamnud-ghule/KUINBEE/config"
	"github.com/Tamnud-ghule/KUINBEE/internal/artifact"
	"github.com/Tamnud-ghule/KUINBEE/internal/db"
	"github.com/Tamnud-ghule/KUINBEE/internal/mq"
	"github.com/Tamnud-ghule/KUINBEE/internal/ratelimit"
	"github.com/Tamnud-ghule/KUINBEE/internal/services"
	"github.com/Tamnud-ghule/KUINBEE/internal/storage"
	"github.com/Tamnud-ghule/KUINBEE/internal/store"
)

// App holds the connected infrastructure and the services built on it. It
// is shared by the API server and the fulfillment worker.
type App struct {
	Config config.Config
	Logger *slog.Logger

	DB      *sql.DB
	Storage *storage.Storage
	Queue   *mq.MQ
	Limiter *ratelimit.FixedWindowLimiter

	Users     *services.UserService
	Datasets  *services.DatasetService
	Carts     *services.CartService
	Ledger    *services.LedgerService
	Downloads *services.DownloadService
}

// NewApp connects to the database, object storage and, when configured,
// the message broker and Redis.
func NewApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (app *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	app = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close()
			app = nil
		}
	}()

	app.DB, err = db.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	app.Storage, err = storage.FromConfig(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	if err = app.Storage.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %q: %w", app.Storage.Bucket(), err)
	}

	encryptor, err := artifact.NewEncryptor(cfg.Fulfillment.Encryptor)
	if err != nil {
		return nil, err
	}

	async := cfg.Fulfillment.Mode == config.FulfillmentAsync
	app.Queue, err = mq.FromConfig(ctx, cfg)
	switch {
	case errors.Is(err, mq.ErrDisabled):
		if async {
			return nil, errors.New("async fulfillment requires MQ_BACKEND")
		}
		err = nil
	case err != nil:
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		app.Limiter, err = ratelimit.NewRedisFixedWindowLimiter(
			cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.Prefix, cfg.Redis.PurchaseLimit, cfg.Redis.Window)
		if err != nil {
			return nil, err
		}
		if err = app.Limiter.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	userRepo := store.NewUserRepository(app.DB)
	datasetRepo := store.NewDatasetRepository(app.DB)
	purchaseRepo := store.NewPurchaseRepository(app.DB)
	cartRepo := store.NewCartRepository(app.DB)

	artifacts := services.NewArtifactService(app.Storage, encryptor, cfg.Fulfillment.TempDir, logger)
	app.Users = services.NewUserService(userRepo, logger)
	app.Datasets = services.NewDatasetService(datasetRepo, app.Storage, logger)
	app.Carts = services.NewCartService(cartRepo, datasetRepo)
	app.Downloads = services.NewDownloadService(purchaseRepo, datasetRepo, app.Storage, logger)

	opts := services.LedgerOptions{
		Mode:           cfg.Fulfillment.Mode,
		PriceTolerance: cfg.Fulfillment.PriceTolerance,
		Channel:        cfg.MQ.Channel,
		Cart:           cartRepo,
		Logger:         logger,
	}
	if app.Queue != nil {
		opts.Jobs = app.Queue
	}
	app.Ledger = services.NewLedgerService(purchaseRepo, userRepo, datasetRepo, artifacts, opts)

	logger.Info("app initialized",
		slog.String("storage", cfg.Storage.Backend),
		slog.String("encryptor", cfg.Fulfillment.Encryptor),
		slog.String("fulfillment", cfg.Fulfillment.Mode),
		slog.String("mq", cfg.MQ.Backend),
		slog.Bool("rate_limit", app.Limiter != nil),
	)
	return app, nil
}

// Close releases every connection the app holds.
func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.Limiter != nil {
		errs = append(errs, a.Limiter.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
