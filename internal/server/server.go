package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Tamnud-ghule/KUINBEE/config"
	"github.com/Tamnud-ghule/KUINBEE/internal/handlers"
	"github.com/Tamnud-ghule/KUINBEE/internal/logging"
	"github.com/Tamnud-ghule/KUINBEE/internal/mq"
	"github.com/Tamnud-ghule/KUINBEE/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
)

const requestTimeout = 60 * time.Second

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	app        *App
	logger     *slog.Logger
	stopBackground context.CancelFunc
	backgroundDone chan error
}

// New connects the app and constructs a Server with its routes mounted.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewWithApp(app), nil
}

// NewWithApp builds the router around an already connected App.
func NewWithApp(app *App) *Server {
	cfg := app.Config
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		logging.RequestLog(app.Logger),
		middleware.Recoverer,
	)

	authMiddleware := handlers.RequireAuth(cfg.JWTSecret, app.Users)
	var purchaseLimit, downloadLimit func(http.Handler) http.Handler
	if app.Limiter != nil {
		purchaseLimit = handlers.RateLimit(app.Limiter.Scoped("purchase", cfg.Redis.PurchaseLimit))
		downloadLimit = handlers.RateLimit(app.Limiter.Scoped("download", cfg.Redis.DownloadLimit))
	}

	router.Get("/healthz", handlers.Healthz)
	router.Route("/auth", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		handlers.AuthRouter(r, app.Users, cfg.JWTSecret)
	})
	router.Route("/api", func(r chi.Router) {
		// Encryption and uploads are bounded by the server write timeout
		// instead of the request timeout.
		r.Route("/datasets", func(r chi.Router) {
			handlers.DatasetRouter(r, app.Datasets, app.Users, authMiddleware)
		})
		r.Route("/purchases", func(r chi.Router) {
			handlers.PurchaseRouter(r, app.Ledger, app.Datasets, authMiddleware, purchaseLimit)
		})
		r.Route("/download", func(r chi.Router) {
			handlers.DownloadRouter(r, app.Downloads, authMiddleware, downloadLimit)
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			r.Route("/cart", func(r chi.Router) {
				handlers.CartRouter(r, app.Carts, authMiddleware)
			})
			r.Route("/admin/purchases", func(r chi.Router) {
				handlers.AdminPurchaseRouter(r, app.Ledger, app.Users, authMiddleware)
			})
		})
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Minute
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 15 * time.Second,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       60 * time.Second,
		},
		router: router,
		app:    app,
		logger: app.Logger,
	}
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server alongside the pending purchase sweep. With
// the in-process memory broker the fulfillment worker runs here too.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopBackground = cancel
	s.backgroundDone = make(chan error, 1)

	fulfillment := s.app.Config.Fulfillment
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Sweep(gctx, s.app.Ledger, fulfillment.SweepInterval, fulfillment.PendingTimeout, s.logger)
	})
	if s.app.Queue != nil && s.app.Queue.Name() == mq.BackendMemory && s.app.Ledger.Async() {
		w := worker.New(s.app.Queue, s.app.Ledger, s.app.Config.MQ.Channel, fulfillment.WorkerConcurrency, s.logger)
		g.Go(func() error { return w.Run(gctx) })
	}
	go func() { s.backgroundDone <- g.Wait() }()

	s.logger.Info("http server listening", slog.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, waits for in-flight ones until ctx
// expires and then releases the app's connections.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.stopBackground != nil {
		s.stopBackground()
		if werr := <-s.backgroundDone; werr != nil {
			s.logger.Error("background jobs stopped with error", slog.Any("error", werr))
		}
	}
	return errors.Join(err, s.app.Close())
}
