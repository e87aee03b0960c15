/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tamnud-ghule/KUINBEE/config"
	"github.com/Tamnud-ghule/KUINBEE/internal/logging"
	"github.com/Tamnud-ghule/KUINBEE/internal/mq"
	"github.com/Tamnud-ghule/KUINBEE/internal/server"
	"github.com/Tamnud-ghule/KUINBEE/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerConcurrency int

// workerCmd represents the worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consumes fulfillment jobs and encrypts purchased datasets",
	Long: `Consumes fulfillment jobs published by the API server when
FULFILLMENT_MODE=async, and fails purchases left pending for longer
than FULFILLMENT_PENDING_TIMEOUT. Usage:

	kuinbee worker --concurrency 4
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		logger := logging.InitLogger(cfg.LogLevel)

		switch cfg.MQ.Backend {
		case "", mq.BackendNone:
			return errors.New("worker requires MQ_BACKEND")
		case mq.BackendMemory:
			return errors.New("memory broker only works inside the server process")
		}
		if workerConcurrency > 0 {
			cfg.Fulfillment.WorkerConcurrency = workerConcurrency
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := server.NewApp(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("init worker: %w", err)
		}
		defer app.Close()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			w := worker.New(app.Queue, app.Ledger, cfg.MQ.Channel, cfg.Fulfillment.WorkerConcurrency, logger)
			return w.Run(gctx)
		})
		g.Go(func() error {
			return worker.Sweep(gctx, app.Ledger, cfg.Fulfillment.SweepInterval, cfg.Fulfillment.PendingTimeout, logger)
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "jobs processed in parallel (default WORKER_CONCURRENCY)")
}
