package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"docgate/internal/config"
	"docgate/internal/generate"
	"docgate/internal/poller"
	"docgate/internal/queue"
	"docgate/internal/storage"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run the command poller (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPoller()
	},
}

func runPoller() error {
	fmt.Fprintf(os.Stderr, "docgate poller version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	initLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	fmt.Fprintf(os.Stderr, "PocketBase URL: %s\n", cfg.Queue.BaseURL)

	queueClient := queue.NewClient(cfg.Queue.BaseURL)
	genClient := generate.NewClient(cfg.Gateway.BaseURL)
	worker := poller.NewWorker(queueClient, store, genClient, time.Duration(cfg.Queue.PollIntervalMS)*time.Millisecond)

	worker.Run(ctx)
	return nil
}
