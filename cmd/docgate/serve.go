package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"docgate/internal/api"
	"docgate/internal/config"
	"docgate/internal/generate"
	"docgate/internal/opencode"
	"docgate/internal/poller"
	"docgate/internal/queue"
	"docgate/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the generation gateway (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withPoller, _ := cmd.Flags().GetBool("with-poller")
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withPoller, withMCP)
	},
}

func init() {
	serveCmd.Flags().Bool("with-poller", false, "also run the command poller in this process")
	serveCmd.Flags().Bool("mcp", false, "expose the MCP server on stdio")
}

func initLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func runServer(withPoller, withMCP bool) error {
	fmt.Fprintf(os.Stderr, "docgate version %s\n", version)

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

	runner := opencode.NewCLI(opencode.WithBinary(cfg.Generator.Binary))

	handler := api.NewHandler(api.Deps{
		Store:          store,
		Documents:      store,
		Runner:         runner,
		FallbackAPIKey: cfg.Generator.FallbackAPIKey,
		Port:           cfg.Server.Port,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "docgate listening on %s\n", addr)
		fmt.Fprintf(os.Stderr, "endpoint: http://%s/generate/stream\n", addr)
		fmt.Fprintf(os.Stderr, "health:   http://%s/health\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if withPoller {
		queueClient := queue.NewClient(cfg.Queue.BaseURL)
		genClient := generate.NewClient(cfg.Gateway.BaseURL)
		worker := poller.NewWorker(queueClient, store, genClient, time.Duration(cfg.Queue.PollIntervalMS)*time.Millisecond)
		g.Go(func() error {
			worker.Run(ctx)
			return nil
		})
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:          store,
			Documents:      store,
			Runner:         runner,
			FallbackAPIKey: cfg.Generator.FallbackAPIKey,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
}
