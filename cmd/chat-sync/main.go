package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/chat-sync/internal/app"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.String("state", cfg.StateDB),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := app.New(app.Options{
		StatePath:   cfg.StateDB,
		Credentials: cfg.Credentials(),
		Transport:   cfg.Transport(),
		Timeline:    cfg.Timeline(),
	}, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	client.OnSessions(func(list []models.Session) {
		unread := 0
		for _, s := range list {
			unread += s.Unread
		}

		logger.Debug("sessions changed",
			slog.Int("sessions", len(list)),
			slog.Int("unread", unread),
		)
	})

	if err := client.Connect(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return nil
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			// The stdio client going away ends the process.
			defer stop()
			return runMCP(gctx, client, logger)
		})
	}

	return g.Wait()
}

// runMCP serves the chat tools over stdio until the context is cancelled
// or the client disconnects.
func runMCP(ctx context.Context, client *app.App, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, client)

	mcpLogger.Info("starting MCP server", slog.String("transport", "stdio"))

	if err := mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("MCP server: %w", err)
	}

	mcpLogger.Info("MCP server stopped")

	return nil
}
