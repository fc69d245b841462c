// Command studyhall runs the spaced-repetition study service, either as an
// MCP server on stdio or as a REST API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danieldreier/studyhall/internal/config"
	"github.com/danieldreier/studyhall/internal/httpapi"
	"github.com/danieldreier/studyhall/internal/logging"
	"github.com/danieldreier/studyhall/internal/mcpserver"
	"github.com/danieldreier/studyhall/internal/service"
	"github.com/danieldreier/studyhall/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "studyhall:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "studyhall",
		Short:         "Spaced-repetition flashcards with SM-2 scheduling",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root.PersistentFlags())
	root.AddCommand(newMCPCmd(), newServeCmd(), newMigrateCmd())
	return root
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the study tools over MCP stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			s := mcpserver.New(a.svc, a.cfg.MCP.UserID, version, a.logger)
			a.logger.Info("mcp server starting", zap.String("user_id", a.cfg.MCP.UserID))
			if err := mcpserver.ServeStdio(s); err != nil {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveHTTP(ctx, a)
		},
	}
}

func serveHTTP(ctx context.Context, a *app) error {
	srv := httpapi.New(a.svc, httpapi.Options{
		RateLimit: a.cfg.HTTP.RateLimit,
		Burst:     a.cfg.HTTP.Burst,
	}, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(a.cfg.HTTP.Addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.cfg.Storage.Driver == "file" {
				a.logger.Info("file storage needs no migrations")
			}
			return nil
		},
	}
}

// app holds what every subcommand needs.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	store  storage.Storage
	svc    *service.StudyService
}

func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}

	store, err := openStorage(cmd.Context(), cfg.Storage, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	svc := service.New(store,
		service.WithLogger(logger),
		service.WithLimits(service.Limits{
			DefaultDueLimit:  cfg.Review.DefaultDueLimit,
			MaxDueLimit:      cfg.Review.MaxDueLimit,
			DefaultListLimit: cfg.Review.DefaultListLimit,
			MaxListLimit:     cfg.Review.MaxListLimit,
		}),
	)
	return &app{cfg: cfg, logger: logger, store: store, svc: svc}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close storage", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func openStorage(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "file":
		fs := storage.NewFileStorage(cfg.Path, logger)
		if err := fs.Load(); err != nil {
			return nil, fmt.Errorf("load %s: %w", cfg.Path, err)
		}
		return fs, nil
	case "sqlite":
		return storage.OpenSQL(ctx, storage.DialectSQLite, storage.SQLiteDSN(cfg.Path), logger)
	case "postgres":
		return storage.OpenSQL(ctx, storage.DialectPostgres, cfg.DSN, logger)
	default:
		return nil, errors.New("unknown storage driver " + cfg.Driver)
	}
}
