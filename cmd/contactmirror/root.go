package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/contactmirror/contactmirror/internal/amocrm"
	"github.com/contactmirror/contactmirror/internal/api"
	"github.com/contactmirror/contactmirror/internal/config"
	"github.com/contactmirror/contactmirror/internal/google"
	"github.com/contactmirror/contactmirror/internal/store"
	syncpkg "github.com/contactmirror/contactmirror/internal/sync"
	"github.com/contactmirror/contactmirror/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

// googleScopes is the consent scope the stored token must carry.
var googleScopes = []string{"https://www.googleapis.com/auth/contacts"}

var rootCmd = &cobra.Command{
	Use:   "contactmirror",
	Short: "ContactMirror - amoCRM to Google Contacts sync service",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	slog.Info("configuration loaded", "version", Version)

	// Store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// Outbound clients
	crm := amocrm.NewClient(amocrm.Config{
		BaseURL:        cfg.Amo.BaseURL,
		AuthMode:       cfg.Amo.AuthMode,
		LongLivedToken: cfg.Amo.LongLivedToken,
		APIKey:         cfg.Amo.APIKey,
	})
	tokens := google.NewStoreTokenProvider(db, cfg.Google.ClientID, cfg.Google.ClientSecret, googleScopes)
	dir := google.NewClient(google.Config{
		Tokens:            tokens,
		RequestsPerMinute: cfg.Google.RequestsPerMinute,
	})
	slog.Info("clients initialized",
		"amo_base_url", cfg.Amo.BaseURL,
		"google_rpm", cfg.Google.RequestsPerMinute)

	// Sync core
	engine := syncpkg.NewEngine(dir, db, syncpkg.EngineConfig{
		GroupName: cfg.Google.GroupName,
		AutoMerge: cfg.Google.AutoMerge,
	}, logger)
	reporter := syncpkg.NewReporter(crm, dir, engine, logger)

	// Queue worker
	pending := worker.New(db, crm, engine, cfg.Worker.BatchSize, logger)

	// HTTP router
	handler := api.NewHandler(db, reporter, engine, dir, pending, api.Config{
		WebhookSecret: cfg.Secrets.Webhook,
		DebugSecret:   cfg.Secrets.Debug,
		GoogleAuthURL: cfg.Google.AuthURL,
	}, logger)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "pending", pending.Run)

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully. Anything else is a real failure.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
