package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/terra-clan/research-engine/internal/api"
	"github.com/terra-clan/research-engine/internal/cleanup"
	"github.com/terra-clan/research-engine/internal/config"
	"github.com/terra-clan/research-engine/internal/persistence"
	"github.com/terra-clan/research-engine/internal/session"
	"github.com/terra-clan/research-engine/internal/submit"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Run the HTTP and WebSocket API",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts, os.Stdout)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting research-engine",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"database", cfg.Database.Driver,
		"cache", cfg.Cache.Driver,
	)

	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	defer initCancel()

	b := newBackends()
	defer b.Close()

	if err := b.openRepository(initCtx, cfg.Database, true); err != nil {
		return err
	}
	if err := b.openCache(initCtx, cfg); err != nil {
		return err
	}

	studies, err := loadStudy(cfg.Study.File)
	if err != nil {
		return err
	}

	store := persistence.NewService(b.repo, studies)
	clock := clockwork.NewRealClock()

	recorder := submit.NewRecorder(b.cache, newPipeline(cfg.Submission, store), clock)
	hub := session.NewHub()
	manager := session.NewManager(studies,
		session.WithClock(clock),
		session.WithObserver(hub),
		session.WithObserver(recorder),
	)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	reaper := cleanup.NewReaper(manager, cfg.Cleanup.Interval, cfg.Cleanup.SessionIdleTTL, clock)
	reaper.Start(workerCtx)

	server := api.NewServer(cfg.Server, api.Services{
		Sessions:    manager,
		Hub:         hub,
		Recorder:    recorder,
		Persistence: store,
		Studies:     studies,
		Health:      b.checks,
	})
	httpServer := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     server.Router(),
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays unset: it would cut long-lived session streams.
		IdleTimeout: 60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down gracefully...")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	cancelWorkers()
	<-reaper.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Unsaved results stay in the cache for the flush command.
	manager.Close()
	recorder.Close()

	slog.Info("research-engine stopped")
	return nil
}
