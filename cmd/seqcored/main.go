// Command seqcored runs the sequencing workflow backend: the HTTP API, the
// intake queue, the cron sweeps, and the notification streams.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"seqcore/internal/api"
	"seqcore/internal/auth"
	"seqcore/internal/blob"
	"seqcore/internal/config"
	"seqcore/internal/core"
	"seqcore/internal/intake"
	"seqcore/internal/logging"
	"seqcore/internal/notify"
	"seqcore/internal/scheduler"
	"seqcore/pkg/domain"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seqcored: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewComponentLogger("seqcored")

	store, err := core.OpenPersistentStore(cfg.Storage, core.DefaultRulesEngine())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	registry := notify.NewRegistry(logging.NewComponentLogger("notify"))
	registry.Start()
	defer registry.Stop()

	// The in-process runner stands in for the bioinformatics pipeline.
	// Production results arrive through the intake queue webhook instead.
	service := core.NewService(store, blobs, &core.MockRunner{},
		core.WithLogger(logging.NewComponentLogger("core")),
		core.WithNotifier(registry),
		core.WithObjectLocation(cfg.Blob.Endpoint, cfg.Blob.Bucket))

	queue := intake.NewQueue(store, cfg.IntakeDelay(), logging.NewComponentLogger("intake"))

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(scheduler.Config{
			QueueSchedule: cfg.Scheduler.QueueSchedule,
			StaleSchedule: cfg.Scheduler.StaleSchedule,
		}, service, logging.NewComponentLogger("scheduler"))
		if err != nil {
			return fmt.Errorf("build scheduler: %w", err)
		}
		sched.Start(ctx)
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return fmt.Errorf("build verifier: %w", err)
	}

	server := api.NewServer(service, queue, registry, verifier, logging.NewComponentLogger("api"))
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: server.Router(cfg.HTTP.CORSOrigins),
		// WriteTimeout stays zero so the SSE stream is never cut mid-flight.
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown: %v", err)
	}
	if sched != nil {
		sched.Stop()
	}
	service.WaitForPipelines()
	return nil
}

func openBlobs(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Blob.Driver {
	case string(blob.DriverS3):
		return blob.NewS3(ctx, blob.S3Config{
			Region:          cfg.Blob.Region,
			Bucket:          cfg.Blob.Bucket,
			Endpoint:        cfg.Blob.Endpoint,
			AccessKeyID:     cfg.Blob.AccessKey,
			SecretAccessKey: cfg.Blob.SecretKey,
			PathStyle:       cfg.Blob.PathStyle,
		})
	case string(blob.DriverMemory):
		return blob.NewMemory(), nil
	default:
		return blob.NewFilesystem(cfg.Blob.FSRoot)
	}
}

// buildVerifier selects the token verifier. The static mode exists for
// development and smoke tests; the token comes from the environment so it
// never lands in a config file.
func buildVerifier(cfg *config.Config) (auth.Verifier, error) {
	switch cfg.Auth.Mode {
	case "http":
		return auth.NewHTTPVerifier(cfg.Auth.Endpoint, cfg.AuthTimeout()), nil
	case "static", "":
		token := os.Getenv("SEQCORE_AUTH_STATIC_TOKEN")
		if token == "" {
			token = "dev-token"
		}
		return auth.NewStaticVerifier(map[string]domain.User{
			token: {
				ID:   "dev-admin",
				Name: "Development Admin",
				Roles: []domain.Role{
					{ID: "1", Name: "admin", Code: auth.RoleAdmin},
				},
			},
		}), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
}
