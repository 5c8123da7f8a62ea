package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/tablerelay/internal/blob"
	"github.com/agentworkforce/tablerelay/internal/cache"
	"github.com/agentworkforce/tablerelay/internal/cluster"
	"github.com/agentworkforce/tablerelay/internal/config"
	"github.com/agentworkforce/tablerelay/internal/engine"
	"github.com/agentworkforce/tablerelay/internal/httpapi"
	"github.com/agentworkforce/tablerelay/internal/ledger"
	"github.com/agentworkforce/tablerelay/internal/logging"
	"github.com/agentworkforce/tablerelay/internal/model"
	"github.com/agentworkforce/tablerelay/internal/pipeline"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", envOrDefault("TABLERELAY_CONFIG", "tablerelay.yaml"), "configuration file")
	flag.Parse()

	logging.Setup(logging.OptionsFromEnv())
	logger := logging.Component("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *configPath).Msg("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	newClient := func(uri string) (engine.Client, error) {
		return engine.NewHTTPClient(uri, cfg.EngineOptions())
	}
	err = run(ctx, *configPath, cfg, newClient, nil)
	switch {
	case err == nil:
		logger.Info().Msg("all activities completed")
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		logger.Info().Msg("stopped")
	case pipeline.IsFatal(err):
		logger.Fatal().Err(err).Msg("replication halted; fix the cause and restart to resume")
	default:
		logger.Fatal().Err(err).Msg("tablerelay failed")
	}
}

// run wires the process together and blocks until the pipeline finishes,
// fails or ctx ends. ready, when set, receives the status server address
// once it is listening.
func run(ctx context.Context, configPath string, cfg *config.Config, newClient cluster.ClientFactory, ready chan<- string) error {
	logger := logging.Component("main")

	activities, err := cfg.ModelActivities()
	if err != nil {
		return err
	}

	store, err := blob.Open(ctx, cfg.Ledger)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer store.Close()

	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	led, err := ledger.Open(ctx, store, ledger.Options{
		Name:    cfg.LedgerName,
		Archive: true,
		OnLeaseLost: func(err error) {
			abort(fmt.Errorf("ledger lease lost: %w", err))
		},
		Logger: logging.Component("ledger"),
	})
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := led.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("ledger close failed")
		}
	}()

	c, err := replay(ctx, led)
	if err != nil {
		return err
	}
	logger.Info().Int("activities", len(c.Activities())).Uint64("version", c.Version()).Msg("ledger replayed")

	var staging blob.Store
	if len(cfg.StorageRoots) == 0 {
		staging, err = blob.Open(ctx, cfg.Staging)
		if err != nil {
			return fmt.Errorf("open staging store: %w", err)
		}
		defer staging.Close()
	}

	registry := cluster.NewRegistry(cfg.RegistryOptions(newClient, logging.Component("cluster")))
	defer registry.Close()

	p := pipeline.New(led, c, registry, cfg.PipelineSettings(staging), logging.Component("pipeline"))

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	server := &http.Server{
		Handler: httpapi.NewServerWithConfig(c, httpapi.ServerConfig{
			Token:  cfg.APIToken,
			Logger: logging.Component("httpapi"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info().Str("addr", listener.Addr().String()).Msg("status server listening")
	if ready != nil {
		ready <- listener.Addr().String()
	}

	runCtx, stopAll := context.WithCancel(ctx)
	defer stopAll()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	reload := make(chan []model.Activity, 1)
	g.Go(func() error {
		return config.Watch(gctx, configPath, logging.Component("config"), func(next *config.Config) {
			desired, err := next.ModelActivities()
			if err != nil {
				logger.Error().Err(err).Msg("reloaded activities rejected")
				return
			}
			select {
			case reload <- desired:
			case <-gctx.Done():
			}
		})
	})
	g.Go(func() error {
		// The pipeline finishing ends the process.
		defer stopAll()
		return p.Run(gctx, activities, reload)
	})

	err = g.Wait()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}

// replay loads the ledger into a fresh cache and attaches it, so every later
// append reaches the cache.
func replay(ctx context.Context, led *ledger.Ledger) (*cache.Cache, error) {
	records, err := led.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	c := cache.New()
	for i, rec := range records {
		if err := c.Apply(rec); err != nil {
			return nil, fmt.Errorf("replay ledger record %d: %w", i+1, err)
		}
	}
	led.Attach(c)
	return c, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
