// Command gridsync opens a shared grid document, applies edits read from
// stdin and keeps it synchronized with other clients through the store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/developer-mesh/gridsync/pkg/collaboration"
	"github.com/developer-mesh/gridsync/pkg/collaboration/store"
	"github.com/developer-mesh/gridsync/pkg/config"
	"github.com/developer-mesh/gridsync/pkg/observability"
)

const (
	shutdownTimeout = 10 * time.Second
	drainPoll       = 50 * time.Millisecond
)

// newStore builds the configured store backend, wrapped in a circuit breaker
// when enabled.
func newStore(ctx context.Context, cfg config.StoreConfig, logger observability.Logger) (store.Store, error) {
	var st store.Store
	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("Using the in-process memory store; edits are not shared with other processes", nil)
		st = store.NewMemoryStore()
	case config.BackendRedis:
		redisCfg := cfg.Redis
		rs, err := store.NewRedisStore(ctx, &redisCfg, logger)
		if err != nil {
			return nil, err
		}
		st = rs
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if cfg.Breaker.Enabled {
		st = store.NewBreakerStore(cfg.Backend, st, cfg.Breaker, logger)
	}
	return st, nil
}

// run opens the configured document on st and serves edits from in until
// EOF, quit or ctx cancellation. Local work is saved before it returns.
func run(ctx context.Context, cfg *config.Config, st store.Store, in io.Reader, out io.Writer, logger observability.Logger) error {
	engineCfg := cfg.Engine
	engineCfg.KeyPrefix = cfg.Store.KeyPrefix
	if engineCfg.ClientID == "" {
		engineCfg.ClientID = uuid.New().String()
	}

	metricsClient, registry := newMetrics(cfg.Metrics, engineCfg.ClientID)
	defer metricsClient.Close()

	engine, err := collaboration.NewEngine(engineCfg, st, collaboration.NewGrid(), logger, metricsClient,
		collaboration.WithStatusSink(collaboration.LoggingStatusSink{Logger: logger.WithPrefix("status")}))
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := engine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	mid, err := engine.Open(gctx, cfg.Document.Mid)
	if err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("failed to open document: %w", err)
	}
	readyCtx, ready := context.WithTimeout(gctx, shutdownTimeout)
	err = waitReady(readyCtx, engine, drainPoll)
	ready()
	if err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("failed to load document %s: %w", mid, err)
	}
	fmt.Fprintf(out, "opened %s\n", mid)

	if cfg.HTTP.Enabled {
		server := newHTTPServer(cfg.HTTP, newRouter(engine, registry, cfg.HTTP, cfg.Logging.Level))
		g.Go(func() error {
			logger.Infof("Starting status server on %s", cfg.HTTP.ListenAddress)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()
		if err := readCommands(gctx, engine, in, out); err != nil {
			return err
		}
		drainCtx, done := context.WithTimeout(gctx, shutdownTimeout)
		defer done()
		s, err := drain(drainCtx, engine, drainPoll)
		if err != nil {
			return fmt.Errorf("failed to save document %s: %w", mid, err)
		}
		logger.Info("Document saved", map[string]interface{}{"mid": mid, "last_op_num": s.LastOpNum})
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLoggerFromConfig(cfg.Logging)

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	st, err := newStore(ctx, cfg.Store, logger)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}

	err = run(ctx, cfg, st, os.Stdin, os.Stdout, logger)
	if cerr := st.Close(); cerr != nil {
		logger.Warn("Failed to close store", map[string]interface{}{"error": cerr.Error()})
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if terr := shutdownTracing(flushCtx); terr != nil {
		logger.Warn("Failed to flush traces", map[string]interface{}{"error": terr.Error()})
	}
	cancel()
	if err != nil {
		logger.Errorf("gridsync exited with error: %v", err)
		os.Exit(1)
	}
}
