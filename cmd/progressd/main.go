// Package main wires together the progress service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/linkkeep/progress-stream/internal/api"
	"github.com/linkkeep/progress-stream/internal/broker"
	brokermemory "github.com/linkkeep/progress-stream/internal/broker/memory"
	brokerredis "github.com/linkkeep/progress-stream/internal/broker/redis"
	"github.com/linkkeep/progress-stream/internal/clock/system"
	"github.com/linkkeep/progress-stream/internal/config"
	"github.com/linkkeep/progress-stream/internal/dispatcher"
	"github.com/linkkeep/progress-stream/internal/gateway"
	"github.com/linkkeep/progress-stream/internal/id/uuid"
	"github.com/linkkeep/progress-stream/internal/logging"
	"github.com/linkkeep/progress-stream/internal/metrics"
	"github.com/linkkeep/progress-stream/internal/orchestrator"
	"github.com/linkkeep/progress-stream/internal/publisher"
	schedmemory "github.com/linkkeep/progress-stream/internal/scheduler/memory"
	"github.com/linkkeep/progress-stream/internal/store"
	storememory "github.com/linkkeep/progress-stream/internal/store/memory"
	storepostgres "github.com/linkkeep/progress-stream/internal/store/postgres"
	"github.com/linkkeep/progress-stream/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := system.New()
	idGen := uuid.New()

	var (
		jobs   store.JobStore
		events store.EventStore
	)
	if cfg.DB.DSN != "" {
		pool, poolErr := storepostgres.NewPool(ctx, storepostgres.PoolConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxOpenConns),
		})
		if poolErr != nil {
			logger.Fatal("postgres init failed", zap.Error(poolErr))
		}
		defer pool.Close()
		jobs, err = storepostgres.NewJobStore(pool)
		if err != nil {
			logger.Fatal("job store init failed", zap.Error(err))
		}
		events, err = storepostgres.NewEventStore(pool)
		if err != nil {
			logger.Fatal("event store init failed", zap.Error(err))
		}
	} else {
		logger.Warn("db.dsn empty, using in-memory stores")
		jobs = storememory.NewJobStore()
		events = storememory.NewEventStore()
	}

	var liveBroker broker.Broker
	switch cfg.Broker.Kind {
	case "redis":
		redisBroker, brokerErr := brokerredis.New(ctx, brokerredis.Config{
			Addr:      cfg.Broker.RedisAddr,
			DB:        cfg.Broker.RedisDB,
			SubBuffer: cfg.Broker.SubBuffer,
			Logger:    logging.Component(logger, "broker"),
		})
		if brokerErr != nil {
			logger.Fatal("redis broker init failed", zap.Error(brokerErr))
		}
		liveBroker = redisBroker
	default:
		liveBroker = brokermemory.New(brokermemory.Config{
			SubBuffer: cfg.Broker.SubBuffer,
			Logger:    logging.Component(logger, "broker"),
		})
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if closeErr := liveBroker.Close(closeCtx); closeErr != nil {
			logger.Error("broker close failed", zap.Error(closeErr))
		}
	}()

	pub := publisher.New(liveBroker, events, jobs, clk, publisher.Config{
		ThrottleInterval: cfg.ThrottleInterval(),
		ThrottlePercent:  cfg.Publish.ThrottlePercent,
		PublishTimeout:   cfg.PublishTimeout(),
		AppendTimeout:    cfg.AppendTimeout(),
		CriticalRetries:  uint(cfg.Publish.CriticalRetries),
		RetryDelay:       cfg.RetryDelay(),
	}, logging.Component(logger, "publisher"))

	queue := schedmemory.NewQueue(cfg.Workers.QueueDepth)
	orch := orchestrator.New(jobs, pub, queue, idGen, clk, logging.Component(logger, "orchestrator"))

	workers := make([]*worker.Worker, 0, cfg.Workers.Concurrency)
	for i := 0; i < cfg.Workers.Concurrency; i++ {
		workers = append(workers, worker.New(
			queue,
			worker.NoopProcessor{},
			orch,
			logging.Component(logger, "worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(workers)

	gw := gateway.New(liveBroker, clk, gateway.Config{
		Heartbeat: cfg.GatewayHeartbeat(),
	}, logging.Component(logger, "gateway"))

	apiCfg := api.Config{RequestTimeout: cfg.ServerTimeout()}
	if cfg.Auth.Enabled {
		apiCfg.APIKey = cfg.Auth.APIKey
	}
	apiServer := api.NewServer(orch, jobs, events, gw, apiCfg, logging.Component(logger, "api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", cfg.Workers.Concurrency))
		dispatch.Run(ctx)
	}()

	go runRetention(ctx, events, cfg, logging.Component(logger, "retention"))

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	logger.Info("shutdown complete")
}

// runRetention purges expired events on a fixed cadence until the
// context finishes.
func runRetention(ctx context.Context, events store.EventStore, cfg config.Config, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.RetentionInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-cfg.RetentionMaxAge())
			purgeCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := events.Purge(purgeCtx, cutoff)
			cancel()
			if err != nil {
				logger.Error("purge failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("purged expired events", zap.Int64("removed", removed))
			}
		}
	}
}
