package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/flagforge/evalservice/internal/config"
	"github.com/flagforge/evalservice/internal/evalcache"
	"github.com/flagforge/evalservice/internal/evaluator"
	"github.com/flagforge/evalservice/internal/eventbus"
	"github.com/flagforge/evalservice/internal/httpapi"
	"github.com/flagforge/evalservice/internal/infra"
	"github.com/flagforge/evalservice/internal/metrics"
	"github.com/flagforge/evalservice/internal/ratelimit"
	"github.com/flagforge/evalservice/internal/store"
	"github.com/flagforge/evalservice/internal/wsgateway"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, relying on process environment")
	}

	cfg := config.Get()
	port := cfg.GetPort()

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	if err := db.Ping(); err != nil {
		log.Fatalf("ping postgres: %v", err)
	}

	repo := store.NewPostgresRepositoryFromDB(db)

	// Redis is optional — every consumer below falls back to in-process
	// state when it isn't configured or fails to connect.
	var redisAdapter *infra.GoRedisAdapter
	if cfg.Redis.Addr != "" {
		adapter, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Warn("redis connection failed, falling back to in-memory caches", "error", err)
		} else {
			redisAdapter = adapter
			defer redisAdapter.Close()
		}
	}

	// Change bus — Kafka-backed when enabled, in-process otherwise.
	var bus eventbus.Publisher
	var localBus *eventbus.Bus
	if cfg.Kafka.Enabled {
		kafkaBus := eventbus.NewKafkaBus(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafkaBus.Close()
		bus = kafkaBus
		localBus = kafkaBus.Bus
	} else {
		localBus = eventbus.New()
		bus = localBus
	}

	definitionOpts := []store.Option{
		store.WithTTLs(cfg.Cache.DefinitionHitTTL(), cfg.Cache.DefinitionNegTTL()),
	}
	resultOpts := []evalcache.Option{
		evalcache.WithTTL(cfg.Cache.ResultTTL()),
	}
	if redisAdapter != nil {
		definitionOpts = append(definitionOpts, store.WithRedis(redisAdapter))
		resultOpts = append(resultOpts, evalcache.WithRedis(redisAdapter))
	}

	definitions := store.NewDefinitionStore(repo, bus, definitionOpts...)
	results := evalcache.New(resultOpts...)

	metricsCh := make(chan evaluator.MetricEvent, 1024)
	eval := evaluator.New(definitions, results, metricsCh)

	prom := metrics.NewPromMetrics()
	agg := metrics.NewAggregator(db, prom, cfg.Metrics.PeriodWidth())

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()
	go agg.Consume(shutdownCtx, metricsCh)
	if err := agg.Start(cfg.Metrics.FlushInterval()); err != nil {
		log.Fatalf("start metrics aggregator: %v", err)
	}
	defer agg.Stop()

	stopInvalidation := results.SubscribeInvalidation(localBus)
	defer stopInvalidation()

	hub := wsgateway.NewHub(localBus)

	limiterOpts := []ratelimit.Option{ratelimit.WithWindow(cfg.RateLimit.Window(), cfg.RateLimit.Limit)}
	if redisAdapter != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithRedis(redisAdapter))
	}
	limiter := ratelimit.New(limiterOpts...)

	srv := httpapi.NewServer(eval, agg, hub, limiter, db)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.NewRouter(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("received shutdown signal, draining in-flight requests")
		shutdownCancel()

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if err := agg.Flush(context.Background()); err != nil {
			slog.Error("final metrics flush failed", "error", err)
		}
	}()

	slog.Info("flagforge evaluation service starting", "port", port, "env", cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed to start: %v", err)
	}
	slog.Info("server stopped")
}
