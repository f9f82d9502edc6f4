package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/sagaops/orchestrator/internal/bus"
	"github.com/sagaops/orchestrator/internal/config"
	"github.com/sagaops/orchestrator/internal/metrics"
	"github.com/sagaops/orchestrator/internal/outbox"
	"github.com/sagaops/orchestrator/internal/repository"
	"github.com/sagaops/orchestrator/pkg/health"
	"github.com/sagaops/orchestrator/pkg/logger"
	redispkg "github.com/sagaops/orchestrator/pkg/redis"
	"github.com/sagaops/orchestrator/pkg/tracing"
)

// 独立 relay 进程：只负责把发件箱事件投递到事件总线。
// 编排与 relay 可以分开扩缩容，崩溃重启后从未发布事件继续。
func main() {
	cfg := config.Load()
	log.Printf("Starting %s-relay...", cfg.ServiceName)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	appLog := logger.New(cfg.ServiceName+"-relay", os.Stdout)

	traceShutdown, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName + "-relay",
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer traceShutdown(context.Background())

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)

	dbPingCtx, dbPingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dbPingCancel()
	if err := db.PingContext(dbPingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Printf("Connected to PostgreSQL")

	redisCfg := redispkg.DefaultConfig
	redisCfg.Addr = cfg.RedisAddr
	redisCfg.Password = cfg.RedisPassword
	redisClient, err := redispkg.NewClient(&redisCfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Printf("Connected to Redis")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewDefault()
	outboxRepo := repository.NewOutboxRepository(db)
	publisher := bus.NewStreamPublisher(redisClient)
	relay := outbox.NewRelay(outboxRepo, publisher, outbox.RelayConfig{
		Topic:        cfg.EventTopic,
		BatchSize:    cfg.RelayBatchSize,
		PollInterval: cfg.RelayPollInterval,
		FlagAfter:    cfg.RelayFlagAfter,
		Retention:    cfg.OutboxRetention,
	}, appLog, m)

	purger := cron.New()
	if _, err := purger.AddFunc(cfg.PurgeSchedule, func() {
		purgeCtx, purgeCancel := context.WithTimeout(ctx, time.Minute)
		defer purgeCancel()
		if _, err := relay.PurgePublished(purgeCtx); err != nil {
			appLog.WithError(err).Error("outbox purge failed")
		}
	}); err != nil {
		log.Fatalf("Invalid PURGE_SCHEDULE: %v", err)
	}
	purger.Start()
	defer purger.Stop()

	h := health.New()
	h.Register(health.NewPostgresChecker(db))
	h.Register(health.NewRedisChecker(redisPinger{client: redisClient}))
	h.Register(health.NewLoopChecker("outbox-relay", &relay.Monitor, 3*cfg.RelayPollInterval))

	go func() {
		if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
			appLog.WithError(err).Error("outbox relay stopped")
			cancel()
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.LiveHandler())
	mux.HandleFunc("/readyz", h.ReadyHandler())
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: mux,
	}
	go func() {
		log.Printf("HTTP listening on :%d", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	h.SetReady(true)
	log.Printf("%s-relay started", cfg.ServiceName)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("Shutting down...")

	h.SetReady(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	log.Printf("Bye")
}

type redisPinger struct {
	client *redispkg.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.PingCtx(ctx)
}
