package main

import (
	"context"
	"database/sql"
	"encoding/json"
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
	"github.com/sagaops/orchestrator/internal/idempotency"
	"github.com/sagaops/orchestrator/internal/metrics"
	"github.com/sagaops/orchestrator/internal/outbox"
	"github.com/sagaops/orchestrator/internal/repository"
	"github.com/sagaops/orchestrator/internal/resilience"
	"github.com/sagaops/orchestrator/internal/saga"
	"github.com/sagaops/orchestrator/internal/sagas"
	sagaerrors "github.com/sagaops/orchestrator/pkg/errors"
	"github.com/sagaops/orchestrator/pkg/health"
	"github.com/sagaops/orchestrator/pkg/logger"
	redispkg "github.com/sagaops/orchestrator/pkg/redis"
	"github.com/sagaops/orchestrator/pkg/snowflake"
	"github.com/sagaops/orchestrator/pkg/tracing"
)

func main() {
	cfg := config.Load()
	log.Printf("Starting %s...", cfg.ServiceName)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	appLog := logger.New(cfg.ServiceName, os.Stdout)

	traceShutdown, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer traceShutdown(context.Background())

	idgen, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		log.Fatalf("Failed to init snowflake: %v", err)
	}

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	dbPingCtx, dbPingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dbPingCancel()
	if err := db.PingContext(dbPingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Printf("Connected to PostgreSQL")

	// 连接 Redis
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

	// 装配核心组件
	breakers := resilience.NewBreakerGroup(resilience.BreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		FailureWindow:    cfg.BreakerWindow,
		Cooldown:         cfg.BreakerCooldown,
	})
	executor := resilience.NewExecutor(breakers, appLog, m)

	sagaRepo := repository.NewSagaRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)

	registry := saga.NewRegistry()
	registry.SetDefaultPolicy(resilience.Policy{
		MaxAttempts: cfg.StepMaxAttempts,
		BackoffBase: cfg.StepBackoffBase,
		BackoffCap:  cfg.StepBackoffCap,
		Timeout:     cfg.StepTimeout,
	})
	if err := registerSagas(registry, cfg); err != nil {
		log.Fatalf("Failed to register sagas: %v", err)
	}
	log.Printf("Registered saga types: %v", registry.Types())

	orch := saga.NewOrchestrator(registry, sagaRepo, executor, idgen, appLog, m)

	runner := saga.NewRunner(orch, sagaRepo, saga.RunnerConfig{
		SweepInterval: cfg.SweepInterval,
		Lease:         cfg.SagaLease,
		Concurrency:   cfg.Concurrency,
	}, appLog, m)

	idemStore := idempotency.NewStore(redisClient, idempotency.Config{
		LockTTL:   cfg.IdempotencyLockTTL,
		Retention: cfg.IdempotencyRetention,
	}, m)

	publisher := bus.NewStreamPublisher(redisClient)
	relay := outbox.NewRelay(outboxRepo, publisher, outbox.RelayConfig{
		Topic:        cfg.EventTopic,
		BatchSize:    cfg.RelayBatchSize,
		PollInterval: cfg.RelayPollInterval,
		FlagAfter:    cfg.RelayFlagAfter,
		Retention:    cfg.OutboxRetention,
	}, appLog, m)

	// 定时清理已发布事件
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

	// 健康检查
	h := health.New()
	h.Register(health.NewPostgresChecker(db))
	h.Register(health.NewRedisChecker(redisPinger{client: redisClient}))
	h.Register(health.NewLoopChecker("outbox-relay", &relay.Monitor, 3*cfg.RelayPollInterval))
	h.Register(health.NewLoopChecker("recovery-sweep", &runner.Monitor, 3*cfg.SweepInterval))

	// 后台循环
	go func() {
		if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
			appLog.WithError(err).Error("outbox relay stopped")
			cancel()
		}
	}()
	go func() {
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			appLog.WithError(err).Error("saga runner stopped")
			cancel()
		}
	}()

	// HTTP：健康检查、指标与诊断
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.LiveHandler())
	mux.HandleFunc("/readyz", h.ReadyHandler())
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/diagnostics", diagnosticsHandler(orch, relay, sagaRepo))
	mux.HandleFunc("/v1/saga", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handleStartSaga(w, r, orch, idemStore)
		case http.MethodGet:
			handleGetSaga(w, r, orch)
		case http.MethodDelete:
			handleCancelSaga(w, r, orch)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: tracing.HTTPMiddleware(mux),
	}
	go func() {
		log.Printf("HTTP listening on :%d", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	h.SetReady(true)
	log.Printf("%s started", cfg.ServiceName)

	// 优雅退出
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

// registerSagas 注册本服务承载的 saga 定义
func registerSagas(registry *saga.Registry, cfg *config.Config) error {
	return registry.Register(sagas.OrderFulfillment(sagas.OrderConfig{
		InventoryURL: cfg.InventoryURL,
		PaymentURL:   cfg.PaymentURL,
		ShipmentURL:  cfg.ShipmentURL,
	}))
}

// StartSagaRequest 启动请求体
type StartSagaRequest struct {
	SagaType string                 `json:"sagaType"`
	Context  map[string]interface{} `json:"context"`
}

// 启动 saga。重复提交靠 Idempotency-Key 去重：同 key 在保留期内只执行一次，
// 重放请求直接拿到首次执行的结果。
func handleStartSaga(w http.ResponseWriter, r *http.Request, orch *saga.Orchestrator, idem *idempotency.Store) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		http.Error(w, "Idempotency-Key header required", http.StatusBadRequest)
		return
	}

	var req StartSagaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.SagaType == "" {
		http.Error(w, "sagaType required", http.StatusBadRequest)
		return
	}

	out, cached, err := idem.Execute(r.Context(), key, func(ctx context.Context) ([]byte, error) {
		sagaID, startErr := orch.Start(ctx, req.SagaType, req.Context)
		if startErr != nil {
			return nil, startErr
		}
		return json.Marshal(map[string]string{"sagaId": sagaID})
	}, true)
	if err != nil {
		switch sagaerrors.CodeOf(err) {
		case sagaerrors.CodeDuplicateInProgress:
			http.Error(w, err.Error(), http.StatusConflict)
		case sagaerrors.CodeInvalidSagaDefinition:
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if cached {
		w.Header().Set("Idempotent-Replay", "true")
	}
	w.Write(out)
}

func handleGetSaga(w http.ResponseWriter, r *http.Request, orch *saga.Orchestrator) {
	sagaID := r.URL.Query().Get("sagaId")
	if sagaID == "" {
		http.Error(w, "sagaId required", http.StatusBadRequest)
		return
	}

	inst, err := orch.Get(r.Context(), sagaID)
	if err != nil {
		if sagaerrors.CodeOf(err) == sagaerrors.CodeSagaNotFound {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(inst)
}

func handleCancelSaga(w http.ResponseWriter, r *http.Request, orch *saga.Orchestrator) {
	sagaID := r.URL.Query().Get("sagaId")
	if sagaID == "" {
		http.Error(w, "sagaId required", http.StatusBadRequest)
		return
	}

	if err := orch.Cancel(r.Context(), sagaID); err != nil {
		switch sagaerrors.CodeOf(err) {
		case sagaerrors.CodeSagaNotFound:
			http.Error(w, err.Error(), http.StatusNotFound)
		case sagaerrors.CodeInvalidState:
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type redisPinger struct {
	client *redispkg.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.PingCtx(ctx)
}

// diagnosticsHandler 只读诊断：熔断器状态、发件箱滞留、各状态 saga 数
func diagnosticsHandler(orch *saga.Orchestrator, relay *outbox.Relay, repo *repository.SagaRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		lag, err := relay.Lag(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		counts, err := repo.CountByStatus(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"breakers":         orch.BreakerSnapshots(),
			"outboxLagSeconds": lag.Seconds(),
			"sagasByStatus":    counts,
		})
	}
}
