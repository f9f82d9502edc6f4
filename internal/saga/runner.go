package saga

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sagaops/orchestrator/internal/metrics"
	sagaerrors "github.com/sagaops/orchestrator/pkg/errors"
	"github.com/sagaops/orchestrator/pkg/health"
	"github.com/sagaops/orchestrator/pkg/logger"
)

// RunnerConfig 恢复扫描配置
type RunnerConfig struct {
	SweepInterval time.Duration // 扫描周期
	Lease         time.Duration // 超过该时长未更新的非终态实例视为失主
	Concurrency   int           // 并行恢复的实例上限
	BatchSize     int
}

// DefaultRunnerConfig 默认配置
var DefaultRunnerConfig = RunnerConfig{
	SweepInterval: 5 * time.Second,
	Lease:         30 * time.Second,
	Concurrency:   16,
	BatchSize:     64,
}

// Runner 周期扫描失主的非终态 saga 并恢复执行（崩溃恢复）。
// 每个实例独立 goroutine，实例内部仍然严格串行。
type Runner struct {
	orch    *Orchestrator
	store   Store
	cfg     RunnerConfig
	log     *logger.Logger
	metrics *metrics.Metrics
	Monitor health.LoopMonitor

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewRunner 创建 runner
func NewRunner(orch *Orchestrator, store Store, cfg RunnerConfig, log *logger.Logger, m *metrics.Metrics) *Runner {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultRunnerConfig.SweepInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultRunnerConfig.Lease
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultRunnerConfig.Concurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRunnerConfig.BatchSize
	}
	return &Runner{
		orch:     orch,
		store:    store,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		inFlight: make(map[string]bool),
	}
}

// Run 扫描循环，直到 ctx 取消
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(r.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			// 等在途恢复收尾
			_ = g.Wait()
			return ctx.Err()
		case <-ticker.C:
		}

		r.Monitor.Tick()
		if err := r.Sweep(gctx, g); err != nil {
			r.Monitor.SetError(err)
			if r.log != nil {
				r.log.WithError(err).Error("recovery sweep failed")
			}
		}
		r.refreshGauges(ctx)
	}
}

// Sweep 单轮扫描：捞出失主实例并提交恢复任务
func (r *Runner) Sweep(ctx context.Context, g *errgroup.Group) error {
	staleBefore := time.Now().Add(-r.cfg.Lease).UnixMilli()
	ids, err := r.store.ListResumable(ctx, staleBefore, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if !r.claim(id) {
			continue
		}
		id := id
		g.Go(func() error {
			defer r.release(id)
			if err := r.orch.Resume(ctx, id); err != nil {
				// 乐观锁冲突说明别的实例已接手，不算失败
				if sagaerrors.CodeOf(err) == sagaerrors.CodeConcurrencyConflict {
					return nil
				}
				if r.log != nil {
					r.log.WithError(err).Errorf("saga resume failed", map[string]interface{}{
						"sagaID": id,
					})
				}
			}
			return nil
		})
	}
	return nil
}

func (r *Runner) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[id] {
		return false
	}
	r.inFlight[id] = true
	return true
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	delete(r.inFlight, id)
	r.mu.Unlock()
}

// refreshGauges 更新各状态实例数
func (r *Runner) refreshGauges(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	counts, err := r.store.CountByStatus(ctx)
	if err != nil {
		return
	}
	for _, status := range []Status{
		StatusPending, StatusRunning, StatusCompleted,
		StatusCompensating, StatusCompensated, StatusCompensationFailed, StatusCancelled,
	} {
		r.metrics.SagasByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
