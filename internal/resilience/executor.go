package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/sagaops/orchestrator/internal/metrics"
	sagaerrors "github.com/sagaops/orchestrator/pkg/errors"
	"github.com/sagaops/orchestrator/pkg/logger"
)

// Action 被保护的调用
type Action func(ctx context.Context) error

// Policy 单次执行策略。数值均为配置项，没有固定契约。
type Policy struct {
	MaxAttempts        int           // 总尝试次数（含首次）
	BackoffBase        time.Duration // 指数退避基值
	BackoffCap         time.Duration // 退避上限
	Jitter             time.Duration // 随机抖动上限
	Timeout            time.Duration // 单次调用超时，0 表示不限制
	TimeoutIsPermanent bool          // 超时按永久失败处理
}

// DefaultPolicy 默认策略
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BackoffBase: 100 * time.Millisecond,
	BackoffCap:  5 * time.Second,
	Jitter:      100 * time.Millisecond,
	Timeout:     10 * time.Second,
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = DefaultPolicy.BackoffBase
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = DefaultPolicy.BackoffCap
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Executor 带超时、重试与熔断的执行器。
// 组合顺序：超时 → 重试（指数退避+抖动）→ 熔断 → 调用。
type Executor struct {
	breakers *BreakerGroup
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// NewExecutor 创建执行器
func NewExecutor(breakers *BreakerGroup, log *logger.Logger, m *metrics.Metrics) *Executor {
	if breakers == nil {
		breakers = NewBreakerGroup(DefaultBreakerConfig)
	}
	return &Executor{breakers: breakers, log: log, metrics: m}
}

// Breakers 返回熔断器分组（诊断用）
func (e *Executor) Breakers() *BreakerGroup {
	return e.breakers
}

// Execute 执行受保护的调用。
// 只有 TRANSIENT（含被归类为瞬时的超时）会被重试；PERMANENT 直接透出；
// 熔断打开时立刻返回 CIRCUIT_OPEN，不调用依赖也不消耗重试次数。
// 重试预算耗尽的瞬时失败在返回前重新归类为 PERMANENT。
func (e *Executor) Execute(ctx context.Context, dependency string, p Policy, action Action) error {
	p = p.normalized()
	br := e.breakers.Get(dependency)

	backoff := retry.NewExponential(p.BackoffBase)
	backoff = retry.WithCappedDuration(p.BackoffCap, backoff)
	if p.Jitter > 0 {
		backoff = retry.WithJitter(p.Jitter, backoff)
	}
	backoff = retry.WithMaxRetries(uint64(p.MaxAttempts-1), backoff)

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		if openErr := br.Allow(); openErr != nil {
			e.observe(dependency, "circuit_open")
			return openErr // 不可重试，立即透出
		}

		callErr := e.invoke(ctx, p, action)
		if callErr == nil {
			br.OnSuccess()
			e.observe(dependency, "success")
			e.updateBreakerMetric(br)
			return nil
		}

		br.OnFailure()
		e.updateBreakerMetric(br)

		classified := e.classify(p, callErr)
		if e.log != nil {
			e.log.WithError(classified).Warnf("step call failed", map[string]interface{}{
				"dependency": dependency,
				"attempt":    attempt,
				"code":       sagaerrors.CodeOf(classified),
			})
		}

		if sagaerrors.IsRetryable(classified) {
			e.observe(dependency, "transient")
			return retry.RetryableError(classified)
		}
		e.observe(dependency, "permanent")
		return classified
	})
	if err == nil {
		return nil
	}

	// 预算耗尽的瞬时失败向编排层表现为永久失败
	if sagaerrors.CodeOf(err) == sagaerrors.CodeTransient || sagaerrors.CodeOf(err) == sagaerrors.CodeTimeout {
		return sagaerrors.AsPermanent(err)
	}
	return err
}

// invoke 单次调用，必要时附加超时。
// 调用在单独的 goroutine 中执行，卡死的调用被转换为超时错误。
func (e *Executor) invoke(ctx context.Context, p Policy, action Action) error {
	if p.Timeout <= 0 {
		return action(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- action(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return sagaerrors.Wrap(sagaerrors.CodeTimeout, "call deadline exceeded", err)
		}
		return err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return sagaerrors.Wrap(sagaerrors.CodeTimeout, "call timed out", callCtx.Err())
		}
		return callCtx.Err()
	}
}

// classify 把原始错误归入错误分类
func (e *Executor) classify(p Policy, err error) error {
	code := sagaerrors.CodeOf(err)
	switch code {
	case sagaerrors.CodeTimeout:
		if p.TimeoutIsPermanent {
			return sagaerrors.Wrap(sagaerrors.CodePermanent, "timeout treated as permanent", err)
		}
		return err
	case sagaerrors.CodeUnknown:
		// 未分类错误按瞬时处理，交给重试预算兜底
		if sagaerrors.IsRetryable(err) {
			return sagaerrors.Wrap(sagaerrors.CodeTransient, "unclassified failure", err)
		}
		return err
	default:
		return err
	}
}

func (e *Executor) observe(dependency, result string) {
	if e.metrics != nil {
		e.metrics.StepCalls.WithLabelValues(dependency, result).Inc()
	}
}

func (e *Executor) updateBreakerMetric(br *Breaker) {
	if e.metrics == nil {
		return
	}
	snap := br.Snapshot()
	e.metrics.SetBreakerState(snap.Dependency, string(snap.State))
}
