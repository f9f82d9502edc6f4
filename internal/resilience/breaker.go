// Package resilience 步骤执行的重试、超时与熔断
package resilience

import (
	"sync"
	"time"

	sagaerrors "github.com/sagaops/orchestrator/pkg/errors"
)

// BreakerState 熔断器状态
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	FailureThreshold int           // 连续失败阈值
	FailureWindow    time.Duration // 失败计数窗口
	Cooldown         time.Duration // 打开后的冷却时间
}

// DefaultBreakerConfig 默认配置
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	FailureWindow:    30 * time.Second,
	Cooldown:         15 * time.Second,
}

// Breaker 单个依赖的熔断器。
// 多个并发 saga 会同时命中同一个依赖的熔断器，所有状态变更都在锁内完成。
type Breaker struct {
	mu sync.Mutex

	name string
	cfg  BreakerConfig

	state         BreakerState
	failures      int
	windowStart   time.Time
	lastFailure   time.Time
	openUntil     time.Time
	trialInFlight bool
}

// NewBreaker 创建熔断器
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultBreakerConfig.FailureWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig.Cooldown
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: BreakerClosed,
	}
}

// Allow 判断是否放行本次调用。
// Open 状态且冷却未到时返回 CIRCUIT_OPEN；冷却到期后转入 HalfOpen，
// 只放行一个试探调用，其余调用仍被拒绝。
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if now.Before(b.openUntil) {
			return sagaerrors.Newf(sagaerrors.CodeCircuitOpen,
				"dependency %q short-circuited until %s", b.name, b.openUntil.Format(time.RFC3339))
		}
		b.state = BreakerHalfOpen
		b.trialInFlight = true
		return nil
	case BreakerHalfOpen:
		if b.trialInFlight {
			return sagaerrors.Newf(sagaerrors.CodeCircuitOpen,
				"dependency %q half-open, trial call in flight", b.name)
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// OnSuccess 记录一次成功调用
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialInFlight = false
	b.toClosed()
}

// OnFailure 记录一次失败调用
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastFailure = now

	if b.state == BreakerHalfOpen {
		// 试探失败，重新打开并重置冷却
		b.trialInFlight = false
		b.toOpen(now)
		return
	}

	// 窗口过期则重新计数
	if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.cfg.FailureWindow {
		b.windowStart = now
		b.failures = 0
	}
	b.failures++

	if b.failures >= b.cfg.FailureThreshold {
		b.toOpen(now)
	}
}

func (b *Breaker) toOpen(now time.Time) {
	b.state = BreakerOpen
	b.openUntil = now.Add(b.cfg.Cooldown)
}

// toClosed 进入 Closed 时计数器归零
func (b *Breaker) toClosed() {
	b.state = BreakerClosed
	b.failures = 0
	b.windowStart = time.Time{}
}

// BreakerSnapshot 只读状态，用于诊断
type BreakerSnapshot struct {
	Dependency  string       `json:"dependency"`
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"lastFailure"`
	OpenUntil   time.Time    `json:"openUntil"`
}

// Snapshot 导出当前状态
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerSnapshot{
		Dependency:  b.name,
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		OpenUntil:   b.openUntil,
	}
}

// BreakerGroup 按依赖名管理熔断器
type BreakerGroup struct {
	mu       sync.RWMutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerGroup 创建分组
func NewBreakerGroup(cfg BreakerConfig) *BreakerGroup {
	return &BreakerGroup{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get 获取依赖的熔断器，不存在则创建
func (g *BreakerGroup) Get(dependency string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[dependency]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[dependency]; ok {
		return b
	}
	b = NewBreaker(dependency, g.cfg)
	g.breakers[dependency] = b
	return b
}

// Snapshots 导出所有熔断器状态
func (g *BreakerGroup) Snapshots() []BreakerSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]BreakerSnapshot, 0, len(g.breakers))
	for _, b := range g.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
