// Package idempotency 幂等执行
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sagaops/orchestrator/internal/metrics"
	sagaerrors "github.com/sagaops/orchestrator/pkg/errors"
)

const (
	statusInProgress = "IN_PROGRESS"
	statusCompleted  = "COMPLETED"
)

// record 存入 Redis 的记录。结果按不透明字节存储（JSON 编码为 base64），
// 不要求 op 的返回值本身是合法 JSON。
type record struct {
	Status      string `json:"status"`
	Result      []byte `json:"result,omitempty"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// Config 幂等存储配置
type Config struct {
	KeyPrefix    string
	LockTTL      time.Duration // in-progress 占位的存活时间，进程崩溃后由它兜底
	Retention    time.Duration // 完成记录保留时长
	WaitTimeout  time.Duration // 等待并发执行完成的上限
	PollInterval time.Duration
}

// DefaultConfig 默认配置。保留时长为策略项，24-48h 之间可调。
var DefaultConfig = Config{
	KeyPrefix:    "saga:idem:",
	LockTTL:      30 * time.Second,
	Retention:    24 * time.Hour,
	WaitTimeout:  2 * time.Second,
	PollInterval: 50 * time.Millisecond,
}

// Operation 被保护的操作，返回可缓存的结果
type Operation func(ctx context.Context) ([]byte, error)

// Store Redis 幂等存储
type Store struct {
	client  redis.Cmdable
	cfg     Config
	metrics *metrics.Metrics
}

// NewStore 创建存储
func NewStore(client redis.Cmdable, cfg Config, m *metrics.Metrics) *Store {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultConfig.KeyPrefix
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig.LockTTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig.Retention
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultConfig.WaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	return &Store{client: client, cfg: cfg, metrics: m}
}

// Execute 以幂等键保护 op 的执行。
// 同一 key 在保留期内最多执行一次；命中缓存时返回 cached=true。
// 并发同 key 调用：wait=true 时短暂等待首个调用完成，否则立刻返回
// DUPLICATE_IN_PROGRESS。进程在执行中崩溃时，占位记录随 LockTTL 过期，
// 后续调用可以重新执行，op 自身必须可安全重跑。
func (s *Store) Execute(ctx context.Context, key string, op Operation, wait bool) (result []byte, cached bool, err error) {
	if key == "" {
		return nil, false, sagaerrors.New(sagaerrors.CodeDuplicateRequest, "idempotency key required")
	}
	redisKey := s.cfg.KeyPrefix + key

	claim := record{
		Status:      statusInProgress,
		CreatedAtMs: time.Now().UnixMilli(),
	}
	claimData, err := json.Marshal(claim)
	if err != nil {
		return nil, false, fmt.Errorf("marshal claim: %w", err)
	}

	// 原子抢占：SET NX + 锁 TTL
	ok, err := s.client.SetNX(ctx, redisKey, string(claimData), s.cfg.LockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim key: %w", err)
	}

	if !ok {
		return s.resolveExisting(ctx, redisKey, wait)
	}

	out, opErr := op(ctx)
	if opErr != nil {
		// 未产生结果，释放占位让后续调用重试
		if delErr := s.client.Del(ctx, redisKey).Err(); delErr != nil {
			return nil, false, fmt.Errorf("release claim after failure: %v (original: %w)", delErr, opErr)
		}
		return nil, false, opErr
	}

	done := record{
		Status:      statusCompleted,
		Result:      out,
		CreatedAtMs: claim.CreatedAtMs,
	}
	doneData, err := json.Marshal(done)
	if err != nil {
		s.release(ctx, redisKey)
		return nil, false, fmt.Errorf("marshal result: %w", err)
	}
	if err := s.client.Set(ctx, redisKey, string(doneData), s.cfg.Retention).Err(); err != nil {
		// 结果没落下去就不能留着占位，释放后让后续调用重跑
		s.release(ctx, redisKey)
		return nil, false, fmt.Errorf("persist result: %w", err)
	}

	return out, false, nil
}

// release 释放占位，失败时占位随 LockTTL 过期兜底
func (s *Store) release(ctx context.Context, redisKey string) {
	_ = s.client.Del(ctx, redisKey).Err()
}

// resolveExisting 处理已有记录：完成则返回缓存，进行中则按策略等待或拒绝
func (s *Store) resolveExisting(ctx context.Context, redisKey string, wait bool) ([]byte, bool, error) {
	deadline := time.Now().Add(s.cfg.WaitTimeout)

	for {
		data, err := s.client.Get(ctx, redisKey).Bytes()
		if err == redis.Nil {
			// 占位在等待期间过期或被释放
			return nil, false, sagaerrors.ErrDuplicateInProgress
		}
		if err != nil {
			return nil, false, fmt.Errorf("get record: %w", err)
		}

		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, false, fmt.Errorf("unmarshal record: %w", err)
		}

		if rec.Status == statusCompleted {
			if s.metrics != nil {
				s.metrics.IdempotencyHits.Inc()
			}
			return rec.Result, true, nil
		}

		if !wait || time.Now().After(deadline) {
			return nil, false, sagaerrors.ErrDuplicateInProgress
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}
