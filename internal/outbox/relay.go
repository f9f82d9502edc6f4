package outbox

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sagaops/orchestrator/internal/bus"
	"github.com/sagaops/orchestrator/internal/metrics"
	"github.com/sagaops/orchestrator/pkg/health"
	"github.com/sagaops/orchestrator/pkg/logger"
)

// RelayConfig relay 配置
type RelayConfig struct {
	Topic        string
	BatchSize    int
	PollInterval time.Duration
	ErrorBackoff time.Duration // 整批失败后的额外等待
	FlagAfter    int           // 连续失败多少次后告警（仍继续重试）
	Retention    time.Duration // 已发布事件保留时长
}

// DefaultRelayConfig 默认配置
var DefaultRelayConfig = RelayConfig{
	Topic:        "saga:events",
	BatchSize:    100,
	PollInterval: time.Second,
	ErrorBackoff: 5 * time.Second,
	FlagAfter:    10,
	Retention:    24 * time.Hour,
}

// Relay 轮询发件箱并投递到事件总线。
// 崩溃后重启会重新投递已发送但未标记的事件，消费方需按 eventId 去重。
type Relay struct {
	store   Store
	pub     bus.Publisher
	cfg     RelayConfig
	log     *logger.Logger
	metrics *metrics.Metrics
	Monitor health.LoopMonitor
}

// NewRelay 创建 relay
func NewRelay(store Store, pub bus.Publisher, cfg RelayConfig, log *logger.Logger, m *metrics.Metrics) *Relay {
	if cfg.Topic == "" {
		cfg.Topic = DefaultRelayConfig.Topic
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayConfig.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRelayConfig.PollInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultRelayConfig.ErrorBackoff
	}
	if cfg.FlagAfter <= 0 {
		cfg.FlagAfter = DefaultRelayConfig.FlagAfter
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRelayConfig.Retention
	}
	return &Relay{store: store, pub: pub, cfg: cfg, log: log, metrics: m}
}

// PublishPending 发布一批未发布事件，返回成功数。
// 同一聚合内按创建顺序投递；聚合内某个事件失败后，
// 本轮跳过该聚合的后续事件以保持顺序。
func (r *Relay) PublishPending(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = r.cfg.BatchSize
	}

	events, err := r.store.ListUnpublished(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("list unpublished: %w", err)
	}
	if len(events) == 0 {
		r.setLag(0)
		return 0, nil
	}

	published := 0
	failedAggregates := make(map[string]bool)

	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		if failedAggregates[ev.AggregateID] {
			continue
		}

		msgID := strconv.FormatInt(ev.EventID, 10)
		if err := r.pub.Publish(ctx, r.cfg.Topic, msgID, ev.CorrelationID, ev.Payload); err != nil {
			failedAggregates[ev.AggregateID] = true
			r.onPublishFailure(ctx, ev, err)
			continue
		}

		if err := r.store.MarkPublished(ctx, ev.EventID); err != nil {
			// 已投递但标记失败：下一轮会重投，消费方去重兜底
			if r.log != nil {
				r.log.WithError(err).Warnf("mark published failed", map[string]interface{}{
					"eventId": ev.EventID,
				})
			}
			failedAggregates[ev.AggregateID] = true
			continue
		}

		published++
		if r.metrics != nil {
			r.metrics.OutboxPublished.Inc()
		}
	}

	r.refreshLag(ctx)
	return published, nil
}

func (r *Relay) onPublishFailure(ctx context.Context, ev *Event, cause error) {
	if r.metrics != nil {
		r.metrics.OutboxErrors.Inc()
	}
	if err := r.store.MarkFailed(ctx, ev.EventID); err != nil && r.log != nil {
		r.log.WithError(err).Warnf("mark failed failed", map[string]interface{}{
			"eventId": ev.EventID,
		})
	}

	attempts := ev.Attempts + 1
	if attempts >= r.cfg.FlagAfter {
		// 事件永不丢弃，只标记给运维处理，重试继续
		if r.metrics != nil {
			r.metrics.OutboxFlagged.Inc()
		}
		if r.log != nil {
			r.log.WithError(cause).Errorf("outbox event stuck, operator attention required", map[string]interface{}{
				"eventId":     ev.EventID,
				"aggregateId": ev.AggregateID,
				"eventType":   ev.EventType,
				"attempts":    attempts,
			})
		}
		return
	}

	if r.log != nil {
		r.log.WithError(cause).Warnf("outbox publish failed", map[string]interface{}{
			"eventId":  ev.EventID,
			"attempts": attempts,
		})
	}
}

// Run 后台发布循环，直到 ctx 取消
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		r.Monitor.Tick()
		if _, err := r.PublishPending(ctx, r.cfg.BatchSize); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.Monitor.SetError(err)
			if r.log != nil {
				r.log.WithError(err).Error("outbox relay pass failed")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.ErrorBackoff):
			}
		}
	}
}

// PurgePublished 删除保留期之外的已发布事件，由 cron 调度
func (r *Relay) PurgePublished(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-r.cfg.Retention).UnixMilli()
	n, err := r.store.DeletePublishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge published: %w", err)
	}
	if n > 0 && r.log != nil {
		r.log.Infof("purged published outbox events", map[string]interface{}{
			"count": n,
		})
	}
	return n, nil
}

func (r *Relay) refreshLag(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	age, err := r.store.OldestUnpublishedAge(ctx)
	if err != nil {
		return
	}
	r.setLag(age)
}

func (r *Relay) setLag(age time.Duration) {
	if r.metrics != nil {
		r.metrics.OutboxLagSeconds.Set(age.Seconds())
	}
}

// Lag 最老未发布事件的滞留时长（诊断用）
func (r *Relay) Lag(ctx context.Context) (time.Duration, error) {
	return r.store.OldestUnpublishedAge(ctx)
}
