// Package bus 事件总线适配器
package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sagaops/orchestrator/pkg/tracing"
)

// Publisher 对外投递事件的窄接口。总线本身（队列、broker）不在本系统范围内，
// relay 只依赖这个契约。
type Publisher interface {
	Publish(ctx context.Context, topic, messageID, correlationID string, payload []byte) error
}

// StreamPublisher Redis Streams 实现
type StreamPublisher struct {
	client redis.Cmdable
}

// NewStreamPublisher 创建发布器
func NewStreamPublisher(client redis.Cmdable) *StreamPublisher {
	return &StreamPublisher{client: client}
}

// Publish 写入 Stream。messageId 随消息传递，消费方据此去重，
// 保证至少一次投递下的幂等消费。
func (p *StreamPublisher) Publish(ctx context.Context, topic, messageID, correlationID string, payload []byte) error {
	values := map[string]interface{}{
		"messageId":     messageID,
		"correlationId": correlationID,
		"payload":       string(payload),
	}
	tracing.InjectRedisStream(ctx, values)

	_, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}
