// Package outbox 事务性发件箱
package outbox

import (
	"context"
	"time"
)

// Event 发件箱事件。与产生它的状态变更必须在同一个数据库事务中落库，
// 由后台 relay 异步投递，至少一次。
type Event struct {
	EventID       int64  `json:"eventId"`
	AggregateID   string `json:"aggregateId"`
	EventType     string `json:"eventType"`
	CorrelationID string `json:"correlationId"`
	Payload       []byte `json:"payload"`
	Published     bool   `json:"published"`
	Attempts      int    `json:"attempts"`
	CreatedAtMs   int64  `json:"createdAtMs"`
	PublishedAtMs int64  `json:"publishedAtMs,omitempty"`
}

// Age 事件在发件箱中的滞留时长
func (e *Event) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(e.CreatedAtMs))
}

// Store 发件箱存储。Insert 只允许在状态变更的同一事务内调用，
// 由持久层（saga.Store 的实现）负责，Relay 只读已落库的事件。
type Store interface {
	// ListUnpublished 按创建时间升序返回未发布事件
	ListUnpublished(ctx context.Context, limit int) ([]*Event, error)
	// MarkPublished 标记已发布
	MarkPublished(ctx context.Context, eventID int64) error
	// MarkFailed 发布失败计数加一
	MarkFailed(ctx context.Context, eventID int64) error
	// DeletePublishedBefore 清理保留期之外的已发布事件
	DeletePublishedBefore(ctx context.Context, cutoffMs int64) (int64, error)
	// OldestUnpublishedAge 最老未发布事件的滞留时长，没有则返回 0
	OldestUnpublishedAge(ctx context.Context) (time.Duration, error)
}
