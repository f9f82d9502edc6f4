package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sagaops/orchestrator/internal/outbox"
)

// OutboxRepository 发件箱仓储（PostgreSQL）。实现 outbox.Store。
// 事件只允许通过 InsertTx 进入，保证与状态变更同事务。
type OutboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository 创建仓储
func NewOutboxRepository(db *sql.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// InsertTx 在调用方事务内追加事件
func (r *OutboxRepository) InsertTx(ctx context.Context, tx *sql.Tx, ev *outbox.Event) error {
	query := `
		INSERT INTO saga.outbox_events
		(event_id, aggregate_id, event_type, correlation_id, payload, published, attempts, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, FALSE, 0, $6)
	`
	_, err := tx.ExecContext(ctx, query,
		ev.EventID, ev.AggregateID, ev.EventType, ev.CorrelationID, ev.Payload, ev.CreatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// ListUnpublished 按创建时间升序返回未发布事件
func (r *OutboxRepository) ListUnpublished(ctx context.Context, limit int) ([]*outbox.Event, error) {
	query := `
		SELECT event_id, aggregate_id, event_type, correlation_id, payload, published, attempts, created_at_ms
		FROM saga.outbox_events
		WHERE published = FALSE
		ORDER BY created_at_ms ASC, event_id ASC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query unpublished: %w", err)
	}
	defer rows.Close()

	var events []*outbox.Event
	for rows.Next() {
		var ev outbox.Event
		if err := rows.Scan(
			&ev.EventID, &ev.AggregateID, &ev.EventType, &ev.CorrelationID,
			&ev.Payload, &ev.Published, &ev.Attempts, &ev.CreatedAtMs,
		); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// MarkPublished 标记已发布
func (r *OutboxRepository) MarkPublished(ctx context.Context, eventID int64) error {
	query := `
		UPDATE saga.outbox_events
		SET published = TRUE, published_at_ms = $1
		WHERE event_id = $2
	`
	_, err := r.db.ExecContext(ctx, query, time.Now().UnixMilli(), eventID)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// MarkFailed 发布失败计数加一
func (r *OutboxRepository) MarkFailed(ctx context.Context, eventID int64) error {
	query := `
		UPDATE saga.outbox_events
		SET attempts = attempts + 1
		WHERE event_id = $1
	`
	_, err := r.db.ExecContext(ctx, query, eventID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// DeletePublishedBefore 清理保留期之外的已发布事件
func (r *OutboxRepository) DeletePublishedBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	query := `
		DELETE FROM saga.outbox_events
		WHERE published = TRUE AND published_at_ms < $1
	`
	result, err := r.db.ExecContext(ctx, query, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("delete published: %w", err)
	}
	return result.RowsAffected()
}

// OldestUnpublishedAge 最老未发布事件滞留时长，没有则返回 0
func (r *OutboxRepository) OldestUnpublishedAge(ctx context.Context) (time.Duration, error) {
	query := `
		SELECT COALESCE(MIN(created_at_ms), 0)
		FROM saga.outbox_events
		WHERE published = FALSE
	`
	var oldest int64
	if err := r.db.QueryRowContext(ctx, query).Scan(&oldest); err != nil {
		return 0, fmt.Errorf("query oldest unpublished: %w", err)
	}
	if oldest == 0 {
		return 0, nil
	}
	return time.Since(time.UnixMilli(oldest)), nil
}
