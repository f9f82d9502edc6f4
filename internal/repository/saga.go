// Package repository 数据访问层
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sagaops/orchestrator/internal/outbox"
	"github.com/sagaops/orchestrator/internal/saga"
	sagaerrors "github.com/sagaops/orchestrator/pkg/errors"
)

// SagaRepository saga 实例仓储（PostgreSQL）。
// 实现 saga.Store：实例变更与发件箱事件在同一事务提交，
// version 列做乐观并发控制。
type SagaRepository struct {
	db     *sql.DB
	outbox *OutboxRepository
}

// NewSagaRepository 创建仓储
func NewSagaRepository(db *sql.DB) *SagaRepository {
	return &SagaRepository{
		db:     db,
		outbox: NewOutboxRepository(db),
	}
}

// Create 落库新实例
func (r *SagaRepository) Create(ctx context.Context, inst *saga.Instance) error {
	contextData, historyData, err := marshalState(inst)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO saga.instances
		(saga_id, saga_type, status, current_step, context, history, version, created_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)
	`
	_, err = r.db.ExecContext(ctx, query,
		inst.ID, inst.Type, string(inst.Status), inst.CurrentStep,
		contextData, historyData, inst.CreatedAtMs, inst.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert saga: %w", err)
	}
	inst.Version = 1
	return nil
}

// Get 读取实例
func (r *SagaRepository) Get(ctx context.Context, id string) (*saga.Instance, error) {
	query := `
		SELECT saga_id, saga_type, status, current_step, context, history, version, created_at_ms, updated_at_ms
		FROM saga.instances
		WHERE saga_id = $1
	`
	var (
		inst        saga.Instance
		status      string
		contextData []byte
		historyData []byte
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&inst.ID, &inst.Type, &status, &inst.CurrentStep,
		&contextData, &historyData, &inst.Version, &inst.CreatedAtMs, &inst.UpdatedAtMs,
	)
	if err == sql.ErrNoRows {
		return nil, sagaerrors.ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query saga: %w", err)
	}

	inst.Status = saga.Status(status)
	if err := unmarshalState(&inst, contextData, historyData); err != nil {
		return nil, err
	}
	return &inst, nil
}

// Update 乐观锁更新。events 在同一事务内写入发件箱，
// 保证事件从不脱离状态变更单独落库。
func (r *SagaRepository) Update(ctx context.Context, inst *saga.Instance, events []*outbox.Event) error {
	contextData, historyData, err := marshalState(inst)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE saga.instances
		SET status = $1, current_step = $2, context = $3, history = $4,
		    version = version + 1, updated_at_ms = $5
		WHERE saga_id = $6 AND version = $7
	`
	result, err := tx.ExecContext(ctx, query,
		string(inst.Status), inst.CurrentStep, contextData, historyData,
		inst.UpdatedAtMs, inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return sagaerrors.ErrConcurrencyConflict
	}

	for _, ev := range events {
		if err := r.outbox.InsertTx(ctx, tx, ev); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	inst.Version++
	return nil
}

// ListResumable 非终态且长时间未更新的实例 ID，按更新时间升序
func (r *SagaRepository) ListResumable(ctx context.Context, staleBeforeMs int64, limit int) ([]string, error) {
	query := `
		SELECT saga_id
		FROM saga.instances
		WHERE status IN ('PENDING', 'RUNNING', 'COMPENSATING') AND updated_at_ms < $1
		ORDER BY updated_at_ms ASC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, staleBeforeMs, limit)
	if err != nil {
		return nil, fmt.Errorf("query resumable: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan saga id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountByStatus 各状态实例数（诊断用）
func (r *SagaRepository) CountByStatus(ctx context.Context) (map[saga.Status]int64, error) {
	query := `
		SELECT status, COUNT(*)
		FROM saga.instances
		GROUP BY status
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[saga.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[saga.Status(status)] = n
	}
	return counts, rows.Err()
}

func marshalState(inst *saga.Instance) (contextData, historyData []byte, err error) {
	if inst.Context == nil {
		inst.Context = make(map[string]interface{})
	}
	contextData, err = json.Marshal(inst.Context)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal context: %w", err)
	}
	historyData, err = json.Marshal(inst.History)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal history: %w", err)
	}
	return contextData, historyData, nil
}

func unmarshalState(inst *saga.Instance, contextData, historyData []byte) error {
	if len(contextData) > 0 {
		if err := json.Unmarshal(contextData, &inst.Context); err != nil {
			return fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if len(historyData) > 0 {
		if err := json.Unmarshal(historyData, &inst.History); err != nil {
			return fmt.Errorf("unmarshal history: %w", err)
		}
	}
	return nil
}
