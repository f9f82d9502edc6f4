// Package saga 分布式 saga 编排
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sagaops/orchestrator/internal/outbox"
	"github.com/sagaops/orchestrator/internal/resilience"
	sagaerrors "github.com/sagaops/orchestrator/pkg/errors"
)

// Status saga 实例状态
type Status string

const (
	StatusPending            Status = "PENDING"
	StatusRunning            Status = "RUNNING"
	StatusCompleted          Status = "COMPLETED"
	StatusCompensating       Status = "COMPENSATING"
	StatusCompensated        Status = "COMPENSATED"
	StatusCompensationFailed Status = "COMPENSATION_FAILED"
	StatusCancelled          Status = "CANCELLED"
)

// IsTerminal 是否终态。终态实例不再被修改。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusCompensationFailed, StatusCancelled:
		return true
	}
	return false
}

// StepStatus 步骤历史状态
type StepStatus string

const (
	StepExecuted           StepStatus = "EXECUTED"
	StepFailed             StepStatus = "FAILED"
	StepCompensated        StepStatus = "COMPENSATED"
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"
)

// StepRecord 步骤执行历史，按发生顺序追加
type StepRecord struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
	AtMs   int64      `json:"atMs"`
}

// Instance saga 实例。
// CurrentStep 在正向执行时只前进，补偿时只后退；
// Version 每次持久化加一，用于乐观并发控制。
type Instance struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Status      Status                 `json:"status"`
	CurrentStep int                    `json:"currentStep"`
	Context     map[string]interface{} `json:"context"`
	History     []StepRecord           `json:"history"`
	Version     int64                  `json:"version"`
	CreatedAtMs int64                  `json:"createdAtMs"`
	UpdatedAtMs int64                  `json:"updatedAtMs"`
}

func (i *Instance) record(name string, status StepStatus, err error) {
	rec := StepRecord{
		Name:   name,
		Status: status,
		AtMs:   time.Now().UnixMilli(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	i.History = append(i.History, rec)
}

// compensationDone 已补偿（或补偿失败）的步骤名集合
func (i *Instance) compensationDone() map[string]bool {
	done := make(map[string]bool)
	for _, r := range i.History {
		if r.Status == StepCompensated || r.Status == StepCompensationFailed {
			done[r.Name] = true
		}
	}
	return done
}

// hasCompensationFailure 历史中是否存在补偿失败
func (i *Instance) hasCompensationFailure() bool {
	for _, r := range i.History {
		if r.Status == StepCompensationFailed {
			return true
		}
	}
	return false
}

// StepContext 传给步骤动作的上下文：读写 saga 的键值包、发出领域事件
type StepContext struct {
	sagaID string
	values map[string]interface{}
	events []pendingEvent
}

type pendingEvent struct {
	eventType string
	payload   []byte
}

func newStepContext(inst *Instance) *StepContext {
	if inst.Context == nil {
		inst.Context = make(map[string]interface{})
	}
	return &StepContext{
		sagaID: inst.ID,
		values: inst.Context,
	}
}

// SagaID 所属 saga
func (c *StepContext) SagaID() string { return c.sagaID }

// Get 读取上下文值
func (c *StepContext) Get(key string) (interface{}, bool) {
	v, ok := c.values[key]
	return v, ok
}

// GetString 读取字符串值，不存在或类型不符返回空串
func (c *StepContext) GetString(key string) string {
	if v, ok := c.values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Put 写入上下文值，随步骤成功一起持久化
func (c *StepContext) Put(key string, value interface{}) {
	c.values[key] = value
}

// Emit 发出领域事件。事件与本步骤的状态变更在同一事务落入发件箱。
func (c *StepContext) Emit(eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	c.events = append(c.events, pendingEvent{eventType: eventType, payload: data})
	return nil
}

// StepDefinition 单个步骤：正向动作 + 可选补偿动作
type StepDefinition struct {
	Name       string
	Dependency string // 熔断器维度，默认取步骤名
	Execute    func(ctx context.Context, sc *StepContext) error
	Compensate func(ctx context.Context, sc *StepContext) error

	Policy             resilience.Policy
	CompensationPolicy resilience.Policy
}

func (s StepDefinition) dependency() string {
	if s.Dependency != "" {
		return s.Dependency
	}
	return s.Name
}

// Definition saga 类型定义：有序步骤列表
type Definition struct {
	Type  string
	Steps []StepDefinition
}

// Validate 校验定义
func (d Definition) Validate() error {
	if d.Type == "" {
		return sagaerrors.New(sagaerrors.CodeInvalidSagaDefinition, "saga type required")
	}
	if len(d.Steps) == 0 {
		return sagaerrors.ErrInvalidSagaDefinition
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			return sagaerrors.Newf(sagaerrors.CodeInvalidSagaDefinition, "step %d has no name", i)
		}
		if seen[s.Name] {
			return sagaerrors.Newf(sagaerrors.CodeInvalidSagaDefinition, "duplicate step name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Execute == nil {
			return sagaerrors.Newf(sagaerrors.CodeInvalidSagaDefinition, "step %q has no forward action", s.Name)
		}
	}
	return nil
}

// Store saga 持久化契约。
// Update 以 Instance.Version 做乐观并发控制，并把 events 与实例变更
// 写入同一个原子操作；实现负责在成功后递增 Version。
type Store interface {
	Create(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	Update(ctx context.Context, inst *Instance, events []*outbox.Event) error
	// ListResumable 返回非终态且超过租约时间未更新的实例 ID
	ListResumable(ctx context.Context, staleBeforeMs int64, limit int) ([]string, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
