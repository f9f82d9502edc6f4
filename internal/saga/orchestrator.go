package saga

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sagaops/orchestrator/internal/metrics"
	"github.com/sagaops/orchestrator/internal/outbox"
	"github.com/sagaops/orchestrator/internal/resilience"
	sagaerrors "github.com/sagaops/orchestrator/pkg/errors"
	"github.com/sagaops/orchestrator/pkg/logger"
	"github.com/sagaops/orchestrator/pkg/snowflake"
	"github.com/sagaops/orchestrator/pkg/tracing"
)

// Orchestrator saga 编排器。
// 不同实例完全并行；单个实例内步骤严格串行，补偿严格逆序。
type Orchestrator struct {
	registry *Registry
	store    Store
	exec     *resilience.Executor
	idgen    *snowflake.Generator
	log      *logger.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // 本进程内活跃实例
}

// NewOrchestrator 创建编排器
func NewOrchestrator(registry *Registry, store Store, exec *resilience.Executor,
	idgen *snowflake.Generator, log *logger.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		store:    store,
		exec:     exec,
		idgen:    idgen,
		log:      log,
		metrics:  m,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start 启动一个新 saga：校验定义、落库 Pending、转入 Running 并从步骤 0
// 开始执行。saga 一经创建即返回其 ID，执行结果通过 error 返回。
func (o *Orchestrator) Start(ctx context.Context, sagaType string, initial map[string]interface{}) (string, error) {
	def, ok := o.registry.Get(sagaType)
	if !ok {
		return "", sagaerrors.Newf(sagaerrors.CodeInvalidSagaDefinition, "unknown saga type %q", sagaType)
	}
	if err := def.Validate(); err != nil {
		return "", err
	}

	now := time.Now().UnixMilli()
	inst := &Instance{
		ID:          uuid.NewString(),
		Type:        sagaType,
		Status:      StatusPending,
		Context:     initial,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	if inst.Context == nil {
		inst.Context = make(map[string]interface{})
	}

	if err := o.store.Create(ctx, inst); err != nil {
		return "", err
	}

	if err := transition(inst, triggerStart); err != nil {
		return inst.ID, err
	}
	if err := o.persist(ctx, inst, nil); err != nil {
		return inst.ID, err
	}

	return inst.ID, o.run(ctx, inst, def)
}

// Resume 从持久化状态继续执行，可安全重复调用。
// 崩溃恢复依赖它：Running 从当前步骤继续，Compensating 继续逆序补偿，
// 终态直接返回。并发 Resume 由乐观锁拦截。
func (o *Orchestrator) Resume(ctx context.Context, sagaID string) error {
	inst, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return nil
	}

	def, ok := o.registry.Get(inst.Type)
	if !ok {
		return sagaerrors.Newf(sagaerrors.CodeInvalidSagaDefinition, "saga %s has unknown type %q", sagaID, inst.Type)
	}

	switch inst.Status {
	case StatusPending:
		if err := transition(inst, triggerStart); err != nil {
			return err
		}
		if err := o.persist(ctx, inst, nil); err != nil {
			return err
		}
		return o.run(ctx, inst, def)
	case StatusRunning:
		return o.run(ctx, inst, def)
	case StatusCompensating:
		return o.compensate(ctx, inst, def, nil)
	}
	return sagaerrors.Newf(sagaerrors.CodeInvalidState, "saga %s in unexpected status %s", sagaID, inst.Status)
}

// Cancel 取消 saga。只允许在 Pending、或 Running 的步骤间隙取消；
// 已经执行过步骤的实例会被转入补偿路径而不是硬中止。
func (o *Orchestrator) Cancel(ctx context.Context, sagaID string) error {
	o.mu.Lock()
	cancel, active := o.cancels[sagaID]
	o.mu.Unlock()
	if active {
		// 本进程正在执行：步骤间隙处会收到取消信号
		cancel()
		return nil
	}

	inst, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}

	switch inst.Status {
	case StatusPending:
		if err := transition(inst, triggerCancel); err != nil {
			return err
		}
		return o.persist(ctx, inst, nil)
	case StatusRunning:
		// 无归属进程的 Running 实例：没执行过步骤直接取消，
		// 否则转补偿，由恢复扫描接手
		if inst.CurrentStep == 0 {
			if err := transition(inst, triggerCancel); err != nil {
				return err
			}
		} else {
			if err := transition(inst, triggerCompensate); err != nil {
				return err
			}
		}
		return o.persist(ctx, inst, nil)
	default:
		return sagaerrors.Newf(sagaerrors.CodeInvalidState, "saga %s cannot be cancelled in status %s", sagaID, inst.Status)
	}
}

// Get 查询实例及其完整步骤历史
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*Instance, error) {
	return o.store.Get(ctx, sagaID)
}

// BreakerSnapshots 所有依赖的熔断器状态（诊断用）
func (o *Orchestrator) BreakerSnapshots() []resilience.BreakerSnapshot {
	return o.exec.Breakers().Snapshots()
}

// run 正向步骤循环。步骤成功后，上下文、步进和产生的领域事件
// 在一个事务内持久化；失败则转入补偿。
func (o *Orchestrator) run(ctx context.Context, inst *Instance, def Definition) error {
	ctx, span := tracing.StartSpan(ctx, "saga "+inst.Type)
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.track(inst.ID, cancel)
	defer o.untrack(inst.ID)

	slog := o.logWith(inst)

	for inst.CurrentStep < len(def.Steps) {
		// 步骤间隙：唯一允许响应取消的位置
		if runCtx.Err() != nil {
			return o.cancelBetweenSteps(ctx, inst, def)
		}

		step := def.Steps[inst.CurrentStep]
		sc := newStepContext(inst)

		// 已开始的步骤不被取消打断：动作在无取消的上下文里跑完
		// （步骤超时仍然生效），取消只在回到循环顶部的间隙处生效，
		// 已完成的副作用由正常补偿路径回滚。
		stepCtx, stepSpan := tracing.StartSpan(context.WithoutCancel(runCtx), "step "+step.Name)
		err := o.exec.Execute(stepCtx, step.dependency(), step.Policy, func(c context.Context) error {
			return step.Execute(c, sc)
		})
		if err != nil {
			tracing.SetError(stepCtx, err)
		}
		stepSpan.End()
		if err != nil {
			o.countStep("failure")
			if slog != nil {
				slog.WithError(err).Errorf("saga step failed, compensating", map[string]interface{}{
					"step": step.Name,
				})
			}
			inst.record(step.Name, StepFailed, err)
			if terr := transition(inst, triggerCompensate); terr != nil {
				return terr
			}
			if perr := o.persist(ctx, inst, nil); perr != nil {
				return perr
			}
			return o.compensate(ctx, inst, def, err)
		}

		o.countStep("success")
		inst.record(step.Name, StepExecuted, nil)
		inst.CurrentStep++

		if inst.CurrentStep == len(def.Steps) {
			if err := transition(inst, triggerComplete); err != nil {
				return err
			}
		}

		events, err := o.collectEvents(inst, sc)
		if err != nil {
			return err
		}
		if err := o.persist(ctx, inst, events); err != nil {
			return err
		}
	}

	if slog != nil {
		slog.Info("saga completed")
	}
	return nil
}

// cancelBetweenSteps 步骤间隙的取消：没执行过步骤直接取消，
// 否则走正常补偿路径
func (o *Orchestrator) cancelBetweenSteps(ctx context.Context, inst *Instance, def Definition) error {
	if inst.CurrentStep == 0 {
		if err := transition(inst, triggerCancel); err != nil {
			return err
		}
		return o.persist(ctx, inst, nil)
	}
	if err := transition(inst, triggerCompensate); err != nil {
		return err
	}
	if err := o.persist(ctx, inst, nil); err != nil {
		return err
	}
	return o.compensate(ctx, inst, def, context.Canceled)
}

// compensate 逆序补偿所有已执行步骤。单个补偿在自身重试预算内失败
// 不会中断整体：剩余补偿继续尽力执行，最终状态标记 CompensationFailed。
// forwardErr 为触发补偿的原始错误，补偿全部成功时原样返回。
func (o *Orchestrator) compensate(ctx context.Context, inst *Instance, def Definition, forwardErr error) error {
	// 补偿不被取消打断
	compCtx := context.WithoutCancel(ctx)
	slog := o.logWith(inst)

	done := inst.compensationDone()
	compFailed := inst.hasCompensationFailure()

	for inst.CurrentStep > 0 {
		step := def.Steps[inst.CurrentStep-1]

		if !done[step.Name] {
			if err := o.compensateStep(compCtx, inst, step, slog); err != nil {
				compFailed = true
			}
		}

		inst.CurrentStep--
		if err := o.persist(compCtx, inst, nil); err != nil {
			return err
		}
	}

	final := triggerCompensated
	if compFailed {
		final = triggerCompensationFailed
	}
	if err := transition(inst, final); err != nil {
		return err
	}
	if err := o.persist(compCtx, inst, nil); err != nil {
		return err
	}

	if compFailed {
		if slog != nil {
			slog.Error("saga compensation failed, manual intervention required")
		}
		return sagaerrors.Wrap(sagaerrors.CodeCompensationFailed,
			"one or more compensations failed", forwardErr)
	}
	if slog != nil {
		slog.Info("saga compensated")
	}
	return forwardErr
}

func (o *Orchestrator) compensateStep(ctx context.Context, inst *Instance, step StepDefinition, slog *logger.Logger) error {
	if step.Compensate == nil {
		inst.record(step.Name, StepCompensated, nil)
		return nil
	}

	sc := newStepContext(inst)
	compCtx, compSpan := tracing.StartSpan(ctx, "compensate "+step.Name)
	err := o.exec.Execute(compCtx, step.dependency(), step.CompensationPolicy, func(c context.Context) error {
		return step.Compensate(c, sc)
	})
	if err != nil {
		tracing.SetError(compCtx, err)
	}
	compSpan.End()
	if err != nil {
		o.countCompensation("failure")
		if slog != nil {
			slog.WithError(err).Errorf("compensation failed", map[string]interface{}{
				"step": step.Name,
			})
		}
		inst.record(step.Name, StepCompensationFailed, err)
		return err
	}

	o.countCompensation("success")
	inst.record(step.Name, StepCompensated, nil)
	return nil
}

// collectEvents 把步骤发出的事件转换为发件箱事件
func (o *Orchestrator) collectEvents(inst *Instance, sc *StepContext) ([]*outbox.Event, error) {
	if len(sc.events) == 0 {
		return nil, nil
	}
	now := time.Now().UnixMilli()
	out := make([]*outbox.Event, 0, len(sc.events))
	for _, pe := range sc.events {
		id, err := o.idgen.Generate()
		if err != nil {
			return nil, err
		}
		out = append(out, &outbox.Event{
			EventID:       id,
			AggregateID:   inst.ID,
			EventType:     pe.eventType,
			CorrelationID: inst.ID,
			Payload:       pe.payload,
			CreatedAtMs:   now,
		})
	}
	return out, nil
}

func (o *Orchestrator) persist(ctx context.Context, inst *Instance, events []*outbox.Event) error {
	inst.UpdatedAtMs = time.Now().UnixMilli()
	return o.store.Update(ctx, inst, events)
}

func (o *Orchestrator) track(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancels[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	delete(o.cancels, id)
	o.mu.Unlock()
}

func (o *Orchestrator) logWith(inst *Instance) *logger.Logger {
	if o.log == nil {
		return nil
	}
	return o.log.WithSaga(inst.ID, inst.Type)
}

func (o *Orchestrator) countStep(result string) {
	if o.metrics != nil {
		o.metrics.StepsExecuted.WithLabelValues(result).Inc()
	}
}

func (o *Orchestrator) countCompensation(result string) {
	if o.metrics != nil {
		o.metrics.Compensations.WithLabelValues(result).Inc()
	}
}
