package saga

import (
	"github.com/qmuntal/stateless"

	sagaerrors "github.com/sagaops/orchestrator/pkg/errors"
)

type trigger string

const (
	triggerStart              trigger = "Start"
	triggerComplete           trigger = "Complete"
	triggerCompensate         trigger = "Compensate"
	triggerCompensated        trigger = "Compensated"
	triggerCompensationFailed trigger = "CompensationFailed"
	triggerCancel             trigger = "Cancel"
)

// lifecycle 把状态迁移约束交给状态机，非法迁移直接报错
// 而不是落下脏状态。
//
//	Pending → Running → {Completed | Compensating} → {Compensated | CompensationFailed}
//	Pending → Cancelled；Running（无已执行步骤）→ Cancelled
type lifecycle struct {
	sm *stateless.StateMachine
}

func newLifecycle(current Status) *lifecycle {
	sm := stateless.NewStateMachine(current)

	sm.Configure(StatusPending).
		Permit(triggerStart, StatusRunning).
		Permit(triggerCancel, StatusCancelled)

	sm.Configure(StatusRunning).
		Permit(triggerComplete, StatusCompleted).
		Permit(triggerCompensate, StatusCompensating).
		Permit(triggerCancel, StatusCancelled)

	sm.Configure(StatusCompensating).
		Permit(triggerCompensated, StatusCompensated).
		Permit(triggerCompensationFailed, StatusCompensationFailed)

	return &lifecycle{sm: sm}
}

// fire 执行迁移并返回新状态
func (l *lifecycle) fire(t trigger) (Status, error) {
	if err := l.sm.Fire(t); err != nil {
		return "", sagaerrors.Wrap(sagaerrors.CodeInvalidState, "illegal saga transition", err)
	}
	return l.sm.MustState().(Status), nil
}

// transition 对实例应用一次状态迁移
func transition(inst *Instance, t trigger) error {
	next, err := newLifecycle(inst.Status).fire(t)
	if err != nil {
		return err
	}
	inst.Status = next
	return nil
}
