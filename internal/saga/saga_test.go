package saga

import (
	"context"
	"testing"

	sagaerrors "github.com/sagaops/orchestrator/pkg/errors"
)

func noopStep(name string) StepDefinition {
	return StepDefinition{
		Name:    name,
		Execute: func(ctx context.Context, sc *StepContext) error { return nil },
	}
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusCompensated, StatusCompensationFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}

	active := []Status{StatusPending, StatusRunning, StatusCompensating}
	for _, s := range active {
		if s.IsTerminal() {
			t.Fatalf("expected %s to be non-terminal", s)
		}
	}
}

func TestDefinitionValidate(t *testing.T) {
	def := Definition{Type: "order", Steps: []StepDefinition{noopStep("reserve"), noopStep("charge")}}
	if err := def.Validate(); err != nil {
		t.Fatalf("expected valid definition, got %v", err)
	}
}

func TestDefinitionValidateNoType(t *testing.T) {
	def := Definition{Steps: []StepDefinition{noopStep("reserve")}}
	if err := def.Validate(); sagaerrors.CodeOf(err) != sagaerrors.CodeInvalidSagaDefinition {
		t.Fatalf("expected INVALID_SAGA_DEFINITION, got %v", err)
	}
}

func TestDefinitionValidateNoSteps(t *testing.T) {
	def := Definition{Type: "order"}
	if err := def.Validate(); sagaerrors.CodeOf(err) != sagaerrors.CodeInvalidSagaDefinition {
		t.Fatalf("expected INVALID_SAGA_DEFINITION, got %v", err)
	}
}

func TestDefinitionValidateDuplicateStep(t *testing.T) {
	def := Definition{Type: "order", Steps: []StepDefinition{noopStep("reserve"), noopStep("reserve")}}
	if err := def.Validate(); sagaerrors.CodeOf(err) != sagaerrors.CodeInvalidSagaDefinition {
		t.Fatalf("expected INVALID_SAGA_DEFINITION, got %v", err)
	}
}

func TestDefinitionValidateMissingExecute(t *testing.T) {
	def := Definition{Type: "order", Steps: []StepDefinition{{Name: "reserve"}}}
	if err := def.Validate(); sagaerrors.CodeOf(err) != sagaerrors.CodeInvalidSagaDefinition {
		t.Fatalf("expected INVALID_SAGA_DEFINITION, got %v", err)
	}
}

func TestStepDependencyDefaultsToName(t *testing.T) {
	s := StepDefinition{Name: "charge"}
	if s.dependency() != "charge" {
		t.Fatalf("expected dependency charge, got %s", s.dependency())
	}
	s.Dependency = "payment-service"
	if s.dependency() != "payment-service" {
		t.Fatalf("expected dependency payment-service, got %s", s.dependency())
	}
}

func TestStepContextValues(t *testing.T) {
	inst := &Instance{ID: "s-1"}
	sc := newStepContext(inst)

	if sc.SagaID() != "s-1" {
		t.Fatalf("expected saga ID s-1, got %s", sc.SagaID())
	}

	sc.Put("orderId", "o-42")
	if got := sc.GetString("orderId"); got != "o-42" {
		t.Fatalf("expected o-42, got %s", got)
	}
	if _, ok := sc.Get("missing"); ok {
		t.Fatal("expected missing key to report absent")
	}
	if got := sc.GetString("missing"); got != "" {
		t.Fatalf("expected empty string for missing key, got %s", got)
	}

	// 写入的值落在实例上下文里，随步骤一起持久化
	if inst.Context["orderId"] != "o-42" {
		t.Fatal("expected value written through to instance context")
	}
}

func TestStepContextEmit(t *testing.T) {
	inst := &Instance{ID: "s-1"}
	sc := newStepContext(inst)

	if err := sc.Emit("OrderReserved", map[string]string{"orderId": "o-42"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(sc.events) != 1 {
		t.Fatalf("expected 1 pending event, got %d", len(sc.events))
	}
	if sc.events[0].eventType != "OrderReserved" {
		t.Fatalf("expected OrderReserved, got %s", sc.events[0].eventType)
	}

	if err := sc.Emit("Bad", make(chan int)); err == nil {
		t.Fatal("expected marshal error for unsupported payload")
	}
}
