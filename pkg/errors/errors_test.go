package errors

import (
	stderrors "errors"
	"testing"
)

func TestNewRetryableByCode(t *testing.T) {
	retryable := []Code{CodeTransient, CodeTimeout, CodeBusUnavailable, CodeStoreUnavailable, CodeConcurrencyConflict}
	for _, c := range retryable {
		if !New(c, "x").Retryable {
			t.Fatalf("expected %s retryable", c)
		}
	}

	permanent := []Code{CodePermanent, CodeCircuitOpen, CodeInvalidState, CodeCompensationFailed, CodeDuplicateInProgress}
	for _, c := range permanent {
		if New(c, "x").Retryable {
			t.Fatalf("expected %s not retryable", c)
		}
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := stderrors.New("socket closed")
	err := Wrap(CodeTransient, "call failed", cause)

	if !stderrors.Is(err, cause) {
		t.Fatal("expected cause reachable via errors.Is")
	}
	if CodeOf(err) != CodeTransient {
		t.Fatalf("expected TRANSIENT, got %s", CodeOf(err))
	}
	if err.Error() == "" || err.Error() == cause.Error() {
		t.Fatalf("expected wrapped message, got %s", err.Error())
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if CodeOf(stderrors.New("plain")) != CodeUnknown {
		t.Fatal("expected UNKNOWN for plain error")
	}
	if CodeOf(nil) != CodeUnknown {
		t.Fatal("expected UNKNOWN for nil")
	}
}

func TestIsRetryableUnknownDefaultsTrue(t *testing.T) {
	if !IsRetryable(stderrors.New("plain")) {
		t.Fatal("expected unclassified error treated as retryable")
	}
	if IsPermanent(stderrors.New("plain")) {
		t.Fatal("expected unclassified error not permanent")
	}
}

func TestAsPermanent(t *testing.T) {
	transient := New(CodeTransient, "flapping")
	p := AsPermanent(transient)
	if p.Code != CodePermanent {
		t.Fatalf("expected PERMANENT, got %s", p.Code)
	}
	if p.Retryable {
		t.Fatal("expected not retryable")
	}
	if !stderrors.Is(p, transient) {
		t.Fatal("expected original error preserved in chain")
	}
}

func TestPredefinedErrors(t *testing.T) {
	if CodeOf(ErrSagaNotFound) != CodeSagaNotFound {
		t.Fatalf("expected SAGA_NOT_FOUND, got %s", CodeOf(ErrSagaNotFound))
	}
	if CodeOf(ErrConcurrencyConflict) != CodeConcurrencyConflict {
		t.Fatalf("expected CONCURRENCY_CONFLICT, got %s", CodeOf(ErrConcurrencyConflict))
	}
	if !IsRetryable(ErrConcurrencyConflict) {
		t.Fatal("expected concurrency conflict retryable")
	}
	if IsRetryable(ErrCircuitOpen) {
		t.Fatal("expected circuit open not retryable")
	}
}
