package lifecycle

import (
	"errors"
	"testing"
)

func TestSignalIsIdempotentFirstReasonWins(t *testing.T) {
	src := NewSource()
	tok := src.Token()

	src.Cancel(UserCancel())
	src.Cancel(SupervisorCancel())

	reason, ok := tok.Reason()
	if !ok {
		t.Fatal("token should observe cancellation")
	}
	if reason.Kind != ReasonUserCancel {
		t.Fatalf("first reason should win, got %v", reason)
	}
}

func TestClonedTokensShareState(t *testing.T) {
	src := NewSource()
	t1 := src.Token()
	t2 := src.Token()

	if t1.IsCancelled() || t2.IsCancelled() {
		t.Fatal("fresh tokens should not be cancelled")
	}
	src.Cancel(TimeoutReason())
	if !t1.IsCancelled() || !t2.IsCancelled() {
		t.Fatal("all cloned tokens should observe the same cancellation")
	}
}

func TestThrowIfCancelled(t *testing.T) {
	src := NewSource()
	tok := src.Token()
	if err := tok.ThrowIfCancelled(); err != nil {
		t.Fatalf("expected no error before cancellation, got %v", err)
	}
	src.Cancel(DependencyFailed())
	err := tok.ThrowIfCancelled()
	var cancelled *CancelledError
	if !errors.As(err, &cancelled) {
		t.Fatalf("expected *CancelledError, got %v", err)
	}
	if cancelled.Reason.Kind != ReasonDependencyFailed {
		t.Fatalf("unexpected reason: %v", cancelled.Reason)
	}
}

func TestCustomReasonDetail(t *testing.T) {
	src := NewSource()
	src.Cancel(Custom("budget:message"))
	tok := src.Token()
	reason, _ := tok.Reason()
	if reason.String() != "Custom(budget:message)" {
		t.Fatalf("unexpected rendering: %q", reason.String())
	}
}
