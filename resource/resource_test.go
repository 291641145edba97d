package resource

import (
	"errors"
	"testing"

	"github.com/dataparency-dev/capkernel/ids"
)

type recordingCanceller struct {
	calls []ids.ExecutionID
}

func (r *recordingCanceller) CancelDueToExhaustion(id ids.ExecutionID, reason string, nowNs int64) {
	r.calls = append(r.calls, id)
}

func TestBudgetIsSubsetOf(t *testing.T) {
	parent := Budget{}.WithMessageCount(10)
	child := Budget{}.WithMessageCount(5)
	if !child.IsSubsetOf(parent) {
		t.Fatal("5 should be a subset of 10")
	}
	tooMuch := Budget{}.WithMessageCount(20)
	if tooMuch.IsSubsetOf(parent) {
		t.Fatal("20 should not be a subset of 10")
	}
	unlimitedChild := Budget{}
	if !unlimitedChild.IsSubsetOf(Budget{}) {
		t.Fatal("unlimited should be a subset of unlimited")
	}
	if unlimitedChild.IsSubsetOf(parent) {
		t.Fatal("unlimited child must not be a subset of a bounded parent")
	}
}

func TestBudgetExhaustionScenario(t *testing.T) {
	gen := ids.NewGenerator(1)
	id := gen.NewExecutionID()
	canceller := &recordingCanceller{}
	acc := NewAccountant(canceller)
	acc.Register(id, Budget{}.WithMessageCount(3))

	for i := 0; i < 3; i++ {
		if err := acc.TryConsumeMessage(id, int64(i)); err != nil {
			t.Fatalf("send %d should succeed: %v", i, err)
		}
	}

	err := acc.TryConsumeMessage(id, 10)
	var exceeded *BudgetExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("4th send should fail with BudgetExceededError, got %v", err)
	}
	if !acc.IsCancelled(id) {
		t.Fatal("identity should be cancelled after exhaustion")
	}

	err = acc.TryConsumeMessage(id, 11)
	if !errors.As(err, &exceeded) || !exceeded.AlreadyDead {
		t.Fatalf("subsequent send should report AlreadyDead, got %v", err)
	}

	counts := acc.Audit.KindCounts()
	if counts["BudgetExhausted"] != 1 {
		t.Errorf("expected exactly one BudgetExhausted entry, got %d", counts["BudgetExhausted"])
	}
	if counts["CancelledDueToExhaustion"] != 1 {
		t.Errorf("expected exactly one CancelledDueToExhaustion entry, got %d", counts["CancelledDueToExhaustion"])
	}
	if len(canceller.calls) != 1 {
		t.Errorf("expected canceller invoked exactly once, got %d", len(canceller.calls))
	}
}

func TestEachSendDebitsExactlyOnce(t *testing.T) {
	gen := ids.NewGenerator(2)
	id := gen.NewExecutionID()
	acc := NewAccountant(nil)
	acc.Register(id, Budget{}.WithMessageCount(100))

	// Two independent sends debit twice, regardless of what happens to
	// the message after accounting (drop/delay are a fault-layer concern).
	if err := acc.TryConsumeMessage(id, 0); err != nil {
		t.Fatal(err)
	}
	if err := acc.TryConsumeMessage(id, 1); err != nil {
		t.Fatal(err)
	}
	usage := acc.UsageOf(id)
	if usage.MessageCount != 2 {
		t.Fatalf("MessageCount = %d, want 2", usage.MessageCount)
	}
}

func TestUnlimitedBudgetNeverExhausts(t *testing.T) {
	gen := ids.NewGenerator(3)
	id := gen.NewExecutionID()
	acc := NewAccountant(nil)
	acc.Register(id, Budget{})

	for i := 0; i < 10_000; i++ {
		if err := acc.TryConsumeCPU(id, 1000, int64(i)); err != nil {
			t.Fatalf("unlimited budget should never exhaust: %v", err)
		}
	}
}
