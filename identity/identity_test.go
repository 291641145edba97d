package identity

import (
	"errors"
	"testing"

	"github.com/dataparency-dev/capkernel/capability"
	"github.com/dataparency-dev/capkernel/ids"
	"github.com/dataparency-dev/capkernel/resource"
)

func TestCrashInvalidatesCapabilitiesAndNotifiesParent(t *testing.T) {
	gen := ids.NewGenerator(11)
	capTable := capability.NewTable(gen, nil)
	reg := NewRegistry(capTable)

	parentExec := gen.NewExecutionID()
	if _, err := reg.Spawn(SpawnParams{ExecutionID: parentExec, Kind: KindComponent, TrustDomain: "d", CreatedAtNs: 0}); err != nil {
		t.Fatalf("spawn parent: %v", err)
	}

	taskA := gen.NewTaskID()
	childExec := gen.NewExecutionID()
	if _, err := reg.Spawn(SpawnParams{
		ExecutionID: childExec, TaskID: &taskA, Kind: KindComponent, TrustDomain: "d", Parent: &parentExec, CreatedAtNs: 1,
	}); err != nil {
		t.Fatalf("spawn child: %v", err)
	}

	c1 := capTable.Grant(taskA, "t1", 1)
	c2 := capTable.Grant(taskA, "t2", 1)

	reg.Terminate(childExec, Failure("x"), 5)

	if capTable.Check(c1, taskA) || capTable.Check(c2, taskA) {
		t.Fatal("capabilities should be invalidated on termination")
	}

	notifs := reg.ExitNotifications(parentExec)
	if len(notifs) != 1 {
		t.Fatalf("expected 1 exit notification, got %d", len(notifs))
	}
	if notifs[0].Reason.Kind != ExitFailure || notifs[0].Reason.Err != "x" {
		t.Fatalf("unexpected exit reason: %+v", notifs[0].Reason)
	}
}

func TestBudgetSubsetEnforcedAtSpawn(t *testing.T) {
	gen := ids.NewGenerator(12)
	capTable := capability.NewTable(gen, nil)
	reg := NewRegistry(capTable)

	parentExec := gen.NewExecutionID()
	parentBudget := resource.Budget{}.WithMessageCount(10)
	if _, err := reg.Spawn(SpawnParams{ExecutionID: parentExec, Kind: KindComponent, TrustDomain: "d", Budget: &parentBudget, CreatedAtNs: 0}); err != nil {
		t.Fatalf("spawn parent: %v", err)
	}

	tooPermissive := resource.Budget{}.WithMessageCount(100)
	childExec := gen.NewExecutionID()
	_, err := reg.Spawn(SpawnParams{ExecutionID: childExec, Kind: KindComponent, TrustDomain: "d", Parent: &parentExec, Budget: &tooPermissive, CreatedAtNs: 1})
	var budgetErr *InvalidBudgetDerivationError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("expected InvalidBudgetDerivationError, got %v", err)
	}

	okBudget := resource.Budget{}.WithMessageCount(5)
	childExec2 := gen.NewExecutionID()
	if _, err := reg.Spawn(SpawnParams{ExecutionID: childExec2, Kind: KindComponent, TrustDomain: "d", Parent: &parentExec, Budget: &okBudget, CreatedAtNs: 1}); err != nil {
		t.Fatalf("subset budget spawn should succeed: %v", err)
	}
}

func TestSupervisionCircuitTripsAndBlocksFurtherSpawns(t *testing.T) {
	gen := ids.NewGenerator(13)
	capTable := capability.NewTable(gen, nil)
	reg := NewRegistry(capTable)

	parentExec := gen.NewExecutionID()
	if _, err := reg.Spawn(SpawnParams{ExecutionID: parentExec, Kind: KindComponent, TrustDomain: "d", CreatedAtNs: 0}); err != nil {
		t.Fatalf("spawn parent: %v", err)
	}
	reg.AttachSupervision(parentExec, SupervisionPolicy{FailureThreshold: 2})

	for i := 0; i < 2; i++ {
		childExec := gen.NewExecutionID()
		if _, err := reg.Spawn(SpawnParams{ExecutionID: childExec, Kind: KindComponent, TrustDomain: "d", Parent: &parentExec, CreatedAtNs: int64(i)}); err != nil {
			t.Fatalf("spawn child %d: %v", i, err)
		}
		reg.Terminate(childExec, Timeout(), int64(i+10))
	}

	nextChild := gen.NewExecutionID()
	_, err := reg.Spawn(SpawnParams{ExecutionID: nextChild, Kind: KindComponent, TrustDomain: "d", Parent: &parentExec, CreatedAtNs: 100})
	var circuitOpen *SupervisorCircuitOpenError
	if !errors.As(err, &circuitOpen) {
		t.Fatalf("expected SupervisorCircuitOpenError after threshold failures, got %v", err)
	}

	reg.ResetSupervision(parentExec)
	if _, err := reg.Spawn(SpawnParams{ExecutionID: nextChild, Kind: KindComponent, TrustDomain: "d", Parent: &parentExec, CreatedAtNs: 101}); err != nil {
		t.Fatalf("spawn after reset should succeed: %v", err)
	}
}

func TestScreenSpawnFlagsPermissiveBudget(t *testing.T) {
	parent := resource.Budget{}.WithMessageCount(100)
	child := resource.Budget{}.WithMessageCount(95)
	warnings := ScreenSpawn(child, &parent)
	if len(warnings) == 0 {
		t.Fatal("expected a warning for a budget within 90% of the parent's cap")
	}

	modest := resource.Budget{}.WithMessageCount(10)
	if warnings := ScreenSpawn(modest, &parent); len(warnings) != 0 {
		t.Fatalf("did not expect warnings for a modest child budget, got %v", warnings)
	}
}
