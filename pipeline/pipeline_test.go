package pipeline

import (
	"errors"
	"testing"

	"github.com/dataparency-dev/capkernel/audit"
	"github.com/dataparency-dev/capkernel/ids"
	"github.com/dataparency-dev/capkernel/kclock"
	"github.com/dataparency-dev/capkernel/lifecycle"
	"github.com/dataparency-dev/capkernel/policy"
)

func schemaV(major uint32) ids.SchemaVersion { return ids.SchemaVersion{Major: major} }

func TestThreeStageHappyPath(t *testing.T) {
	gen := ids.NewGenerator(1)
	create, transform, annotate := gen.NewServiceID(), gen.NewServiceID(), gen.NewServiceID()
	cap100, cap200 := ids.CapabilityID(100), ids.CapabilityID(200)

	spec := &Spec{
		ID: "p1", InputSchema: schemaV(1), OutputSchema: schemaV(1),
		Stages: []StageSpec{
			{Name: "Create", HandlerService: create, InputSchema: schemaV(1), OutputSchema: schemaV(1)},
			{Name: "Transform", HandlerService: transform, InputSchema: schemaV(1), OutputSchema: schemaV(1), RequiredCaps: policy.NewCapabilitySet(cap100)},
			{Name: "Annotate", HandlerService: annotate, InputSchema: schemaV(1), OutputSchema: schemaV(1), RequiredCaps: policy.NewCapabilitySet(cap200)},
		},
	}

	handlers := map[ids.ServiceID]HandlerFunc{
		create:    func(in []byte, attempt int, now int64) StageResult { return StageResult{Kind: StageSuccess, Output: []byte("created")} },
		transform: func(in []byte, attempt int, now int64) StageResult { return StageResult{Kind: StageSuccess, Output: []byte("transformed"), CapsOut: policy.NewCapabilitySet(cap200)} },
		annotate:  func(in []byte, attempt int, now int64) StageResult { return StageResult{Kind: StageSuccess, Output: []byte("annotated")} },
	}

	ex := NewExecutor(nil, nil, handlers)
	result, trace := ex.Execute(ExecContext{
		Spec: spec, ExecutionID: gen.NewExecutionID(),
		InitialAuthority: policy.NewCapabilitySet(cap100),
		Token:            lifecycle.NewSource().Token(),
		Clock:            kclock.New(0),
		Input:            []byte("seed"),
	})

	if result.Kind != PipelineSuccess {
		t.Fatalf("expected Success, got %+v", result)
	}
	if len(result.Output) == 0 {
		t.Fatal("expected non-empty final output")
	}
	if len(trace) != 3 {
		t.Fatalf("expected 3 trace entries, got %d", len(trace))
	}
}

func TestRetryThenFail(t *testing.T) {
	gen := ids.NewGenerator(2)
	svc := gen.NewServiceID()
	spec := &Spec{
		ID: "p2", InputSchema: schemaV(1), OutputSchema: schemaV(1),
		Stages: []StageSpec{
			{Name: "Flaky", HandlerService: svc, InputSchema: schemaV(1), OutputSchema: schemaV(1),
				Retry: RetryPolicy{MaxRetries: 2, BackoffNs: 50_000_000}},
		},
	}
	handlers := map[ids.ServiceID]HandlerFunc{
		svc: func(in []byte, attempt int, now int64) StageResult {
			return StageResult{Kind: StageRetryable, Err: errors.New("transient")}
		},
	}

	ex := NewExecutor(nil, nil, handlers)
	clock := kclock.New(0)
	result, trace := ex.Execute(ExecContext{
		Spec: spec, ExecutionID: gen.NewExecutionID(),
		InitialAuthority: policy.NewCapabilitySet(),
		Token:            lifecycle.NewSource().Token(),
		Clock:            clock,
		Input:            []byte("x"),
	})

	if result.Kind != PipelineFailed || result.FailedStage != "Flaky" {
		t.Fatalf("expected Failed on stage Flaky, got %+v", result)
	}
	if len(trace) != 3 {
		t.Fatalf("expected 3 attempts in trace, got %d", len(trace))
	}
	for i := 1; i < len(trace); i++ {
		if trace[i].StartNs < trace[i-1].StartNs+50_000_000 {
			t.Fatalf("expected monotone start_ns separated by >= 50ms, got %d then %d", trace[i-1].StartNs, trace[i].StartNs)
		}
	}
}

func TestCancelMidPipeline(t *testing.T) {
	gen := ids.NewGenerator(3)
	svcA, svcB, svcC := gen.NewServiceID(), gen.NewServiceID(), gen.NewServiceID()
	src := lifecycle.NewSource()

	spec := &Spec{
		ID: "p3", InputSchema: schemaV(1), OutputSchema: schemaV(1),
		Stages: []StageSpec{
			{Name: "stage1", HandlerService: svcA, InputSchema: schemaV(1), OutputSchema: schemaV(1)},
			{Name: "stage2", HandlerService: svcB, InputSchema: schemaV(1), OutputSchema: schemaV(1)},
			{Name: "stage3", HandlerService: svcC, InputSchema: schemaV(1), OutputSchema: schemaV(1)},
		},
	}
	handlers := map[ids.ServiceID]HandlerFunc{
		svcA: func(in []byte, attempt int, now int64) StageResult {
			src.Cancel(lifecycle.UserCancel())
			return StageResult{Kind: StageSuccess, Output: in, CapsOut: policy.NewCapabilitySet(ids.CapabilityID(999))}
		},
		svcB: func(in []byte, attempt int, now int64) StageResult {
			t.Fatal("stage2's handler must not run once cancellation is observed")
			return StageResult{}
		},
		svcC: func(in []byte, attempt int, now int64) StageResult {
			t.Fatal("stage3's handler must never run")
			return StageResult{}
		},
	}

	log := audit.New()
	composed := policy.NewComposed("root", log, policy.AllowAll{})
	ex := NewExecutor(nil, composed, handlers)
	result, trace := ex.Execute(ExecContext{
		Spec: spec, ExecutionID: gen.NewExecutionID(),
		InitialAuthority: policy.NewCapabilitySet(),
		Token:            src.Token(),
		Clock:            kclock.New(0),
		Input:            []byte("seed"),
	})

	if result.Kind != PipelineCancelled || result.CancelledStage != "stage2" {
		t.Fatalf("expected Cancelled at stage2, got %+v", result)
	}
	if result.CancelReason.Kind != lifecycle.ReasonUserCancel {
		t.Fatalf("expected UserCancel reason, got %v", result.CancelReason)
	}
	if len(trace) != 1 {
		t.Fatalf("expected exactly 1 trace entry (stage1's attempt), got %d", len(trace))
	}

	counts := log.KindCounts()
	if counts[string(policy.OnPipelineStageStart)] != 2 {
		t.Fatalf("expected OnPipelineStageStart audited for stage1 and stage2 only, got %d", counts[string(policy.OnPipelineStageStart)])
	}
}

func TestDerivedAuthorityEscalationRejectedBeforeStageRuns(t *testing.T) {
	gen := ids.NewGenerator(4)
	svc := gen.NewServiceID()
	ran := false
	spec := &Spec{
		ID: "p4", InputSchema: schemaV(1), OutputSchema: schemaV(1),
		Stages: []StageSpec{
			{Name: "only", HandlerService: svc, InputSchema: schemaV(1), OutputSchema: schemaV(1)},
		},
	}
	handlers := map[ids.ServiceID]HandlerFunc{
		svc: func(in []byte, attempt int, now int64) StageResult {
			ran = true
			return StageResult{Kind: StageSuccess, Output: in}
		},
	}

	escalating := policy.Func{FuncName: "escalator", Fn: func(event policy.Event, ctx policy.Context) policy.Decision {
		if event == policy.OnPipelineStart {
			return policy.AllowDecision(&policy.DerivedAuthority{Capabilities: policy.NewCapabilitySet(ids.CapabilityID(1), ids.CapabilityID(999))})
		}
		return policy.AllowDecision(nil)
	}}

	ex := NewExecutor(nil, escalating, handlers)
	result, _ := ex.Execute(ExecContext{
		Spec: spec, ExecutionID: gen.NewExecutionID(),
		InitialAuthority: policy.NewCapabilitySet(ids.CapabilityID(1)),
		Token:            lifecycle.NewSource().Token(),
		Clock:            kclock.New(0),
		Input:            []byte("x"),
	})

	if result.Kind != PipelineFailed {
		t.Fatalf("expected Failed, got %+v", result)
	}
	var invalid *policy.DerivedAuthorityInvalidError
	if !errors.As(result.Cause, &invalid) {
		t.Fatalf("expected DerivedAuthorityInvalidError, got %v", result.Cause)
	}
	if ran {
		t.Fatal("the stage handler must never run when derived authority is rejected")
	}
}

func TestSchemaChainBrokenRejectedAtValidation(t *testing.T) {
	gen := ids.NewGenerator(5)
	svc := gen.NewServiceID()
	spec := &Spec{
		ID: "p5", InputSchema: schemaV(1), OutputSchema: schemaV(2),
		Stages: []StageSpec{
			{Name: "only", HandlerService: svc, InputSchema: schemaV(1), OutputSchema: schemaV(1)},
		},
	}
	ex := NewExecutor(nil, nil, nil)
	result, trace := ex.Execute(ExecContext{
		Spec: spec, ExecutionID: gen.NewExecutionID(),
		InitialAuthority: policy.NewCapabilitySet(),
		Token:            lifecycle.NewSource().Token(),
		Clock:            kclock.New(0),
		Input:            []byte("x"),
	})
	var broken *SchemaChainBrokenError
	if !errors.As(result.Cause, &broken) {
		t.Fatalf("expected SchemaChainBrokenError, got %v", result.Cause)
	}
	if len(trace) != 0 {
		t.Fatal("a construction-time validation failure must produce no attempts")
	}
}

func TestValidationIsMemoizedPerSpecPointer(t *testing.T) {
	gen := ids.NewGenerator(6)
	svc := gen.NewServiceID()
	spec := &Spec{
		ID: "p6", InputSchema: schemaV(1), OutputSchema: schemaV(1),
		Stages: []StageSpec{{Name: "only", HandlerService: svc, InputSchema: schemaV(1), OutputSchema: schemaV(1)}},
	}
	v := NewValidator()
	if err := v.Validate(spec); err != nil {
		t.Fatalf("first validate: %v", err)
	}
	// Mutate the spec after caching; a pointer-keyed memo should keep
	// returning the first (stale) verdict rather than re-walking.
	spec.OutputSchema = schemaV(9)
	if err := v.Validate(spec); err != nil {
		t.Fatalf("memoized validate should still return the cached verdict, got %v", err)
	}
}

func TestExecuteUsesSelectorWhenStageHasCandidates(t *testing.T) {
	gen := ids.NewGenerator(8)
	good, bad := gen.NewServiceID(), gen.NewServiceID()
	spec := &Spec{
		ID: "p7", InputSchema: schemaV(1), OutputSchema: schemaV(1),
		Stages: []StageSpec{
			{Name: "pick", Candidates: []ids.ServiceID{bad, good}, InputSchema: schemaV(1), OutputSchema: schemaV(1)},
		},
	}
	called := make(map[ids.ServiceID]bool)
	handlers := map[ids.ServiceID]HandlerFunc{
		good: func(in []byte, attempt int, now int64) StageResult { called[good] = true; return StageResult{Kind: StageSuccess, Output: in} },
		bad:  func(in []byte, attempt int, now int64) StageResult { called[bad] = true; return StageResult{Kind: StageSuccess, Output: in} },
	}

	ex := NewExecutor(nil, nil, handlers)
	ex.Selector.RecordOutcome(good, true)
	ex.Selector.RecordOutcome(good, true)
	ex.Selector.RecordOutcome(bad, false)
	ex.Selector.RecordOutcome(bad, false)

	result, _ := ex.Execute(ExecContext{
		Spec: spec, ExecutionID: gen.NewExecutionID(),
		InitialAuthority: policy.NewCapabilitySet(),
		Token:            lifecycle.NewSource().Token(),
		Clock:            kclock.New(0),
		Input:            []byte("x"),
	})
	if result.Kind != PipelineSuccess {
		t.Fatalf("expected Success, got %+v", result)
	}
	if !called[good] || called[bad] {
		t.Fatalf("expected the higher-ranked candidate to be invoked, called=%v", called)
	}
}

func TestHandlerSelectorPrefersHigherSuccessRate(t *testing.T) {
	gen := ids.NewGenerator(7)
	good, bad := gen.NewServiceID(), gen.NewServiceID()
	sel := NewHandlerSelector(DefaultSelectionWeights())
	for i := 0; i < 5; i++ {
		sel.RecordOutcome(good, true)
	}
	for i := 0; i < 5; i++ {
		sel.RecordOutcome(bad, false)
	}
	ranked := sel.Rank([]ids.ServiceID{bad, good}, policy.NewCapabilitySet(), nil)
	if len(ranked) != 2 || ranked[0].Service != good {
		t.Fatalf("expected the higher success-rate handler ranked first, got %+v", ranked)
	}
}
