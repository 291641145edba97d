// Package pipeline implements the typed, multi-stage execution
// protocol: schema-chain validation, cancellation, timeouts, retries,
// policy-derived authority narrowing, and capability-pool flow between
// stages (spec §4.8).
package pipeline

import (
	"fmt"
	"sort"

	"github.com/patrickmn/go-cache"

	"github.com/dataparency-dev/capkernel/ids"
	"github.com/dataparency-dev/capkernel/kclock"
	"github.com/dataparency-dev/capkernel/lifecycle"
	"github.com/dataparency-dev/capkernel/policy"
	"github.com/dataparency-dev/capkernel/resource"
)

// RetryPolicy configures a stage's transient-failure recovery: fixed or
// exponential backoff, deterministic (the executor advances the
// logical clock itself, never a real timer).
type RetryPolicy struct {
	MaxRetries  int
	BackoffNs   int64
	Exponential bool
}

func (r RetryPolicy) backoffFor(attempt int) int64 {
	if !r.Exponential || attempt <= 1 {
		return r.BackoffNs
	}
	backoff := r.BackoffNs
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	return backoff
}

// StageSpec describes one typed step in a pipeline.
type StageSpec struct {
	StageID        string
	Name           string
	HandlerService ids.ServiceID
	// Candidates, when non-empty, names the handler services eligible
	// for this stage; the executor's HandlerSelector scores them and
	// picks the winner, recording the selected service in each trace
	// entry (the ranking itself is not kept, and HandlerService is not
	// among the scored candidates).
	// Spec §4.8 assumes a single handler; an empty Candidates keeps
	// that exact behavior (HandlerService is used directly, no scoring).
	Candidates   []ids.ServiceID
	Action       string
	InputSchema  ids.SchemaVersion
	OutputSchema ids.SchemaVersion
	RequiredCaps policy.CapabilitySet
	Retry        RetryPolicy
	TimeoutNs    int64
	CPUCost      uint64
}

// Spec is a validated, ordered sequence of stages plus the pipeline's
// own input/output schema contract.
type Spec struct {
	ID           string
	InputSchema  ids.SchemaVersion
	OutputSchema ids.SchemaVersion
	Stages       []StageSpec
	TimeoutNs    int64
}

// SchemaChainBrokenError reports the first schema discontinuity found
// during construction-time validation.
type SchemaChainBrokenError struct {
	Index    int
	Expected ids.SchemaVersion
	Found    ids.SchemaVersion
}

func (e *SchemaChainBrokenError) Error() string {
	return fmt.Sprintf("pipeline: schema chain broken at index %d: expected %s, found %s", e.Index, e.Expected, e.Found)
}

// MissingCapabilityError is returned when a stage's required
// capabilities are not satisfied by the current stage authority/pool.
type MissingCapabilityError struct {
	Stage string
	Cap   ids.CapabilityID
}

func (e *MissingCapabilityError) Error() string {
	return fmt.Sprintf("pipeline: stage %q missing required capability %d", e.Stage, e.Cap)
}

// StageFailedError wraps a stage's terminal failure cause.
type StageFailedError struct {
	Stage string
	Cause error
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("pipeline: stage %q failed: %v", e.Stage, e.Cause)
}
func (e *StageFailedError) Unwrap() error { return e.Cause }

// Validator memoizes schema-chain validation by Spec pointer identity,
// so a pipeline executed many times only pays the chain-walk cost once.
type Validator struct {
	cache *cache.Cache
}

// NewValidator builds an empty, unexpiring validation cache.
func NewValidator() *Validator {
	return &Validator{cache: cache.New(cache.NoExpiration, cache.NoExpiration)}
}

type validationResult struct{ err error }

func specKey(spec *Spec) string { return fmt.Sprintf("%p", spec) }

// Validate checks the schema chain described in spec.md §4.8:
// pipeline.input_schema == stages[0].input_schema, every adjacent pair
// chains output→input, and stages[last].output_schema ==
// pipeline.output_schema.
func (v *Validator) Validate(spec *Spec) error {
	key := specKey(spec)
	if cached, ok := v.cache.Get(key); ok {
		return cached.(validationResult).err
	}

	err := validateChain(spec)
	v.cache.Set(key, validationResult{err: err}, cache.NoExpiration)
	return err
}

func validateChain(spec *Spec) error {
	if len(spec.Stages) == 0 {
		return nil
	}
	if spec.InputSchema != spec.Stages[0].InputSchema {
		return &SchemaChainBrokenError{Index: 0, Expected: spec.InputSchema, Found: spec.Stages[0].InputSchema}
	}
	for i := 0; i+1 < len(spec.Stages); i++ {
		if spec.Stages[i].OutputSchema != spec.Stages[i+1].InputSchema {
			return &SchemaChainBrokenError{Index: i + 1, Expected: spec.Stages[i].OutputSchema, Found: spec.Stages[i+1].InputSchema}
		}
	}
	last := spec.Stages[len(spec.Stages)-1]
	if last.OutputSchema != spec.OutputSchema {
		return &SchemaChainBrokenError{Index: len(spec.Stages), Expected: last.OutputSchema, Found: spec.OutputSchema}
	}
	return nil
}

// StageResultKind is the closed variant a handler must resolve to.
type StageResultKind string

const (
	StageSuccess   StageResultKind = "Success"
	StageFailure   StageResultKind = "Failure"
	StageRetryable StageResultKind = "Retryable"
	StageCancelled StageResultKind = "Cancelled"
)

// StageResult is a handler's outcome for one attempt.
type StageResult struct {
	Kind         StageResultKind
	Output       []byte
	CapsOut      policy.CapabilitySet
	Err          error
	CancelReason lifecycle.CancellationReason
}

// HandlerFunc models a stage handler: the substrate has no real OS
// processes, so invocation is a direct, in-memory call keyed by service
// id rather than a round trip through an external process (spec §1
// Non-goals exclude real scheduling).
type HandlerFunc func(input []byte, attempt int, nowNs int64) StageResult

// ResultKind is the closed variant of a whole pipeline's outcome.
type ResultKind string

const (
	PipelineSuccess   ResultKind = "Success"
	PipelineFailed    ResultKind = "Failed"
	PipelineCancelled ResultKind = "Cancelled"
)

// Result is the terminal outcome of one Execute call.
type Result struct {
	Kind           ResultKind
	Output         []byte
	FailedStage    string
	Cause          error
	CancelledStage string
	CancelReason   lifecycle.CancellationReason
}

// TraceEntry records one stage attempt.
type TraceEntry struct {
	StageName string
	Attempt   int
	StartNs   int64
	Kind      StageResultKind
	Err       error
	Selected  ids.ServiceID
}

// Trace is the ordered sequence of attempts made during one Execute
// call; the spec requires exactly one entry per attempt, never per
// stage.
type Trace []TraceEntry

// ExecContext is everything one Execute call needs: the validated
// spec, the identity whose budget pays for it, the initial capability
// pool, a cancellation token, and the clock driving deadlines/backoff.
type ExecContext struct {
	Spec             *Spec
	ExecutionID      ids.ExecutionID
	InitialAuthority policy.CapabilitySet
	Token            lifecycle.Token
	Clock            *kclock.Clock
	Input            []byte
}

// Executor runs validated pipeline specs. It owns no state of its own
// across calls except the schema-validation memo and the handler
// selector's running statistics.
type Executor struct {
	Validator  *Validator
	Accountant *resource.Accountant
	Policy     policy.Engine
	Handlers   map[ids.ServiceID]HandlerFunc
	Selector   *HandlerSelector
}

// NewExecutor builds an executor. policyEngine may be nil (defaults to
// policy.AllowAll{}); accountant may be nil to skip budget enforcement.
func NewExecutor(accountant *resource.Accountant, policyEngine policy.Engine, handlers map[ids.ServiceID]HandlerFunc) *Executor {
	if policyEngine == nil {
		policyEngine = policy.AllowAll{}
	}
	return &Executor{
		Validator:  NewValidator(),
		Accountant: accountant,
		Policy:     policyEngine,
		Handlers:   handlers,
		Selector:   NewHandlerSelector(DefaultSelectionWeights()),
	}
}

func ceilingNarrow(policyName string, event policy.Event, ceiling *policy.CapabilitySet, derived *policy.DerivedAuthority) (*policy.CapabilitySet, error) {
	if derived == nil {
		return ceiling, nil
	}
	if ceiling != nil {
		if err := policy.ValidateDerived(policyName, event, derived, *ceiling); err != nil {
			return nil, err
		}
	}
	narrowed := derived.Capabilities
	return &narrowed, nil
}

func withinCeiling(caps policy.CapabilitySet, ceiling *policy.CapabilitySet) bool {
	if ceiling == nil {
		return true
	}
	return caps.IsSubsetOf(*ceiling)
}

// Execute runs ctx.Spec's stages in order against ctx.Input, returning
// the terminal Result and the full attempt-by-attempt Trace.
func (ex *Executor) Execute(ctx ExecContext) (Result, Trace) {
	var trace Trace

	if err := ex.Validator.Validate(ctx.Spec); err != nil {
		return Result{Kind: PipelineFailed, Cause: err}, trace
	}

	if ctx.Token.IsCancelled() {
		reason, _ := ctx.Token.Reason()
		return Result{Kind: PipelineCancelled, CancelReason: reason}, trace
	}

	if len(ctx.Spec.Stages) == 0 {
		return Result{Kind: PipelineSuccess, Output: ctx.Input}, trace
	}

	policyCtx := policy.Context{Actor: ctx.ExecutionID, PipelineID: ctx.Spec.ID}
	initialCeiling := &ctx.InitialAuthority
	decision := ex.Policy.Evaluate(policy.OnPipelineStart, policyCtx)
	if decision.Kind == policy.Deny {
		return Result{Kind: PipelineFailed, Cause: &policy.DeniedError{Policy: "root", Event: policy.OnPipelineStart, Reason: decision.Reason}}, trace
	}
	if decision.Kind == policy.Require {
		return Result{Kind: PipelineFailed, Cause: &policy.RequiredError{Policy: "root", Event: policy.OnPipelineStart, Action: decision.Action}}, trace
	}
	executionCeiling, err := ceilingNarrow("root", policy.OnPipelineStart, initialCeiling, decision.Derived)
	if err != nil {
		return Result{Kind: PipelineFailed, Cause: err}, trace
	}

	pool := ctx.InitialAuthority
	pipelineDeadline := ctx.Clock.After(ctx.Spec.TimeoutNs)
	currentInput := ctx.Input

	for _, stage := range ctx.Spec.Stages {
		stageCtx := policy.Context{Actor: ctx.ExecutionID, PipelineID: ctx.Spec.ID, StageID: stage.StageID}
		stageDecision := ex.Policy.Evaluate(policy.OnPipelineStageStart, stageCtx)
		if ctx.Token.IsCancelled() {
			reason, _ := ctx.Token.Reason()
			return Result{Kind: PipelineCancelled, CancelledStage: stage.Name, CancelReason: reason}, trace
		}
		if stageDecision.Kind == policy.Deny {
			return Result{Kind: PipelineFailed, FailedStage: stage.Name, Cause: &policy.DeniedError{Policy: "root", Event: policy.OnPipelineStageStart, Reason: stageDecision.Reason}}, trace
		}
		if stageDecision.Kind == policy.Require {
			return Result{Kind: PipelineFailed, FailedStage: stage.Name, Cause: &policy.RequiredError{Policy: "root", Event: policy.OnPipelineStageStart, Action: stageDecision.Action}}, trace
		}
		stageCeiling, err := ceilingNarrow("root", policy.OnPipelineStageStart, executionCeiling, stageDecision.Derived)
		if err != nil {
			return Result{Kind: PipelineFailed, FailedStage: stage.Name, Cause: err}, trace
		}

		for capID := range stage.RequiredCaps {
			if !pool.Contains(capID) || !withinCeiling(policy.NewCapabilitySet(capID), stageCeiling) {
				return Result{Kind: PipelineFailed, FailedStage: stage.Name, Cause: &MissingCapabilityError{Stage: stage.Name, Cap: capID}}, trace
			}
		}

		if ex.Accountant != nil {
			if err := ex.Accountant.TryConsumeStage(ctx.ExecutionID, stage.Name, ctx.Clock.Now()); err != nil {
				return Result{Kind: PipelineFailed, FailedStage: stage.Name, Cause: err}, trace
			}
			if stage.CPUCost > 0 {
				if err := ex.Accountant.TryConsumeCPU(ctx.ExecutionID, stage.CPUCost, ctx.Clock.Now()); err != nil {
					return Result{Kind: PipelineFailed, FailedStage: stage.Name, Cause: err}, trace
				}
			}
		}

		stageDeadline := kclock.Earlier(pipelineDeadline, ctx.Clock.After(stage.TimeoutNs))
		handlerSvc, selectionTrace := ex.selectHandler(stage)

		handlerFn, ok := ex.Handlers[handlerSvc]
		if !ok {
			return Result{Kind: PipelineFailed, FailedStage: stage.Name, Cause: &StageFailedError{Stage: stage.Name, Cause: fmt.Errorf("no handler registered for service %s", handlerSvc)}}, trace
		}

		var outcome StageResult
		attempt := 1
		for {
			if ctx.Token.IsCancelled() {
				reason, _ := ctx.Token.Reason()
				return Result{Kind: PipelineCancelled, CancelledStage: stage.Name, CancelReason: reason}, trace
			}
			if stageDeadline.HasPassed(ctx.Clock.Now()) {
				outcome = StageResult{Kind: StageFailure, Err: fmt.Errorf("stage %q deadline exceeded", stage.Name)}
				trace = append(trace, TraceEntry{StageName: stage.Name, Attempt: attempt, StartNs: ctx.Clock.Now(), Kind: outcome.Kind, Err: outcome.Err, Selected: handlerSvc})
				break
			}

			outcome = handlerFn(currentInput, attempt, ctx.Clock.Now())
			trace = append(trace, TraceEntry{StageName: stage.Name, Attempt: attempt, StartNs: ctx.Clock.Now(), Kind: outcome.Kind, Err: outcome.Err, Selected: handlerSvc})

			if outcome.Kind != StageRetryable {
				break
			}
			if attempt >= stage.Retry.MaxRetries+1 {
				outcome = StageResult{Kind: StageFailure, Err: fmt.Errorf("stage %q exceeded retries: %w", stage.Name, outcome.Err)}
				break
			}
			ctx.Clock.Advance(stage.Retry.backoffFor(attempt))
			attempt++
		}

		ex.Selector.RecordOutcome(handlerSvc, outcome.Kind == StageSuccess)
		_ = selectionTrace

		switch outcome.Kind {
		case StageSuccess:
			pool = pool.Union(outcome.CapsOut)
			currentInput = outcome.Output
			ex.Policy.Evaluate(policy.OnPipelineStageEnd, stageCtx)
		case StageCancelled:
			return Result{Kind: PipelineCancelled, CancelledStage: stage.Name, CancelReason: outcome.CancelReason}, trace
		default:
			return Result{Kind: PipelineFailed, FailedStage: stage.Name, Cause: &StageFailedError{Stage: stage.Name, Cause: outcome.Err}}, trace
		}
	}

	return Result{Kind: PipelineSuccess, Output: currentInput}, trace
}

func (ex *Executor) selectHandler(stage StageSpec) (ids.ServiceID, []ScoredHandler) {
	if len(stage.Candidates) == 0 {
		return stage.HandlerService, nil
	}
	ranked := ex.Selector.Rank(stage.Candidates, stage.RequiredCaps, nil)
	if len(ranked) == 0 {
		return stage.HandlerService, nil
	}
	return ranked[0].Service, ranked
}

// SelectionWeights tunes HandlerSelector's multi-criteria scoring,
// adapted from a bid-ranking weighting scheme: success history, budget
// fit, and capability overlap.
type SelectionWeights struct {
	SuccessRate     float64
	BudgetFit       float64
	CapabilityMatch float64
}

// DefaultSelectionWeights spreads weight evenly across the three
// criteria.
func DefaultSelectionWeights() SelectionWeights {
	return SelectionWeights{SuccessRate: 0.34, BudgetFit: 0.33, CapabilityMatch: 0.33}
}

type handlerStats struct {
	successes uint64
	failures  uint64
}

// HandlerSelector ranks candidate handler services for a stage that
// names more than one, scoring each by observed success rate, a
// caller-supplied budget-fit hint, and capability-offer overlap.
type HandlerSelector struct {
	weights   SelectionWeights
	stats     map[ids.ServiceID]*handlerStats
	budgetFit map[ids.ServiceID]float64
}

// NewHandlerSelector builds a selector with no history yet; every
// candidate starts at a neutral 0.5 success-rate score until it has
// recorded at least one outcome.
func NewHandlerSelector(weights SelectionWeights) *HandlerSelector {
	return &HandlerSelector{
		weights:   weights,
		stats:     make(map[ids.ServiceID]*handlerStats),
		budgetFit: make(map[ids.ServiceID]float64),
	}
}

// SetBudgetFit records an externally-computed 0..1 budget-fit hint for
// svc (e.g. remaining budget headroom relative to the stage's cost).
func (s *HandlerSelector) SetBudgetFit(svc ids.ServiceID, fit float64) {
	s.budgetFit[svc] = fit
}

// RecordOutcome updates svc's running success/failure tally after an
// invocation completes.
func (s *HandlerSelector) RecordOutcome(svc ids.ServiceID, success bool) {
	st, ok := s.stats[svc]
	if !ok {
		st = &handlerStats{}
		s.stats[svc] = st
	}
	if success {
		st.successes++
	} else {
		st.failures++
	}
}

func (s *HandlerSelector) successRate(svc ids.ServiceID) float64 {
	st, ok := s.stats[svc]
	if !ok || (st.successes+st.failures) == 0 {
		return 0.5
	}
	return float64(st.successes) / float64(st.successes+st.failures)
}

func capabilityMatchScore(required policy.CapabilitySet, offered policy.CapabilitySet) float64 {
	if len(required) == 0 {
		return 1.0
	}
	if offered == nil {
		return 0.0
	}
	matched := 0
	for capID := range required {
		if offered.Contains(capID) {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// ScoredHandler pairs a candidate service with its computed score,
// broken down for explainability.
type ScoredHandler struct {
	Service         ids.ServiceID
	Score           float64
	SuccessRate     float64
	BudgetFit       float64
	CapabilityMatch float64
}

// Rank scores every candidate and returns them sorted by descending
// score. offeredCaps, if non-nil, maps each candidate to the
// capabilities it claims to offer for capability-match scoring.
func (s *HandlerSelector) Rank(candidates []ids.ServiceID, requiredCaps policy.CapabilitySet, offeredCaps map[ids.ServiceID]policy.CapabilitySet) []ScoredHandler {
	if len(candidates) == 0 {
		return nil
	}
	scored := make([]ScoredHandler, len(candidates))
	for i, svc := range candidates {
		successRate := s.successRate(svc)
		budgetFit := s.budgetFit[svc]
		var offered policy.CapabilitySet
		if offeredCaps != nil {
			offered = offeredCaps[svc]
		}
		capMatch := capabilityMatchScore(requiredCaps, offered)

		total := s.weights.SuccessRate*successRate + s.weights.BudgetFit*budgetFit + s.weights.CapabilityMatch*capMatch
		scored[i] = ScoredHandler{
			Service: svc, Score: total,
			SuccessRate: successRate, BudgetFit: budgetFit, CapabilityMatch: capMatch,
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored
}
