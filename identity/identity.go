// Package identity implements execution identities, parent/child
// supervision, and exit notifications (spec §3 "Execution identity",
// §4.4).
package identity

import (
	"fmt"
	"sync"

	"github.com/dataparency-dev/capkernel/audit"
	"github.com/dataparency-dev/capkernel/capability"
	"github.com/dataparency-dev/capkernel/ids"
	"github.com/dataparency-dev/capkernel/resource"
)

// Kind categorizes an execution identity.
type Kind string

const (
	KindSystem        Kind = "system"
	KindService       Kind = "service"
	KindComponent     Kind = "component"
	KindPipelineStage Kind = "pipeline_stage"
)

// ExitReason is a closed variant describing why a task terminated.
type ExitReason struct {
	Kind  ExitReasonKind
	Err   string // populated for Failure
	Cause string // populated for Cancelled
}

// ExitReasonKind enumerates ExitReason variants.
type ExitReasonKind string

const (
	ExitNormal    ExitReasonKind = "normal"
	ExitFailure   ExitReasonKind = "failure"
	ExitCancelled ExitReasonKind = "cancelled"
	ExitTimeout   ExitReasonKind = "timeout"
)

func (r ExitReason) String() string {
	switch r.Kind {
	case ExitFailure:
		return fmt.Sprintf("Failure{%s}", r.Err)
	case ExitCancelled:
		return fmt.Sprintf("Cancelled{%s}", r.Cause)
	default:
		return string(r.Kind)
	}
}

// Normal, Timeout are the zero-argument ExitReason constructors.
func Normal() ExitReason  { return ExitReason{Kind: ExitNormal} }
func Timeout() ExitReason { return ExitReason{Kind: ExitTimeout} }

// Failure builds an ExitReason carrying the failing error's message.
func Failure(err string) ExitReason { return ExitReason{Kind: ExitFailure, Err: err} }

// Cancelled builds an ExitReason carrying a cancellation cause.
func Cancelled(cause string) ExitReason { return ExitReason{Kind: ExitCancelled, Cause: cause} }

// Identity is immutable metadata for an execution context, plus the
// single mutable liveness flag spec §3 allows after creation.
type Identity struct {
	ExecutionID ids.ExecutionID
	TaskID      *ids.TaskID
	Kind        Kind
	TrustDomain string
	Parent      *ids.ExecutionID
	Creator     *ids.ExecutionID
	Budget      *resource.Budget
	CreatedAtNs int64

	mu        sync.Mutex
	cancelled bool
}

// Cancelled reports the identity's current liveness flag.
func (i *Identity) Cancelled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cancelled
}

// ExitNotification is enqueued to a parent identity when a child
// terminates.
type ExitNotification struct {
	ExecutionID   ids.ExecutionID
	TaskID        ids.TaskID
	Reason        ExitReason
	TerminatedAtNs int64
}

// InvalidBudgetDerivationError is returned by spawn when a child's
// budget is not a subset of its parent's.
type InvalidBudgetDerivationError struct {
	Child  ids.ExecutionID
	Parent ids.ExecutionID
}

func (e *InvalidBudgetDerivationError) Error() string {
	return fmt.Sprintf("identity: budget for %s is not a subset of parent %s's budget", e.Child, e.Parent)
}

// IdentityNotFoundError is returned when an operation names an unknown
// execution id.
type IdentityNotFoundError struct {
	ExecutionID ids.ExecutionID
}

func (e *IdentityNotFoundError) Error() string {
	return fmt.Sprintf("identity: %s not found", e.ExecutionID)
}

// SupervisorCircuitOpenError is returned by spawn when the parent's
// supervision policy has tripped (see SupervisionPolicy).
type SupervisorCircuitOpenError struct {
	Parent ids.ExecutionID
}

func (e *SupervisorCircuitOpenError) Error() string {
	return fmt.Sprintf("identity: supervisor circuit open for %s, spawn rejected", e.Parent)
}

// SupervisionPolicy is an optional, opt-in generalization of §4.4's
// exit-notification machinery, adapted from the teacher's
// security.CircuitBreaker: after FailureThreshold abnormal
// (Failure/Timeout) child exits, further spawns under the supervising
// parent are rejected until Reset is called.
type SupervisionPolicy struct {
	FailureThreshold int
}

type supervisorState struct {
	policy       SupervisionPolicy
	failureCount int
	tripped      bool
}

// Registry stores identities, exit notification queues, and optional
// per-identity supervision state.
type Registry struct {
	mu            sync.Mutex
	identities    map[ids.ExecutionID]*Identity
	taskToExec    map[ids.TaskID]ids.ExecutionID
	exitQueues    map[ids.ExecutionID][]ExitNotification
	supervisors   map[ids.ExecutionID]*supervisorState
	capabilities  *capability.Table
	Audit         *audit.Log
}

// NewRegistry builds an identity registry bound to an authority table
// (so termination can invalidate the terminated task's capabilities).
func NewRegistry(capTable *capability.Table) *Registry {
	return &Registry{
		identities:   make(map[ids.ExecutionID]*Identity),
		taskToExec:   make(map[ids.TaskID]ids.ExecutionID),
		exitQueues:   make(map[ids.ExecutionID][]ExitNotification),
		supervisors:  make(map[ids.ExecutionID]*supervisorState),
		capabilities: capTable,
		Audit:        audit.New(),
	}
}

// SpawnParams groups the arguments to Spawn.
type SpawnParams struct {
	ExecutionID ids.ExecutionID
	TaskID      *ids.TaskID
	Kind        Kind
	TrustDomain string
	Parent      *ids.ExecutionID
	Creator     *ids.ExecutionID
	Budget      *resource.Budget
	CreatedAtNs int64
}

// Spawn creates a new execution identity, enforcing budget-subset
// inheritance from the parent (if any) and the parent's supervision
// circuit (if tripped).
func (r *Registry) Spawn(p SpawnParams) (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Parent != nil {
		if sup, ok := r.supervisors[*p.Parent]; ok && sup.tripped {
			return nil, &SupervisorCircuitOpenError{Parent: *p.Parent}
		}
		parent, ok := r.identities[*p.Parent]
		if !ok {
			return nil, &IdentityNotFoundError{ExecutionID: *p.Parent}
		}
		if parent.Budget != nil {
			if p.Budget == nil || !p.Budget.IsSubsetOf(*parent.Budget) {
				return nil, &InvalidBudgetDerivationError{Child: p.ExecutionID, Parent: *p.Parent}
			}
		}
	}

	id := &Identity{
		ExecutionID: p.ExecutionID,
		TaskID:      p.TaskID,
		Kind:        p.Kind,
		TrustDomain: p.TrustDomain,
		Parent:      p.Parent,
		Creator:     p.Creator,
		Budget:      p.Budget,
		CreatedAtNs: p.CreatedAtNs,
	}
	r.identities[p.ExecutionID] = id
	if p.TaskID != nil {
		r.taskToExec[*p.TaskID] = p.ExecutionID
	}
	r.Audit.Append(p.CreatedAtNs, "IdentitySpawned", map[string]string{
		"execution_id": p.ExecutionID.String(), "kind": string(p.Kind), "trust_domain": p.TrustDomain,
	})
	return id, nil
}

// AttachSupervision installs a supervision policy on a parent
// identity, activating the adapted circuit-breaker behavior.
func (r *Registry) AttachSupervision(parent ids.ExecutionID, policy SupervisionPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.supervisors[parent] = &supervisorState{policy: policy}
}

// ResetSupervision clears a tripped supervision circuit.
func (r *Registry) ResetSupervision(parent ids.ExecutionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup, ok := r.supervisors[parent]; ok {
		sup.tripped = false
		sup.failureCount = 0
	}
}

// Get returns the identity for an execution id.
func (r *Registry) Get(id ids.ExecutionID) (*Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ident, ok := r.identities[id]
	return ident, ok
}

// TaskExecutionID resolves a task id to the execution identity it is
// currently bound to, for callers (e.g. policy context construction)
// that only carry a TaskID.
func (r *Registry) TaskExecutionID(task ids.TaskID) (ids.ExecutionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	execID, ok := r.taskToExec[task]
	return execID, ok
}

// IsAlive satisfies capability.LivenessChecker: a task is alive iff its
// bound execution identity exists and is not cancelled.
func (r *Registry) IsAlive(task ids.TaskID) bool {
	r.mu.Lock()
	execID, ok := r.taskToExec[task]
	r.mu.Unlock()
	if !ok {
		return false
	}
	ident, ok := r.Get(execID)
	if !ok {
		return false
	}
	return !ident.Cancelled()
}

// CancelDueToExhaustion satisfies resource.Canceller: the accountant
// calls this when a budget is overdrawn; it terminates the identity
// with a Custom cancellation reason.
func (r *Registry) CancelDueToExhaustion(id ids.ExecutionID, reasonText string, nowNs int64) {
	r.Terminate(id, Cancelled(reasonText), nowNs)
}

// Terminate retires an identity: invalidates its task's capabilities,
// enqueues an exit notification to its parent, marks it cancelled, and
// (if a supervision policy is attached to its parent) records the
// exit against the circuit breaker.
func (r *Registry) Terminate(id ids.ExecutionID, reason ExitReason, nowNs int64) {
	r.mu.Lock()
	ident, ok := r.identities[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	ident.mu.Lock()
	alreadyDone := ident.cancelled
	ident.cancelled = true
	ident.mu.Unlock()
	parent := ident.Parent
	taskID := ident.TaskID
	r.mu.Unlock()

	if alreadyDone {
		return
	}

	if taskID != nil && r.capabilities != nil {
		r.capabilities.InvalidateAll(*taskID, nowNs)
	}

	if parent != nil {
		notif := ExitNotification{
			ExecutionID:    id,
			TerminatedAtNs: nowNs,
			Reason:         reason,
		}
		if taskID != nil {
			notif.TaskID = *taskID
		}
		r.mu.Lock()
		r.exitQueues[*parent] = append(r.exitQueues[*parent], notif)
		if sup, ok := r.supervisors[*parent]; ok && !sup.tripped {
			if reason.Kind == ExitFailure || reason.Kind == ExitTimeout {
				sup.failureCount++
				if sup.failureCount >= sup.policy.FailureThreshold {
					sup.tripped = true
				}
			}
		}
		r.mu.Unlock()
	}

	r.Audit.Append(nowNs, "IdentityTerminated", map[string]string{
		"execution_id": id.String(), "reason": reason.String(),
	})
}

// ExitNotifications returns the queued notifications for a parent
// identity.
func (r *Registry) ExitNotifications(parent ids.ExecutionID) []ExitNotification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ExitNotification, len(r.exitQueues[parent]))
	copy(out, r.exitQueues[parent])
	return out
}

// ClearExitNotifications drains a parent's exit notification queue.
func (r *Registry) ClearExitNotifications(parent ids.ExecutionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.exitQueues, parent)
}

// SpawnWarning is an advisory finding from ScreenSpawn.
type SpawnWarning string

// ScreenSpawn is a pure, advisory heuristic adapted from the teacher's
// security.ScreenTask: it never blocks a spawn (budget-subset
// enforcement in Spawn already performs the hard check), it only flags
// child budgets that are suspiciously permissive relative to the
// parent's, for the caller to audit-log if it wishes.
func ScreenSpawn(child resource.Budget, parent *resource.Budget) []SpawnWarning {
	if parent == nil {
		return nil
	}
	var warnings []SpawnWarning
	tooClose := func(name string, c, p *uint64) {
		if c == nil || p == nil || *p == 0 {
			return
		}
		if float64(*c) >= 0.9*float64(*p) {
			warnings = append(warnings, SpawnWarning(fmt.Sprintf("%s budget within 90%% of parent's cap", name)))
		}
	}
	tooClose("message_count", child.MessageCount, parent.MessageCount)
	tooClose("cpu_ticks", child.CPUTicks, parent.CPUTicks)
	tooClose("pipeline_stages", child.PipelineStages, parent.PipelineStages)
	return warnings
}
