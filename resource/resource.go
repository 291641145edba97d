// Package resource implements deterministic per-identity resource
// budgets, usage counters, and fail-stop exhaustion handling (spec
// §3 "Resource budget"/"Resource usage", §4.6).
package resource

import (
	"fmt"
	"sync"

	"github.com/dataparency-dev/capkernel/audit"
	"github.com/dataparency-dev/capkernel/ids"
)

// Budget is an immutable set of optional upper bounds. A nil pointer
// field means "unlimited".
type Budget struct {
	CPUTicks       *uint64
	MemoryUnits    *uint64
	MessageCount   *uint64
	StorageOps     *uint64
	PipelineStages *uint64
}

func capPtr(v uint64) *uint64 { return &v }

// WithCPUTicks returns a copy of b with CPUTicks set.
func (b Budget) WithCPUTicks(v uint64) Budget { b.CPUTicks = capPtr(v); return b }

// WithMemoryUnits returns a copy of b with MemoryUnits set.
func (b Budget) WithMemoryUnits(v uint64) Budget { b.MemoryUnits = capPtr(v); return b }

// WithMessageCount returns a copy of b with MessageCount set.
func (b Budget) WithMessageCount(v uint64) Budget { b.MessageCount = capPtr(v); return b }

// WithStorageOps returns a copy of b with StorageOps set.
func (b Budget) WithStorageOps(v uint64) Budget { b.StorageOps = capPtr(v); return b }

// WithPipelineStages returns a copy of b with PipelineStages set.
func (b Budget) WithPipelineStages(v uint64) Budget { b.PipelineStages = capPtr(v); return b }

func leq(v *uint64, p *uint64) bool {
	if p == nil {
		return true // unlimited parent cap
	}
	if v == nil {
		return false // unlimited child against a bounded parent is not a subset
	}
	return *v <= *p
}

// IsSubsetOf reports whether b is a subset of p: every present cap in
// b is ≤ the corresponding cap in p, with a missing cap in p counting
// as unlimited.
func (b Budget) IsSubsetOf(p Budget) bool {
	return leq(b.CPUTicks, p.CPUTicks) &&
		leq(b.MemoryUnits, p.MemoryUnits) &&
		leq(b.MessageCount, p.MessageCount) &&
		leq(b.StorageOps, p.StorageOps) &&
		leq(b.PipelineStages, p.PipelineStages)
}

// Usage holds saturating counters parallel to Budget.
type Usage struct {
	CPUTicks       uint64
	MemoryUnits    uint64
	MessageCount   uint64
	StorageOps     uint64
	PipelineStages uint64
}

func addSaturating(u uint64, n uint64) uint64 {
	if u+n < u { // overflow
		return ^uint64(0)
	}
	return u + n
}

// Resource names a budgeted dimension, used in BudgetExceededError.
type Resource string

const (
	ResourceCPU            Resource = "cpu_ticks"
	ResourceMemory         Resource = "memory_units"
	ResourceMessage        Resource = "message_count"
	ResourceStorage        Resource = "storage_ops"
	ResourcePipelineStages Resource = "pipeline_stages"
)

// BudgetExceededError reports which resource would have been
// overdrawn, the limit, and the usage at the time of rejection.
type BudgetExceededError struct {
	ResourceName Resource
	Limit        uint64
	Usage        uint64
	Identity     ids.ExecutionID
	Operation    string
	AlreadyDead  bool
}

func (e *BudgetExceededError) Error() string {
	if e.AlreadyDead {
		return fmt.Sprintf("resource: %s budget exceeded for %s during %s (identity cancelled)",
			e.ResourceName, e.Identity, e.Operation)
	}
	return fmt.Sprintf("resource: %s budget exceeded for %s during %s (limit=%d usage=%d)",
		e.ResourceName, e.Identity, e.Operation, e.Limit, e.Usage)
}

// BudgetMissingError is returned when an operation requires a budget
// dimension that the identity was never given (treated distinctly from
// "unlimited": callers that want hard enforcement must say so).
type BudgetMissingError struct {
	Operation string
}

func (e *BudgetMissingError) Error() string {
	return fmt.Sprintf("resource: no budget configured for operation %q", e.Operation)
}

// Canceller terminates an identity due to resource exhaustion. The
// identity registry satisfies this; resource depends only on the
// interface to avoid an import cycle.
type Canceller interface {
	CancelDueToExhaustion(id ids.ExecutionID, reason string, nowNs int64)
}

type noopCanceller struct{}

func (noopCanceller) CancelDueToExhaustion(ids.ExecutionID, string, int64) {}

// Accountant tracks usage against budgets, per identity, and enforces
// fail-stop exhaustion: no throttling, no retry, no reservation.
type Accountant struct {
	mu        sync.Mutex
	budgets   map[ids.ExecutionID]Budget
	usage     map[ids.ExecutionID]*Usage
	cancelled map[ids.ExecutionID]bool
	canceller Canceller
	Audit     *audit.Log
}

// NewAccountant builds an accountant. canceller may be nil, in which
// case exhaustion is tracked and reported but no identity is actually
// cancelled (useful for unit-testing the accountant in isolation).
func NewAccountant(canceller Canceller) *Accountant {
	if canceller == nil {
		canceller = noopCanceller{}
	}
	return &Accountant{
		budgets:   make(map[ids.ExecutionID]Budget),
		usage:     make(map[ids.ExecutionID]*Usage),
		cancelled: make(map[ids.ExecutionID]bool),
		canceller: canceller,
		Audit:     audit.New(),
	}
}

// Register installs a budget for an identity. Called once at spawn.
func (a *Accountant) Register(id ids.ExecutionID, budget Budget) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.budgets[id] = budget
	a.usage[id] = &Usage{}
}

func (a *Accountant) isCancelledLocked(id ids.ExecutionID) bool {
	return a.cancelled[id]
}

// tryConsume is the shared fail-stop consumption path for a single
// resource dimension. consumedKind is the stable audit tag name for a
// successful debit of this dimension (spec §6: MessageConsumed,
// CpuConsumed, PipelineStageConsumed, ...).
func (a *Accountant) tryConsume(id ids.ExecutionID, res Resource, n uint64, limit *uint64, get func(*Usage) uint64, set func(*Usage, uint64), operation, consumedKind string, nowNs int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isCancelledLocked(id) {
		return &BudgetExceededError{ResourceName: res, Identity: id, Operation: operation, AlreadyDead: true}
	}

	u, ok := a.usage[id]
	if !ok {
		return &BudgetMissingError{Operation: operation}
	}

	current := get(u)
	if limit != nil && current+n > *limit {
		limVal := *limit
		a.Audit.Append(nowNs, "BudgetExhausted", map[string]string{
			"identity": id.String(), "resource": string(res), "limit": fmt.Sprint(limVal), "usage": fmt.Sprint(current),
		})
		a.cancelled[id] = true
		a.Audit.Append(nowNs, "CancelledDueToExhaustion", map[string]string{
			"identity": id.String(), "resource": string(res),
		})
		a.canceller.CancelDueToExhaustion(id, "budget:"+string(res), nowNs)
		return &BudgetExceededError{ResourceName: res, Limit: limVal, Usage: current, Identity: id, Operation: operation}
	}

	set(u, addSaturating(current, n))
	a.Audit.Append(nowNs, consumedKind, map[string]string{
		"identity": id.String(), "resource": string(res), "amount": fmt.Sprint(n),
	})
	return nil
}

// TryConsumeMessage debits one message from the identity's budget.
func (a *Accountant) TryConsumeMessage(id ids.ExecutionID, nowNs int64) error {
	budget := a.budgetOf(id)
	return a.tryConsume(id, ResourceMessage, 1, budget.MessageCount,
		func(u *Usage) uint64 { return u.MessageCount },
		func(u *Usage, v uint64) { u.MessageCount = v },
		"message", "MessageConsumed", nowNs)
}

// TryConsumeCPU debits n CPU ticks.
func (a *Accountant) TryConsumeCPU(id ids.ExecutionID, n uint64, nowNs int64) error {
	budget := a.budgetOf(id)
	return a.tryConsume(id, ResourceCPU, n, budget.CPUTicks,
		func(u *Usage) uint64 { return u.CPUTicks },
		func(u *Usage, v uint64) { u.CPUTicks = v },
		"cpu", "CpuConsumed", nowNs)
}

// TryConsumeStage debits one pipeline stage execution.
func (a *Accountant) TryConsumeStage(id ids.ExecutionID, stageName string, nowNs int64) error {
	budget := a.budgetOf(id)
	return a.tryConsume(id, ResourcePipelineStages, 1, budget.PipelineStages,
		func(u *Usage) uint64 { return u.PipelineStages },
		func(u *Usage, v uint64) { u.PipelineStages = v },
		"pipeline_stage:"+stageName, "PipelineStageConsumed", nowNs)
}

// TryConsumeStorageOp debits one storage operation.
func (a *Accountant) TryConsumeStorageOp(id ids.ExecutionID, nowNs int64) error {
	budget := a.budgetOf(id)
	return a.tryConsume(id, ResourceStorage, 1, budget.StorageOps,
		func(u *Usage) uint64 { return u.StorageOps },
		func(u *Usage, v uint64) { u.StorageOps = v },
		"storage_op", "StorageOpConsumed", nowNs)
}

func (a *Accountant) budgetOf(id ids.ExecutionID) Budget {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.budgets[id]
}

// UsageOf returns a snapshot of an identity's current usage.
func (a *Accountant) UsageOf(id ids.ExecutionID) Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	if u, ok := a.usage[id]; ok {
		return *u
	}
	return Usage{}
}

// IsCancelled reports whether the identity has been cancelled due to
// exhaustion.
func (a *Accountant) IsCancelled(id ids.ExecutionID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled[id]
}
