// Package capability implements the authority table: the single
// source of truth for capability ownership, move-only transfer, and
// invalidation (spec §4.1, §8 "Capability non-leak" / "Move semantics").
package capability

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dataparency-dev/capkernel/audit"
	"github.com/dataparency-dev/capkernel/ids"
)

// State is a capability's lifecycle state. Once Invalid, a capability
// never transitions back to Valid (invariant I1).
type State int

const (
	Valid State = iota
	Invalid
)

func (s State) String() string {
	if s == Valid {
		return "valid"
	}
	return "invalid"
}

// Record is one entry in the authority table.
type Record struct {
	ID          ids.CapabilityID
	Owner       ids.TaskID
	TypeTag     string
	State       State
	GrantedAtNs int64
}

// NotOwnerError is returned when a caller attempts to mutate a
// capability it does not own.
type NotOwnerError struct {
	CapID ids.CapabilityID
	Actor ids.TaskID
}

func (e *NotOwnerError) Error() string {
	return fmt.Sprintf("capability: task %s is not the owner of %d", e.Actor, e.CapID)
}

// InvalidCapabilityError is returned for operations against an Invalid
// or unknown capability.
type InvalidCapabilityError struct {
	CapID ids.CapabilityID
}

func (e *InvalidCapabilityError) Error() string {
	return fmt.Sprintf("capability: %d is invalid or unknown", e.CapID)
}

// TaskDeadError is returned when delegation targets a terminated task.
type TaskDeadError struct {
	Task ids.TaskID
}

func (e *TaskDeadError) Error() string {
	return fmt.Sprintf("capability: task %s is dead", e.Task)
}

// LivenessChecker reports whether a task is still alive. The identity
// registry satisfies this; the authority table depends only on the
// interface to avoid an import cycle between capability and identity.
type LivenessChecker interface {
	IsAlive(ids.TaskID) bool
}

type alwaysAlive struct{}

func (alwaysAlive) IsAlive(ids.TaskID) bool { return true }

// Table is the authority table: one owner per capability, every public
// mutation audited in issue order (invariant I3). A cross-domain
// Delegate adds a CrossDomainDelegation entry after its Delegated
// entry, and InvalidateAll logs one Invalidated entry per capability.
type Table struct {
	mu       sync.Mutex
	gen      *ids.Generator
	records  map[ids.CapabilityID]*Record
	liveness LivenessChecker
	Audit    *audit.Log
}

// NewTable builds an authority table. liveness may be nil, in which
// case every task is considered alive (useful for tests exercising the
// table in isolation from an identity registry).
func NewTable(gen *ids.Generator, liveness LivenessChecker) *Table {
	if liveness == nil {
		liveness = alwaysAlive{}
	}
	return &Table{
		gen:      gen,
		records:  make(map[ids.CapabilityID]*Record),
		liveness: liveness,
		Audit:    audit.New(),
	}
}

// Grant allocates a fresh capability owned by owner.
func (t *Table) Grant(owner ids.TaskID, typeTag string, nowNs int64) ids.CapabilityID {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.gen.NewCapabilityID()
	t.records[id] = &Record{ID: id, Owner: owner, TypeTag: typeTag, State: Valid, GrantedAtNs: nowNs}
	t.Audit.Append(nowNs, "Granted", map[string]string{
		"cap_id": fmt.Sprint(id), "owner": owner.String(), "type_tag": typeTag,
	})
	return id
}

// Delegate reassigns ownership from `from` to `to`. Move semantics: on
// success, `from`'s subsequent attempts against this cap fail as
// NotOwner (invariant: exactly one owner at all times).
func (t *Table) Delegate(cap ids.CapabilityID, from, to ids.TaskID, fromDomain, toDomain string, nowNs int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[cap]
	if !ok {
		return &InvalidCapabilityError{CapID: cap}
	}
	if rec.Owner != from {
		return &NotOwnerError{CapID: cap, Actor: from}
	}
	if rec.State != Valid {
		return &InvalidCapabilityError{CapID: cap}
	}
	if !t.liveness.IsAlive(to) {
		return &TaskDeadError{Task: to}
	}

	rec.Owner = to
	t.Audit.Append(nowNs, "Delegated", map[string]string{
		"cap_id": fmt.Sprint(cap), "from": from.String(), "to": to.String(),
	})
	if fromDomain != toDomain {
		t.Audit.Append(nowNs, "CrossDomainDelegation", map[string]string{
			"cap_id": fmt.Sprint(cap), "from_domain": fromDomain, "to_domain": toDomain,
		})
	}
	return nil
}

// Drop invalidates a capability; owner-only.
func (t *Table) Drop(cap ids.CapabilityID, task ids.TaskID, nowNs int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[cap]
	if !ok {
		return &InvalidCapabilityError{CapID: cap}
	}
	if rec.Owner != task {
		return &NotOwnerError{CapID: cap, Actor: task}
	}
	if rec.State != Valid {
		return nil // already invalid, dropping again is a no-op
	}
	rec.State = Invalid
	t.Audit.Append(nowNs, "Dropped", map[string]string{
		"cap_id": fmt.Sprint(cap), "owner": task.String(),
	})
	return nil
}

// InvalidateAll flips every capability owned by task to Invalid in one
// logical step, logging one Invalidated entry per cap (invariant I2:
// no operation with owner `task` succeeds afterward).
func (t *Table) InvalidateAll(task ids.TaskID, nowNs int64) []ids.CapabilityID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var invalidated []ids.CapabilityID
	for _, rec := range t.records {
		if rec.Owner == task && rec.State == Valid {
			invalidated = append(invalidated, rec.ID)
		}
	}
	// Ascending id order keeps the audit log identical across runs.
	sort.Slice(invalidated, func(i, j int) bool { return invalidated[i] < invalidated[j] })
	for _, id := range invalidated {
		t.records[id].State = Invalid
		t.Audit.Append(nowNs, "Invalidated", map[string]string{
			"cap_id": fmt.Sprint(id), "owner": task.String(),
		})
	}
	return invalidated
}

// Check reports whether cap is Valid and owned by task.
func (t *Table) Check(cap ids.CapabilityID, task ids.TaskID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[cap]
	return ok && rec.State == Valid && rec.Owner == task
}

// Owner returns the current owner and whether the capability exists at
// all (regardless of state).
func (t *Table) Owner(cap ids.CapabilityID) (ids.TaskID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[cap]
	if !ok {
		return ids.NilTaskID, false
	}
	return rec.Owner, true
}

// RecordInvalidUseAttempt logs an attempted use of an already-invalid
// or unowned capability, for audit visibility into misuse attempts
// that callers choose to surface (the table itself never calls this;
// the kernel facade does, at the point it rejects such a use).
func (t *Table) RecordInvalidUseAttempt(cap ids.CapabilityID, actor ids.TaskID, nowNs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Audit.Append(nowNs, "InvalidUseAttempt", map[string]string{
		"cap_id": fmt.Sprint(cap), "actor": actor.String(),
	})
}
