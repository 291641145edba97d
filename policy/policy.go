// Package policy defines the pluggable policy engine interface, its
// composition semantics, and derived-authority subset validation
// (spec §4.7).
package policy

import (
	"fmt"

	"github.com/dataparency-dev/capkernel/audit"
	"github.com/dataparency-dev/capkernel/ids"
)

// Event is a closed variant of the substrate events a policy engine
// may be asked to evaluate.
type Event string

const (
	OnSpawn               Event = "OnSpawn"
	OnCapabilityDelegate  Event = "OnCapabilityDelegate"
	OnPipelineStart       Event = "OnPipelineStart"
	OnPipelineStageStart  Event = "OnPipelineStageStart"
	OnPipelineStageEnd    Event = "OnPipelineStageEnd"
)

// Context carries the actor/target identities, trust domains,
// capability ids, and pipeline/stage ids relevant to the decision.
type Context struct {
	Actor          ids.ExecutionID
	Target         *ids.ExecutionID
	ActorDomain    string
	TargetDomain   string
	CapabilityIDs  []ids.CapabilityID
	PipelineID     string
	StageID        string
	Metadata       map[string]string
}

// CapabilitySet is a plain set of capability ids, used both as the
// caller's current authority and as a DerivedAuthority's grant.
type CapabilitySet map[ids.CapabilityID]struct{}

// NewCapabilitySet builds a CapabilitySet from a slice.
func NewCapabilitySet(caps ...ids.CapabilityID) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// IsSubsetOf reports whether every member of s is also in other.
func (s CapabilitySet) IsSubsetOf(other CapabilitySet) bool {
	for c := range s {
		if _, ok := other[c]; !ok {
			return false
		}
	}
	return true
}

// Contains reports whether cap is a member.
func (s CapabilitySet) Contains(cap ids.CapabilityID) bool {
	_, ok := s[cap]
	return ok
}

// Union returns a new set containing every member of s and other.
func (s CapabilitySet) Union(other CapabilitySet) CapabilitySet {
	out := make(CapabilitySet, len(s)+len(other))
	for c := range s {
		out[c] = struct{}{}
	}
	for c := range other {
		out[c] = struct{}{}
	}
	return out
}

// DerivedAuthority is a policy-provided subset of the caller's current
// authority, scoped to a pipeline or stage, plus free-text constraints.
type DerivedAuthority struct {
	Capabilities CapabilitySet
	Constraints  []string
}

// DecisionKind is a closed variant: Allow, Deny, or Require.
type DecisionKind string

const (
	Allow   DecisionKind = "Allow"
	Deny    DecisionKind = "Deny"
	Require DecisionKind = "Require"
)

// Decision is the result of evaluating a policy against an event.
type Decision struct {
	Kind    DecisionKind
	Derived *DerivedAuthority // only meaningful for Allow
	Reason  string            // only meaningful for Deny
	Action  string            // only meaningful for Require
}

// AllowDecision, DenyDecision, RequireDecision are Decision
// constructors.
func AllowDecision(derived *DerivedAuthority) Decision {
	return Decision{Kind: Allow, Derived: derived}
}
func DenyDecision(reason string) Decision {
	return Decision{Kind: Deny, Reason: reason}
}
func RequireDecision(action string) Decision {
	return Decision{Kind: Require, Action: action}
}

// Engine is any evaluator deciding Allow/Deny/Require on substrate
// events.
type Engine interface {
	Evaluate(event Event, ctx Context) Decision
	Name() string
}

// DerivedAuthorityInvalidError is returned by the enforcement point
// (the pipeline executor) when a policy's derived authority is not a
// subset of the caller's current authority.
type DerivedAuthorityInvalidError struct {
	Policy string
	Event  Event
	Delta  []ids.CapabilityID // capabilities present in Derived but not in current authority
}

func (e *DerivedAuthorityInvalidError) Error() string {
	return fmt.Sprintf("policy: %s's derived authority for %s exceeds current authority (extra=%v)", e.Policy, e.Event, e.Delta)
}

// ValidateDerived checks that derived (if any) is a subset of current,
// returning a *DerivedAuthorityInvalidError describing the offending
// delta on failure. A nil derived authority always validates.
func ValidateDerived(policyName string, event Event, derived *DerivedAuthority, current CapabilitySet) error {
	if derived == nil {
		return nil
	}
	if derived.Capabilities.IsSubsetOf(current) {
		return nil
	}
	var delta []ids.CapabilityID
	for c := range derived.Capabilities {
		if !current.Contains(c) {
			delta = append(delta, c)
		}
	}
	return &DerivedAuthorityInvalidError{Policy: policyName, Event: event, Delta: delta}
}

// DeniedError is returned when a policy decision resolves to Deny.
type DeniedError struct {
	Policy string
	Event  Event
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("policy: %s denied %s: %s", e.Policy, e.Event, e.Reason)
}

// RequiredError is returned when a policy decision resolves to Require
// and the caller has not (yet) satisfied the named action.
type RequiredError struct {
	Policy string
	Event  Event
	Action string
}

func (e *RequiredError) Error() string {
	return fmt.Sprintf("policy: %s requires action %q for %s", e.Policy, e.Action, e.Event)
}

// ChildReport captures one child's decision within a ComposedPolicy's
// evaluation, for explainability.
type ChildReport struct {
	Policy   string
	Decision Decision
}

// DecisionReport is the output of a ComposedPolicy evaluation, listing
// every child's decision.
type DecisionReport struct {
	Final    Decision
	Children []ChildReport
}

// Composed evaluates a sequence of child engines in order, with
// precedence Deny > Require > Allow: the first Deny short-circuits.
type Composed struct {
	name     string
	children []Engine
	Audit    *audit.Log
}

// NewComposed builds a composed policy engine over children, evaluated
// in the given order.
func NewComposed(name string, audit *audit.Log, children ...Engine) *Composed {
	return &Composed{name: name, children: children, Audit: audit}
}

func (c *Composed) Name() string { return c.name }

// Evaluate runs every child, recording a DecisionReport, and returns
// the precedence-resolved final decision. Precedence: Deny > Require >
// Allow. The spec's "ComposedPolicy never emits Allow when any child
// emits Deny" and "emits Require iff no child denies and at least one
// requires" properties fall directly out of this resolution order.
func (c *Composed) Evaluate(event Event, ctx Context) Decision {
	report := DecisionReport{}
	var sawRequire *Decision
	var finalAllow Decision = AllowDecision(nil)

	for _, child := range c.children {
		d := child.Evaluate(event, ctx)
		report.Children = append(report.Children, ChildReport{Policy: child.Name(), Decision: d})
		switch d.Kind {
		case Deny:
			report.Final = d
			if c.Audit != nil {
				c.Audit.Append(0, string(event), map[string]string{
					"policy": c.name, "decision": string(d.Kind), "reason": d.Reason,
				})
			}
			return d
		case Require:
			if sawRequire == nil {
				dd := d
				sawRequire = &dd
			}
		case Allow:
			if d.Derived != nil {
				finalAllow = d
			}
		}
	}

	final := finalAllow
	if sawRequire != nil {
		final = *sawRequire
	}
	report.Final = final
	if c.Audit != nil {
		c.Audit.Append(0, string(event), map[string]string{
			"policy": c.name, "decision": string(final.Kind),
		})
	}
	return final
}

// LastReport is not stored by Composed (evaluation is stateless per
// call); callers that need the full per-child report should call
// EvaluateWithReport instead.
func (c *Composed) EvaluateWithReport(event Event, ctx Context) (Decision, DecisionReport) {
	report := DecisionReport{}
	final := c.evaluateInto(event, ctx, &report)
	return final, report
}

func (c *Composed) evaluateInto(event Event, ctx Context, report *DecisionReport) Decision {
	var sawRequire *Decision
	finalAllow := AllowDecision(nil)

	for _, child := range c.children {
		d := child.Evaluate(event, ctx)
		report.Children = append(report.Children, ChildReport{Policy: child.Name(), Decision: d})
		switch d.Kind {
		case Deny:
			report.Final = d
			return d
		case Require:
			if sawRequire == nil {
				dd := d
				sawRequire = &dd
			}
		case Allow:
			if d.Derived != nil {
				finalAllow = d
			}
		}
	}

	final := finalAllow
	if sawRequire != nil {
		final = *sawRequire
	}
	report.Final = final
	return final
}

// AuditingEngine wraps any Engine so that every Evaluate call appends
// a decision entry to Audit, regardless of whether the wrapped engine
// records its own decisions. Composed.Evaluate already records its own
// final decision, but a caller holding a single, uncomposed Engine (or a
// Composed built without an audit log) has no way to guarantee §4.7's
// "all decisions append to the policy audit log" invariant; wrapping
// the root engine in an AuditingEngine makes that guarantee hold at
// every evaluation point instead of only where a Composed happens to
// be used.
type AuditingEngine struct {
	Inner Engine
	Audit *audit.Log
	Now   func() int64
}

// NewAuditingEngine builds an AuditingEngine. now is invoked once per
// Evaluate to timestamp the audit entry; a nil now stamps every entry
// at 0.
func NewAuditingEngine(inner Engine, auditLog *audit.Log, now func() int64) *AuditingEngine {
	return &AuditingEngine{Inner: inner, Audit: auditLog, Now: now}
}

func (a *AuditingEngine) Name() string { return a.Inner.Name() }

// Evaluate delegates to the wrapped engine, then unconditionally
// records the resulting decision.
func (a *AuditingEngine) Evaluate(event Event, ctx Context) Decision {
	d := a.Inner.Evaluate(event, ctx)
	if a.Audit != nil {
		var nowNs int64
		if a.Now != nil {
			nowNs = a.Now()
		}
		fields := map[string]string{"policy": a.Inner.Name(), "decision": string(d.Kind)}
		if d.Kind == Deny {
			fields["reason"] = d.Reason
		}
		if d.Kind == Require {
			fields["action"] = d.Action
		}
		if ctx.PipelineID != "" {
			fields["pipeline_id"] = ctx.PipelineID
		}
		if ctx.StageID != "" {
			fields["stage_id"] = ctx.StageID
		}
		a.Audit.Append(nowNs, string(event), fields)
	}
	return d
}

// AllowAll is a trivial engine that always allows with no derived
// authority, useful as a default root policy and in tests.
type AllowAll struct{}

func (AllowAll) Name() string { return "allow-all" }
func (AllowAll) Evaluate(Event, Context) Decision { return AllowDecision(nil) }

// Func adapts a plain function into an Engine, named for audit/report
// readability.
type Func struct {
	FuncName string
	Fn       func(Event, Context) Decision
}

func (f Func) Name() string { return f.FuncName }
func (f Func) Evaluate(event Event, ctx Context) Decision { return f.Fn(event, ctx) }
