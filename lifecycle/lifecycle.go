// Package lifecycle implements cancellation sources/tokens and
// clock-derived deadlines (spec §4.5).
package lifecycle

import (
	"fmt"
	"sync"

	"github.com/dataparency-dev/capkernel/kclock"
)

// CancellationReasonKind is a closed variant of why a token was
// signalled.
type CancellationReasonKind string

const (
	ReasonUserCancel       CancellationReasonKind = "user_cancel"
	ReasonTimeout          CancellationReasonKind = "timeout"
	ReasonSupervisorCancel CancellationReasonKind = "supervisor_cancel"
	ReasonDependencyFailed CancellationReasonKind = "dependency_failed"
	ReasonCustom           CancellationReasonKind = "custom"
)

// CancellationReason carries the kind plus, for Custom, free text.
type CancellationReason struct {
	Kind   CancellationReasonKind
	Detail string
}

func (r CancellationReason) String() string {
	if r.Kind == ReasonCustom {
		return fmt.Sprintf("Custom(%s)", r.Detail)
	}
	return string(r.Kind)
}

// UserCancel, SupervisorCancel, DependencyFailed, TimeoutReason are the
// zero-argument CancellationReason constructors.
func UserCancel() CancellationReason       { return CancellationReason{Kind: ReasonUserCancel} }
func SupervisorCancel() CancellationReason { return CancellationReason{Kind: ReasonSupervisorCancel} }
func DependencyFailed() CancellationReason { return CancellationReason{Kind: ReasonDependencyFailed} }
func TimeoutReason() CancellationReason    { return CancellationReason{Kind: ReasonTimeout} }

// Custom builds a CancellationReason with free-text detail.
func Custom(detail string) CancellationReason {
	return CancellationReason{Kind: ReasonCustom, Detail: detail}
}

// CancelledError is returned by ThrowIfCancelled.
type CancelledError struct {
	Reason CancellationReason
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("lifecycle: cancelled: %s", e.Reason)
}

// Source signals any number of cloned tokens. Signalling is idempotent
// — the first reason wins and is visible on every token thereafter.
type Source struct {
	mu        sync.Mutex
	signalled bool
	reason    CancellationReason
}

// NewSource creates an unsignalled cancellation source.
func NewSource() *Source {
	return &Source{}
}

// Cancel signals the source. The first call's reason is sticky;
// subsequent calls are no-ops.
func (s *Source) Cancel(reason CancellationReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signalled {
		return
	}
	s.signalled = true
	s.reason = reason
}

// Token returns a live view onto this source. Tokens are cheap value
// types; cloning is just copying the struct.
func (s *Source) Token() Token {
	return Token{source: s}
}

// Token observes a Source's cancellation state.
type Token struct {
	source *Source
}

// IsCancelled reports whether the underlying source has been
// signalled.
func (t Token) IsCancelled() bool {
	if t.source == nil {
		return false
	}
	t.source.mu.Lock()
	defer t.source.mu.Unlock()
	return t.source.signalled
}

// Reason returns the sticky cancellation reason, if any.
func (t Token) Reason() (CancellationReason, bool) {
	if t.source == nil {
		return CancellationReason{}, false
	}
	t.source.mu.Lock()
	defer t.source.mu.Unlock()
	if !t.source.signalled {
		return CancellationReason{}, false
	}
	return t.source.reason, true
}

// ThrowIfCancelled returns a *CancelledError iff the token is
// cancelled.
func (t Token) ThrowIfCancelled() error {
	if reason, ok := t.Reason(); ok {
		return &CancelledError{Reason: reason}
	}
	return nil
}

// Deadline re-exports kclock.Deadline so callers only need to import
// lifecycle for the full cancellation/deadline vocabulary.
type Deadline = kclock.Deadline
