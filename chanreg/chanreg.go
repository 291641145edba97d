// Package chanreg implements bounded FIFO message channels: creation,
// send, and receive, with fault injection and resource accounting
// applied on every send (spec §4.2).
package chanreg

import (
	"fmt"
	"sync"

	"github.com/dataparency-dev/capkernel/envelope"
	"github.com/dataparency-dev/capkernel/fault"
	"github.com/dataparency-dev/capkernel/ids"
	"github.com/dataparency-dev/capkernel/resource"
)

// DefaultCapacity is used by CreateChannel callers that don't specify
// one explicitly.
const DefaultCapacity = 64

// ChannelNotFoundError is returned by Send/Receive for an unknown or
// already-removed channel id.
type ChannelNotFoundError struct {
	Channel ids.ChannelID
}

func (e *ChannelNotFoundError) Error() string {
	return fmt.Sprintf("chanreg: channel %s not found", e.Channel)
}

// ChannelFullError is returned by Send when the channel is at capacity.
// No budget is consumed and no fault is applied for a rejected send.
type ChannelFullError struct {
	Channel  ids.ChannelID
	Capacity int
}

func (e *ChannelFullError) Error() string {
	return fmt.Sprintf("chanreg: channel %s is full (capacity=%d)", e.Channel, e.Capacity)
}

// FaultCrashError signals that the configured fault plan tripped a
// CrashAfterMessages threshold on this send. The caller (the kernel
// facade) decides how to translate this into identity termination;
// chanreg itself has no notion of identities or supervision.
type FaultCrashError struct {
	Channel ids.ChannelID
}

func (e *FaultCrashError) Error() string {
	return fmt.Sprintf("chanreg: fault plan crashed the sender on channel %s", e.Channel)
}

// TerminatedError is returned by Send/Receive once the channel's
// endpoint task has been terminated: every pending and future receive
// on a terminated task's channels fails with this error instead of
// silently blocking forever.
type TerminatedError struct {
	Channel ids.ChannelID
	Task    ids.TaskID
}

func (e *TerminatedError) Error() string {
	return fmt.Sprintf("chanreg: channel %s's endpoint task %s was terminated", e.Channel, e.Task)
}

type queuedEnvelope struct {
	env         envelope.Envelope
	visibleAtNs int64
}

type channel struct {
	id         ids.ChannelID
	endpoint   ids.TaskID
	capacity   int
	queue      []queuedEnvelope
	terminated bool
}

// Registry owns every live channel plus the fault injector and resource
// accountant consulted on each send.
type Registry struct {
	mu         sync.Mutex
	channels   map[ids.ChannelID]*channel
	gen        *ids.Generator
	injector   *fault.Injector[envelope.Envelope]
	accountant *resource.Accountant
}

// NewRegistry builds an empty channel registry. accountant may be nil
// to skip resource accounting (useful in isolated tests); plan may be
// nil for an always-empty fault plan.
func NewRegistry(gen *ids.Generator, plan *fault.Plan, accountant *resource.Accountant) *Registry {
	return &Registry{
		channels:   make(map[ids.ChannelID]*channel),
		gen:        gen,
		injector:   fault.NewInjector[envelope.Envelope](plan, nil),
		accountant: accountant,
	}
}

// CreateChannel allocates a new bounded FIFO channel declared for
// endpoint and returns its id. capacity <= 0 falls back to
// DefaultCapacity. endpoint is the task this channel belongs to;
// terminating it via TerminateEndpoint fails any pending or future
// receive on the channel.
func (r *Registry) CreateChannel(endpoint ids.TaskID, capacity int) ids.ChannelID {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	id := r.gen.NewChannelID()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[id] = &channel{id: id, endpoint: endpoint, capacity: capacity}
	return id
}

// TerminateEndpoint marks every channel declared for task as
// terminated, so any pending or subsequent Send/Receive against them
// fails with a *TerminatedError, and returns the affected channel ids.
func (r *Registry) TerminateEndpoint(task ids.TaskID) []ids.ChannelID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var affected []ids.ChannelID
	for id, c := range r.channels {
		if c.endpoint == task && !c.terminated {
			c.terminated = true
			affected = append(affected, id)
		}
	}
	return affected
}

// Send enqueues env on ch on behalf of senderExec, after checking
// capacity, debiting the sender's message budget, and consulting the
// fault plan. A *ChannelFullError or *resource.BudgetExceededError
// means nothing was queued and nothing was faulted. A *FaultCrashError
// means the fault plan tripped; the caller must terminate senderExec.
func (r *Registry) Send(senderExec ids.ExecutionID, ch ids.ChannelID, env envelope.Envelope, nowNs int64) error {
	r.mu.Lock()
	c, ok := r.channels[ch]
	r.mu.Unlock()
	if !ok {
		return &ChannelNotFoundError{Channel: ch}
	}

	r.mu.Lock()
	terminated := c.terminated
	full := len(c.queue) >= c.capacity
	r.mu.Unlock()
	if terminated {
		return &TerminatedError{Channel: ch, Task: c.endpoint}
	}
	if full {
		return &ChannelFullError{Channel: ch, Capacity: c.capacity}
	}

	if r.accountant != nil {
		if err := r.accountant.TryConsumeMessage(senderExec, nowNs); err != nil {
			return err
		}
	}

	result := r.injector.Apply(ch, env, nowNs)
	if result.Crashed {
		return &FaultCrashError{Channel: ch}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, delivered := range result.Delivered {
		c.queue = append(c.queue, queuedEnvelope{env: delivered, visibleAtNs: nowNs + result.DelayNs})
	}
	return nil
}

// Receive pops the oldest envelope on ch that is visible at nowNs (its
// delay, if any, has elapsed). ok is false if the channel is empty or
// its head is still delayed.
func (r *Registry) Receive(ch ids.ChannelID, nowNs int64) (envelope.Envelope, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[ch]
	if !ok {
		return envelope.Envelope{}, false, &ChannelNotFoundError{Channel: ch}
	}
	if c.terminated {
		return envelope.Envelope{}, false, &TerminatedError{Channel: ch, Task: c.endpoint}
	}
	if len(c.queue) == 0 {
		return envelope.Envelope{}, false, nil
	}
	head := c.queue[0]
	if head.visibleAtNs > nowNs {
		return envelope.Envelope{}, false, nil
	}
	c.queue = c.queue[1:]
	return head.env, true, nil
}

// SetFaultPlan swaps the fault plan consulted on every subsequent
// Send, in place. Existing channels (and their endpoint/terminated
// state) are untouched; only new faults apply going forward.
func (r *Registry) SetFaultPlan(plan *fault.Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.injector = fault.NewInjector[envelope.Envelope](plan, nil)
}

// Endpoint returns the task ch was declared for.
func (r *Registry) Endpoint(ch ids.ChannelID) (ids.TaskID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[ch]
	if !ok {
		return ids.NilTaskID, false
	}
	return c.endpoint, true
}

// Len reports how many envelopes (including not-yet-visible ones) are
// currently queued on ch.
func (r *Registry) Len(ch ids.ChannelID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.channels[ch]; ok {
		return len(c.queue)
	}
	return 0
}
