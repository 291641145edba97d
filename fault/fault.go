// Package fault implements deterministic fault injection for channel
// traffic: scheduled drops, delays, reordering, and threshold-based
// crashes (spec §4.3).
package fault

import (
	"sync"

	"github.com/dataparency-dev/capkernel/audit"
	"github.com/dataparency-dev/capkernel/ids"
)

// Kind is a closed variant of the injectable fault types.
type Kind string

const (
	DropNext           Kind = "DropNext"
	DelayNext          Kind = "DelayNext"
	ReorderNext        Kind = "ReorderNext"
	CrashAfterMessages Kind = "CrashAfterMessages"
)

// oneShotFault is a queued fault consumed by the next `count` sends on
// its channel, decrementing on each application until exhausted.
type oneShotFault struct {
	kind    Kind
	delayNs int64
	count   int
}

// Plan is a deterministic schedule of faults per channel. Building a
// Plan never consults the clock or randomness, so replaying the same
// sequence of Apply calls against an identically built Plan always
// yields the same sequence of outcomes. An Injector consumes a Plan's
// one-shot faults as it applies them, so a replay needs a fresh Plan.
type Plan struct {
	oneShot    map[ids.ChannelID][]oneShotFault
	crashAfter map[ids.ChannelID]uint64
}

// NewPlan creates an empty fault plan: no channel is faulty until
// scheduled.
func NewPlan() *Plan {
	return &Plan{
		oneShot:    make(map[ids.ChannelID][]oneShotFault),
		crashAfter: make(map[ids.ChannelID]uint64),
	}
}

// ScheduleDrop queues a DropNext{count} fault: the next `count` messages
// sent on ch are discarded instead of delivered. count <= 0 is treated
// as 1.
func (p *Plan) ScheduleDrop(ch ids.ChannelID, count int) *Plan {
	if count <= 0 {
		count = 1
	}
	p.oneShot[ch] = append(p.oneShot[ch], oneShotFault{kind: DropNext, count: count})
	return p
}

// ScheduleDelay queues a DelayNext fault: the next message sent on ch
// is delivered, but the injector reports delayNs of added latency for
// the caller to apply to the message's visible-at time.
func (p *Plan) ScheduleDelay(ch ids.ChannelID, delayNs int64) *Plan {
	p.oneShot[ch] = append(p.oneShot[ch], oneShotFault{kind: DelayNext, delayNs: delayNs, count: 1})
	return p
}

// ScheduleReorder queues a ReorderNext fault: the next message sent on
// ch is held back until the message after it arrives, then the two are
// delivered swapped.
func (p *Plan) ScheduleReorder(ch ids.ChannelID) *Plan {
	p.oneShot[ch] = append(p.oneShot[ch], oneShotFault{kind: ReorderNext, count: 2})
	return p
}

// SetCrashAfterMessages installs a standing threshold: the n-th message
// sent on ch (and every one after) trips a crash outcome instead of
// being delivered. A threshold of 0 disables the fault.
func (p *Plan) SetCrashAfterMessages(ch ids.ChannelID, n uint64) *Plan {
	if n == 0 {
		delete(p.crashAfter, ch)
	} else {
		p.crashAfter[ch] = n
	}
	return p
}

// popOneShot consumes one application of the front fault for ch,
// removing it once its count is exhausted.
func (p *Plan) popOneShot(ch ids.ChannelID) (oneShotFault, bool) {
	q := p.oneShot[ch]
	if len(q) == 0 {
		return oneShotFault{}, false
	}
	f := q[0]
	if q[0].count > 1 {
		q[0].count--
	} else {
		p.oneShot[ch] = q[1:]
	}
	return f, true
}

// Result describes what an Injector decided for a single send call.
// Delivered holds zero, one, or two items (two only on the swap half of
// a ReorderNext pair) in the order they should now reach the channel.
type Result[T any] struct {
	Delivered []T
	DelayNs   int64
	Crashed   bool
}

// Injector consults a Plan on every send and applies held-item state
// for in-progress reorders. It is parameterized over the message
// payload type so it never needs to know about envelope internals.
type Injector[T any] struct {
	mu        sync.Mutex
	plan      *Plan
	sentCount map[ids.ChannelID]uint64
	held      map[ids.ChannelID]T
	hasHeld   map[ids.ChannelID]bool
	Audit     *audit.Log
}

// NewInjector builds an injector over plan, logging every fault it
// applies to log. A nil plan behaves as an always-empty plan.
func NewInjector[T any](plan *Plan, log *audit.Log) *Injector[T] {
	if plan == nil {
		plan = NewPlan()
	}
	if log == nil {
		log = audit.New()
	}
	return &Injector[T]{
		plan:      plan,
		sentCount: make(map[ids.ChannelID]uint64),
		held:      make(map[ids.ChannelID]T),
		hasHeld:   make(map[ids.ChannelID]bool),
		Audit:     log,
	}
}

// Apply decides the fate of item being sent on ch at nowNs: delivered
// immediately, delivered-with-delay, held for reordering, dropped, or
// crashed. A crash takes priority over any one-shot fault so a tripped
// threshold cannot be starved by an earlier queued fault.
func (inj *Injector[T]) Apply(ch ids.ChannelID, item T, nowNs int64) Result[T] {
	inj.mu.Lock()
	defer inj.mu.Unlock()

	inj.sentCount[ch]++
	count := inj.sentCount[ch]

	if threshold, ok := inj.plan.crashAfter[ch]; ok && count >= threshold {
		inj.Audit.Append(nowNs, "FaultCrash", map[string]string{
			"channel": ch.String(), "at_message": itoa(count),
		})
		return Result[T]{Crashed: true}
	}

	f, ok := inj.plan.popOneShot(ch)
	if !ok {
		if inj.hasHeld[ch] {
			// No further reorder fault queued; flush the held item ahead of
			// this one, preserving arrival order.
			prior := inj.held[ch]
			delete(inj.held, ch)
			inj.hasHeld[ch] = false
			return Result[T]{Delivered: []T{prior, item}}
		}
		return Result[T]{Delivered: []T{item}}
	}

	switch f.kind {
	case DropNext:
		inj.Audit.Append(nowNs, "FaultDropped", map[string]string{"channel": ch.String()})
		return Result[T]{}
	case DelayNext:
		inj.Audit.Append(nowNs, "FaultDelayed", map[string]string{
			"channel": ch.String(), "delay_ns": itoa(uint64(f.delayNs)),
		})
		return Result[T]{Delivered: []T{item}, DelayNs: f.delayNs}
	case ReorderNext:
		if inj.hasHeld[ch] {
			prior := inj.held[ch]
			delete(inj.held, ch)
			inj.hasHeld[ch] = false
			inj.Audit.Append(nowNs, "FaultReordered", map[string]string{"channel": ch.String()})
			return Result[T]{Delivered: []T{item, prior}}
		}
		inj.held[ch] = item
		inj.hasHeld[ch] = true
		return Result[T]{}
	default:
		return Result[T]{Delivered: []T{item}}
	}
}

// Flush releases any item still held back for a pending reorder on ch,
// in its original position. Call this when a channel is drained or
// closed so a lone ReorderNext fault never silently swallows a message.
func (inj *Injector[T]) Flush(ch ids.ChannelID) (T, bool) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	if !inj.hasHeld[ch] {
		var zero T
		return zero, false
	}
	item := inj.held[ch]
	delete(inj.held, ch)
	inj.hasHeld[ch] = false
	return item, true
}

// SentCount reports how many messages have been offered to Apply for
// ch so far.
func (inj *Injector[T]) SentCount(ch ids.ChannelID) uint64 {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.sentCount[ch]
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
