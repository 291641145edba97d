package fault

import (
	"testing"

	"github.com/dataparency-dev/capkernel/ids"
)

func TestDropNextDiscardsExactlyOneMessage(t *testing.T) {
	gen := ids.NewGenerator(1)
	ch := gen.NewChannelID()
	plan := NewPlan().ScheduleDrop(ch, 1)
	inj := NewInjector[string](plan, nil)

	r1 := inj.Apply(ch, "m1", 0)
	if len(r1.Delivered) != 0 {
		t.Fatalf("expected drop, got delivered=%v", r1.Delivered)
	}
	r2 := inj.Apply(ch, "m2", 1)
	if len(r2.Delivered) != 1 || r2.Delivered[0] != "m2" {
		t.Fatalf("expected m2 delivered after the one-shot drop, got %v", r2.Delivered)
	}
}

func TestDropNextWithCountDropsExactlyThatMany(t *testing.T) {
	gen := ids.NewGenerator(9)
	ch := gen.NewChannelID()
	plan := NewPlan().ScheduleDrop(ch, 2)
	inj := NewInjector[string](plan, nil)

	if r := inj.Apply(ch, "m1", 0); len(r.Delivered) != 0 {
		t.Fatalf("message 1 should be dropped, got %v", r.Delivered)
	}
	if r := inj.Apply(ch, "m2", 1); len(r.Delivered) != 0 {
		t.Fatalf("message 2 should also be dropped, got %v", r.Delivered)
	}
	r3 := inj.Apply(ch, "m3", 2)
	if len(r3.Delivered) != 1 || r3.Delivered[0] != "m3" {
		t.Fatalf("message 3 should be delivered once the drop count is exhausted, got %v", r3.Delivered)
	}
	if got := inj.SentCount(ch); got != 3 {
		t.Fatalf("expected 3 sends observed (drops still count as sends), got %d", got)
	}
}

func TestDelayNextReportsLatencyWithoutDropping(t *testing.T) {
	gen := ids.NewGenerator(2)
	ch := gen.NewChannelID()
	plan := NewPlan().ScheduleDelay(ch, 500)
	inj := NewInjector[string](plan, nil)

	r := inj.Apply(ch, "m1", 0)
	if len(r.Delivered) != 1 || r.Delivered[0] != "m1" {
		t.Fatalf("delayed message must still be delivered, got %v", r.Delivered)
	}
	if r.DelayNs != 500 {
		t.Fatalf("expected 500ns delay, got %d", r.DelayNs)
	}
}

func TestReorderNextSwapsAdjacentPair(t *testing.T) {
	gen := ids.NewGenerator(3)
	ch := gen.NewChannelID()
	plan := NewPlan().ScheduleReorder(ch)
	inj := NewInjector[string](plan, nil)

	r1 := inj.Apply(ch, "first", 0)
	if len(r1.Delivered) != 0 {
		t.Fatalf("first message of a reorder pair must be held, got %v", r1.Delivered)
	}
	r2 := inj.Apply(ch, "second", 1)
	if len(r2.Delivered) != 2 || r2.Delivered[0] != "second" || r2.Delivered[1] != "first" {
		t.Fatalf("expected swapped delivery order, got %v", r2.Delivered)
	}
}

func TestFlushReleasesHeldReorderItem(t *testing.T) {
	gen := ids.NewGenerator(4)
	ch := gen.NewChannelID()
	plan := NewPlan().ScheduleReorder(ch)
	inj := NewInjector[string](plan, nil)

	inj.Apply(ch, "only", 0)
	item, ok := inj.Flush(ch)
	if !ok || item != "only" {
		t.Fatalf("expected flush to release the held item, got %q ok=%v", item, ok)
	}
	if _, ok := inj.Flush(ch); ok {
		t.Fatal("flush should be empty after draining the held item")
	}
}

func TestCrashAfterMessagesTripsAtThresholdAndStaysTripped(t *testing.T) {
	gen := ids.NewGenerator(5)
	ch := gen.NewChannelID()
	plan := NewPlan().SetCrashAfterMessages(ch, 3)
	inj := NewInjector[string](plan, nil)

	for i := 0; i < 2; i++ {
		if r := inj.Apply(ch, "m", int64(i)); r.Crashed {
			t.Fatalf("message %d should not have crashed yet", i)
		}
	}
	r3 := inj.Apply(ch, "m3", 2)
	if !r3.Crashed {
		t.Fatal("third message should trip the crash threshold")
	}
	r4 := inj.Apply(ch, "m4", 3)
	if !r4.Crashed {
		t.Fatal("crash threshold must remain tripped for later messages")
	}
}

func TestCrashTakesPriorityOverQueuedOneShotFault(t *testing.T) {
	gen := ids.NewGenerator(6)
	ch := gen.NewChannelID()
	plan := NewPlan().ScheduleDrop(ch, 1).SetCrashAfterMessages(ch, 1)
	inj := NewInjector[string](plan, nil)

	r := inj.Apply(ch, "m1", 0)
	if !r.Crashed {
		t.Fatal("a tripped crash threshold must win over a queued one-shot fault")
	}
}

func TestPlanReplayIsDeterministic(t *testing.T) {
	gen := ids.NewGenerator(7)
	ch := gen.NewChannelID()
	build := func() *Plan {
		return NewPlan().ScheduleDrop(ch, 1).ScheduleDelay(ch, 10).ScheduleReorder(ch).SetCrashAfterMessages(ch, 10)
	}
	messages := []string{"a", "b", "c", "d", "e"}

	run := func() [][]string {
		inj := NewInjector[string](build(), nil)
		var out [][]string
		for i, m := range messages {
			out = append(out, inj.Apply(ch, m, int64(i)).Delivered)
		}
		return out
	}

	r1, r2 := run(), run()
	if len(r1) != len(r2) {
		t.Fatalf("replay length mismatch: %d vs %d", len(r1), len(r2))
	}
	for i := range r1 {
		if len(r1[i]) != len(r2[i]) {
			t.Fatalf("replay diverged at step %d: %v vs %v", i, r1[i], r2[i])
		}
		for j := range r1[i] {
			if r1[i][j] != r2[i][j] {
				t.Fatalf("replay diverged at step %d[%d]: %v vs %v", i, j, r1[i], r2[i])
			}
		}
	}
}

func TestIndependentChannelsDoNotInterfere(t *testing.T) {
	gen := ids.NewGenerator(8)
	chA, chB := gen.NewChannelID(), gen.NewChannelID()
	plan := NewPlan().ScheduleDrop(chA, 1)
	inj := NewInjector[string](plan, nil)

	if r := inj.Apply(chB, "b1", 0); len(r.Delivered) != 1 {
		t.Fatalf("channel B should be unaffected by a fault scheduled on A, got %v", r.Delivered)
	}
	if r := inj.Apply(chA, "a1", 1); len(r.Delivered) != 0 {
		t.Fatalf("channel A's drop should still apply, got %v", r.Delivered)
	}
}
