package collab

import (
	"testing"

	"github.com/dataparency-dev/capkernel/identity"
	"github.com/dataparency-dev/capkernel/ids"
)

type fakeProcessManager struct {
	handled []identity.ExitNotification
}

func (f *fakeProcessManager) HandleExit(n identity.ExitNotification) {
	f.handled = append(f.handled, n)
}

func TestProcessManagerReceivesExitNotification(t *testing.T) {
	var pm ProcessManager = &fakeProcessManager{}
	gen := ids.NewGenerator(1)
	n := identity.ExitNotification{TaskID: gen.NewTaskID()}
	pm.HandleExit(n)

	impl := pm.(*fakeProcessManager)
	if len(impl.handled) != 1 || impl.handled[0].TaskID != n.TaskID {
		t.Fatalf("expected the notification to be recorded, got %+v", impl.handled)
	}
}

type fakeServiceLookup struct {
	ch  ids.ChannelID
	err error
}

func (f *fakeServiceLookup) Lookup(service ids.ServiceID) (ids.ChannelID, error) {
	return f.ch, f.err
}

func TestServiceLookupSatisfiedByFake(t *testing.T) {
	gen := ids.NewGenerator(1)
	want := gen.NewChannelID()
	svc := gen.NewServiceID()
	var sl ServiceLookup = &fakeServiceLookup{ch: want}

	got, err := sl.Lookup(svc)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != want {
		t.Fatalf("expected channel %v, got %v", want, got)
	}
}
