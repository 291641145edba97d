// Package collab declares the external collaborator interfaces the
// kernel substrate assumes but does not implement: storage, process
// management, editor/workspace shell, input/focus, hardware, and
// logging integrations. Spec §1/§6 are explicit that these sit outside
// the substrate's boundary — every type here is an interface (or a
// thin struct carrying only the ids the substrate itself produces),
// never a concrete implementation.
package collab

import (
	"github.com/dataparency-dev/capkernel/identity"
	"github.com/dataparency-dev/capkernel/ids"
)

// ObjectID and VersionID are opaque identifiers a storage service
// mints; the substrate only ever holds capabilities scoped to them, it
// never interprets their contents.
type ObjectID string
type VersionID string

// StorageService is the capability-gated object store a task's
// granted capabilities may authorize access to. The substrate
// delegates `StorageOps` accounting to resource.Accountant; this
// interface is the boundary a real object store would implement on
// the other side of a granted capability.
type StorageService interface {
	Read(cap ids.CapabilityID, object ObjectID, version VersionID) ([]byte, error)
	Write(cap ids.CapabilityID, object ObjectID, data []byte) (VersionID, error)
}

// ProcessManager consumes exit notifications emitted by
// identity.Registry to decide whether to restart, escalate, or retire
// the process backing a terminated execution identity.
type ProcessManager interface {
	HandleExit(notification identity.ExitNotification)
}

// Editor is the workspace-facing surface a capability-gated editing
// session would implement; the substrate only ever hands it capability
// ids, never file contents.
type Editor interface {
	Open(cap ids.CapabilityID, object ObjectID) error
	Close(cap ids.CapabilityID) error
}

// WorkspaceShell represents a command surface a supervised task can be
// granted delegated capabilities to drive.
type WorkspaceShell interface {
	Run(cap ids.CapabilityID, command string, args []string) ([]byte, error)
}

// InputFocusService consumes delegated capability ids to decide which
// task currently owns keyboard/pointer focus.
type InputFocusService interface {
	RequestFocus(cap ids.CapabilityID, task ids.TaskID) error
	ReleaseFocus(cap ids.CapabilityID, task ids.TaskID) error
}

// HardwareAbstraction stands in for any real device I/O a capability
// might gate; the substrate never performs real hardware I/O itself
// (spec §1 Non-goals) and only ever forwards a capability id to it.
type HardwareAbstraction interface {
	Invoke(cap ids.CapabilityID, command string, payload []byte) ([]byte, error)
}

// LoggerService is the sink ambient structured logging (logrus in this
// module) could be routed to in a real deployment; the substrate's own
// deterministic audit logs never flow through it.
type LoggerService interface {
	Log(level string, msg string, fields map[string]interface{})
}

// ServiceLookup is the minimal surface `kernel.LookupService` needs
// from a service registry, expressed as an interface so collaborators
// can be tested against a fake without importing svcreg directly.
type ServiceLookup interface {
	Lookup(service ids.ServiceID) (ids.ChannelID, error)
}
