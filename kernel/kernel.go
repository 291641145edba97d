// Package kernel composes every substrate subsystem into one public
// facade (spec §4.9): identifiers, logical clock, audit, envelopes,
// fault injection, channels, capabilities, resources, identities,
// lifecycle tokens, policy, pipelines, and service lookup. Callers
// never touch a subsystem directly; everything goes through this
// facade so that a single-threaded, deterministic total order over
// kernel operations is preserved (§5).
package kernel

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/dataparency-dev/capkernel/audit"
	"github.com/dataparency-dev/capkernel/auditexport"
	"github.com/dataparency-dev/capkernel/capability"
	"github.com/dataparency-dev/capkernel/capseal"
	"github.com/dataparency-dev/capkernel/chanreg"
	"github.com/dataparency-dev/capkernel/envelope"
	"github.com/dataparency-dev/capkernel/fault"
	"github.com/dataparency-dev/capkernel/identity"
	"github.com/dataparency-dev/capkernel/ids"
	"github.com/dataparency-dev/capkernel/kclock"
	"github.com/dataparency-dev/capkernel/lifecycle"
	"github.com/dataparency-dev/capkernel/pipeline"
	"github.com/dataparency-dev/capkernel/policy"
	"github.com/dataparency-dev/capkernel/resource"
	"github.com/dataparency-dev/capkernel/svcreg"

	"github.com/rainycape/vfs"
)

const defaultChannelDepth = 64

// Options groups the construction-time configuration §6 recognizes.
type Options struct {
	DefaultChannelDepth int
	RngSeed             int64
	PolicyEngine        policy.Engine
	FaultPlan           *fault.Plan
	StartingTimeNs      int64
	Logger              *logrus.Logger
}

// Kernel is the public facade. All fields are unexported; callers only
// ever reach the substrate through the methods below.
type Kernel struct {
	clock   *kclock.Clock
	gen     *ids.Generator
	log     *logrus.Logger
	channelDepth int

	capTable   *capability.Table
	identities *identity.Registry
	accountant *resource.Accountant
	channels   *chanreg.Registry
	services   *svcreg.Registry
	cancelSrc  *lifecycle.Source
	domainKeys *capseal.DomainKeyStore

	policyEngine policy.Engine
	policyAudit  *audit.Log

	executor *pipeline.Executor
}

// New builds a kernel from options, wiring every subsystem together
// exactly once. A zero-value Options produces sane defaults (depth 64,
// seed 0, clock at 0, an allow-all policy engine, no faults).
func New(opts Options) *Kernel {
	depth := opts.DefaultChannelDepth
	if depth <= 0 {
		depth = defaultChannelDepth
	}
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	policyEngine := opts.PolicyEngine
	if policyEngine == nil {
		policyEngine = policy.AllowAll{}
	}
	plan := opts.FaultPlan
	if plan == nil {
		plan = fault.NewPlan()
	}

	clock := kclock.New(opts.StartingTimeNs)
	gen := ids.NewGenerator(opts.RngSeed)

	// capability.Table needs a liveness checker and identity.Registry
	// needs the capability table for invalidation on termination — a
	// genuine construction cycle. lazyLiveness breaks it: the table is
	// built first against a forwarding shim, and the shim is pointed
	// at the identity registry once it exists.
	liveness := &lazyLiveness{}
	capTable := capability.NewTable(gen, liveness)
	identities := identity.NewRegistry(capTable)
	liveness.registry = identities
	accountant := resource.NewAccountant(identities)
	channels := chanreg.NewRegistry(gen, plan, accountant)
	services := svcreg.NewRegistry()
	cancelSrc := lifecycle.NewSource()
	policyAudit := audit.New()

	// Wrapping every installed engine in an AuditingEngine bound to
	// policyAudit is what makes §4.7's "all decisions append to the
	// policy audit log" hold for every evaluation point (spawn,
	// delegation, and all three pipeline events), not only the ones a
	// caller happens to wire into a hand-built Composed.
	auditedEngine := policy.NewAuditingEngine(policyEngine, policyAudit, clock.Now)

	k := &Kernel{
		clock:        clock,
		gen:          gen,
		log:          log,
		channelDepth: depth,
		capTable:     capTable,
		identities:   identities,
		accountant:   accountant,
		channels:     channels,
		services:     services,
		cancelSrc:    cancelSrc,
		domainKeys:   capseal.NewDomainKeyStore(),
		policyEngine: auditedEngine,
		policyAudit:  policyAudit,
	}
	k.executor = pipeline.NewExecutor(accountant, auditedEngine, nil)
	return k
}

// Now returns the current logical clock value.
func (k *Kernel) Now() int64 { return k.clock.Now() }

// Sleep advances the logical clock by durationNs and returns the new
// value, a deterministic suspension point (§5).
func (k *Kernel) Sleep(durationNs int64) int64 { return k.clock.Sleep(durationNs) }

// SpawnParams describes a task to spawn.
type SpawnParams struct {
	Kind        identity.Kind
	TrustDomain string
	Parent      *ids.ExecutionID
	Creator     *ids.ExecutionID
	Budget      *resource.Budget
}

// Handle identifies a spawned task and its bound execution identity.
type Handle struct {
	TaskID      ids.TaskID
	ExecutionID ids.ExecutionID
}

// SpawnTask allocates a fresh task id and execution identity.
func (k *Kernel) SpawnTask(p SpawnParams) (Handle, error) {
	return k.spawn(k.gen.NewTaskID(), p)
}

// SpawnTaskWithIdentity spawns a task bound to a caller-supplied task
// id, for callers that need to correlate the id ahead of time.
func (k *Kernel) SpawnTaskWithIdentity(task ids.TaskID, p SpawnParams) (Handle, error) {
	return k.spawn(task, p)
}

func (k *Kernel) spawn(task ids.TaskID, p SpawnParams) (Handle, error) {
	execID := k.gen.NewExecutionID()
	nowNs := k.clock.Now()

	var parentDomain string
	if p.Parent != nil {
		if parentIdent, ok := k.identities.Get(*p.Parent); ok {
			parentDomain = parentIdent.TrustDomain
			for _, w := range identity.ScreenSpawn(derefBudget(p.Budget), parentIdent.Budget) {
				k.policyAudit.Append(nowNs, "SpawnWarning", map[string]string{
					"execution_id": execID.String(), "warning": string(w),
				})
				k.log.WithFields(logrus.Fields{"execution_id": execID.String(), "warning": string(w)}).Warn("spawn screening flagged a permissive budget")
			}
		}
	}

	if err := k.evaluatePolicy(policy.OnSpawn, policy.Context{
		Actor:        execID,
		Target:       p.Parent,
		ActorDomain:  p.TrustDomain,
		TargetDomain: parentDomain,
		Metadata:     map[string]string{"kind": string(p.Kind)},
	}); err != nil {
		return Handle{}, err
	}

	ident, err := k.identities.Spawn(identity.SpawnParams{
		ExecutionID: execID,
		TaskID:      &task,
		Kind:        p.Kind,
		TrustDomain: p.TrustDomain,
		Parent:      p.Parent,
		Creator:     p.Creator,
		Budget:      p.Budget,
		CreatedAtNs: nowNs,
	})
	if err != nil {
		return Handle{}, err
	}
	// An absent budget registers as unlimited on every dimension.
	k.accountant.Register(execID, derefBudget(p.Budget))
	k.log.WithFields(logrus.Fields{"execution_id": execID.String(), "task_id": task.String(), "kind": p.Kind}).Info("spawn")
	return Handle{TaskID: task, ExecutionID: ident.ExecutionID}, nil
}

func derefBudget(b *resource.Budget) resource.Budget {
	if b == nil {
		return resource.Budget{}
	}
	return *b
}

// evaluatePolicy consults the installed policy engine and translates a
// non-Allow decision into the corresponding §7 error; Allow returns
// nil. Every call lands in k.policyAudit because k.policyEngine is
// always an AuditingEngine (see New, WithPolicyEngine).
func (k *Kernel) evaluatePolicy(event policy.Event, ctx policy.Context) error {
	d := k.policyEngine.Evaluate(event, ctx)
	switch d.Kind {
	case policy.Deny:
		return &policy.DeniedError{Policy: k.policyEngine.Name(), Event: event, Reason: d.Reason}
	case policy.Require:
		return &policy.RequiredError{Policy: k.policyEngine.Name(), Event: event, Action: d.Action}
	default:
		return nil
	}
}

// TerminateTask terminates execID with a normal exit reason.
func (k *Kernel) TerminateTask(execID ids.ExecutionID) {
	k.TerminateTaskWithReason(execID, identity.Normal())
}

// TerminateTaskWithReason terminates execID with an explicit reason,
// invalidating its capabilities (via identity.Registry.Terminate) and
// failing any pending or future receive on its channels with a
// *chanreg.TerminatedError.
func (k *Kernel) TerminateTaskWithReason(execID ids.ExecutionID, reason identity.ExitReason) {
	var taskID *ids.TaskID
	if ident, ok := k.identities.Get(execID); ok {
		taskID = ident.TaskID
	}
	k.identities.Terminate(execID, reason, k.clock.Now())
	if taskID != nil {
		k.channels.TerminateEndpoint(*taskID)
	}
	k.log.WithFields(logrus.Fields{"execution_id": execID.String(), "reason": reason.String()}).Info("terminate")
}

// CreateChannel allocates a bounded FIFO channel at the configured
// default depth, declared for endpoint.
func (k *Kernel) CreateChannel(endpoint ids.TaskID) ids.ChannelID {
	return k.channels.CreateChannel(endpoint, k.channelDepth)
}

// SendMessage enqueues env onto ch on behalf of senderExec. The
// message-count debit happens inside the channel registry itself, so
// that a full or fault-crashed send never gets charged twice. When the
// sender's trust domain differs from ch's declared endpoint's, the
// payload is sealed under the endpoint's domain key before it is
// queued. A send that trips the fault plan's crash threshold terminates
// senderExec with a Failure reason and returns the *chanreg.FaultCrashError.
func (k *Kernel) SendMessage(senderExec ids.ExecutionID, ch ids.ChannelID, env envelope.Envelope) error {
	if targetDomain, ok := k.channelEndpointDomain(ch); ok {
		if senderIdent, ok := k.identities.Get(senderExec); ok && senderIdent.TrustDomain != "" &&
			targetDomain != "" && senderIdent.TrustDomain != targetDomain {
			sealed, err := capseal.Seal(k.domainKeys, targetDomain, env.Payload)
			if err != nil {
				return err
			}
			env.Payload = sealed
			env.Sealed = true
		}
	}
	err := k.channels.Send(senderExec, ch, env, k.clock.Now())
	var crashed *chanreg.FaultCrashError
	if errors.As(err, &crashed) {
		k.TerminateTaskWithReason(senderExec, identity.Failure(err.Error()))
	}
	return err
}

// channelEndpointDomain resolves ch's declared endpoint task to the
// trust domain of its currently bound execution identity, if any.
func (k *Kernel) channelEndpointDomain(ch ids.ChannelID) (string, bool) {
	endpoint, ok := k.channels.Endpoint(ch)
	if !ok {
		return "", false
	}
	execID, ok := k.identities.TaskExecutionID(endpoint)
	if !ok {
		return "", false
	}
	ident, ok := k.identities.Get(execID)
	if !ok {
		return "", false
	}
	return ident.TrustDomain, true
}

// ReceiveMessage dequeues the next deliverable envelope from ch, if
// any is currently visible, attributing the message-count debit to
// receiverExec. The spec's own design notes flag the source's
// ambiguous "set_receive_context" workaround for this accounting and
// prescribe making the receiving identity an explicit parameter
// instead, which is what this signature does. A sealed envelope is
// opened under receiverExec's own trust domain before it is returned.
func (k *Kernel) ReceiveMessage(receiverExec ids.ExecutionID, ch ids.ChannelID) (envelope.Envelope, bool, error) {
	env, ok, err := k.channels.Receive(ch, k.clock.Now())
	if err != nil || !ok {
		return env, ok, err
	}
	if err := k.accountant.TryConsumeMessage(receiverExec, k.clock.Now()); err != nil {
		return env, false, err
	}
	if env.Sealed {
		if receiverIdent, ok := k.identities.Get(receiverExec); ok {
			opened, err := capseal.Open(k.domainKeys, receiverIdent.TrustDomain, env.Payload)
			if err != nil {
				return envelope.Envelope{}, false, err
			}
			env.Payload = opened
			env.Sealed = false
		}
	}
	return env, true, nil
}

// GrantCapability allocates a fresh capability owned by owner.
func (k *Kernel) GrantCapability(owner ids.TaskID, typeTag string) ids.CapabilityID {
	return k.capTable.Grant(owner, typeTag, k.clock.Now())
}

// DelegateCapability transfers ownership of cap from one task to
// another, across trust domains if fromDomain != toDomain, gated by
// the installed policy engine's OnCapabilityDelegate decision.
func (k *Kernel) DelegateCapability(cap ids.CapabilityID, from, to ids.TaskID, fromDomain, toDomain string) error {
	ctx := policy.Context{
		ActorDomain:   fromDomain,
		TargetDomain:  toDomain,
		CapabilityIDs: []ids.CapabilityID{cap},
	}
	if fromExec, ok := k.identities.TaskExecutionID(from); ok {
		ctx.Actor = fromExec
	}
	if toExec, ok := k.identities.TaskExecutionID(to); ok {
		ctx.Target = &toExec
	}
	if err := k.evaluatePolicy(policy.OnCapabilityDelegate, ctx); err != nil {
		return err
	}
	return k.capTable.Delegate(cap, from, to, fromDomain, toDomain, k.clock.Now())
}

// DropCapability invalidates cap; owner-only.
func (k *Kernel) DropCapability(cap ids.CapabilityID, task ids.TaskID) error {
	return k.capTable.Drop(cap, task, k.clock.Now())
}

// IsCapabilityValid reports whether cap is currently Valid and owned
// by task.
func (k *Kernel) IsCapabilityValid(cap ids.CapabilityID, task ids.TaskID) bool {
	return k.capTable.Check(cap, task)
}

// RegisterService binds service to the channel it should be addressed
// through.
func (k *Kernel) RegisterService(service ids.ServiceID, ch ids.ChannelID) error {
	return k.services.Register(service, ch)
}

// LookupService resolves a registered service to its channel.
func (k *Kernel) LookupService(service ids.ServiceID) (ids.ChannelID, error) {
	return k.services.Lookup(service)
}

// WithPolicyEngine installs a new root policy engine, wrapped in an
// AuditingEngine bound to this kernel's policy audit log so that every
// future spawn, delegation, and pipeline evaluation keeps satisfying
// §4.7's audit-totality invariant regardless of what the caller passed
// in.
func (k *Kernel) WithPolicyEngine(engine policy.Engine) {
	audited := policy.NewAuditingEngine(engine, k.policyAudit, k.clock.Now)
	k.policyEngine = audited
	k.executor = pipeline.NewExecutor(k.accountant, audited, k.executor.Handlers)
}

// SetFaultPlan replaces the channel registry's fault plan in place.
// Channels already created (and their endpoint/terminated state) keep
// routing through the same registry; only the injector changes.
func (k *Kernel) SetFaultPlan(plan *fault.Plan) {
	k.channels.SetFaultPlan(plan)
}

// AuditLog returns the capability authority table's audit log.
func (k *Kernel) AuditLog() *audit.Log { return k.capTable.Audit }

// PolicyAudit returns the policy-decision audit log: spawn screening
// warnings plus every OnSpawn, OnCapabilityDelegate, and pipeline-stage
// decision the installed engine has made, since k.policyEngine is
// always wrapped in a policy.AuditingEngine bound to this same log.
func (k *Kernel) PolicyAudit() *audit.Log { return k.policyAudit }

// ResourceAudit returns the resource accountant's audit log.
func (k *Kernel) ResourceAudit() *audit.Log { return k.accountant.Audit }

// ExportAudit snapshots the capability, policy, and resource audit
// logs as named JSON files under a fresh in-memory filesystem, for a
// caller that wants a single artifact covering every decision made
// this run.
func (k *Kernel) ExportAudit() (vfs.VFS, error) {
	return auditexport.Snapshot(map[string]*audit.Log{
		"capability": k.capTable.Audit,
		"policy":     k.policyAudit,
		"resource":   k.accountant.Audit,
	})
}

// GetExitNotifications returns the queued exit notifications for a
// parent execution identity.
func (k *Kernel) GetExitNotifications(parent ids.ExecutionID) []identity.ExitNotification {
	return k.identities.ExitNotifications(parent)
}

// ClearExitNotifications drains a parent's exit notification queue.
func (k *Kernel) ClearExitNotifications(parent ids.ExecutionID) {
	k.identities.ClearExitNotifications(parent)
}

// Identities exposes the identity registry for callers that need
// lower-level access (e.g. attaching supervision policies), keeping
// the facade's own surface limited to §4.9's named operations.
func (k *Kernel) Identities() *identity.Registry { return k.identities }

// Capabilities exposes the authority table for advanced callers (e.g.
// recording invalid-use attempts).
func (k *Kernel) Capabilities() *capability.Table { return k.capTable }

// Accountant exposes the resource accountant for advanced callers.
func (k *Kernel) Accountant() *resource.Accountant { return k.accountant }

// CancellationSource exposes the shared lifecycle cancellation source
// a caller can use to build per-pipeline tokens derived from it.
func (k *Kernel) CancellationSource() *lifecycle.Source { return k.cancelSrc }

// NewHandlerSet builds an empty pipeline handler table a caller can
// populate before calling ExecutePipeline.
func NewHandlerSet() map[ids.ServiceID]pipeline.HandlerFunc {
	return make(map[ids.ServiceID]pipeline.HandlerFunc)
}

// ExecutePipeline runs spec against handlers using this kernel's
// accountant and policy engine, the pipeline executor's only mode of
// invocation per §4.8 (kernel facade operations plus in-memory
// capability sets, no hidden channel round-trip).
func (k *Kernel) ExecutePipeline(spec *pipeline.Spec, execID ids.ExecutionID, initialAuthority policy.CapabilitySet, token lifecycle.Token, input []byte, handlers map[ids.ServiceID]pipeline.HandlerFunc) (pipeline.Result, pipeline.Trace) {
	executor := pipeline.NewExecutor(k.accountant, k.policyEngine, handlers)
	return executor.Execute(pipeline.ExecContext{
		Spec:             spec,
		ExecutionID:      execID,
		InitialAuthority: initialAuthority,
		Token:            token,
		Clock:            k.clock,
		Input:            input,
	})
}

// Generator exposes the deterministic id generator for callers that
// need to mint capability-scoped or service ids ahead of a spawn.
func (k *Kernel) Generator() *ids.Generator { return k.gen }

// Clock exposes the shared logical clock.
func (k *Kernel) Clock() *kclock.Clock { return k.clock }

// Logger exposes the kernel's structured logger, e.g. for a caller
// that wants to narrate demo output at the same log level.
func (k *Kernel) Logger() *logrus.Logger { return k.log }

// lazyLiveness forwards capability.LivenessChecker to an identity
// registry that does not exist yet at the point the authority table
// must be constructed.
type lazyLiveness struct {
	registry *identity.Registry
}

func (l *lazyLiveness) IsAlive(task ids.TaskID) bool {
	if l.registry == nil {
		return true
	}
	return l.registry.IsAlive(task)
}
