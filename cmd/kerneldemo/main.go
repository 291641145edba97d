// kerneldemo drives the capability kernel facade end to end: spawning
// tasks, granting and delegating capabilities, running a three-stage
// pipeline, injecting a fault, and exhausting a budget. It exists to
// exercise the substrate the way a real caller would, not as part of
// the substrate's own scope.
package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dataparency-dev/capkernel/auditexport"
	"github.com/dataparency-dev/capkernel/envelope"
	"github.com/dataparency-dev/capkernel/fault"
	"github.com/dataparency-dev/capkernel/identity"
	"github.com/dataparency-dev/capkernel/ids"
	"github.com/dataparency-dev/capkernel/kernel"
	"github.com/dataparency-dev/capkernel/pipeline"
	"github.com/dataparency-dev/capkernel/policy"
	"github.com/dataparency-dev/capkernel/resource"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: false})

	k := kernel.New(kernel.Options{
		RngSeed:        42,
		StartingTimeNs: 0,
		Logger:         logger,
	})

	// ═══════════════════════════════════════════════════════════════
	// STEP 1: Spawn identities and walk a grant → delegate → use chain
	// ═══════════════════════════════════════════════════════════════

	orchestrator, err := k.SpawnTask(kernel.SpawnParams{
		Kind: identity.KindSystem, TrustDomain: "control-plane",
	})
	if err != nil {
		logger.Fatalf("spawn orchestrator: %v", err)
	}
	worker, err := k.SpawnTask(kernel.SpawnParams{
		Kind: identity.KindComponent, TrustDomain: "workers", Parent: &orchestrator.ExecutionID,
	})
	if err != nil {
		logger.Fatalf("spawn worker: %v", err)
	}

	fmt.Println("=== Identities Spawned ===")
	fmt.Printf("  orchestrator: %s\n  worker:       %s\n", orchestrator.ExecutionID, worker.ExecutionID)

	objectCap := k.GrantCapability(orchestrator.TaskID, "object-store:read")
	if err := k.DelegateCapability(objectCap, orchestrator.TaskID, worker.TaskID, "control-plane", "workers"); err != nil {
		logger.Fatalf("delegate capability: %v", err)
	}
	fmt.Printf("=== Capability %d delegated: orchestrator -> worker ===\n", objectCap)
	fmt.Printf("  valid for orchestrator: %v\n", k.IsCapabilityValid(objectCap, orchestrator.TaskID))
	fmt.Printf("  valid for worker:       %v\n", k.IsCapabilityValid(objectCap, worker.TaskID))

	// ═══════════════════════════════════════════════════════════════
	// STEP 2: A bounded channel with a one-shot drop fault
	// ═══════════════════════════════════════════════════════════════

	ch := k.CreateChannel(orchestrator.TaskID)
	plan := fault.NewPlan().ScheduleDrop(ch, 1)
	k.SetFaultPlan(plan)

	svc := k.Generator().NewServiceID()
	if err := k.RegisterService(svc, ch); err != nil {
		logger.Fatalf("register service: %v", err)
	}

	fmt.Println("\n=== Fault-Injected Messaging ===")
	for i := 0; i < 2; i++ {
		env := envelope.New(worker.TaskID, svc, "ping", ids.SchemaVersion{Major: 1}, k.Now(), []byte("hello"))
		if err := k.SendMessage(worker.ExecutionID, ch, env); err != nil {
			logger.Fatalf("send %d: %v", i, err)
		}
	}
	if _, ok, err := k.ReceiveMessage(orchestrator.ExecutionID, ch); err != nil {
		logger.Fatalf("receive: %v", err)
	} else {
		fmt.Printf("  first deliverable receive ok=%v (one send was dropped)\n", ok)
	}

	// ═══════════════════════════════════════════════════════════════
	// STEP 3: Three-stage pipeline: Create -> Transform -> Annotate
	// ═══════════════════════════════════════════════════════════════

	v1 := ids.SchemaVersion{Major: 1}
	spec := &pipeline.Spec{
		ID:           "build-report",
		InputSchema:  v1,
		OutputSchema: v1,
		Stages: []pipeline.StageSpec{
			{StageID: "s1", Name: "Create", HandlerService: svc, Action: "create", InputSchema: v1, OutputSchema: v1},
			{
				StageID: "s2", Name: "Transform", HandlerService: svc, Action: "transform",
				InputSchema: v1, OutputSchema: v1,
				RequiredCaps: policy.NewCapabilitySet(100),
			},
			{
				StageID: "s3", Name: "Annotate", HandlerService: svc, Action: "annotate",
				InputSchema: v1, OutputSchema: v1,
				RequiredCaps: policy.NewCapabilitySet(200),
			},
		},
	}

	handlers := kernel.NewHandlerSet()
	handlers[svc] = func(input []byte, attempt int, nowNs int64) pipeline.StageResult {
		return pipeline.StageResult{Kind: pipeline.StageSuccess, Output: append(input, '.'), CapsOut: policy.NewCapabilitySet(200)}
	}

	result, trace := k.ExecutePipeline(
		spec,
		worker.ExecutionID,
		policy.NewCapabilitySet(100),
		k.CancellationSource().Token(),
		[]byte("report"),
		handlers,
	)

	fmt.Println("\n=== Pipeline Executed ===")
	fmt.Printf("  result: %s, output: %q\n", result.Kind, result.Output)
	for _, entry := range trace {
		fmt.Printf("  stage=%-10s attempt=%d kind=%s\n", entry.StageName, entry.Attempt, entry.Kind)
	}

	// ═══════════════════════════════════════════════════════════════
	// STEP 4: Budget exhaustion
	// ═══════════════════════════════════════════════════════════════

	limited, err := k.SpawnTask(kernel.SpawnParams{
		Kind: identity.KindComponent, TrustDomain: "workers",
		Budget: budgetWithMessages(2),
	})
	if err != nil {
		logger.Fatalf("spawn limited: %v", err)
	}
	budgetCh := k.CreateChannel(limited.TaskID)
	fmt.Println("\n=== Budget Exhaustion ===")
	for i := 0; i < 3; i++ {
		env := envelope.New(limited.TaskID, svc, "ping", v1, k.Now(), []byte("x"))
		if err := k.SendMessage(limited.ExecutionID, budgetCh, env); err != nil {
			fmt.Printf("  send %d rejected: %v\n", i, err)
		} else {
			fmt.Printf("  send %d accepted\n", i)
		}
	}

	// ═══════════════════════════════════════════════════════════════
	// STEP 5: A cross-trust-domain send, sealed in transit
	// ═══════════════════════════════════════════════════════════════

	secureCh := k.CreateChannel(orchestrator.TaskID)
	sealedEnv := envelope.New(worker.TaskID, svc, "ping", v1, k.Now(), []byte("cross-domain payload"))
	if err := k.SendMessage(worker.ExecutionID, secureCh, sealedEnv); err != nil {
		logger.Fatalf("sealed send: %v", err)
	}
	opened, ok, err := k.ReceiveMessage(orchestrator.ExecutionID, secureCh)
	if err != nil {
		logger.Fatalf("sealed receive: %v", err)
	}
	fmt.Println("\n=== Cross-Domain Send ===")
	fmt.Printf("  worker(workers) -> orchestrator(control-plane), delivered=%v, payload=%q\n", ok, opened.Payload)

	fmt.Println("\n=== Audit Summary ===")
	fmt.Printf("  capability audit entries: %d\n", k.AuditLog().Len())
	fmt.Printf("  policy audit entries:     %d\n", k.PolicyAudit().Len())
	fmt.Printf("  resource audit entries:   %d\n", k.ResourceAudit().Len())

	snapshot, err := k.ExportAudit()
	if err != nil {
		logger.Fatalf("export audit: %v", err)
	}
	resourceJSON, err := auditexport.ReadBack(snapshot, "resource")
	if err != nil {
		logger.Fatalf("read back resource audit: %v", err)
	}
	fmt.Printf("  exported resource audit: %d bytes\n", len(resourceJSON))

	fmt.Println("\n=== Demo Complete ===")
}

func budgetWithMessages(n uint64) *resource.Budget {
	b := resource.Budget{}.WithMessageCount(n)
	return &b
}
