package store

import (
	"context"
	"testing"
	"time"

	"missionctl/internal/domain/state"
	"missionctl/internal/errors"
	"missionctl/internal/persist"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	ps, err := persist.NewStore(root, nil)
	if err != nil {
		t.Fatalf("persist store: %v", err)
	}
	audit, err := persist.NewAuditLog(root)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	t.Cleanup(func() { audit.Close() })
	s, err := New(ps, audit, Options{})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return s
}

func testMission(required ...string) *state.Mission {
	if required == nil {
		required = []string{state.ArtifactVerificationReport}
	}
	return &state.Mission{
		Name:         "index refresh",
		MissionClass: state.ClassImplementation,
		Contract: state.Contract{
			RequiredArtifacts: required,
			RiskLevel:         state.RiskLow,
			CompletionGate:    "artifacts",
			TriggerSource:     state.TriggerManual,
		},
		ExecutionAuthority: state.AuthorityDesktop,
		ExecutionMode:      state.ModeRecipeOnly,
	}
}

func TestCreateMissionCommitsAndAudits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, "operator", testMission())
	if err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
	if m.Status != state.MissionQueued || m.StateVersion != 1 {
		t.Fatalf("unexpected mission: %+v", m)
	}

	day := time.Now().UTC().Format("2006-01-02")
	records, err := s.Audit().ReadDay(day)
	if err != nil {
		t.Fatalf("ReadDay: %v", err)
	}
	if len(records) != 1 || records[0].Action != "mission.create" || records[0].Outcome != persist.OutcomeSuccess {
		t.Fatalf("expected one success audit record, got %+v", records)
	}

	// The commit must be durable: a fresh load sees the mission.
	reloaded, err := s.Persist().Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := reloaded.Missions[m.ID]; !ok {
		t.Fatal("mission not persisted")
	}
	if reloaded.Version != 1 {
		t.Fatalf("expected state version 1, got %d", reloaded.Version)
	}
}

func TestFailedMutationLeavesStateUntouched(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := testMission()
	bad.ExecutionAuthority = ""
	if _, err := s.CreateMission(ctx, "operator", bad); !errors.HasCode(err, errors.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
	if got := s.Snapshot().Version; got != 0 {
		t.Fatalf("state version moved on failed mutation: %d", got)
	}
	records, _ := s.Audit().ReadDay(time.Now().UTC().Format("2006-01-02"))
	if len(records) != 0 {
		t.Fatalf("failed mutation must not audit success, got %+v", records)
	}
}

func TestCancelledContextHasNoSideEffects(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.CreateMission(ctx, "operator", testMission()); !errors.HasCode(err, errors.CodeCancelled) {
		t.Fatalf("expected CANCELLED, got %v", err)
	}
	if len(s.Snapshot().Missions) != 0 {
		t.Fatal("cancelled call mutated state")
	}
}

func TestCompletionGateBlocksOnMissingArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, "operator",
		testMission(state.ArtifactGitDiff, state.ArtifactVerificationReport))
	if err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
	if _, err := s.UpdateMissionStatus(ctx, "operator", m.ID, state.MissionRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if _, err := s.AddArtifact(ctx, "agent", &state.Artifact{
		MissionID:  m.ID,
		Type:       state.ArtifactGitDiff,
		Provenance: state.Provenance{Producer: state.ProducerAgent},
	}); err != nil {
		t.Fatalf("AddArtifact: %v", err)
	}

	_, err = s.UpdateMissionStatus(ctx, "operator", m.ID, state.MissionComplete, "")
	typed, ok := errors.As(err)
	if !ok || typed.Code != errors.CodeCompletionBlocked {
		t.Fatalf("expected COMPLETION_BLOCKED, got %v", err)
	}
	missing, _ := typed.Details["missingArtifacts"].([]string)
	if len(missing) != 1 || missing[0] != state.ArtifactVerificationReport {
		t.Fatalf("expected missing verification_report, got %v", typed.Details)
	}
	got, _ := s.GetMission(m.ID)
	if got.Status != state.MissionRunning {
		t.Fatalf("mission must keep prior status, got %s", got.Status)
	}
}

func TestMissionCompletes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, "operator", testMission())
	if err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
	if _, err := s.UpdateMissionStatus(ctx, "operator", m.ID, state.MissionRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if _, err := s.AddArtifact(ctx, "agent", &state.Artifact{
		MissionID:  m.ID,
		Type:       state.ArtifactVerificationReport,
		Provenance: state.Provenance{Producer: state.ProducerAgent},
	}); err != nil {
		t.Fatalf("AddArtifact: %v", err)
	}
	got, err := s.UpdateMissionStatus(ctx, "operator", m.ID, state.MissionComplete, "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != state.MissionComplete || got.CompletedAt == nil {
		t.Fatalf("unexpected mission after complete: %+v", got)
	}

	// Completion retains a pre-mutation snapshot.
	infos, err := s.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	found := false
	for _, info := range infos {
		if info.Label == "mission_complete" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no mission_complete snapshot retained: %+v", infos)
	}
}

func TestFailureBoundLocksMission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, "operator", testMission())
	if err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.RecordMissionFailure(ctx, "system", m.ID, "build failed"); err != nil {
			t.Fatalf("RecordMissionFailure %d: %v", i, err)
		}
	}
	got, _ := s.GetMission(m.ID)
	if got.Status != state.MissionLocked {
		t.Fatalf("expected locked after 3 failures, got %s", got.Status)
	}
	trips := s.ListArtifacts(m.ID, state.ArtifactCircuitBreakerTrip)
	if len(trips) != 1 {
		t.Fatalf("expected one circuit_breaker_trip artifact, got %d", len(trips))
	}
	infos, _ := s.ListSnapshots()
	found := false
	for _, info := range infos {
		if info.Label == "locked" {
			found = true
		}
	}
	if !found {
		t.Fatal("no locked snapshot retained")
	}

	// Locked missions reject further lifecycle moves.
	if _, err := s.UpdateMissionStatus(ctx, "operator", m.ID, state.MissionRunning, ""); !errors.HasCode(err, errors.CodeMissionLocked) {
		t.Fatalf("expected MISSION_LOCKED, got %v", err)
	}
}

func TestUnlockRequiresApprovalAndResetsCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, _ := s.CreateMission(ctx, "operator", testMission())
	for i := 0; i < 3; i++ {
		s.RecordMissionFailure(ctx, "system", m.ID, "boom")
	}

	if _, err := s.UnlockMission(ctx, "operator", m.ID, "", state.MissionQueued); !errors.HasCode(err, errors.CodeApprovalRequired) {
		t.Fatalf("unlock without approval should fail, got %v", err)
	}

	ap, err := s.CreateApproval(ctx, "operator", &state.Approval{
		MissionID: m.ID,
		Action:    "mission.unlock",
		RiskLevel: state.RiskMedium,
	})
	if err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}
	if _, err := s.ResolveApproval(ctx, "operator", ap.ID, true, "human", "reviewed"); err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}

	got, err := s.UnlockMission(ctx, "operator", m.ID, "human", state.MissionQueued)
	if err != nil {
		t.Fatalf("UnlockMission: %v", err)
	}
	if got.Status != state.MissionQueued || got.FailureCount != 0 || got.ImmediateExecCount != 0 {
		t.Fatalf("unlock did not reset counters: %+v", got)
	}
}

func TestTaskDependencyEnforcement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, _ := s.CreateMission(ctx, "operator", testMission())
	t1, err := s.CreateTask(ctx, "operator", &state.Task{MissionID: m.ID, Title: "T1", TaskType: state.TaskWork})
	if err != nil {
		t.Fatalf("CreateTask T1: %v", err)
	}
	t2, err := s.CreateTask(ctx, "operator", &state.Task{MissionID: m.ID, Title: "T2", TaskType: state.TaskWork, Deps: []string{t1.ID}})
	if err != nil {
		t.Fatalf("CreateTask T2: %v", err)
	}

	// T2 cannot run before T1 completes.
	if _, err := s.UpdateTaskStatus(ctx, "operator", t2.ID, state.TaskReady, ""); err != nil {
		t.Fatalf("T2 to ready: %v", err)
	}
	if _, err := s.UpdateTaskStatus(ctx, "operator", t2.ID, state.TaskRunning, ""); !errors.HasCode(err, errors.CodeDependencyNotMet) {
		t.Fatalf("expected DEPENDENCY_NOT_MET, got %v", err)
	}

	for _, to := range []state.TaskStatus{state.TaskReady, state.TaskRunning, state.TaskComplete} {
		if _, err := s.UpdateTaskStatus(ctx, "operator", t1.ID, to, ""); err != nil {
			t.Fatalf("T1 to %s: %v", to, err)
		}
	}
	if _, err := s.UpdateTaskStatus(ctx, "operator", t2.ID, state.TaskRunning, ""); err != nil {
		t.Fatalf("T2 should run after T1 completes: %v", err)
	}

	ready, err := s.ReadyTasks(m.ID)
	if err != nil {
		t.Fatalf("ReadyTasks: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("nothing should be ready, got %d", len(ready))
	}
}

func TestTaskCycleRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, _ := s.CreateMission(ctx, "operator", testMission())
	if _, err := s.CreateTask(ctx, "operator", &state.Task{
		MissionID: m.ID, Title: "self", TaskType: state.TaskWork, ID: "task-self", Deps: []string{"task-self"},
	}); !errors.HasCode(err, errors.CodeCycleDetected) {
		t.Fatalf("expected CYCLE_DETECTED, got %v", err)
	}
	if len(s.Snapshot().Tasks) != 0 {
		t.Fatal("rejected task leaked into state")
	}
}

func TestFinalizationChainThroughVerification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, _ := s.CreateMission(ctx, "operator", testMission())
	t1, err := s.CreateTask(ctx, "operator", &state.Task{MissionID: m.ID, Title: "T1", TaskType: state.TaskWork})
	if err != nil {
		t.Fatalf("CreateTask T1: %v", err)
	}
	t2, err := s.CreateTask(ctx, "operator", &state.Task{MissionID: m.ID, Title: "T2", TaskType: state.TaskWork, Deps: []string{t1.ID}})
	if err != nil {
		t.Fatalf("CreateTask T2: %v", err)
	}
	t3, err := s.CreateTask(ctx, "operator", &state.Task{MissionID: m.ID, Title: "T3", TaskType: state.TaskVerification, Deps: []string{t2.ID}})
	if err != nil {
		t.Fatalf("CreateTask T3: %v", err)
	}
	t4, err := s.CreateTask(ctx, "operator", &state.Task{MissionID: m.ID, Title: "T4", TaskType: state.TaskFinalization, Deps: []string{t3.ID}})
	if err != nil {
		t.Fatalf("a finalization task may follow verification: %v", err)
	}

	// Only a finalization task may gate on verification.
	if _, err := s.CreateTask(ctx, "operator", &state.Task{
		MissionID: m.ID, Title: "T5", TaskType: state.TaskWork, Deps: []string{t3.ID},
	}); !errors.HasCode(err, errors.CodeValidation) {
		t.Fatalf("work task after verification should be rejected, got %v", err)
	}

	if _, err := s.UpdateTaskStatus(ctx, "operator", t4.ID, state.TaskReady, ""); err != nil {
		t.Fatalf("T4 to ready: %v", err)
	}
	if _, err := s.UpdateTaskStatus(ctx, "operator", t4.ID, state.TaskRunning, ""); !errors.HasCode(err, errors.CodeDependencyNotMet) {
		t.Fatalf("running T4 before T3 completes should fail with DEPENDENCY_NOT_MET, got %v", err)
	}

	for _, id := range []string{t1.ID, t2.ID, t3.ID} {
		for _, to := range []state.TaskStatus{state.TaskReady, state.TaskRunning, state.TaskComplete} {
			if _, err := s.UpdateTaskStatus(ctx, "operator", id, to, ""); err != nil {
				t.Fatalf("%s to %s: %v", id, to, err)
			}
		}
	}
	if _, err := s.UpdateTaskStatus(ctx, "operator", t4.ID, state.TaskRunning, ""); err != nil {
		t.Fatalf("T4 should run once the chain completes: %v", err)
	}
	if _, err := s.UpdateTaskStatus(ctx, "operator", t4.ID, state.TaskComplete, ""); err != nil {
		t.Fatalf("T4 complete: %v", err)
	}

	g, err := s.MissionGraph(m.ID)
	if err != nil {
		t.Fatalf("MissionGraph: %v", err)
	}
	if !g.FinalizationsComplete() {
		t.Fatal("finalization tail should be complete")
	}
}

func TestImmediateRegistrationCountsAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, _ := s.CreateMission(ctx, "operator", testMission())
	before := s.Snapshot().Version
	if _, err := s.RegisterAgent(ctx, "desktop", &state.Agent{
		MissionID: m.ID, Mode: state.SpawnImmediate, Worktree: "/tmp/wt",
	}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	// Agent record, spawn window and mission counters commit together.
	if got := s.Snapshot().Version; got != before+1 {
		t.Fatalf("expected one mutation, version went %d -> %d", before, got)
	}
	got, _ := s.GetMission(m.ID)
	if got.ImmediateExecCount != 1 || got.CooldownUntil == nil || got.LastImmediateAt == nil {
		t.Fatalf("immediate counters not updated: %+v", got)
	}
	if len(s.Snapshot().CircuitBreaker.SpawnTimes) != 1 {
		t.Fatal("spawn window not counted")
	}
}

func TestAppendOnlyArtifact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, _ := s.CreateMission(ctx, "operator", testMission())
	log, err := s.AddArtifact(ctx, "agent", &state.Artifact{
		MissionID:  m.ID,
		Type:       state.ArtifactRuntimeLog,
		Payload:    map[string]any{"lines": "1"},
		Provenance: state.Provenance{Producer: state.ProducerAgent},
	})
	if err != nil {
		t.Fatalf("AddArtifact: %v", err)
	}
	if log.Mode != state.ModeAppendOnly {
		t.Fatalf("runtime_log should be append-only, got %s", log.Mode)
	}

	updated, err := s.AppendArtifact(ctx, "agent", log.ID, map[string]any{"exit": "0"}, []string{"/tmp/run.log"})
	if err != nil {
		t.Fatalf("AppendArtifact: %v", err)
	}
	if updated.Payload["lines"] != "1" || updated.Payload["exit"] != "0" || len(updated.Files) != 1 {
		t.Fatalf("merge went wrong: %+v", updated)
	}

	if _, err := s.AppendArtifact(ctx, "agent", log.ID, map[string]any{"lines": "2"}, nil); !errors.HasCode(err, errors.CodeAppendOnlyViolation) {
		t.Fatalf("expected APPEND_ONLY_VIOLATION, got %v", err)
	}

	diff, _ := s.AddArtifact(ctx, "agent", &state.Artifact{
		MissionID:  m.ID,
		Type:       state.ArtifactGitDiff,
		Provenance: state.Provenance{Producer: state.ProducerAgent},
	})
	if _, err := s.AppendArtifact(ctx, "agent", diff.ID, map[string]any{"k": "v"}, nil); !errors.HasCode(err, errors.CodeImmutableViolation) {
		t.Fatalf("expected IMMUTABLE_VIOLATION, got %v", err)
	}
}

func TestArtifactMembershipLists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, _ := s.CreateMission(ctx, "operator", testMission())
	task, _ := s.CreateTask(ctx, "operator", &state.Task{MissionID: m.ID, Title: "T1", TaskType: state.TaskWork})
	a, err := s.AddArtifact(ctx, "agent", &state.Artifact{
		MissionID:  m.ID,
		TaskID:     task.ID,
		Type:       state.ArtifactVerificationReport,
		Provenance: state.Provenance{Producer: state.ProducerAgent},
	})
	if err != nil {
		t.Fatalf("AddArtifact: %v", err)
	}
	gotM, _ := s.GetMission(m.ID)
	gotT, _ := s.GetTask(task.ID)
	if len(gotM.ArtifactIDs) != 1 || gotM.ArtifactIDs[0] != a.ID {
		t.Fatalf("mission membership not maintained: %v", gotM.ArtifactIDs)
	}
	if len(gotT.ArtifactIDs) != 1 || gotT.ArtifactIDs[0] != a.ID {
		t.Fatalf("task membership not maintained: %v", gotT.ArtifactIDs)
	}
}

func TestSubscribersObserveCommitsInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	first, _ := s.CreateMission(ctx, "operator", testMission())
	second := testMission()
	second.Name = "second"
	s.CreateMission(ctx, "operator", second)

	snap1 := <-ch
	snap2 := <-ch
	if snap1.Version != 1 || snap2.Version != 2 {
		t.Fatalf("out-of-order notifications: %d then %d", snap1.Version, snap2.Version)
	}
	if _, ok := snap1.Missions[first.ID]; !ok {
		t.Fatal("first snapshot missing first mission")
	}
}

func TestStateVersionMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, _ := s.CreateMission(ctx, "operator", testMission())
	versions := []int64{m.StateVersion}
	updated, _ := s.UpdateMissionStatus(ctx, "operator", m.ID, state.MissionRunning, "")
	versions = append(versions, updated.StateVersion)
	updated, _ = s.UpdateMissionStatus(ctx, "operator", m.ID, state.MissionBlocked, "waiting")
	versions = append(versions, updated.StateVersion)
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("stateVersion not strictly increasing: %v", versions)
		}
	}
}

func TestDestructiveCompletionNeedsHumanEvidence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMission(state.ArtifactChangePlan)
	m.MissionClass = state.ClassDestructive
	created, err := s.CreateMission(ctx, "operator", m)
	if err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
	if _, err := s.UpdateMissionStatus(ctx, "operator", created.ID, state.MissionRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	for _, artifactType := range []string{state.ArtifactChangePlan, state.ArtifactPreFlightSnapshot} {
		if _, err := s.AddArtifact(ctx, "system", &state.Artifact{
			MissionID:  created.ID,
			Type:       artifactType,
			Provenance: state.Provenance{Producer: state.ProducerSystem},
		}); err != nil {
			t.Fatalf("AddArtifact %s: %v", artifactType, err)
		}
	}

	if _, err := s.UpdateMissionStatus(ctx, "operator", created.ID, state.MissionComplete, ""); !errors.HasCode(err, errors.CodeCompletionBlocked) {
		t.Fatalf("destructive mission must not complete without human approval, got %v", err)
	}

	ap, _ := s.CreateApproval(ctx, "operator", &state.Approval{
		MissionID: created.ID,
		Action:    "mission.complete",
		RiskLevel: state.RiskHigh,
	})
	if _, err := s.ResolveApproval(ctx, "operator", ap.ID, true, "human", ""); err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if _, err := s.UpdateMissionStatus(ctx, "operator", created.ID, state.MissionComplete, ""); err != nil {
		t.Fatalf("complete after human approval: %v", err)
	}
}
