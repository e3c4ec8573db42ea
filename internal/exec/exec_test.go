package exec

import (
	"context"
	"testing"
	"time"

	"missionctl/internal/domain/state"
	"missionctl/internal/errors"
	"missionctl/internal/persist"
	"missionctl/internal/rate"
	"missionctl/internal/store"
)

func newHarness(t *testing.T) (*store.Store, *Manager) {
	t.Helper()
	root := t.TempDir()
	ps, err := persist.NewStore(root, nil)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	audit, err := persist.NewAuditLog(root)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	t.Cleanup(func() { audit.Close() })
	s, err := store.New(ps, audit, store.Options{})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return s, NewManager(s, rate.NewCostTracker(nil), DefaultHeartbeatInterval, nil)
}

func missionWithMode(t *testing.T, s *store.Store, mode state.ExecutionMode) *state.Mission {
	t.Helper()
	m, err := s.CreateMission(context.Background(), "operator", &state.Mission{
		Name:         "hotfix",
		MissionClass: state.ClassMaintenance,
		Contract: state.Contract{
			RequiredArtifacts: []string{state.ArtifactVerificationReport},
			RiskLevel:         state.RiskLow,
			TriggerSource:     state.TriggerManual,
		},
		ExecutionAuthority: state.AuthorityDesktop,
		ExecutionMode:      mode,
	})
	if err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
	return m
}

func immediateMission(t *testing.T, s *store.Store) *state.Mission {
	return missionWithMode(t, s, state.ModeImmediateOnly)
}

func spawnReq(missionID string) SpawnRequest {
	return SpawnRequest{
		MissionID:        missionID,
		Model:            "gpt-4o-mini",
		Prompt:           "fix the failing check",
		Worktree:         "/tmp/worktrees/hotfix",
		RollbackStrategy: "git reset --hard",
	}
}

func TestSpawnRecipeWritesArtifactOnly(t *testing.T) {
	s, m := newHarness(t)
	ctx := context.Background()
	mission := missionWithMode(t, s, state.ModeRecipeOnly)

	recipe, err := m.SpawnRecipe(ctx, "desktop", spawnReq(mission.ID))
	if err != nil {
		t.Fatalf("SpawnRecipe: %v", err)
	}
	if recipe.Type != state.ArtifactAgentRecipe || recipe.Mode != state.ModeImmutable {
		t.Fatalf("unexpected recipe artifact: %+v", recipe)
	}
	if recipe.Payload["rollbackStrategy"] != "git reset --hard" {
		t.Fatalf("recipe payload incomplete: %+v", recipe.Payload)
	}
	if agents := s.ListAgents(mission.ID); len(agents) != 0 {
		t.Fatal("recipe spawn must not create an agent")
	}
}

func TestSpawnImmediateRequiresArmedMode(t *testing.T) {
	s, m := newHarness(t)
	ctx := context.Background()
	mission := immediateMission(t, s)

	_, err := m.SpawnImmediate(ctx, "desktop", spawnReq(mission.ID))
	if !errors.HasCode(err, errors.CodeToolNotAllowed) {
		t.Fatalf("unarmed spawn should be rejected, got %v", err)
	}
	if reports := s.ListArtifacts(mission.ID, state.ArtifactFailureReport); len(reports) != 1 {
		t.Fatalf("expected a failure_report, got %d", len(reports))
	}
}

func TestSpawnImmediateHappyPath(t *testing.T) {
	s, m := newHarness(t)
	ctx := context.Background()
	mission := immediateMission(t, s)
	s.SetArmedMode(ctx, "operator", true)

	agent, err := m.SpawnImmediate(ctx, "desktop", spawnReq(mission.ID))
	if err != nil {
		t.Fatalf("SpawnImmediate: %v", err)
	}
	if agent.Status != state.AgentSpawning || agent.Mode != state.SpawnImmediate {
		t.Fatalf("unexpected agent: %+v", agent)
	}
	if pre := s.ListArtifacts(mission.ID, state.ArtifactPreFlightSnapshot); len(pre) != 1 {
		t.Fatalf("expected a pre_flight_snapshot, got %d", len(pre))
	}
	got, _ := s.GetMission(mission.ID)
	if got.ImmediateExecCount != 1 || got.CooldownUntil == nil {
		t.Fatalf("counters not updated: %+v", got)
	}

	// The cooldown blocks an instant re-spawn.
	_, err = m.SpawnImmediate(ctx, "desktop", spawnReq(mission.ID))
	if !errors.HasCode(err, errors.CodeRateExceeded) {
		t.Fatalf("cooldown should block, got %v", err)
	}
}

func TestSpawnImmediateExhaustsMissionBudget(t *testing.T) {
	s, m := newHarness(t)
	ctx := context.Background()
	mission := immediateMission(t, s)
	s.SetArmedMode(ctx, "operator", true)

	now := time.Now().UTC()
	m.Clock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if _, err := m.SpawnImmediate(ctx, "desktop", spawnReq(mission.ID)); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
		now = now.Add(2 * time.Minute) // clear the cooldown
	}
	_, err := m.SpawnImmediate(ctx, "desktop", spawnReq(mission.ID))
	if !errors.HasCode(err, errors.CodeRateExceeded) {
		t.Fatalf("fourth immediate spawn should be rejected, got %v", err)
	}
}

func TestSpawnImmediateOnLockedMission(t *testing.T) {
	s, m := newHarness(t)
	ctx := context.Background()
	mission := immediateMission(t, s)
	s.SetArmedMode(ctx, "operator", true)
	for i := 0; i < 3; i++ {
		s.RecordMissionFailure(ctx, "system", mission.ID, "boom")
	}

	_, err := m.SpawnImmediate(ctx, "desktop", spawnReq(mission.ID))
	if !errors.HasCode(err, errors.CodeMissionLocked) {
		t.Fatalf("expected MISSION_LOCKED, got %v", err)
	}
}

func TestModeLockHeldAtManagerLevel(t *testing.T) {
	s, m := newHarness(t)
	ctx := context.Background()
	s.SetArmedMode(ctx, "operator", true)

	recipeOnly := missionWithMode(t, s, state.ModeRecipeOnly)
	_, err := m.SpawnImmediate(ctx, "desktop", spawnReq(recipeOnly.ID))
	if !errors.HasCode(err, errors.CodeModeLockViolation) {
		t.Fatalf("recipe-only mission should reject immediate spawn, got %v", err)
	}
	if agents := s.ListAgents(recipeOnly.ID); len(agents) != 0 {
		t.Fatalf("rejected spawn must not register an agent, got %d", len(agents))
	}

	immediateOnly := immediateMission(t, s)
	if _, err := m.SpawnRecipe(ctx, "desktop", spawnReq(immediateOnly.ID)); !errors.HasCode(err, errors.CodeModeLockViolation) {
		t.Fatalf("immediate-only mission should reject recipe spawn, got %v", err)
	}
}

func TestExecuteRecipeRoutesThroughPreconditions(t *testing.T) {
	s, m := newHarness(t)
	ctx := context.Background()
	mission := missionWithMode(t, s, state.ModeRecipeOnly)

	recipe, err := m.SpawnRecipe(ctx, "desktop", spawnReq(mission.ID))
	if err != nil {
		t.Fatalf("SpawnRecipe: %v", err)
	}
	if _, err := m.ExecuteRecipe(ctx, "desktop", recipe.ID); !errors.HasCode(err, errors.CodeToolNotAllowed) {
		t.Fatalf("unarmed execute_recipe should be rejected, got %v", err)
	}

	s.SetArmedMode(ctx, "operator", true)
	agent, err := m.ExecuteRecipe(ctx, "desktop", recipe.ID)
	if err != nil {
		t.Fatalf("ExecuteRecipe: %v", err)
	}
	if agent.Worktree != "/tmp/worktrees/hotfix" {
		t.Fatalf("recipe fields not carried over: %+v", agent)
	}
}

func TestHeartbeatLadder(t *testing.T) {
	s, m := newHarness(t)
	ctx := context.Background()
	mission := immediateMission(t, s)
	task, _ := s.CreateTask(ctx, "operator", &state.Task{
		MissionID: mission.ID, Title: "T1", TaskType: state.TaskWork,
	})
	s.UpdateTaskStatus(ctx, "operator", task.ID, state.TaskReady, "")
	s.UpdateTaskStatus(ctx, "operator", task.ID, state.TaskRunning, "")

	agent, err := s.RegisterAgent(ctx, "desktop", &state.Agent{
		MissionID: mission.ID, TaskID: task.ID, Mode: state.SpawnRecipe,
	})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if _, err := s.AgentHeartbeat(ctx, "agent", agent.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	base := time.Now().UTC()
	m.Clock(func() time.Time { return base.Add(65 * time.Second) })
	m.HeartbeatSweep(ctx)
	got, _ := s.GetAgent(agent.ID)
	if got.Status != state.AgentStale {
		t.Fatalf("expected stale after 2N, got %s", got.Status)
	}

	// A beat recovers a stale agent.
	if _, err := s.AgentHeartbeat(ctx, "agent", agent.ID); err != nil {
		t.Fatalf("recovery heartbeat: %v", err)
	}
	got, _ = s.GetAgent(agent.ID)
	if got.Status != state.AgentRunning {
		t.Fatalf("expected running after recovery, got %s", got.Status)
	}

	m.Clock(func() time.Time { return base.Add(10 * time.Minute) })
	dead := m.HeartbeatSweep(ctx)
	if len(dead) != 1 || dead[0] != agent.ID {
		t.Fatalf("expected agent dead, got %v", dead)
	}
	got, _ = s.GetAgent(agent.ID)
	if got.Status != state.AgentDead {
		t.Fatalf("expected dead after 5N, got %s", got.Status)
	}
	gotTask, _ := s.GetTask(task.ID)
	if gotTask.Status != state.TaskReady || gotTask.AssignedAgent != "" {
		t.Fatalf("dead agent should free its task: %+v", gotTask)
	}
	if signals := s.ListArtifacts(mission.ID, state.ArtifactSignalReport); len(signals) != 1 {
		t.Fatalf("expected a signal_report, got %d", len(signals))
	}
}
