package router

import (
	"context"
	"testing"
	"time"

	"missionctl/internal/breaker"
	"missionctl/internal/domain/state"
	"missionctl/internal/errors"
	"missionctl/internal/exec"
	"missionctl/internal/gate"
	"missionctl/internal/persist"
	"missionctl/internal/providers"
	"missionctl/internal/rate"
	"missionctl/internal/selfheal"
	jsonx "missionctl/internal/shared/json"
	"missionctl/internal/store"
	"missionctl/internal/watchdog"
)

func newHarness(t *testing.T, limits breaker.Limits) (*store.Store, *Router) {
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
	s, err := store.New(ps, audit, store.Options{Limits: limits})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	rates := rate.NewLimiter(rate.DefaultConfigs(), nil)
	costs := rate.NewCostTracker(nil)
	execMgr := exec.NewManager(s, costs, exec.DefaultHeartbeatInterval, nil)
	registry := providers.NewRegistry(providers.DefaultDescriptors(), rates, nil)
	r := New(Deps{
		Store:      s,
		Delegation: gate.NewDelegation(s, nil),
		Engine:     gate.NewEngine(s, rates, costs, nil),
		Exec:       execMgr,
		Heal:       selfheal.NewEngine(s, nil),
		Watchdog:   watchdog.New(s, execMgr, registry, nil),
		Providers:  registry,
		Rates:      rates,
		Costs:      costs,
	})
	return s, r
}

func routerMission(t *testing.T, s *store.Store, authority state.ExecutionAuthority) *state.Mission {
	t.Helper()
	m, err := s.CreateMission(context.Background(), "operator", &state.Mission{
		Name:         "ship fix",
		MissionClass: state.ClassMaintenance,
		Contract: state.Contract{
			RequiredArtifacts: []string{state.ArtifactVerificationReport},
			RiskLevel:         state.RiskLow,
			TriggerSource:     state.TriggerManual,
		},
		ExecutionAuthority: authority,
		ExecutionMode:      state.ModeRecipeOnly,
	})
	if err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
	return m
}

func claudeCall(tool, args string) Request {
	return Request{
		Tool:    tool,
		Args:    jsonx.RawMessage(args),
		Context: Meta{Caller: state.AuthorityClaudeCode, Actor: "operator"},
	}
}

func resultText(t *testing.T, resp *Response) []byte {
	t.Helper()
	if !resp.OK {
		t.Fatalf("dispatch failed: %s %s", resp.Code, resp.Message)
	}
	if len(resp.Content) != 1 {
		t.Fatalf("expected one content block, got %d", len(resp.Content))
	}
	return []byte(resp.Content[0].Text)
}

func TestDispatchReturnsContentBlock(t *testing.T) {
	_, r := newHarness(t, breaker.Limits{})
	ctx := context.Background()

	resp := r.Dispatch(ctx, claudeCall("mission.create", `{
		"name": "ship fix",
		"missionClass": "maintenance",
		"contract": {
			"requiredArtifacts": ["verification_report"],
			"riskLevel": "low",
			"triggerSource": "manual"
		},
		"executionAuthority": "CLAUDE_CODE",
		"executionMode": "RECIPE_ONLY"
	}`))
	var m state.Mission
	if err := jsonx.Unmarshal(resultText(t, resp), &m); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if m.ID == "" || m.Status != state.MissionQueued {
		t.Fatalf("unexpected mission: %+v", m)
	}
}

func TestUnknownToolRejected(t *testing.T) {
	_, r := newHarness(t, breaker.Limits{})
	resp := r.Dispatch(context.Background(), claudeCall("mission.destroy", `{}`))
	if resp.OK || resp.Code != errors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %+v", resp)
	}
}

func TestMalformedArgsAreRepaired(t *testing.T) {
	s, r := newHarness(t, breaker.Limits{})
	mission := routerMission(t, s, state.AuthorityClaudeCode)

	// Trailing comma and single quotes, as sloppy workers produce.
	req := claudeCall("mission.get", `{'missionId': '`+mission.ID+`',}`)
	resp := r.Dispatch(context.Background(), req)
	var m state.Mission
	if err := jsonx.Unmarshal(resultText(t, resp), &m); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if m.ID != mission.ID {
		t.Fatalf("expected %s, got %s", mission.ID, m.ID)
	}
}

func TestDesktopViolationIsAuditedAndRecorded(t *testing.T) {
	s, r := newHarness(t, breaker.Limits{})
	ctx := context.Background()
	mission := routerMission(t, s, state.AuthorityClaudeCode)

	resp := r.Dispatch(ctx, Request{
		Tool:    "selfheal.apply",
		Args:    jsonx.RawMessage(`{"proposalId": "heal-001"}`),
		Context: Meta{Caller: state.AuthorityDesktop, MissionID: mission.ID},
	})
	if resp.OK || resp.Code != errors.CodeExecutionViolation || !resp.Blocked {
		t.Fatalf("expected blocked EXECUTION_VIOLATION, got %+v", resp)
	}
	if got := s.ListArtifacts(mission.ID, state.ArtifactExecutionViolation); len(got) != 1 {
		t.Fatalf("expected an execution_violation artifact, got %d", len(got))
	}

	day := time.Now().UTC().Format("2006-01-02")
	records, err := s.Audit().ReadDay(day)
	if err != nil {
		t.Fatalf("ReadDay: %v", err)
	}
	var blocked bool
	for _, rec := range records {
		if rec.Action == "selfheal.apply" && rec.Outcome == persist.OutcomeBlocked {
			blocked = true
		}
	}
	if !blocked {
		t.Fatal("rejection must be audited as blocked")
	}
}

func TestModeLockSeesMissionIDFromArgs(t *testing.T) {
	s, r := newHarness(t, breaker.Limits{})
	ctx := context.Background()
	mission := routerMission(t, s, state.AuthorityClaudeCode)
	s.SetArmedMode(ctx, "operator", true)

	// The mission id rides only in the args, not the call context.
	resp := r.Dispatch(ctx, claudeCall("agent.spawn_immediate", `{
		"missionId": "`+mission.ID+`",
		"model": "gpt-4o-mini",
		"prompt": "fix the failing check",
		"worktree": "/tmp/worktrees/fix",
		"rollbackStrategy": "git reset --hard"
	}`))
	if resp.OK || resp.Code != errors.CodeModeLockViolation || !resp.Blocked {
		t.Fatalf("recipe-only mission should reject immediate spawn, got %+v", resp)
	}
	if got := s.ListArtifacts(mission.ID, state.ArtifactExecutionViolation); len(got) != 1 {
		t.Fatalf("expected an execution_violation artifact, got %d", len(got))
	}
	if agents := s.ListAgents(mission.ID); len(agents) != 0 {
		t.Fatalf("no agent may spawn on a mode-locked mission, got %d", len(agents))
	}
}

func TestBackpressureShedsWritesOnly(t *testing.T) {
	limits := breaker.DefaultLimits()
	limits.MaxMutationsPerHour = 10
	s, r := newHarness(t, limits)
	ctx := context.Background()
	mission := routerMission(t, s, state.AuthorityClaudeCode)

	// Push mutation pressure to the ceiling.
	for i := 0; i < 8; i++ {
		if err := s.SetArmedMode(ctx, "operator", i%2 == 0); err != nil {
			t.Fatalf("mutation %d: %v", i, err)
		}
	}

	write := claudeCall("artifact.create", `{"missionId": "`+mission.ID+`", "type": "verification_report", "payload": {"pass": true}}`)
	resp := r.Dispatch(ctx, write)
	if resp.OK || resp.Code != errors.CodeRateExceeded {
		t.Fatalf("expected RATE_EXCEEDED for write, got %+v", resp)
	}

	read := claudeCall("mission.list", `{}`)
	if resp := r.Dispatch(ctx, read); !resp.OK {
		t.Fatalf("reads must pass under backpressure: %+v", resp)
	}
}

func TestSessionCountersAndHandoff(t *testing.T) {
	_, r := newHarness(t, breaker.Limits{})
	ctx := context.Background()

	req := claudeCall("mission.list", `{}`)
	req.SessionID = "session-test"
	r.Dispatch(ctx, req)
	r.Dispatch(ctx, req)

	sess := r.Sessions().Get("session-test")
	if sess == nil || sess.ToolCalls != 2 || sess.LastTool != "mission.list" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if err := r.Sessions().Handoff(); err != nil {
		t.Fatalf("Handoff: %v", err)
	}
}

func TestCreateGitDiffArtifact(t *testing.T) {
	s, r := newHarness(t, breaker.Limits{})
	mission := routerMission(t, s, state.AuthorityClaudeCode)

	resp := r.Dispatch(context.Background(), claudeCall("artifact.create_git_diff", `{
		"missionId": "`+mission.ID+`",
		"filename": "main.go",
		"before": "package main\n\nfunc main() {}\n",
		"after": "package main\n\nfunc main() {\n\tprintln(\"ok\")\n}\n"
	}`))
	var a state.Artifact
	if err := jsonx.Unmarshal(resultText(t, resp), &a); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if a.Type != state.ArtifactGitDiff || a.Mode != state.ModeImmutable {
		t.Fatalf("unexpected artifact: %+v", a)
	}
	if diffText, _ := a.Payload["unifiedDiff"].(string); diffText == "" {
		t.Fatalf("diff payload empty: %+v", a.Payload)
	}
}

func TestResumeKeepsLiveAgents(t *testing.T) {
	s, r := newHarness(t, breaker.Limits{})
	ctx := context.Background()
	mission := routerMission(t, s, state.AuthorityClaudeCode)
	s.UpdateMissionStatus(ctx, "operator", mission.ID, state.MissionRunning, "")

	agent, err := s.RegisterAgent(ctx, "operator", &state.Agent{
		MissionID: mission.ID, Mode: state.SpawnRecipe,
	})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if _, err := s.AgentHeartbeat(ctx, "agent", agent.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	report, err := r.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(report.AgentsKept) != 1 || len(report.AgentsDeclared) != 0 {
		t.Fatalf("live agent should be kept: %+v", report)
	}
	got, _ := s.GetAgent(agent.ID)
	if got.Status != state.AgentRunning {
		t.Fatalf("agent should stay running, got %s", got.Status)
	}
}

func TestResumeDeclaresSilentAgentsDead(t *testing.T) {
	s, r := newHarness(t, breaker.Limits{})
	ctx := context.Background()
	mission := routerMission(t, s, state.AuthorityClaudeCode)
	task, _ := s.CreateTask(ctx, "operator", &state.Task{
		MissionID: mission.ID, Title: "T1", TaskType: state.TaskWork,
	})
	s.UpdateMissionStatus(ctx, "operator", mission.ID, state.MissionRunning, "")
	s.UpdateTaskStatus(ctx, "operator", task.ID, state.TaskReady, "")
	s.UpdateTaskStatus(ctx, "operator", task.ID, state.TaskRunning, "")

	agent, _ := s.RegisterAgent(ctx, "operator", &state.Agent{
		MissionID: mission.ID, TaskID: task.ID, Mode: state.SpawnRecipe,
	})
	s.AgentHeartbeat(ctx, "agent", agent.ID)

	r.now = func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }
	report, err := r.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(report.AgentsDeclared) != 1 {
		t.Fatalf("silent agent should be declared dead: %+v", report)
	}
	gotTask, _ := s.GetTask(task.ID)
	if gotTask.Status != state.TaskReady || gotTask.AssignedAgent != "" {
		t.Fatalf("task should be freed: %+v", gotTask)
	}
}

func TestResumeParksAmbiguousMissions(t *testing.T) {
	s, r := newHarness(t, breaker.Limits{})
	ctx := context.Background()
	mission := routerMission(t, s, state.AuthorityClaudeCode)
	s.UpdateMissionStatus(ctx, "operator", mission.ID, state.MissionRunning, "")

	report, err := r.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(report.Ambiguous) != 1 {
		t.Fatalf("empty running mission should be ambiguous: %+v", report)
	}
	m, _ := s.GetMission(mission.ID)
	if m.Status != state.MissionNeedsReview || m.BlockedReason != "AMBIGUOUS_RESUME" {
		t.Fatalf("expected needs_review AMBIGUOUS_RESUME: %+v", m)
	}

	// Idempotent: a second pass changes nothing.
	report, err = r.Resume(ctx)
	if err != nil {
		t.Fatalf("second Resume: %v", err)
	}
	if len(report.Ambiguous) != 0 {
		t.Fatalf("second pass should be quiet: %+v", report)
	}
	again, _ := s.GetMission(mission.ID)
	if again.Status != state.MissionNeedsReview {
		t.Fatalf("status must be stable, got %s", again.Status)
	}
}

func TestToolDiscoveryListsSurface(t *testing.T) {
	_, r := newHarness(t, breaker.Limits{})
	tools := r.Tools()
	if len(tools) < 50 {
		t.Fatalf("expected the full tool surface, got %d", len(tools))
	}
	byName := map[string]Tool{}
	for _, tool := range tools {
		byName[tool.Name] = tool
	}
	if _, ok := byName["mission.create"]; !ok {
		t.Fatal("mission.create missing from discovery")
	}
	if !byName["mission.list"].ReadOnly {
		t.Fatal("mission.list should be read-only")
	}
	if byName["artifact.create"].ReadOnly {
		t.Fatal("artifact.create must not be read-only")
	}
}
