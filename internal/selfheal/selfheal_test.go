package selfheal

import (
	"context"
	stderrors "errors"
	"testing"

	"missionctl/internal/domain/state"
	"missionctl/internal/errors"
	"missionctl/internal/persist"
	"missionctl/internal/store"
)

func newHarness(t *testing.T) (*store.Store, *Engine) {
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
	return s, NewEngine(s, nil)
}

func healMission(t *testing.T, s *store.Store) *state.Mission {
	t.Helper()
	m, err := s.CreateMission(context.Background(), "operator", &state.Mission{
		Name:         "stabilize pipeline",
		MissionClass: state.ClassMaintenance,
		Contract: state.Contract{
			RequiredArtifacts: []string{state.ArtifactVerificationReport},
			RiskLevel:         state.RiskMedium,
			TriggerSource:     state.TriggerWatchdog,
		},
		ExecutionAuthority: state.AuthorityClaudeCode,
		ExecutionMode:      state.ModeRecipeOnly,
	})
	if err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
	return m
}

func proposal(files []string) Proposal {
	return Proposal{
		Diagnosis:        "stale lock file left by crashed worker",
		ProposedCommands: []string{"rm -f /logs/worker.lock"},
		FilesTouched:     files,
		RiskRating:       state.RiskLow,
		RollbackPlan:     "restore from pre-apply snapshot",
	}
}

func noopApplier(context.Context, *Proposal) error { return nil }

func TestScratchPathProposalAutoApplies(t *testing.T) {
	s, e := newHarness(t)
	ctx := context.Background()
	mission := healMission(t, s)
	s.SetArmedMode(ctx, "operator", true)

	p, err := e.Propose(ctx, mission.ID, "lockfile-stale", proposal([]string{"/logs/x.log"}))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	p, err = e.Evaluate(ctx, p.ID)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if p.Status != StatusAutoApproved {
		t.Fatalf("expected auto approval, got %s", p.Status)
	}
	if reports := s.ListArtifacts(mission.ID, state.ArtifactPolicyMatchReport); len(reports) != 1 {
		t.Fatalf("expected a policy_match_report, got %d", len(reports))
	}

	p, err = e.Apply(ctx, "system", p.ID, noopApplier)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if p.Status != StatusApplied {
		t.Fatalf("expected applied, got %s", p.Status)
	}
	if got := s.ListArtifacts(mission.ID, state.ArtifactVerificationReport); len(got) != 1 {
		t.Fatalf("expected a verification_report, got %d", len(got))
	}
	if snaps, _ := s.ListSnapshots(); len(snaps) == 0 {
		t.Fatal("apply must snapshot first")
	}
}

func TestSourceFileProposalNeedsReview(t *testing.T) {
	s, e := newHarness(t)
	ctx := context.Background()
	mission := healMission(t, s)
	s.SetArmedMode(ctx, "operator", true)
	s.UpdateMissionStatus(ctx, "operator", mission.ID, state.MissionRunning, "")

	p, err := e.Propose(ctx, mission.ID, "flaky-import", proposal([]string{"src/a.ts"}))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	p, err = e.Evaluate(ctx, p.ID)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if p.Status != StatusNeedsReview || p.ApprovalID == "" {
		t.Fatalf("expected needs_review with approval, got %+v", p)
	}
	m, _ := s.GetMission(mission.ID)
	if m.Status != state.MissionNeedsReview {
		t.Fatalf("mission should be parked, got %s", m.Status)
	}

	// Apply is gated on the approval until a human resolves it.
	if _, err := e.Apply(ctx, "system", p.ID, noopApplier); !errors.HasCode(err, errors.CodeApprovalRequired) {
		t.Fatalf("expected APPROVAL_REQUIRED, got %v", err)
	}
	if _, err := s.ResolveApproval(ctx, "operator", p.ApprovalID, true, "alice", "reviewed"); err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if _, err := e.Apply(ctx, "system", p.ID, noopApplier); err != nil {
		t.Fatalf("approved apply: %v", err)
	}
}

func TestUnarmedModeNeverAutoApproves(t *testing.T) {
	s, e := newHarness(t)
	ctx := context.Background()
	mission := healMission(t, s)

	p, _ := e.Propose(ctx, mission.ID, "cache-bloat", proposal([]string{"/cache/pages.db"}))
	p, err := e.Evaluate(ctx, p.ID)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if p.Status != StatusNeedsReview {
		t.Fatalf("unarmed evaluation should need review, got %s", p.Status)
	}
}

func TestDuplicateHealKeyRejected(t *testing.T) {
	s, e := newHarness(t)
	ctx := context.Background()
	mission := healMission(t, s)
	s.SetArmedMode(ctx, "operator", true)

	p, _ := e.Propose(ctx, mission.ID, "lockfile-stale", proposal([]string{"/logs/x.log"}))
	p, _ = e.Evaluate(ctx, p.ID)
	if _, err := e.Apply(ctx, "system", p.ID, noopApplier); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	_, err := e.Propose(ctx, mission.ID, "lockfile-stale", proposal([]string{"/logs/x.log"}))
	if !errors.HasCode(err, errors.CodeDuplicateHeal) {
		t.Fatalf("expected DUPLICATE_HEAL, got %v", err)
	}
	healErr, ok := errors.As(err)
	if !ok || !healErr.Blocked {
		t.Fatalf("duplicate must be a blocked error: %v", err)
	}
}

func TestFailedAutoApplyRevokesPolicy(t *testing.T) {
	s, e := newHarness(t)
	ctx := context.Background()
	mission := healMission(t, s)
	s.SetArmedMode(ctx, "operator", true)

	p, _ := e.Propose(ctx, mission.ID, "tmp-cleanup", proposal([]string{"/temp/run1"}))
	p, _ = e.Evaluate(ctx, p.ID)
	_, err := e.Apply(ctx, "system", p.ID, func(context.Context, *Proposal) error {
		return stderrors.New("rm: permission denied")
	})
	if err == nil {
		t.Fatal("failing applier must surface an error")
	}
	if got := s.ListArtifacts(mission.ID, state.ArtifactFailureReport); len(got) != 1 {
		t.Fatalf("expected a failure_report, got %d", len(got))
	}

	// The class stays revoked until a human reinstates it.
	next, _ := e.Propose(ctx, mission.ID, "tmp-cleanup-2", proposal([]string{"/temp/run2"}))
	if _, err := e.Evaluate(ctx, next.ID); !errors.HasCode(err, errors.CodePolicyRevoked) {
		t.Fatalf("expected POLICY_REVOKED, got %v", err)
	}
	e.ReinstatePolicy(PolicyClass)
	got, err := e.Evaluate(ctx, next.ID)
	if err != nil {
		t.Fatalf("Evaluate after reinstate: %v", err)
	}
	if got.Status != StatusAutoApproved {
		t.Fatalf("reinstated policy should auto-approve, got %s", got.Status)
	}
}

func TestRollbackMarkerLifecycle(t *testing.T) {
	s, e := newHarness(t)
	ctx := context.Background()
	mission := healMission(t, s)
	s.SetArmedMode(ctx, "operator", true)

	p, _ := e.Propose(ctx, mission.ID, "log-rotate", proposal([]string{"/logs/app.log"}))
	p, _ = e.Evaluate(ctx, p.ID)
	if _, err := e.Apply(ctx, "system", p.ID, noopApplier); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if err := e.CompleteRollback(p.ID); !errors.HasCode(err, errors.CodeInvalidTransition) {
		t.Fatalf("rollback without marker should fail, got %v", err)
	}
	if err := e.MarkRollbackNeeded(p.ID); err != nil {
		t.Fatalf("MarkRollbackNeeded: %v", err)
	}
	if err := e.CompleteRollback(p.ID); err != nil {
		t.Fatalf("CompleteRollback: %v", err)
	}
	got, _ := e.Get(p.ID)
	if got.Status != StatusRolledBack || got.RollbackNeeded {
		t.Fatalf("unexpected rollback state: %+v", got)
	}
}
