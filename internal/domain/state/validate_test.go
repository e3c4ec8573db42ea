package state

import (
	"testing"
	"time"

	"missionctl/internal/errors"
)

func baseMission() *Mission {
	return &Mission{
		ID:           "mission-1",
		Name:         "harden build",
		MissionClass: ClassImplementation,
		Status:       MissionRunning,
		Contract: Contract{
			RequiredArtifacts: []string{ArtifactGitDiff, ArtifactVerificationReport},
			RiskLevel:         RiskLow,
			AllowedTools:      []string{"*"},
			CompletionGate:    "artifacts",
			TriggerSource:     TriggerManual,
		},
		ExecutionAuthority: AuthorityClaudeCode,
		ExecutionMode:      ModeRecipeOnly,
		CreatedAt:          time.Now().UTC(),
	}
}

func TestValidateMissionContract(t *testing.T) {
	m := baseMission()
	if err := ValidateMissionContract(m); err != nil {
		t.Fatalf("valid contract rejected: %v", err)
	}

	missingAuthority := baseMission()
	missingAuthority.ExecutionAuthority = ""
	if err := ValidateMissionContract(missingAuthority); !errors.HasCode(err, errors.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR for missing authority, got %v", err)
	}

	badClass := baseMission()
	badClass.MissionClass = "adventure"
	if err := ValidateMissionContract(badClass); !errors.HasCode(err, errors.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR for bad class, got %v", err)
	}

	noEvidence := baseMission()
	noEvidence.Contract.RequiredArtifacts = nil
	if err := ValidateMissionContract(noEvidence); !errors.HasCode(err, errors.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR for empty evidence contract, got %v", err)
	}

	exploration := baseMission()
	exploration.MissionClass = ClassExploration
	exploration.Contract.RequiredArtifacts = nil
	if err := ValidateMissionContract(exploration); err != nil {
		t.Fatalf("exploration mission should not need required artifacts: %v", err)
	}
}

func TestValidateMissionTransition(t *testing.T) {
	allowed := [][2]MissionStatus{
		{MissionQueued, MissionRunning},
		{MissionRunning, MissionBlocked},
		{MissionBlocked, MissionRunning},
		{MissionRunning, MissionComplete},
		{MissionFailed, MissionLocked},
		{MissionLocked, MissionQueued},
	}
	for _, edge := range allowed {
		if err := ValidateMissionTransition(edge[0], edge[1]); err != nil {
			t.Fatalf("%s -> %s should be allowed: %v", edge[0], edge[1], err)
		}
	}

	denied := [][2]MissionStatus{
		{MissionComplete, MissionRunning},
		{MissionQueued, MissionComplete},
		{MissionLocked, MissionComplete},
		{MissionLocked, MissionRunning},
	}
	for _, edge := range denied {
		if err := ValidateMissionTransition(edge[0], edge[1]); !errors.HasCode(err, errors.CodeInvalidTransition) {
			t.Fatalf("%s -> %s should be denied, got %v", edge[0], edge[1], err)
		}
	}
}

func TestValidateArtifactUpdate(t *testing.T) {
	immutable := &Artifact{
		ID:   "artifact-1",
		Type: ArtifactGitDiff,
		Mode: ModeImmutable,
	}
	err := ValidateArtifactUpdate(immutable, map[string]any{"note": "x"}, nil)
	if !errors.HasCode(err, errors.CodeImmutableViolation) {
		t.Fatalf("expected IMMUTABLE_VIOLATION, got %v", err)
	}

	log := &Artifact{
		ID:      "artifact-2",
		Type:    ArtifactRuntimeLog,
		Mode:    ModeAppendOnly,
		Payload: map[string]any{"lines": "first"},
	}
	if err := ValidateArtifactUpdate(log, map[string]any{"extra": "second"}, nil); err != nil {
		t.Fatalf("append of new key should pass: %v", err)
	}
	if err := ValidateArtifactUpdate(log, map[string]any{"lines": "rewritten"}, nil); !errors.HasCode(err, errors.CodeAppendOnlyViolation) {
		t.Fatalf("expected APPEND_ONLY_VIOLATION, got %v", err)
	}
	// Re-asserting the same value is not an overwrite.
	if err := ValidateArtifactUpdate(log, map[string]any{"lines": "first"}, nil); err != nil {
		t.Fatalf("idempotent merge should pass: %v", err)
	}
}

func TestValidateCompletion(t *testing.T) {
	m := baseMission()
	diff := &Artifact{ID: "artifact-d", MissionID: m.ID, Type: ArtifactGitDiff,
		Provenance: Provenance{Producer: ProducerAgent}}
	report := &Artifact{ID: "artifact-v", MissionID: m.ID, Type: ArtifactVerificationReport,
		Provenance: Provenance{Producer: ProducerAgent}}
	bootstrap := &Artifact{ID: "artifact-b", MissionID: m.ID, Type: ArtifactBootstrap,
		Provenance: Provenance{Producer: ProducerSystem}}

	err := ValidateCompletion(m, []*Artifact{diff}, CircuitBreaker{})
	if !errors.HasCode(err, errors.CodeCompletionBlocked) {
		t.Fatalf("expected COMPLETION_BLOCKED with missing report, got %v", err)
	}
	typed, _ := errors.As(err)
	missing, _ := typed.Details["missingArtifacts"].([]string)
	if len(missing) != 1 || missing[0] != ArtifactVerificationReport {
		t.Fatalf("expected missingArtifacts=[verification_report], got %v", typed.Details)
	}

	if err := ValidateCompletion(m, []*Artifact{diff, report, bootstrap}, CircuitBreaker{}); err != nil {
		t.Fatalf("satisfied gate rejected: %v", err)
	}

	tripped := CircuitBreaker{Tripped: true, TrippedReason: "spawn storm"}
	if err := ValidateCompletion(m, []*Artifact{diff, report, bootstrap}, tripped); !errors.HasCode(err, errors.CodeCircuitBreakerTripped) {
		t.Fatalf("expected CIRCUIT_BREAKER_TRIPPED, got %v", err)
	}

	locked := baseMission()
	locked.Status = MissionLocked
	if err := ValidateCompletion(locked, []*Artifact{diff, report, bootstrap}, CircuitBreaker{}); !errors.HasCode(err, errors.CodeMissionLocked) {
		t.Fatalf("expected MISSION_LOCKED, got %v", err)
	}
}

func TestValidateCompletionDestructive(t *testing.T) {
	m := baseMission()
	m.MissionClass = ClassDestructive
	m.BootstrapArtifactID = "artifact-b"
	evidence := []*Artifact{
		{Type: ArtifactGitDiff, Provenance: Provenance{Producer: ProducerAgent}},
		{Type: ArtifactVerificationReport, Provenance: Provenance{Producer: ProducerAgent}},
		{Type: ArtifactPreFlightSnapshot, Provenance: Provenance{Producer: ProducerSystem}},
		{Type: ArtifactChangePlan, Provenance: Provenance{Producer: ProducerAgent}},
	}
	err := ValidateCompletion(m, evidence, CircuitBreaker{})
	if !errors.HasCode(err, errors.CodeCompletionBlocked) {
		t.Fatalf("destructive mission without human approval must not complete, got %v", err)
	}

	// A system-produced approval record is not enough.
	withSystemApproval := append(evidence, &Artifact{
		Type: ArtifactApprovalRecord, Provenance: Provenance{Producer: ProducerSystem}})
	if err := ValidateCompletion(m, withSystemApproval, CircuitBreaker{}); !errors.HasCode(err, errors.CodeCompletionBlocked) {
		t.Fatalf("system approval must not satisfy destructive gate, got %v", err)
	}

	withHumanApproval := append(evidence, &Artifact{
		Type: ArtifactApprovalRecord, Provenance: Provenance{Producer: ProducerHuman}})
	if err := ValidateCompletion(m, withHumanApproval, CircuitBreaker{}); err != nil {
		t.Fatalf("satisfied destructive gate rejected: %v", err)
	}
}

func TestArtifactModeCatalog(t *testing.T) {
	mode, ok := ArtifactModeFor(ArtifactAgentRecipe)
	if !ok || mode != ModeImmutable {
		t.Fatalf("agent_recipe should be immutable, got %v %v", mode, ok)
	}
	mode, ok = ArtifactModeFor(ArtifactRuntimeLog)
	if !ok || mode != ModeAppendOnly {
		t.Fatalf("runtime_log should be append-only, got %v %v", mode, ok)
	}
	if _, ok := ArtifactModeFor("screenshot"); ok {
		t.Fatal("unknown artifact type should not resolve")
	}
}
