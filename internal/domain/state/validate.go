package state

import (
	"strings"

	"missionctl/internal/errors"
)

// Validators are pure functions: they inspect inputs and return typed
// errors without touching the store.

// ValidateMissionContract checks a mission's required fields and enums.
func ValidateMissionContract(m *Mission) error {
	if m == nil {
		return errors.New(errors.CodeValidation, "mission is required")
	}
	if strings.TrimSpace(m.Name) == "" {
		return errors.New(errors.CodeValidation, "mission name is required")
	}
	if !m.MissionClass.Valid() {
		return errors.Newf(errors.CodeValidation, "invalid mission class %q", m.MissionClass)
	}
	if !m.Contract.RiskLevel.Valid() {
		return errors.Newf(errors.CodeValidation, "invalid risk level %q", m.Contract.RiskLevel)
	}
	if !m.Contract.TriggerSource.Valid() {
		return errors.Newf(errors.CodeValidation, "invalid trigger source %q", m.Contract.TriggerSource)
	}
	if !m.ExecutionAuthority.Valid() {
		return errors.Newf(errors.CodeValidation, "executionAuthority is mandatory, got %q", m.ExecutionAuthority)
	}
	if !m.ExecutionMode.Valid() {
		return errors.Newf(errors.CodeValidation, "executionMode is mandatory, got %q", m.ExecutionMode)
	}
	if m.Contract.CompletionGate != "" && m.Contract.CompletionGate != "artifacts" {
		return errors.Newf(errors.CodeValidation, "unsupported completion gate %q", m.Contract.CompletionGate)
	}
	for _, artifactType := range m.Contract.RequiredArtifacts {
		if _, ok := ArtifactModeFor(artifactType); !ok {
			return errors.Newf(errors.CodeValidation, "unknown required artifact type %q", artifactType)
		}
	}
	if m.MissionClass != ClassExploration && len(m.Contract.RequiredArtifacts) == 0 {
		return errors.Newf(errors.CodeValidation,
			"mission class %q requires at least one required artifact", m.MissionClass)
	}
	return nil
}

// ValidateMissionTransition checks a mission status edge.
func ValidateMissionTransition(from, to MissionStatus) error {
	if !to.Valid() {
		return errors.Newf(errors.CodeValidation, "invalid mission status %q", to)
	}
	if !MissionTransitionAllowed(from, to) {
		return errors.Newf(errors.CodeInvalidTransition, "mission cannot move from %s to %s", from, to)
	}
	return nil
}

// ValidateTaskTransition checks a task status edge.
func ValidateTaskTransition(from, to TaskStatus) error {
	if !to.Valid() {
		return errors.Newf(errors.CodeValidation, "invalid task status %q", to)
	}
	if !TaskTransitionAllowed(from, to) {
		return errors.Newf(errors.CodeInvalidTransition, "task cannot move from %s to %s", from, to)
	}
	return nil
}

// ValidateAgentTransition checks an agent status edge.
func ValidateAgentTransition(from, to AgentStatus) error {
	if !to.Valid() {
		return errors.Newf(errors.CodeValidation, "invalid agent status %q", to)
	}
	if !AgentTransitionAllowed(from, to) {
		return errors.Newf(errors.CodeInvalidTransition, "agent cannot move from %s to %s", from, to)
	}
	return nil
}

// ValidateArtifact checks a new artifact's type, provenance and fields.
func ValidateArtifact(a *Artifact) error {
	if a == nil {
		return errors.New(errors.CodeValidation, "artifact is required")
	}
	if a.MissionID == "" {
		return errors.New(errors.CodeValidation, "artifact missionId is required")
	}
	mode, ok := ArtifactModeFor(a.Type)
	if !ok {
		return errors.Newf(errors.CodeValidation, "unknown artifact type %q", a.Type)
	}
	if a.Mode != "" && a.Mode != mode {
		return errors.Newf(errors.CodeValidation,
			"artifact type %q has mode %q, got %q", a.Type, mode, a.Mode)
	}
	if !a.Provenance.Producer.Valid() {
		return errors.Newf(errors.CodeValidation, "invalid artifact producer %q", a.Provenance.Producer)
	}
	return nil
}

// ValidateArtifactUpdate checks a patch against an artifact's mutability
// mode. Immutable artifacts reject all patches; append-only artifacts
// accept payload merges that never overwrite an existing key with a
// different value, plus file appends.
func ValidateArtifactUpdate(existing *Artifact, payloadPatch map[string]any, appendFiles []string) error {
	if existing == nil {
		return errors.New(errors.CodeNotFound, "artifact not found")
	}
	if existing.Mode == ModeImmutable {
		return errors.Newf(errors.CodeImmutableViolation,
			"artifact %s (%s) is immutable", existing.ID, existing.Type).AsBlocked()
	}
	for key, value := range payloadPatch {
		prior, present := existing.Payload[key]
		if present && !payloadValueEqual(prior, value) {
			return errors.Newf(errors.CodeAppendOnlyViolation,
				"append-only artifact %s: key %q already set", existing.ID, key).AsBlocked()
		}
	}
	_ = appendFiles // appends are always allowed on append-only artifacts
	return nil
}

func payloadValueEqual(a, b any) bool {
	// Payloads arrive from JSON, so scalar comparison covers the common
	// case; composite values are treated as unequal to stay conservative.
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		return false
	}
}

// MissingArtifacts returns the required artifact types with no instance
// among the mission's artifacts.
func MissingArtifacts(m *Mission, artifacts []*Artifact) []string {
	present := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		present[a.Type] = true
	}
	var missing []string
	for _, required := range m.Contract.RequiredArtifacts {
		if !present[required] {
			missing = append(missing, required)
		}
	}
	return missing
}

// ValidateArtifactGate enforces the evidence contract: for non-exploration
// missions every required artifact type must appear at least once.
func ValidateArtifactGate(m *Mission, artifacts []*Artifact) error {
	if m.MissionClass == ClassExploration {
		return nil
	}
	if missing := MissingArtifacts(m, artifacts); len(missing) > 0 {
		return errors.Newf(errors.CodeCompletionBlocked,
			"required artifacts missing: %s", strings.Join(missing, ", ")).
			WithDetail("missingArtifacts", missing).AsBlocked()
	}
	return nil
}

// ValidateCompletion combines every completion gate: breaker state, the
// artifact gate, the destructive approval requirement, and bootstrap
// presence when authority is CLAUDE_CODE.
func ValidateCompletion(m *Mission, artifacts []*Artifact, breaker CircuitBreaker) error {
	if m.Status == MissionLocked {
		return errors.Newf(errors.CodeMissionLocked,
			"mission %s is locked: %s", m.ID, m.LockedReason).AsBlocked()
	}
	if breaker.Tripped {
		return errors.Newf(errors.CodeCircuitBreakerTripped,
			"circuit breaker tripped: %s", breaker.TrippedReason).AsBlocked()
	}
	if err := ValidateArtifactGate(m, artifacts); err != nil {
		return err
	}
	if m.MissionClass == ClassDestructive {
		if err := validateDestructiveEvidence(m, artifacts); err != nil {
			return err
		}
	}
	if m.ExecutionAuthority == AuthorityClaudeCode && m.BootstrapArtifactID == "" {
		hasBootstrap := false
		for _, a := range artifacts {
			if a.Type == ArtifactBootstrap {
				hasBootstrap = true
				break
			}
		}
		if !hasBootstrap {
			return errors.New(errors.CodeCompletionBlocked,
				"bootstrap artifact required for CLAUDE_CODE missions").AsBlocked()
		}
	}
	return nil
}

// validateDestructiveEvidence requires a human approval record, a
// pre-flight snapshot and a change plan before a destructive mission may
// complete. Destructive missions never auto-complete.
func validateDestructiveEvidence(m *Mission, artifacts []*Artifact) error {
	var humanApproval, preFlight, changePlan bool
	for _, a := range artifacts {
		switch a.Type {
		case ArtifactApprovalRecord:
			if a.Provenance.Producer == ProducerHuman {
				humanApproval = true
			}
		case ArtifactPreFlightSnapshot:
			preFlight = true
		case ArtifactChangePlan:
			changePlan = true
		}
	}
	var missing []string
	if !humanApproval {
		missing = append(missing, ArtifactApprovalRecord)
	}
	if !preFlight {
		missing = append(missing, ArtifactPreFlightSnapshot)
	}
	if !changePlan {
		missing = append(missing, ArtifactChangePlan)
	}
	if len(missing) > 0 {
		return errors.Newf(errors.CodeCompletionBlocked,
			"destructive mission %s lacks evidence: %s", m.ID, strings.Join(missing, ", ")).
			WithDetail("missingArtifacts", missing).AsBlocked()
	}
	return nil
}
