package state

// Artifact types form a closed set partitioned into mutability modes.
// Immutable artifacts are evidence: once written they never change.
// Append-only artifacts are logs: payload merges and file appends only.
const (
	ArtifactGitDiff            = "git_diff"
	ArtifactVerificationReport = "verification_report"
	ArtifactApprovalRecord     = "approval_record"
	ArtifactAgentRecipe        = "agent_recipe"
	ArtifactPreFlightSnapshot  = "pre_flight_snapshot"
	ArtifactBootstrap          = "bootstrap"
	ArtifactExecutionViolation = "execution_violation"
	ArtifactCircuitBreakerTrip = "circuit_breaker_trip"
	ArtifactFailureReport      = "failure_report"
	ArtifactSignalReport       = "signal_report"
	ArtifactPolicyMatchReport  = "policy_match_report"
	ArtifactRateLimitEvent     = "rate_limit_event"
	ArtifactChangePlan         = "change_plan"
	ArtifactPlan               = "plan"

	ArtifactRuntimeLog    = "runtime_log"
	ArtifactBuildLog      = "build_log"
	ArtifactConsoleErrors = "console_errors"
)

var artifactModes = map[string]ArtifactMode{
	ArtifactGitDiff:            ModeImmutable,
	ArtifactVerificationReport: ModeImmutable,
	ArtifactApprovalRecord:     ModeImmutable,
	ArtifactAgentRecipe:        ModeImmutable,
	ArtifactPreFlightSnapshot:  ModeImmutable,
	ArtifactBootstrap:          ModeImmutable,
	ArtifactExecutionViolation: ModeImmutable,
	ArtifactCircuitBreakerTrip: ModeImmutable,
	ArtifactFailureReport:      ModeImmutable,
	ArtifactSignalReport:       ModeImmutable,
	ArtifactPolicyMatchReport:  ModeImmutable,
	ArtifactRateLimitEvent:     ModeImmutable,
	ArtifactChangePlan:         ModeImmutable,
	ArtifactPlan:               ModeImmutable,

	ArtifactRuntimeLog:    ModeAppendOnly,
	ArtifactBuildLog:      ModeAppendOnly,
	ArtifactConsoleErrors: ModeAppendOnly,
}

// ArtifactModeFor returns the mutability mode for an artifact type and
// whether the type is known.
func ArtifactModeFor(artifactType string) (ArtifactMode, bool) {
	mode, ok := artifactModes[artifactType]
	return mode, ok
}

// ArtifactTypes returns the closed set of artifact types with their modes.
func ArtifactTypes() map[string]ArtifactMode {
	out := make(map[string]ArtifactMode, len(artifactModes))
	for k, v := range artifactModes {
		out[k] = v
	}
	return out
}
