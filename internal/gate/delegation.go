// Package gate authorizes tool calls: the delegation gate enforces who
// may execute, then the policy gate enforces what the mission's contract
// and the system's safety state allow. Every rejection is recorded.
package gate

import (
	"context"

	"missionctl/internal/domain/state"
	"missionctl/internal/errors"
	"missionctl/internal/shared/logging"
	"missionctl/internal/store"
)

// CallContext identifies a tool call for authorization.
type CallContext struct {
	Caller        state.ExecutionAuthority `json:"caller"`
	MissionID     string                   `json:"missionId,omitempty"`
	TaskID        string                   `json:"taskId,omitempty"`
	Provider      string                   `json:"provider,omitempty"`
	EstimatedCost float64                  `json:"estimatedCost,omitempty"`
}

// desktopAllowed is the closed set of tools a DESKTOP caller may invoke:
// read-only surfaces plus spawn, heartbeat and provider health.
var desktopAllowed = []string{
	"mission.get", "mission.list", "mission.get_progress", "mission.get_artifacts",
	"task.get", "task.list", "task.get_ready", "task.get_next",
	"task.get_execution_order", "task.check_dependencies", "task.check_gate",
	"task.visualize_graph",
	"artifact.get", "artifact.list", "artifact.list_types",
	"approval.get", "approval.list_pending", "approval.get_status",
	"state.get", "state.get_stats", "state.get_armed_mode", "state.get_circuit_breaker",
	"state.check_tool_permission", "state.check_immediate_exec",
	"agent.spawn", "agent.spawn_immediate", "agent.execute_recipe",
	"agent.get_status", "agent.get_logs", "agent.get_exec_stats", "agent.heartbeat",
	"provider.health", "provider.health_all",
}

// executionTools effect work product; on CLAUDE_CODE-authority missions
// only the Claude Code caller may invoke them.
var executionTools = []string{
	"artifact.create", "artifact.append", "artifact.create_git_diff",
	"artifact.create_verification_report", "artifact.create_plan",
	"task.update_status", "mission.update_status",
	"selfheal.apply", "selfheal.complete_rollback",
}

// readOnlyTools never mutate; the router exempts them from backpressure.
var readOnlyTools = []string{
	"mission.get", "mission.list", "mission.get_progress", "mission.get_artifacts",
	"task.get", "task.list", "task.get_ready", "task.get_next",
	"task.get_execution_order", "task.check_dependencies", "task.check_gate",
	"task.visualize_graph",
	"artifact.get", "artifact.list", "artifact.list_types",
	"agent.get_status", "agent.get_logs", "agent.get_exec_stats",
	"approval.get", "approval.list_pending", "approval.get_status", "approval.list_policies",
	"state.get", "state.get_stats", "state.get_armed_mode", "state.get_circuit_breaker",
	"state.check_tool_permission", "state.check_immediate_exec",
	"provider.health", "provider.health_all", "provider.list", "provider.check_rate",
	"provider.estimate_cost", "provider.list_models",
	"watchdog.list_configs", "selfheal.list",
}

// IsReadOnly reports whether the tool never mutates state.
func IsReadOnly(tool string) bool {
	return MatchesAny(readOnlyTools, tool)
}

// Delegation enforces execution authority and mode locks before the
// policy gate runs.
type Delegation struct {
	store  *store.Store
	logger logging.Logger
}

// NewDelegation builds the delegation gate over the store.
func NewDelegation(s *store.Store, logger logging.Logger) *Delegation {
	return &Delegation{store: s, logger: logging.OrNop(logger)}
}

// Check authorizes the caller for the tool. A rejection records an
// immutable execution_violation artifact on the mission and blocks the
// in-context task.
func (d *Delegation) Check(ctx context.Context, tool string, call CallContext) error {
	if !call.Caller.Valid() {
		return errors.Newf(errors.CodeValidation, "unknown caller authority %q", call.Caller)
	}
	if err := d.check(tool, call); err != nil {
		d.recordViolation(ctx, tool, call, err)
		return err
	}
	return nil
}

// Probe runs the same authorization as Check without recording a
// violation; used by permission queries.
func (d *Delegation) Probe(tool string, call CallContext) error {
	if !call.Caller.Valid() {
		return errors.Newf(errors.CodeValidation, "unknown caller authority %q", call.Caller)
	}
	return d.check(tool, call)
}

func (d *Delegation) check(tool string, call CallContext) error {
	var mission *state.Mission
	if call.MissionID != "" {
		var err error
		if mission, err = d.store.GetMission(call.MissionID); err != nil {
			return err
		}
	}

	if call.Caller == state.AuthorityDesktop {
		if !MatchesAny(desktopAllowed, tool) {
			return errors.Newf(errors.CodeExecutionViolation,
				"tool %s is not in the desktop-allowed set", tool).AsBlocked()
		}
		if mission != nil && mission.ExecutionAuthority == state.AuthorityClaudeCode &&
			MatchesAny(executionTools, tool) {
			return errors.Newf(errors.CodeExecutionViolation,
				"mission %s delegates execution to CLAUDE_CODE only", mission.ID).AsBlocked()
		}
	}

	if mission != nil {
		switch {
		case mission.ExecutionMode == state.ModeRecipeOnly && tool == "agent.spawn_immediate":
			return errors.Newf(errors.CodeModeLockViolation,
				"mission %s is locked to recipe-only execution", mission.ID).AsBlocked()
		case mission.ExecutionMode == state.ModeImmediateOnly && tool == "agent.spawn":
			return errors.Newf(errors.CodeModeLockViolation,
				"mission %s is locked to immediate-only execution", mission.ID).AsBlocked()
		}
	}
	return nil
}

// recordViolation persists the evidence trail of a rejected call. A
// failure to record is logged but never masks the original rejection.
func (d *Delegation) recordViolation(ctx context.Context, tool string, call CallContext, cause error) {
	if call.MissionID == "" {
		return
	}
	code := errors.CodeOf(cause)
	if code != errors.CodeExecutionViolation && code != errors.CodeModeLockViolation {
		return
	}

	required := state.AuthorityClaudeCode
	if m, err := d.store.GetMission(call.MissionID); err == nil {
		required = m.ExecutionAuthority
	}
	_, err := d.store.AddArtifact(ctx, string(call.Caller), &state.Artifact{
		MissionID: call.MissionID,
		TaskID:    call.TaskID,
		Type:      state.ArtifactExecutionViolation,
		Payload: map[string]any{
			"attemptedAction":   tool,
			"attemptedBy":       string(call.Caller),
			"requiredAuthority": string(required),
			"toolAttempted":     tool,
			"code":              string(code),
			"blocked":           true,
		},
		Provenance: state.Provenance{Producer: state.ProducerSystem},
	})
	if err != nil {
		d.logger.Error("record execution violation for %s: %v", call.MissionID, err)
	}
	if call.TaskID != "" {
		if _, err := d.store.UpdateTaskStatus(ctx, "system", call.TaskID,
			state.TaskBlocked, "EXECUTION_VIOLATION"); err != nil {
			d.logger.Error("block task %s after violation: %v", call.TaskID, err)
		}
	}
}
