package gate

import (
	"context"

	"missionctl/internal/domain/state"
	"missionctl/internal/errors"
	"missionctl/internal/rate"
	"missionctl/internal/shared/logging"
	"missionctl/internal/store"
)

// immediateTools require armed mode regardless of mission class.
var immediateTools = []string{
	"agent.spawn_immediate", "agent.execute_recipe", "selfheal.apply",
}

// destructiveTools always require an explicit human approval.
var destructiveTools = []string{
	"selfheal.apply", "mission.unlock", "state.reset_circuit_breaker",
}

// Engine composes the policy checks every tool call passes after the
// delegation gate: breaker, armed mode, tool allowance, destructive
// approval, cost ceiling, provider rate.
type Engine struct {
	store  *store.Store
	rates  *rate.Limiter
	costs  *rate.CostTracker
	logger logging.Logger
}

// NewEngine wires the policy gate.
func NewEngine(s *store.Store, rates *rate.Limiter, costs *rate.CostTracker, logger logging.Logger) *Engine {
	return &Engine{store: s, rates: rates, costs: costs, logger: logging.OrNop(logger)}
}

// Validate authorizes one tool call. The returned error carries the
// stable rejection code; an APPROVAL_REQUIRED rejection includes the
// queued approval's id in its details.
func (e *Engine) Validate(ctx context.Context, tool string, call CallContext) error {
	snap := e.store.Snapshot()

	if snap.CircuitBreaker.Tripped {
		return errors.Newf(errors.CodeCircuitBreakerTripped,
			"circuit breaker tripped: %s", snap.CircuitBreaker.TrippedReason).AsBlocked()
	}

	var mission *state.Mission
	if call.MissionID != "" {
		m, ok := snap.Missions[call.MissionID]
		if !ok {
			return errors.Newf(errors.CodeNotFound, "mission %s not found", call.MissionID)
		}
		mission = m
	}

	if MatchesAny(immediateTools, tool) {
		if !snap.ArmedMode {
			return errors.Newf(errors.CodeToolNotAllowed,
				"tool %s requires armed mode", tool).AsBlocked()
		}
		if mission != nil && !mission.Contract.RiskLevel.Within(snap.RiskThreshold) {
			return errors.Newf(errors.CodeToolNotAllowed,
				"mission risk %s exceeds threshold %s",
				mission.Contract.RiskLevel, snap.RiskThreshold).AsBlocked()
		}
	}

	if mission != nil && len(mission.Contract.AllowedTools) > 0 &&
		!MatchesAny(mission.Contract.AllowedTools, tool) {
		return errors.Newf(errors.CodeToolNotAllowed,
			"tool %s is not in mission %s's allowance", tool, mission.ID).AsBlocked()
	}

	if mission != nil && (mission.MissionClass == state.ClassDestructive || MatchesAny(destructiveTools, tool)) {
		if err := e.requireApproval(ctx, tool, call, mission); err != nil {
			return err
		}
	}

	if call.EstimatedCost > 0 && mission != nil {
		if err := e.costs.CheckBudget(mission.ID, call.EstimatedCost,
			mission.Contract.MaxEstimatedCost, mission.Contract.MaxCostPerHour); err != nil {
			return err
		}
	}

	if call.Provider != "" {
		if err := e.rates.Check(call.Provider).Require(); err != nil {
			return err
		}
	}
	return nil
}

// requireApproval passes only when a human-approved request for this
// tool already exists on the mission. Destructive work is never
// auto-approved: on first sight an Approval is queued and the call is
// rejected with its id.
func (e *Engine) requireApproval(ctx context.Context, tool string, call CallContext, mission *state.Mission) error {
	snap := e.store.Snapshot()
	var pending *state.Approval
	for _, ap := range snap.Approvals {
		if ap.MissionID != mission.ID || ap.ToolName != tool {
			continue
		}
		switch ap.Status {
		case state.ApprovalApproved:
			return nil
		case state.ApprovalPending:
			pending = ap
		}
	}
	if pending != nil {
		return errors.Newf(errors.CodeApprovalRequired,
			"tool %s on mission %s awaits approval", tool, mission.ID).
			WithDetail("approvalId", pending.ID).AsBlocked()
	}

	created, err := e.store.CreateApproval(ctx, string(call.Caller), &state.Approval{
		MissionID:     mission.ID,
		TaskID:        call.TaskID,
		Action:        tool,
		ToolName:      tool,
		RiskLevel:     mission.Contract.RiskLevel,
		EstimatedCost: call.EstimatedCost,
	})
	if err != nil {
		return err
	}
	e.logger.Info("queued approval %s for %s on %s", created.ID, tool, mission.ID)
	return errors.Newf(errors.CodeApprovalRequired,
		"tool %s on mission %s requires approval", tool, mission.ID).
		WithDetail("approvalId", created.ID).AsBlocked()
}
