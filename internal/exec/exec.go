// Package exec implements the two-mode spawn model: recipe generation,
// armed immediate execution with its precondition ladder, and heartbeat
// bookkeeping over delegated agents.
package exec

import (
	"context"
	"time"

	"missionctl/internal/domain/state"
	"missionctl/internal/errors"
	"missionctl/internal/rate"
	"missionctl/internal/shared/logging"
	"missionctl/internal/store"
)

const (
	// DefaultHeartbeatInterval is N: agents must beat every N seconds.
	// No beat for 2N marks stale, 5N marks dead.
	DefaultHeartbeatInterval = 30 * time.Second

	recipeTTL = 24 * time.Hour
)

// SpawnRequest describes the worker to start.
type SpawnRequest struct {
	MissionID        string   `json:"missionId"`
	TaskID           string   `json:"taskId,omitempty"`
	Model            string   `json:"model"`
	Prompt           string   `json:"prompt"`
	Worktree         string   `json:"worktree"`
	Branch           string   `json:"branch,omitempty"`
	RollbackStrategy string   `json:"rollbackStrategy,omitempty"`
	AllowedTools     []string `json:"allowedTools,omitempty"`

	// viaRecipe marks a spawn routed through ExecuteRecipe, which is the
	// sanctioned immediate path for recipe-only missions.
	viaRecipe bool
}

// Manager drives agent spawning against the store's gates.
type Manager struct {
	store             *store.Store
	costs             *rate.CostTracker
	logger            logging.Logger
	heartbeatInterval time.Duration
	now               func() time.Time
}

// NewManager wires the execution manager.
func NewManager(s *store.Store, costs *rate.CostTracker, heartbeatInterval time.Duration, logger logging.Logger) *Manager {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Manager{
		store:             s,
		costs:             costs,
		logger:            logging.OrNop(logger),
		heartbeatInterval: heartbeatInterval,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// Clock overrides the manager's time source for tests.
func (m *Manager) Clock(now func() time.Time) {
	m.now = now
}

// SpawnRecipe writes an immutable agent_recipe artifact describing how a
// worker would be started. Nothing executes; a caller may later hand the
// recipe to ExecuteRecipe.
func (m *Manager) SpawnRecipe(ctx context.Context, actor string, req SpawnRequest) (*state.Artifact, error) {
	mission, err := m.store.GetMission(req.MissionID)
	if err != nil {
		return nil, err
	}
	if mission.ExecutionMode == state.ModeImmediateOnly {
		return nil, errors.Newf(errors.CodeModeLockViolation,
			"mission %s is locked to immediate-only execution", mission.ID).AsBlocked()
	}
	if err := validateSpawnRequest(req); err != nil {
		return nil, err
	}
	inputTokens := rate.EstimatePromptTokens(req.Model, req.Prompt)
	estimate := m.costs.EstimateTaskCost(req.Model, inputTokens, inputTokens, 1, nil)
	if err := m.costs.CheckBudget(mission.ID, estimate.Max,
		mission.Contract.MaxEstimatedCost, mission.Contract.MaxCostPerHour); err != nil {
		return nil, err
	}

	expires := m.now().Add(recipeTTL)
	recipe, err := m.store.AddArtifact(ctx, actor, &state.Artifact{
		MissionID: req.MissionID,
		TaskID:    req.TaskID,
		Type:      state.ArtifactAgentRecipe,
		Label:     "spawn recipe",
		Payload: map[string]any{
			"model":             req.Model,
			"prompt":            req.Prompt,
			"worktree":          req.Worktree,
			"branch":            req.Branch,
			"rollbackStrategy":  req.RollbackStrategy,
			"allowedTools":      req.AllowedTools,
			"requiredArtifacts": mission.Contract.RequiredArtifacts,
			"riskLevel":         string(mission.Contract.RiskLevel),
			"estimatedCostMin":  estimate.Min,
			"estimatedCostMax":  estimate.Max,
			"expiresAt":         expires.Format(time.RFC3339),
		},
		Provenance: state.Provenance{Producer: state.ProducerSystem},
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("recipe %s written for mission %s", recipe.ID, req.MissionID)
	return recipe, nil
}

// SpawnImmediate starts a worker record after the full precondition
// ladder. On a precondition failure the mission is moved to blocked with
// a failure_report artifact and the original rejection is returned.
func (m *Manager) SpawnImmediate(ctx context.Context, actor string, req SpawnRequest) (*state.Agent, error) {
	mission, err := m.store.GetMission(req.MissionID)
	if err != nil {
		return nil, err
	}
	if err := m.checkImmediatePreconditions(mission, req); err != nil {
		m.recordSpawnFailure(ctx, mission, err)
		return nil, err
	}

	agent, err := m.store.RegisterAgent(ctx, actor, &state.Agent{
		MissionID: req.MissionID,
		TaskID:    req.TaskID,
		Mode:      state.SpawnImmediate,
		Worktree:  req.Worktree,
	})
	if err != nil {
		m.recordSpawnFailure(ctx, mission, err)
		return nil, err
	}
	if _, err := m.store.AddArtifact(ctx, actor, &state.Artifact{
		MissionID: req.MissionID,
		TaskID:    req.TaskID,
		Type:      state.ArtifactPreFlightSnapshot,
		Payload: map[string]any{
			"agentId":  agent.ID,
			"worktree": req.Worktree,
			"model":    req.Model,
		},
		Provenance: state.Provenance{Producer: state.ProducerSystem},
	}); err != nil {
		return nil, err
	}
	m.logger.Info("agent %s spawned for mission %s (immediate)", agent.ID, req.MissionID)
	return agent, nil
}

// CheckImmediate reports whether an immediate spawn would currently pass
// the precondition ladder, without side effects.
func (m *Manager) CheckImmediate(missionID string) error {
	mission, err := m.store.GetMission(missionID)
	if err != nil {
		return err
	}
	return m.checkImmediatePreconditions(mission, SpawnRequest{
		MissionID:        missionID,
		RollbackStrategy: "probe",
	})
}

func (m *Manager) checkImmediatePreconditions(mission *state.Mission, req SpawnRequest) error {
	snap := m.store.Snapshot()
	now := m.now()

	// The router's delegation gate enforces the mode lock too; this
	// re-check holds for callers that reach the manager directly.
	if mission.ExecutionMode == state.ModeRecipeOnly && !req.viaRecipe {
		return errors.Newf(errors.CodeModeLockViolation,
			"mission %s is locked to recipe-only execution", mission.ID).AsBlocked()
	}
	if !snap.ArmedMode {
		return errors.New(errors.CodeToolNotAllowed, "immediate execution requires armed mode").AsBlocked()
	}
	if !mission.Contract.RiskLevel.Within(snap.RiskThreshold) {
		return errors.Newf(errors.CodeToolNotAllowed,
			"mission risk %s exceeds threshold %s", mission.Contract.RiskLevel, snap.RiskThreshold).AsBlocked()
	}
	if mission.Status == state.MissionLocked {
		return errors.Newf(errors.CodeMissionLocked,
			"mission %s is locked: %s", mission.ID, mission.LockedReason).AsBlocked()
	}
	if snap.CircuitBreaker.Tripped {
		return errors.Newf(errors.CodeCircuitBreakerTripped,
			"circuit breaker tripped: %s", snap.CircuitBreaker.TrippedReason).AsBlocked()
	}
	if mission.CooldownUntil != nil && now.Before(*mission.CooldownUntil) {
		return errors.Newf(errors.CodeRateExceeded,
			"mission %s cooling down until %s", mission.ID, mission.CooldownUntil.Format(time.RFC3339)).
			WithDetail("retryAfterMs", mission.CooldownUntil.Sub(now).Milliseconds()).AsBlocked()
	}
	if mission.ImmediateExecCount >= m.store.Limits().MaxImmediateExec {
		return errors.Newf(errors.CodeRateExceeded,
			"mission %s used all %d immediate executions", mission.ID, m.store.Limits().MaxImmediateExec).AsBlocked()
	}
	if !m.store.SpawnWindowOpen() {
		return errors.New(errors.CodeRateExceeded, "hourly spawn window exhausted").AsBlocked()
	}
	if len(mission.Contract.RequiredArtifacts) == 0 {
		return errors.New(errors.CodeValidation, "immediate execution requires a required-artifact contract")
	}
	if req.RollbackStrategy == "" {
		return errors.New(errors.CodeValidation, "immediate execution requires a rollback strategy")
	}
	if m.costs != nil && req.Model != "" {
		inputTokens := rate.EstimatePromptTokens(req.Model, req.Prompt)
		estimate := m.costs.EstimateTaskCost(req.Model, inputTokens, inputTokens, 1, nil)
		if err := m.costs.CheckBudget(mission.ID, estimate.Max,
			mission.Contract.MaxEstimatedCost, mission.Contract.MaxCostPerHour); err != nil {
			return err
		}
	}
	return nil
}

// recordSpawnFailure moves the mission to blocked with a failure_report.
// Best effort: a mission that cannot transition keeps its status but
// still gets the report.
func (m *Manager) recordSpawnFailure(ctx context.Context, mission *state.Mission, cause error) {
	if _, err := m.store.AddArtifact(ctx, "system", &state.Artifact{
		MissionID: mission.ID,
		Type:      state.ArtifactFailureReport,
		Payload: map[string]any{
			"stage": "spawn_immediate",
			"error": cause.Error(),
			"code":  string(errors.CodeOf(cause)),
		},
		Provenance: state.Provenance{Producer: state.ProducerSystem},
	}); err != nil {
		m.logger.Error("record spawn failure for %s: %v", mission.ID, err)
	}
	if mission.Status == state.MissionRunning {
		if _, err := m.store.UpdateMissionStatus(ctx, "system", mission.ID,
			state.MissionBlocked, "spawn preconditions failed"); err != nil {
			m.logger.Error("block mission %s after spawn failure: %v", mission.ID, err)
		}
	}
}

// ExecuteRecipe starts a worker from a previously written recipe,
// routing through the immediate-spawn precondition ladder.
func (m *Manager) ExecuteRecipe(ctx context.Context, actor, recipeArtifactID string) (*state.Agent, error) {
	recipe, err := m.store.GetArtifact(recipeArtifactID)
	if err != nil {
		return nil, err
	}
	if recipe.Type != state.ArtifactAgentRecipe {
		return nil, errors.Newf(errors.CodeValidation,
			"artifact %s is %s, not an agent recipe", recipeArtifactID, recipe.Type)
	}
	if expires, ok := recipe.Payload["expiresAt"].(string); ok {
		if at, err := time.Parse(time.RFC3339, expires); err == nil && m.now().After(at) {
			return nil, errors.Newf(errors.CodeValidation, "recipe %s expired at %s", recipe.ID, expires)
		}
	}
	req := SpawnRequest{
		MissionID:        recipe.MissionID,
		TaskID:           recipe.TaskID,
		Model:            stringField(recipe.Payload, "model"),
		Prompt:           stringField(recipe.Payload, "prompt"),
		Worktree:         stringField(recipe.Payload, "worktree"),
		Branch:           stringField(recipe.Payload, "branch"),
		RollbackStrategy: stringField(recipe.Payload, "rollbackStrategy"),
		viaRecipe:        true,
	}
	return m.SpawnImmediate(ctx, actor, req)
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func validateSpawnRequest(req SpawnRequest) error {
	if req.Model == "" {
		return errors.New(errors.CodeValidation, "spawn model is required")
	}
	if req.Prompt == "" {
		return errors.New(errors.CodeValidation, "spawn prompt is required")
	}
	if req.Worktree == "" {
		return errors.New(errors.CodeValidation, "spawn worktree is required")
	}
	return nil
}

// HeartbeatSweep applies the stale/dead ladder over non-terminal agents:
// no beat for 2N marks stale, 5N marks dead and frees the task. Dead
// agents get a signal_report on their mission. Returns the agent ids
// marked dead.
func (m *Manager) HeartbeatSweep(ctx context.Context) []string {
	snap := m.store.Snapshot()
	now := m.now()
	staleAfter := 2 * m.heartbeatInterval
	deadAfter := 5 * m.heartbeatInterval

	var dead []string
	for _, agent := range snap.Agents {
		if agent.Status != state.AgentRunning && agent.Status != state.AgentStale {
			continue
		}
		last := agent.CreatedAt
		if agent.LastHeartbeat != nil {
			last = *agent.LastHeartbeat
		}
		silence := now.Sub(last)
		switch {
		case silence >= deadAfter:
			if agent.Status == state.AgentRunning {
				// dead is only reachable through stale.
				if err := m.store.MarkAgentStale(ctx, "watchdog", agent.ID); err != nil {
					m.logger.Error("mark agent %s stale: %v", agent.ID, err)
					continue
				}
			}
			if err := m.store.MarkAgentDead(ctx, "watchdog", agent.ID, "heartbeat lost"); err != nil {
				m.logger.Error("mark agent %s dead: %v", agent.ID, err)
				continue
			}
			if _, err := m.store.AddArtifact(ctx, "watchdog", &state.Artifact{
				MissionID: agent.MissionID,
				TaskID:    agent.TaskID,
				Type:      state.ArtifactSignalReport,
				Payload: map[string]any{
					"signal":        "agent_dead",
					"agentId":       agent.ID,
					"silenceSecs":   silence.Seconds(),
					"lastHeartbeat": last.Format(time.RFC3339),
				},
				Provenance: state.Provenance{Producer: state.ProducerWatchdog},
			}); err != nil {
				m.logger.Error("signal report for %s: %v", agent.ID, err)
			}
			dead = append(dead, agent.ID)
		case silence >= staleAfter && agent.Status == state.AgentRunning:
			if err := m.store.MarkAgentStale(ctx, "watchdog", agent.ID); err != nil {
				m.logger.Error("mark agent %s stale: %v", agent.ID, err)
			}
		}
	}
	return dead
}
