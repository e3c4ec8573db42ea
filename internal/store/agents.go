package store

import (
	"context"
	"sort"
	"time"

	"missionctl/internal/breaker"
	"missionctl/internal/domain/state"
	"missionctl/internal/errors"
	"missionctl/internal/shared/id"
)

// SpawnWindowOpen reports whether another immediate spawn fits in the
// global hourly window.
func (s *Store) SpawnWindowOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb := s.st.CircuitBreaker
	cb.SpawnTimes = append([]time.Time(nil), cb.SpawnTimes...)
	return breaker.SpawnAllowed(&cb, s.now(), s.limits)
}

// RegisterAgent records a delegated worker in spawning state and links it
// to its mission and task. The external process is referenced, not owned.
// An immediate-mode registration also counts the spawn against the global
// window and the mission's immediate counter in the same mutation.
func (s *Store) RegisterAgent(ctx context.Context, actor string, a *state.Agent) (*state.Agent, error) {
	if a == nil || a.MissionID == "" {
		return nil, errors.New(errors.CodeValidation, "agent missionId is required")
	}
	if a.Mode != state.SpawnRecipe && a.Mode != state.SpawnImmediate {
		return nil, errors.Newf(errors.CodeValidation, "invalid spawn mode %q", a.Mode)
	}
	var created *state.Agent
	err := s.mutate(ctx, "agent.register", actor,
		map[string]any{"missionId": a.MissionID, "taskId": a.TaskID},
		func(tx *Txn) error {
			m, ok := tx.State.Missions[a.MissionID]
			if !ok {
				return errors.Newf(errors.CodeNotFound, "mission %s not found", a.MissionID)
			}
			agent := a.Clone()
			if agent.ID == "" {
				agent.ID = id.New(id.KindAgent)
			}
			if _, exists := tx.State.Agents[agent.ID]; exists {
				return errors.Newf(errors.CodeValidation, "agent %s already exists", agent.ID)
			}
			if agent.TaskID != "" {
				t, ok := tx.State.Tasks[agent.TaskID]
				if !ok || t.MissionID != agent.MissionID {
					return errors.Newf(errors.CodeValidation,
						"task %s does not belong to mission %s", agent.TaskID, agent.MissionID)
				}
				t.AssignedAgent = agent.ID
				touchTask(t, tx)
			}
			agent.Status = state.AgentSpawning
			agent.CreatedAt = tx.Now
			agent.UpdatedAt = tx.Now
			agent.StateVersion = 1
			if agent.Mode == state.SpawnImmediate {
				if !breaker.SpawnAllowed(&tx.State.CircuitBreaker, tx.Now, s.limits) {
					return errors.Newf(errors.CodeRateExceeded,
						"hourly spawn window exhausted").AsBlocked()
				}
				breaker.NoteSpawn(&tx.State.CircuitBreaker, tx.Now)
				m.ImmediateExecCount++
				at := tx.Now
				m.LastImmediateAt = &at
				until := tx.Now.Add(s.limits.ImmediateCooldown)
				m.CooldownUntil = &until
			}
			tx.State.Agents[agent.ID] = agent
			m.AgentIDs = append(m.AgentIDs, agent.ID)
			touchMission(m, tx)
			created = agent.Clone()
			return nil
		})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetAgent returns a copy of the agent record.
func (s *Store) GetAgent(agentID string) (*state.Agent, error) {
	st := s.Snapshot()
	a, ok := st.Agents[agentID]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "agent %s not found", agentID)
	}
	return a.Clone(), nil
}

// ListAgents returns agents, optionally scoped to a mission, newest first.
func (s *Store) ListAgents(missionID string) []*state.Agent {
	st := s.Snapshot()
	var out []*state.Agent
	for _, a := range st.Agents {
		if missionID != "" && a.MissionID != missionID {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// AgentHeartbeat records a beat. The first beat moves a spawning agent to
// running; a beat from a stale agent recovers it.
func (s *Store) AgentHeartbeat(ctx context.Context, actor, agentID string) (*state.Agent, error) {
	var updated *state.Agent
	err := s.mutate(ctx, "agent.heartbeat", actor,
		map[string]any{"agentId": agentID},
		func(tx *Txn) error {
			a, ok := tx.State.Agents[agentID]
			if !ok {
				return errors.Newf(errors.CodeNotFound, "agent %s not found", agentID)
			}
			if a.Status.IsTerminal() {
				return errors.Newf(errors.CodeInvalidTransition,
					"agent %s is %s, heartbeats are over", agentID, a.Status)
			}
			if a.Status == state.AgentSpawning || a.Status == state.AgentStale {
				if err := state.ValidateAgentTransition(a.Status, state.AgentRunning); err != nil {
					return err
				}
				a.Status = state.AgentRunning
			}
			at := tx.Now
			a.LastHeartbeat = &at
			touchAgent(a, tx)
			updated = a.Clone()
			return nil
		})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkAgentStale flags an agent that missed its heartbeat window.
func (s *Store) MarkAgentStale(ctx context.Context, actor, agentID string) error {
	return s.mutate(ctx, "agent.mark_stale", actor,
		map[string]any{"agentId": agentID},
		func(tx *Txn) error {
			a, ok := tx.State.Agents[agentID]
			if !ok {
				return errors.Newf(errors.CodeNotFound, "agent %s not found", agentID)
			}
			if a.Status == state.AgentStale {
				return nil
			}
			if err := state.ValidateAgentTransition(a.Status, state.AgentStale); err != nil {
				return err
			}
			a.Status = state.AgentStale
			touchAgent(a, tx)
			return nil
		})
}

// MarkAgentDead declares an agent lost and frees its task back to ready.
func (s *Store) MarkAgentDead(ctx context.Context, actor, agentID, reason string) error {
	var missionID string
	err := s.mutate(ctx, "agent.mark_dead", actor,
		map[string]any{"agentId": agentID, "reason": reason},
		func(tx *Txn) error {
			a, ok := tx.State.Agents[agentID]
			if !ok {
				return errors.Newf(errors.CodeNotFound, "agent %s not found", agentID)
			}
			missionID = a.MissionID
			if a.Status == state.AgentDead {
				return nil
			}
			if err := state.ValidateAgentTransition(a.Status, state.AgentDead); err != nil {
				return err
			}
			a.Status = state.AgentDead
			a.Error = reason
			touchAgent(a, tx)

			if a.TaskID != "" {
				if t, ok := tx.State.Tasks[a.TaskID]; ok && t.Status == state.TaskRunning {
					t.Status = state.TaskReady
					t.AssignedAgent = ""
					touchTask(t, tx)
				}
			}
			return nil
		})
	if err != nil {
		return err
	}
	s.graphs.Invalidate(missionID)
	return nil
}

// FinishAgent records a terminal outcome for an agent.
func (s *Store) FinishAgent(ctx context.Context, actor, agentID string, status state.AgentStatus, exitCode *int, agentErr string) error {
	if status != state.AgentComplete && status != state.AgentFailed {
		return errors.Newf(errors.CodeValidation, "finish status must be complete or failed, got %q", status)
	}
	return s.mutate(ctx, "agent.finish", actor,
		map[string]any{"agentId": agentID, "status": string(status)},
		func(tx *Txn) error {
			a, ok := tx.State.Agents[agentID]
			if !ok {
				return errors.Newf(errors.CodeNotFound, "agent %s not found", agentID)
			}
			if err := state.ValidateAgentTransition(a.Status, status); err != nil {
				return err
			}
			a.Status = status
			a.ExitCode = exitCode
			a.Error = agentErr
			touchAgent(a, tx)
			return nil
		})
}

func touchAgent(a *state.Agent, tx *Txn) {
	a.UpdatedAt = tx.Now
	a.StateVersion++
}
