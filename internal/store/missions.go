package store

import (
	"context"
	"sort"

	"missionctl/internal/breaker"
	"missionctl/internal/domain/state"
	"missionctl/internal/errors"
	"missionctl/internal/graph"
	"missionctl/internal/shared/id"
)

// CreateMission validates the contract and commits a new queued mission.
func (s *Store) CreateMission(ctx context.Context, actor string, m *state.Mission) (*state.Mission, error) {
	if err := state.ValidateMissionContract(m); err != nil {
		return nil, err
	}
	var created *state.Mission
	err := s.mutate(ctx, "mission.create", actor, map[string]any{"name": m.Name}, func(tx *Txn) error {
		mission := m.Clone()
		if mission.ID == "" {
			mission.ID = id.New(id.KindMission)
		}
		if _, exists := tx.State.Missions[mission.ID]; exists {
			return errors.Newf(errors.CodeValidation, "mission %s already exists", mission.ID)
		}
		mission.Status = state.MissionQueued
		mission.TaskIDs = []string{}
		mission.ArtifactIDs = []string{}
		mission.AgentIDs = []string{}
		mission.CreatedAt = tx.Now
		mission.UpdatedAt = tx.Now
		mission.StateVersion = 1
		tx.State.Missions[mission.ID] = mission
		created = mission.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("mission %s created (%s, %s)", created.ID, created.MissionClass, created.ExecutionMode)
	return created, nil
}

// GetMission returns a copy of the mission.
func (s *Store) GetMission(missionID string) (*state.Mission, error) {
	st := s.Snapshot()
	m, ok := st.Missions[missionID]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "mission %s not found", missionID)
	}
	return m.Clone(), nil
}

// ListMissions returns missions, optionally filtered by status, newest
// first.
func (s *Store) ListMissions(status state.MissionStatus) []*state.Mission {
	st := s.Snapshot()
	var out []*state.Mission
	for _, m := range st.Missions {
		if status != "" && m.Status != status {
			continue
		}
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// UpdateMissionStatus drives the mission lifecycle. Completion runs the
// full gate: breaker, required artifacts, destructive evidence, bootstrap
// presence, and the finalization tail. A completing mission gets a
// pre-mutation snapshot.
func (s *Store) UpdateMissionStatus(ctx context.Context, actor, missionID string, to state.MissionStatus, reason string) (*state.Mission, error) {
	var updated *state.Mission
	err := s.mutate(ctx, "mission.update_status", actor,
		map[string]any{"missionId": missionID, "status": string(to)},
		func(tx *Txn) error {
			m, ok := tx.State.Missions[missionID]
			if !ok {
				return errors.Newf(errors.CodeNotFound, "mission %s not found", missionID)
			}
			if m.Status == state.MissionLocked && to != state.MissionLocked {
				return errors.Newf(errors.CodeMissionLocked,
					"mission %s is locked: %s", missionID, m.LockedReason).AsBlocked()
			}
			if err := state.ValidateMissionTransition(m.Status, to); err != nil {
				return err
			}

			switch to {
			case state.MissionComplete:
				artifacts := missionArtifacts(tx.State, missionID)
				if err := state.ValidateCompletion(m, artifacts, tx.State.CircuitBreaker); err != nil {
					return err
				}
				g, err := graph.Build(missionTasks(tx.State, missionID))
				if err != nil {
					return err
				}
				if !g.FinalizationsComplete() {
					return errors.New(errors.CodeCompletionBlocked,
						"finalization tasks must complete before the mission").AsBlocked()
				}
				tx.SnapshotBefore("mission_complete")
				at := tx.Now
				m.CompletedAt = &at
			case state.MissionBlocked, state.MissionNeedsReview:
				m.BlockedReason = reason
			case state.MissionLocked:
				if reason == "" {
					return errors.New(errors.CodeValidation, "lock requires a reason")
				}
				m.LockedReason = reason
				tx.SnapshotBefore("locked")
			case state.MissionRunning:
				m.BlockedReason = ""
			}

			m.Status = to
			touchMission(m, tx)
			updated = m.Clone()
			return nil
		})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RecordMissionFailure bumps the failure counter and starts the cooldown.
// Crossing the failure bound locks the mission, records a
// circuit_breaker_trip artifact and retains a pre-lock snapshot.
func (s *Store) RecordMissionFailure(ctx context.Context, actor, missionID, reason string) (*state.Mission, error) {
	var updated *state.Mission
	err := s.mutate(ctx, "mission.record_failure", actor,
		map[string]any{"missionId": missionID, "reason": reason},
		func(tx *Txn) error {
			m, ok := tx.State.Missions[missionID]
			if !ok {
				return errors.Newf(errors.CodeNotFound, "mission %s not found", missionID)
			}
			m.FailureCount++
			at := tx.Now
			m.LastFailureAt = &at
			until := tx.Now.Add(s.limits.FailureCooldown)
			m.CooldownUntil = &until

			if breaker.MissionFailureExceeded(m, s.limits) && m.Status != state.MissionLocked {
				m.Status = state.MissionLocked
				m.LockedReason = "failure count exceeded"
				trip := newSystemArtifact(tx, missionID, state.ArtifactCircuitBreakerTrip, map[string]any{
					"reason":       "failure count exceeded",
					"failureCount": float64(m.FailureCount),
					"scope":        "mission",
				})
				attachArtifact(tx.State, trip)
				tx.ResultArtifact(trip.ID)
				tx.SnapshotBefore("locked")
			}
			touchMission(m, tx)
			updated = m.Clone()
			return nil
		})
	if err != nil {
		return nil, err
	}
	if updated.Status == state.MissionLocked {
		s.logger.Warn("mission %s locked after %d failures", missionID, updated.FailureCount)
	}
	return updated, nil
}

// UnlockMission releases a locked mission. It requires a human approval
// record on the mission and resets the per-mission counters; the global
// windows are untouched.
func (s *Store) UnlockMission(ctx context.Context, actor, missionID, approvedBy string, to state.MissionStatus) (*state.Mission, error) {
	if to != state.MissionBlocked && to != state.MissionQueued {
		return nil, errors.Newf(errors.CodeValidation, "unlock target must be blocked or queued, got %q", to)
	}
	var updated *state.Mission
	err := s.mutate(ctx, "mission.unlock", actor,
		map[string]any{"missionId": missionID, "approvedBy": approvedBy},
		func(tx *Txn) error {
			m, ok := tx.State.Missions[missionID]
			if !ok {
				return errors.Newf(errors.CodeNotFound, "mission %s not found", missionID)
			}
			if m.Status != state.MissionLocked {
				return errors.Newf(errors.CodeInvalidTransition, "mission %s is not locked", missionID)
			}
			if approvedBy == "" || !hasApprovalRecord(tx.State, missionID) {
				return errors.New(errors.CodeApprovalRequired,
					"unlock requires an approval record and an approver").AsBlocked()
			}
			m.Status = to
			m.LockedReason = ""
			m.FailureCount = 0
			m.ImmediateExecCount = 0
			m.CooldownUntil = nil
			if to == state.MissionBlocked {
				m.BlockedReason = "unlocked pending review"
			}
			touchMission(m, tx)
			tx.ApprovedBy(approvedBy)
			updated = m.Clone()
			return nil
		})
	if err != nil {
		return nil, err
	}
	s.logger.Info("mission %s unlocked by %s", missionID, approvedBy)
	return updated, nil
}

// Progress summarizes a mission's tasks and evidence.
type Progress struct {
	MissionID        string              `json:"missionId"`
	Status           state.MissionStatus `json:"status"`
	TasksTotal       int                 `json:"tasksTotal"`
	TasksComplete    int                 `json:"tasksComplete"`
	ArtifactsPresent []string            `json:"artifactsPresent"`
	ArtifactsMissing []string            `json:"artifactsMissing"`
}

// MissionProgress computes a read-only progress summary.
func (s *Store) MissionProgress(missionID string) (*Progress, error) {
	st := s.Snapshot()
	m, ok := st.Missions[missionID]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "mission %s not found", missionID)
	}
	p := &Progress{MissionID: missionID, Status: m.Status}
	for _, t := range st.Tasks {
		if t.MissionID != missionID {
			continue
		}
		p.TasksTotal++
		if t.Status == state.TaskComplete {
			p.TasksComplete++
		}
	}
	present := make(map[string]bool)
	for _, a := range missionArtifacts(st, missionID) {
		present[a.Type] = true
	}
	for t := range present {
		p.ArtifactsPresent = append(p.ArtifactsPresent, t)
	}
	sort.Strings(p.ArtifactsPresent)
	p.ArtifactsMissing = state.MissingArtifacts(m, missionArtifacts(st, missionID))
	return p, nil
}

func touchMission(m *state.Mission, tx *Txn) {
	m.UpdatedAt = tx.Now
	m.StateVersion++
}

func missionArtifacts(st *state.State, missionID string) []*state.Artifact {
	var out []*state.Artifact
	for _, a := range st.Artifacts {
		if a.MissionID == missionID {
			out = append(out, a)
		}
	}
	return out
}

func missionTasks(st *state.State, missionID string) []*state.Task {
	var out []*state.Task
	for _, t := range st.Tasks {
		if t.MissionID == missionID {
			out = append(out, t)
		}
	}
	return out
}

func hasApprovalRecord(st *state.State, missionID string) bool {
	for _, a := range st.Artifacts {
		if a.MissionID == missionID && a.Type == state.ArtifactApprovalRecord {
			return true
		}
	}
	return false
}
