package store

import (
	"context"
	"sort"

	"missionctl/internal/domain/state"
	"missionctl/internal/errors"
	"missionctl/internal/graph"
	"missionctl/internal/shared/id"
)

// CreateTask adds a task to a mission's graph. Deps must resolve within
// the mission, the extended graph must stay acyclic, and the task-type
// placement gates must hold.
func (s *Store) CreateTask(ctx context.Context, actor string, t *state.Task) (*state.Task, error) {
	if t == nil || t.MissionID == "" {
		return nil, errors.New(errors.CodeValidation, "task missionId is required")
	}
	if t.Title == "" {
		return nil, errors.New(errors.CodeValidation, "task title is required")
	}
	if !t.TaskType.Valid() {
		return nil, errors.Newf(errors.CodeValidation, "invalid task type %q", t.TaskType)
	}
	var created *state.Task
	err := s.mutate(ctx, "task.create", actor,
		map[string]any{"missionId": t.MissionID, "title": t.Title},
		func(tx *Txn) error {
			m, ok := tx.State.Missions[t.MissionID]
			if !ok {
				return errors.Newf(errors.CodeNotFound, "mission %s not found", t.MissionID)
			}
			if m.Status == state.MissionLocked {
				return errors.Newf(errors.CodeMissionLocked,
					"mission %s is locked: %s", m.ID, m.LockedReason).AsBlocked()
			}

			task := t.Clone()
			if task.ID == "" {
				task.ID = id.New(id.KindTask)
			}
			if _, exists := tx.State.Tasks[task.ID]; exists {
				return errors.Newf(errors.CodeValidation, "task %s already exists", task.ID)
			}
			for _, dep := range task.Deps {
				if dep == task.ID {
					// A self-dependency is a cycle; the graph build
					// reports it with the right code.
					continue
				}
				depTask, ok := tx.State.Tasks[dep]
				if !ok || depTask.MissionID != task.MissionID {
					return errors.Newf(errors.CodeValidation,
						"dep %s does not resolve within mission %s", dep, task.MissionID)
				}
			}
			task.Status = state.TaskPending
			task.ArtifactIDs = []string{}
			task.CreatedAt = tx.Now
			task.UpdatedAt = tx.Now
			task.StateVersion = 1

			extended := append(missionTasks(tx.State, task.MissionID), task)
			g, err := graph.Build(extended)
			if err != nil {
				return err
			}
			if err := g.CheckAllGates(); err != nil {
				return err
			}

			tx.State.Tasks[task.ID] = task
			m.TaskIDs = append(m.TaskIDs, task.ID)
			touchMission(m, tx)
			created = task.Clone()
			return nil
		})
	if err != nil {
		return nil, err
	}
	s.graphs.Invalidate(t.MissionID)
	return created, nil
}

// GetTask returns a copy of the task.
func (s *Store) GetTask(taskID string) (*state.Task, error) {
	st := s.Snapshot()
	t, ok := st.Tasks[taskID]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "task %s not found", taskID)
	}
	return t.Clone(), nil
}

// ListTasks returns a mission's tasks in creation order.
func (s *Store) ListTasks(missionID string) []*state.Task {
	st := s.Snapshot()
	var out []*state.Task
	for _, t := range st.Tasks {
		if t.MissionID == missionID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpdateTaskStatus drives the task lifecycle. Moving to running or
// complete requires every dep to be complete.
func (s *Store) UpdateTaskStatus(ctx context.Context, actor, taskID string, to state.TaskStatus, reason string) (*state.Task, error) {
	var updated *state.Task
	var missionID string
	err := s.mutate(ctx, "task.update_status", actor,
		map[string]any{"taskId": taskID, "status": string(to)},
		func(tx *Txn) error {
			t, ok := tx.State.Tasks[taskID]
			if !ok {
				return errors.Newf(errors.CodeNotFound, "task %s not found", taskID)
			}
			missionID = t.MissionID
			if err := state.ValidateTaskTransition(t.Status, to); err != nil {
				return err
			}
			if to == state.TaskRunning || to == state.TaskComplete {
				g, err := graph.Build(missionTasks(tx.State, t.MissionID))
				if err != nil {
					return err
				}
				if !g.DepsComplete(taskID) {
					return errors.Newf(errors.CodeDependencyNotMet,
						"task %s has incomplete deps", taskID).
						WithDetail("incompleteDeps", g.IncompleteDeps(taskID))
				}
			}
			if to == state.TaskBlocked {
				t.BlockedReason = reason
			} else {
				t.BlockedReason = ""
			}
			t.Status = to
			touchTask(t, tx)
			updated = t.Clone()
			return nil
		})
	if err != nil {
		return nil, err
	}
	s.graphs.Invalidate(missionID)
	return updated, nil
}

// ResetTaskToReady returns a running or failed task to the ready set.
// The watchdog and resume paths use this after an agent dies.
func (s *Store) ResetTaskToReady(ctx context.Context, actor, taskID string) error {
	var missionID string
	err := s.mutate(ctx, "task.reset_to_ready", actor,
		map[string]any{"taskId": taskID},
		func(tx *Txn) error {
			t, ok := tx.State.Tasks[taskID]
			if !ok {
				return errors.Newf(errors.CodeNotFound, "task %s not found", taskID)
			}
			missionID = t.MissionID
			if t.Status == state.TaskReady {
				return nil
			}
			if err := state.ValidateTaskTransition(t.Status, state.TaskReady); err != nil {
				return err
			}
			t.Status = state.TaskReady
			t.AssignedAgent = ""
			touchTask(t, tx)
			return nil
		})
	if err != nil {
		return err
	}
	s.graphs.Invalidate(missionID)
	return nil
}

// MissionGraph resolves the cached task graph for a mission.
func (s *Store) MissionGraph(missionID string) (*graph.Graph, error) {
	st := s.Snapshot()
	if _, ok := st.Missions[missionID]; !ok {
		return nil, errors.Newf(errors.CodeNotFound, "mission %s not found", missionID)
	}
	return s.graphs.Resolve(missionID, missionTasks(st, missionID))
}

// ReadyTasks returns the mission's ready set in execution order.
func (s *Store) ReadyTasks(missionID string) ([]*state.Task, error) {
	g, err := s.MissionGraph(missionID)
	if err != nil {
		return nil, err
	}
	return g.ReadyTasks(), nil
}

// NextTask returns the head of the ready set, or nil.
func (s *Store) NextTask(missionID string) (*state.Task, error) {
	g, err := s.MissionGraph(missionID)
	if err != nil {
		return nil, err
	}
	return g.NextTask(), nil
}

func touchTask(t *state.Task, tx *Txn) {
	t.UpdatedAt = tx.Now
	t.StateVersion++
}
