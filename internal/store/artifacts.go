package store

import (
	"context"
	"sort"

	"missionctl/internal/breaker"
	"missionctl/internal/domain/state"
	"missionctl/internal/errors"
	"missionctl/internal/shared/id"
)

// AddArtifact commits a new piece of evidence and appends it to the
// owning mission's and task's membership lists. Exceeding the hourly
// artifact window trips the global breaker instead.
func (s *Store) AddArtifact(ctx context.Context, actor string, a *state.Artifact) (*state.Artifact, error) {
	if err := state.ValidateArtifact(a); err != nil {
		return nil, err
	}
	var created *state.Artifact
	var tripped bool
	err := s.mutate(ctx, "artifact.create", actor,
		map[string]any{"missionId": a.MissionID, "type": a.Type},
		func(tx *Txn) error {
			if !breaker.ArtifactAllowed(&tx.State.CircuitBreaker, tx.Now, s.limits) {
				tripped = true
				breaker.Trip(&tx.State.CircuitBreaker, "artifact rate exceeded", tx.Now)
				tx.SnapshotBefore("breaker_trip")
				tx.OverrideAction("state.trip_circuit_breaker")
				return nil
			}
			artifact, err := buildArtifact(tx, a)
			if err != nil {
				return err
			}
			attachArtifact(tx.State, artifact)
			breaker.NoteArtifact(&tx.State.CircuitBreaker, tx.Now)
			tx.ResultArtifact(artifact.ID)
			created = artifact.Clone()
			return nil
		})
	if err != nil {
		return nil, err
	}
	if tripped {
		s.logger.Warn("circuit breaker tripped: artifact rate exceeded")
		return nil, errors.New(errors.CodeCircuitBreakerTripped,
			"artifact rate exceeded, circuit breaker tripped").AsBlocked()
	}
	return created, nil
}

// buildArtifact validates membership and fills the derived fields.
func buildArtifact(tx *Txn, a *state.Artifact) (*state.Artifact, error) {
	if _, ok := tx.State.Missions[a.MissionID]; !ok {
		return nil, errors.Newf(errors.CodeNotFound, "mission %s not found", a.MissionID)
	}
	if a.TaskID != "" {
		t, ok := tx.State.Tasks[a.TaskID]
		if !ok || t.MissionID != a.MissionID {
			return nil, errors.Newf(errors.CodeValidation,
				"task %s does not belong to mission %s", a.TaskID, a.MissionID)
		}
	}
	artifact := a.Clone()
	if artifact.ID == "" {
		artifact.ID = id.New(id.KindArtifact)
	}
	if _, exists := tx.State.Artifacts[artifact.ID]; exists {
		return nil, errors.Newf(errors.CodeValidation, "artifact %s already exists", artifact.ID)
	}
	mode, _ := state.ArtifactModeFor(artifact.Type)
	artifact.Mode = mode
	artifact.CreatedAt = tx.Now
	artifact.StateVersion = 1
	return artifact, nil
}

// attachArtifact stores the artifact and maintains the membership lists.
func attachArtifact(st *state.State, a *state.Artifact) {
	st.Artifacts[a.ID] = a
	if m, ok := st.Missions[a.MissionID]; ok {
		m.ArtifactIDs = append(m.ArtifactIDs, a.ID)
	}
	if a.TaskID != "" {
		if t, ok := st.Tasks[a.TaskID]; ok {
			t.ArtifactIDs = append(t.ArtifactIDs, a.ID)
		}
	}
}

// newSystemArtifact builds a system-produced artifact inside a
// transaction; used by lock, violation and heal paths.
func newSystemArtifact(tx *Txn, missionID, artifactType string, payload map[string]any) *state.Artifact {
	mode, _ := state.ArtifactModeFor(artifactType)
	return &state.Artifact{
		ID:         id.New(id.KindArtifact),
		MissionID:  missionID,
		Type:       artifactType,
		Mode:       mode,
		Payload:    payload,
		Provenance: state.Provenance{Producer: state.ProducerSystem},
		CreatedAt:  tx.Now,

		StateVersion: 1,
	}
}

// GetArtifact returns a copy of the artifact.
func (s *Store) GetArtifact(artifactID string) (*state.Artifact, error) {
	st := s.Snapshot()
	a, ok := st.Artifacts[artifactID]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "artifact %s not found", artifactID)
	}
	return a.Clone(), nil
}

// ListArtifacts returns artifacts, optionally filtered by mission and
// type, oldest first.
func (s *Store) ListArtifacts(missionID, artifactType string) []*state.Artifact {
	st := s.Snapshot()
	var out []*state.Artifact
	for _, a := range st.Artifacts {
		if missionID != "" && a.MissionID != missionID {
			continue
		}
		if artifactType != "" && a.Type != artifactType {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AppendArtifact merges new payload keys and appends files on an
// append-only artifact. Immutable artifacts and key overwrites are
// rejected by the mutability validator.
func (s *Store) AppendArtifact(ctx context.Context, actor, artifactID string, payloadPatch map[string]any, appendFiles []string) (*state.Artifact, error) {
	var updated *state.Artifact
	err := s.mutate(ctx, "artifact.append", actor,
		map[string]any{"artifactId": artifactID},
		func(tx *Txn) error {
			a, ok := tx.State.Artifacts[artifactID]
			if !ok {
				return errors.Newf(errors.CodeNotFound, "artifact %s not found", artifactID)
			}
			if err := state.ValidateArtifactUpdate(a, payloadPatch, appendFiles); err != nil {
				return err
			}
			if a.Payload == nil && len(payloadPatch) > 0 {
				a.Payload = make(map[string]any, len(payloadPatch))
			}
			for k, v := range payloadPatch {
				a.Payload[k] = v
			}
			a.Files = append(a.Files, appendFiles...)
			a.StateVersion++
			tx.ResultArtifact(a.ID)
			updated = a.Clone()
			return nil
		})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
