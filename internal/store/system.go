package store

import (
	"context"

	"missionctl/internal/breaker"
	"missionctl/internal/domain/state"
	"missionctl/internal/errors"
	"missionctl/internal/persist"
)

// SetArmedMode flips the global flag that allows immediate execution.
func (s *Store) SetArmedMode(ctx context.Context, actor string, armed bool) error {
	return s.mutate(ctx, "state.set_armed_mode", actor,
		map[string]any{"armed": armed},
		func(tx *Txn) error {
			tx.State.ArmedMode = armed
			return nil
		})
}

// ArmedMode reports the current armed flag.
func (s *Store) ArmedMode() bool {
	return s.Snapshot().ArmedMode
}

// SetRiskThreshold sets the global risk ceiling for armed execution.
func (s *Store) SetRiskThreshold(ctx context.Context, actor string, threshold state.RiskLevel) error {
	if !threshold.Valid() {
		return errors.Newf(errors.CodeValidation, "invalid risk threshold %q", threshold)
	}
	return s.mutate(ctx, "state.set_risk_threshold", actor,
		map[string]any{"threshold": string(threshold)},
		func(tx *Txn) error {
			tx.State.RiskThreshold = threshold
			return nil
		})
}

// TripBreaker opens the global circuit breaker, retaining a pre-trip
// snapshot.
func (s *Store) TripBreaker(ctx context.Context, actor, reason string) error {
	if reason == "" {
		return errors.New(errors.CodeValidation, "trip reason is required")
	}
	err := s.mutate(ctx, "state.trip_circuit_breaker", actor,
		map[string]any{"reason": reason},
		func(tx *Txn) error {
			breaker.Trip(&tx.State.CircuitBreaker, reason, tx.Now)
			tx.SnapshotBefore("breaker_trip")
			return nil
		})
	if err == nil {
		s.logger.Warn("circuit breaker tripped: %s", reason)
	}
	return err
}

// ResetBreaker closes the global circuit breaker. An approver identity is
// required; resets are deliberate operator actions.
func (s *Store) ResetBreaker(ctx context.Context, actor, approvedBy string) error {
	if approvedBy == "" {
		return errors.New(errors.CodeApprovalRequired, "breaker reset requires an approver").AsBlocked()
	}
	return s.mutate(ctx, "state.reset_circuit_breaker", actor,
		map[string]any{"approvedBy": approvedBy},
		func(tx *Txn) error {
			if !tx.State.CircuitBreaker.Tripped {
				return errors.New(errors.CodeInvalidTransition, "circuit breaker is not tripped")
			}
			breaker.Reset(&tx.State.CircuitBreaker)
			tx.ApprovedBy(approvedBy)
			tx.SnapshotBefore("breaker_reset")
			return nil
		})
}

// Breaker returns a copy of the global breaker record.
func (s *Store) Breaker() state.CircuitBreaker {
	return s.Snapshot().CircuitBreaker.Clone()
}

// Stats summarizes the store for dashboards and the CLI.
type Stats struct {
	Missions       int                         `json:"missions"`
	MissionsByStat map[state.MissionStatus]int `json:"missionsByStatus"`
	Tasks          int                         `json:"tasks"`
	Artifacts      int                         `json:"artifacts"`
	Agents         int                         `json:"agents"`
	Approvals      int                         `json:"approvals"`
	PendingAppr    int                         `json:"pendingApprovals"`
	ArmedMode      bool                        `json:"armedMode"`
	BreakerTripped bool                        `json:"breakerTripped"`
	Version        int64                       `json:"version"`
}

// StoreStats computes current counts.
func (s *Store) StoreStats() Stats {
	st := s.Snapshot()
	stats := Stats{
		Missions:       len(st.Missions),
		MissionsByStat: make(map[state.MissionStatus]int),
		Tasks:          len(st.Tasks),
		Artifacts:      len(st.Artifacts),
		Agents:         len(st.Agents),
		Approvals:      len(st.Approvals),
		ArmedMode:      st.ArmedMode,
		BreakerTripped: st.CircuitBreaker.Tripped,
		Version:        st.Version,
	}
	for _, m := range st.Missions {
		stats.MissionsByStat[m.Status]++
	}
	for _, ap := range st.Approvals {
		if ap.Status == state.ApprovalPending {
			stats.PendingAppr++
		}
	}
	return stats
}

// CreateSnapshot retains a labelled snapshot of the current state on
// operator demand.
func (s *Store) CreateSnapshot(label string) (persist.SnapshotInfo, error) {
	return s.persist.WriteSnapshot(s.Snapshot(), label)
}

// ListSnapshots returns retained snapshots, newest first.
func (s *Store) ListSnapshots() ([]persist.SnapshotInfo, error) {
	return s.persist.ListSnapshots()
}
