package store

import (
	"context"
	"sort"

	"missionctl/internal/domain/state"
	"missionctl/internal/errors"
	"missionctl/internal/shared/id"
)

// CreateApproval queues a request for a human or policy decision.
func (s *Store) CreateApproval(ctx context.Context, actor string, ap *state.Approval) (*state.Approval, error) {
	if ap == nil || ap.MissionID == "" {
		return nil, errors.New(errors.CodeValidation, "approval missionId is required")
	}
	if ap.Action == "" {
		return nil, errors.New(errors.CodeValidation, "approval action is required")
	}
	if !ap.RiskLevel.Valid() {
		return nil, errors.Newf(errors.CodeValidation, "invalid risk level %q", ap.RiskLevel)
	}
	var created *state.Approval
	err := s.mutate(ctx, "approval.create", actor,
		map[string]any{"missionId": ap.MissionID, "action": ap.Action},
		func(tx *Txn) error {
			if _, ok := tx.State.Missions[ap.MissionID]; !ok {
				return errors.Newf(errors.CodeNotFound, "mission %s not found", ap.MissionID)
			}
			approval := ap.Clone()
			if approval.ID == "" {
				approval.ID = id.New(id.KindApproval)
			}
			if _, exists := tx.State.Approvals[approval.ID]; exists {
				return errors.Newf(errors.CodeValidation, "approval %s already exists", approval.ID)
			}
			approval.Status = state.ApprovalPending
			approval.AutoApproved = false
			approval.CreatedAt = tx.Now
			approval.StateVersion = 1
			tx.State.Approvals[approval.ID] = approval
			created = approval.Clone()
			return nil
		})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetApproval returns a copy of the approval.
func (s *Store) GetApproval(approvalID string) (*state.Approval, error) {
	st := s.Snapshot()
	ap, ok := st.Approvals[approvalID]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "approval %s not found", approvalID)
	}
	return ap.Clone(), nil
}

// ListPendingApprovals returns undecided approvals, oldest first.
func (s *Store) ListPendingApprovals() []*state.Approval {
	st := s.Snapshot()
	var out []*state.Approval
	for _, ap := range st.Approvals {
		if ap.Status == state.ApprovalPending {
			out = append(out, ap.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ResolveApproval decides a pending approval. Approving writes an
// approval_record artifact on the mission with human provenance, which is
// the evidence the unlock and destructive-completion gates look for.
func (s *Store) ResolveApproval(ctx context.Context, actor, approvalID string, approve bool, by, comment string) (*state.Approval, error) {
	if by == "" {
		return nil, errors.New(errors.CodeValidation, "resolver identity is required")
	}
	var resolved *state.Approval
	err := s.mutate(ctx, "approval.resolve", actor,
		map[string]any{"approvalId": approvalID, "approve": approve},
		func(tx *Txn) error {
			ap, ok := tx.State.Approvals[approvalID]
			if !ok {
				return errors.Newf(errors.CodeNotFound, "approval %s not found", approvalID)
			}
			if ap.Status.Resolved() {
				return errors.Newf(errors.CodeInvalidTransition,
					"approval %s already %s", approvalID, ap.Status)
			}
			at := tx.Now
			ap.Comment = comment
			if approve {
				ap.Status = state.ApprovalApproved
				ap.ApprovedBy = by
				ap.ApprovedAt = &at

				record := newSystemArtifact(tx, ap.MissionID, state.ArtifactApprovalRecord, map[string]any{
					"approvalId": ap.ID,
					"action":     ap.Action,
					"approvedBy": by,
					"comment":    comment,
				})
				record.TaskID = ap.TaskID
				record.Provenance.Producer = state.ProducerHuman
				attachArtifact(tx.State, record)
				tx.ResultArtifact(record.ID)
				tx.ApprovedBy(by)
			} else {
				ap.Status = state.ApprovalRejected
				ap.RejectedBy = by
				ap.RejectedAt = &at
			}
			ap.StateVersion++
			resolved = ap.Clone()
			return nil
		})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// AutoApprove resolves an approval by policy. The resulting
// approval_record carries system provenance, which deliberately does not
// satisfy the destructive-completion gate.
func (s *Store) AutoApprove(ctx context.Context, actor, approvalID, policy string) (*state.Approval, error) {
	var resolved *state.Approval
	err := s.mutate(ctx, "approval.auto_approve", actor,
		map[string]any{"approvalId": approvalID, "policy": policy},
		func(tx *Txn) error {
			ap, ok := tx.State.Approvals[approvalID]
			if !ok {
				return errors.Newf(errors.CodeNotFound, "approval %s not found", approvalID)
			}
			if ap.Status.Resolved() {
				return errors.Newf(errors.CodeInvalidTransition,
					"approval %s already %s", approvalID, ap.Status)
			}
			at := tx.Now
			ap.Status = state.ApprovalAutoApproved
			ap.AutoApproved = true
			ap.ApprovedBy = policy
			ap.ApprovedAt = &at
			ap.StateVersion++

			record := newSystemArtifact(tx, ap.MissionID, state.ArtifactApprovalRecord, map[string]any{
				"approvalId":   ap.ID,
				"action":       ap.Action,
				"policy":       policy,
				"autoApproved": true,
			})
			record.TaskID = ap.TaskID
			attachArtifact(tx.State, record)
			tx.ResultArtifact(record.ID)
			tx.ApprovedBy(policy)
			resolved = ap.Clone()
			return nil
		})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}
