// Package selfheal synthesizes fix proposals after failures, keys them
// by failure signature for idempotency, and applies them only under the
// auto-approve path policy or an explicit approval.
package selfheal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"missionctl/internal/domain/state"
	"missionctl/internal/errors"
	"missionctl/internal/shared/logging"
	"missionctl/internal/store"
)

// PolicyClass names the one built-in auto-approve policy: low-risk fixes
// confined to scratch paths.
const PolicyClass = "safe-paths"

// autoApprovePaths are the directories a proposal may touch and still
// auto-approve.
var autoApprovePaths = []string{"/logs/", "/temp/", "/cache/"}

// Status tracks a proposal through its life.
type Status string

const (
	StatusProposed     Status = "proposed"
	StatusAutoApproved Status = "auto_approved"
	StatusNeedsReview  Status = "needs_review"
	StatusApplied      Status = "applied"
	StatusFailed       Status = "failed"
	StatusRolledBack   Status = "rolled_back"
)

// Proposal is one synthesized fix.
type Proposal struct {
	ID               string          `json:"id"`
	MissionID        string          `json:"missionId"`
	Key              string          `json:"key"`
	Diagnosis        string          `json:"diagnosis"`
	ProposedCommands []string        `json:"proposedCommands"`
	FilesTouched     []string        `json:"filesTouched"`
	RiskRating       state.RiskLevel `json:"riskRating"`
	RollbackPlan     string          `json:"rollbackPlan"`
	EstimatedCost    float64         `json:"estimatedCost,omitempty"`
	Status           Status          `json:"status"`
	ApprovalID       string          `json:"approvalId,omitempty"`
	RollbackNeeded   bool            `json:"rollbackNeeded"`
}

// Applier executes the proposal's commands outside the control plane.
type Applier func(ctx context.Context, p *Proposal) error

// Engine owns proposals and the auto-approve policy state.
type Engine struct {
	store  *store.Store
	logger logging.Logger

	mu        sync.Mutex
	proposals map[string]*Proposal // by id
	applied   map[string]string    // signature key -> proposal id
	revoked   map[string]bool      // policy class -> revoked
	nextID    int
}

// NewEngine wires the self-heal engine.
func NewEngine(s *store.Store, logger logging.Logger) *Engine {
	return &Engine{
		store:     s,
		logger:    logging.OrNop(logger),
		proposals: make(map[string]*Proposal),
		applied:   make(map[string]string),
		revoked:   make(map[string]bool),
	}
}

// Key derives the idempotency key from a failure signature.
func Key(failureSignature string) string {
	sum := sha256.Sum256([]byte(failureSignature))
	return hex.EncodeToString(sum[:])[:16]
}

// Propose registers a fix for a failure. A signature whose prior
// proposal was already applied is rejected as a duplicate.
func (e *Engine) Propose(ctx context.Context, missionID, failureSignature string, p Proposal) (*Proposal, error) {
	if missionID == "" || failureSignature == "" {
		return nil, errors.New(errors.CodeValidation, "missionId and failure signature are required")
	}
	if !p.RiskRating.Valid() {
		return nil, errors.Newf(errors.CodeValidation, "invalid risk rating %q", p.RiskRating)
	}
	if p.RollbackPlan == "" {
		return nil, errors.New(errors.CodeValidation, "a rollback plan is required")
	}
	if _, err := e.store.GetMission(missionID); err != nil {
		return nil, err
	}

	key := Key(failureSignature)
	e.mu.Lock()
	defer e.mu.Unlock()
	if priorID, ok := e.applied[key]; ok {
		return nil, errors.Newf(errors.CodeDuplicateHeal,
			"previously attempted fix %s covers this failure", priorID).
			WithDetail("priorProposalId", priorID).AsBlocked()
	}

	e.nextID++
	proposal := p
	proposal.ID = generateID(e.nextID)
	proposal.MissionID = missionID
	proposal.Key = key
	proposal.Status = StatusProposed
	e.proposals[proposal.ID] = &proposal

	out := proposal
	return &out, nil
}

func generateID(n int) string {
	// Proposals are session-scoped; a counter keeps ids short and sorted.
	return fmt.Sprintf("heal-%03d", n)
}

// Evaluate decides the approval path: proposals confined to scratch
// paths at medium risk or below auto-approve under armed mode (with a
// policy_match_report); everything else parks the mission in
// needs_review behind an Approval.
func (e *Engine) Evaluate(ctx context.Context, proposalID string) (*Proposal, error) {
	e.mu.Lock()
	p, ok := e.proposals[proposalID]
	e.mu.Unlock()
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "proposal %s not found", proposalID)
	}
	if p.Status != StatusProposed {
		return nil, errors.Newf(errors.CodeInvalidTransition, "proposal %s already %s", p.ID, p.Status)
	}

	snap := e.store.Snapshot()
	if e.policyMatches(p) && snap.ArmedMode {
		if e.isRevoked(PolicyClass) {
			return nil, errors.Newf(errors.CodePolicyRevoked,
				"policy %s is revoked pending human reset", PolicyClass).AsBlocked()
		}
		if _, err := e.store.AddArtifact(ctx, "system", &state.Artifact{
			MissionID: p.MissionID,
			Type:      state.ArtifactPolicyMatchReport,
			Payload: map[string]any{
				"proposalId":   p.ID,
				"policy":       PolicyClass,
				"filesTouched": p.FilesTouched,
				"riskRating":   string(p.RiskRating),
			},
			Provenance: state.Provenance{Producer: state.ProducerSystem},
		}); err != nil {
			return nil, err
		}
		e.setStatus(p.ID, StatusAutoApproved)
		return e.get(p.ID), nil
	}

	approval, err := e.store.CreateApproval(ctx, "system", &state.Approval{
		MissionID:     p.MissionID,
		Action:        "selfheal.apply",
		ToolName:      "selfheal.apply",
		RiskLevel:     p.RiskRating,
		EstimatedCost: p.EstimatedCost,
	})
	if err != nil {
		return nil, err
	}
	if m, err := e.store.GetMission(p.MissionID); err == nil &&
		m.Status.Active() && m.Status != state.MissionNeedsReview {
		if _, err := e.store.UpdateMissionStatus(ctx, "system", p.MissionID,
			state.MissionNeedsReview, ""); err != nil {
			e.logger.Warn("park mission %s for review: %v", p.MissionID, err)
		}
	}
	e.mu.Lock()
	p.Status = StatusNeedsReview
	p.ApprovalID = approval.ID
	out := *p
	e.mu.Unlock()
	return &out, nil
}

// PolicyMatch reports whether the proposal fits the auto-approve policy,
// without evaluating or applying it.
func (e *Engine) PolicyMatch(p *Proposal) bool {
	return e.policyMatches(p)
}

func (e *Engine) policyMatches(p *Proposal) bool {
	if !p.RiskRating.Within(state.RiskMedium) {
		return false
	}
	if len(p.FilesTouched) == 0 {
		return false
	}
	for _, file := range p.FilesTouched {
		if !underAutoApprovePath(file) {
			return false
		}
	}
	return true
}

func underAutoApprovePath(file string) bool {
	for _, prefix := range autoApprovePaths {
		if strings.HasPrefix(file, prefix) {
			return true
		}
	}
	return false
}

// Apply executes an approved proposal: pre-apply snapshot, run, outcome
// artifact. A failed auto-approved apply revokes the policy class.
func (e *Engine) Apply(ctx context.Context, actor, proposalID string, run Applier) (*Proposal, error) {
	e.mu.Lock()
	p, ok := e.proposals[proposalID]
	e.mu.Unlock()
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "proposal %s not found", proposalID)
	}
	switch p.Status {
	case StatusAutoApproved:
	case StatusNeedsReview:
		approval, err := e.store.GetApproval(p.ApprovalID)
		if err != nil {
			return nil, err
		}
		if approval.Status != state.ApprovalApproved {
			return nil, errors.Newf(errors.CodeApprovalRequired,
				"proposal %s awaits approval %s", p.ID, p.ApprovalID).
				WithDetail("approvalId", p.ApprovalID).AsBlocked()
		}
	default:
		return nil, errors.Newf(errors.CodeInvalidTransition, "proposal %s is %s", p.ID, p.Status)
	}

	if _, err := e.store.CreateSnapshot("selfheal_apply"); err != nil {
		return nil, err
	}

	runErr := run(ctx, p)
	wasAuto := p.Status == StatusAutoApproved
	if runErr != nil {
		e.setStatus(p.ID, StatusFailed)
		if _, err := e.store.AddArtifact(ctx, actor, &state.Artifact{
			MissionID: p.MissionID,
			Type:      state.ArtifactFailureReport,
			Payload: map[string]any{
				"proposalId": p.ID,
				"stage":      "selfheal_apply",
				"error":      runErr.Error(),
			},
			Provenance: state.Provenance{Producer: state.ProducerSystem},
		}); err != nil {
			e.logger.Error("failure report for %s: %v", p.ID, err)
		}
		if wasAuto {
			e.RevokePolicy(PolicyClass)
			e.logger.Warn("policy %s revoked after failed auto-approved apply %s", PolicyClass, p.ID)
		}
		e.mu.Lock()
		e.applied[p.Key] = p.ID
		e.mu.Unlock()
		return e.get(p.ID), errors.Wrap(errors.CodeInternal, "apply failed", runErr)
	}

	e.setStatus(p.ID, StatusApplied)
	e.mu.Lock()
	e.applied[p.Key] = p.ID
	e.mu.Unlock()
	if _, err := e.store.AddArtifact(ctx, actor, &state.Artifact{
		MissionID: p.MissionID,
		Type:      state.ArtifactVerificationReport,
		Payload: map[string]any{
			"proposalId": p.ID,
			"stage":      "selfheal_apply",
			"commands":   p.ProposedCommands,
		},
		Provenance: state.Provenance{Producer: state.ProducerSystem},
	}); err != nil {
		e.logger.Error("verification report for %s: %v", p.ID, err)
	}
	return e.get(p.ID), nil
}

// MarkRollbackNeeded flags an applied proposal for manual rollback.
func (e *Engine) MarkRollbackNeeded(proposalID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.proposals[proposalID]
	if !ok {
		return errors.Newf(errors.CodeNotFound, "proposal %s not found", proposalID)
	}
	p.RollbackNeeded = true
	return nil
}

// CompleteRollback clears the rollback marker.
func (e *Engine) CompleteRollback(proposalID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.proposals[proposalID]
	if !ok {
		return errors.Newf(errors.CodeNotFound, "proposal %s not found", proposalID)
	}
	if !p.RollbackNeeded {
		return errors.Newf(errors.CodeInvalidTransition, "proposal %s has no rollback pending", proposalID)
	}
	p.RollbackNeeded = false
	p.Status = StatusRolledBack
	return nil
}

// RevokePolicy blocks future auto-approvals of the class until a human
// reinstates it.
func (e *Engine) RevokePolicy(class string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.revoked[class] = true
}

// ReinstatePolicy clears a revocation.
func (e *Engine) ReinstatePolicy(class string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.revoked, class)
}

func (e *Engine) isRevoked(class string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.revoked[class]
}

// Policies reports the known policy classes and their revocation state.
func (e *Engine) Policies() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := map[string]bool{PolicyClass: !e.revoked[PolicyClass]}
	for class, revoked := range e.revoked {
		out[class] = !revoked
	}
	return out
}

// Get returns a copy of the proposal.
func (e *Engine) Get(proposalID string) (*Proposal, error) {
	if p := e.get(proposalID); p != nil {
		return p, nil
	}
	return nil, errors.Newf(errors.CodeNotFound, "proposal %s not found", proposalID)
}

// List returns every proposal, by id.
func (e *Engine) List() []*Proposal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Proposal, 0, len(e.proposals))
	for _, p := range e.proposals {
		clone := *p
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) get(proposalID string) *Proposal {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.proposals[proposalID]
	if !ok {
		return nil
	}
	clone := *p
	return &clone
}

func (e *Engine) setStatus(proposalID string, status Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.proposals[proposalID]; ok {
		p.Status = status
	}
}
