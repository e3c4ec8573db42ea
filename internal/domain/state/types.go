// Package state defines the control-plane entity model: missions under
// contract, their task graphs, evidence artifacts, delegated agents,
// approvals, and the circuit-breaker bookkeeping. Entities are value types
// addressed by id; the store owns all maps and maintains membership lists.
package state

import (
	"time"
)

// MissionClass classifies the kind of work a mission charters.
type MissionClass string

const (
	ClassExploration    MissionClass = "exploration"
	ClassImplementation MissionClass = "implementation"
	ClassMaintenance    MissionClass = "maintenance"
	ClassDestructive    MissionClass = "destructive"
	ClassContinuous     MissionClass = "continuous"
)

// Valid reports whether the class is a member of the closed set.
func (c MissionClass) Valid() bool {
	switch c {
	case ClassExploration, ClassImplementation, ClassMaintenance, ClassDestructive, ClassContinuous:
		return true
	}
	return false
}

// MissionStatus is the lifecycle state of a mission.
type MissionStatus string

const (
	MissionQueued      MissionStatus = "queued"
	MissionRunning     MissionStatus = "running"
	MissionBlocked     MissionStatus = "blocked"
	MissionNeedsReview MissionStatus = "needs_review"
	MissionComplete    MissionStatus = "complete"
	MissionFailed      MissionStatus = "failed"
	MissionLocked      MissionStatus = "locked"
)

// Valid reports whether the status is a member of the closed set.
func (s MissionStatus) Valid() bool {
	switch s {
	case MissionQueued, MissionRunning, MissionBlocked, MissionNeedsReview,
		MissionComplete, MissionFailed, MissionLocked:
		return true
	}
	return false
}

// IsTerminal reports whether the status is final.
func (s MissionStatus) IsTerminal() bool {
	return s == MissionComplete || s == MissionFailed
}

// Active reports whether the mission still has work in flight.
func (s MissionStatus) Active() bool {
	return s == MissionRunning || s == MissionBlocked || s == MissionNeedsReview
}

// RiskLevel bounds how dangerous a mission or proposal is allowed to be.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether the level is a member of the closed set.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// Rank orders risk levels so thresholds can be compared numerically.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

// Within reports whether r is at or below the given threshold.
func (r RiskLevel) Within(threshold RiskLevel) bool {
	return r.Rank() <= threshold.Rank()
}

// ExecutionAuthority declares who may execute work for a mission.
type ExecutionAuthority string

const (
	AuthorityClaudeCode ExecutionAuthority = "CLAUDE_CODE"
	AuthorityDesktop    ExecutionAuthority = "DESKTOP"
)

// Valid reports whether the authority is a member of the closed set.
func (a ExecutionAuthority) Valid() bool {
	return a == AuthorityClaudeCode || a == AuthorityDesktop
}

// ExecutionMode locks a mission to one spawn model.
type ExecutionMode string

const (
	ModeRecipeOnly    ExecutionMode = "RECIPE_ONLY"
	ModeImmediateOnly ExecutionMode = "IMMEDIATE_ONLY"
)

// Valid reports whether the mode is a member of the closed set.
func (m ExecutionMode) Valid() bool {
	return m == ModeRecipeOnly || m == ModeImmediateOnly
}

// TriggerSource records what created a mission.
type TriggerSource string

const (
	TriggerManual    TriggerSource = "manual"
	TriggerWatchdog  TriggerSource = "watchdog"
	TriggerScheduled TriggerSource = "scheduled"
)

// Valid reports whether the source is a member of the closed set.
func (t TriggerSource) Valid() bool {
	return t == TriggerManual || t == TriggerWatchdog || t == TriggerScheduled
}

// Verification lists the checks a mission's contract demands.
type Verification struct {
	Checks []string `json:"checks,omitempty"`
}

// Contract is the immutable part of a mission: the evidence, risk bound,
// tool allowance and cost ceiling the operator signed off on.
type Contract struct {
	RequiredArtifacts []string      `json:"requiredArtifacts"`
	Verification      Verification  `json:"verification"`
	RiskLevel         RiskLevel     `json:"riskLevel"`
	AllowedTools      []string      `json:"allowedTools"`
	CompletionGate    string        `json:"completionGate"`
	MaxEstimatedCost  float64       `json:"maxEstimatedCost,omitempty"`
	MaxCostPerHour    float64       `json:"maxCostPerHour,omitempty"`
	TriggerSource     TriggerSource `json:"triggerSource"`
}

// Mission is a unit of work under contract.
type Mission struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	MissionClass MissionClass `json:"missionClass"`

	Status        MissionStatus `json:"status"`
	BlockedReason string        `json:"blockedReason,omitempty"`
	LockedReason  string        `json:"lockedReason,omitempty"`

	Contract Contract `json:"contract"`

	ExecutionAuthority  ExecutionAuthority `json:"executionAuthority"`
	ExecutionMode       ExecutionMode      `json:"executionMode"`
	BootstrapArtifactID string             `json:"bootstrapArtifactId,omitempty"`

	TaskIDs     []string `json:"taskIds"`
	ArtifactIDs []string `json:"artifactIds"`
	AgentIDs    []string `json:"agentIds"`

	FailureCount       int        `json:"failureCount"`
	ImmediateExecCount int        `json:"immediateExecCount"`
	LastFailureAt      *time.Time `json:"lastFailureAt,omitempty"`
	LastImmediateAt    *time.Time `json:"lastImmediateAt,omitempty"`
	CooldownUntil      *time.Time `json:"cooldownUntil,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	StateVersion int64 `json:"_stateVersion"`
}

// TaskType partitions tasks into work, verification and finalization steps.
type TaskType string

const (
	TaskWork         TaskType = "work"
	TaskVerification TaskType = "verification"
	TaskFinalization TaskType = "finalization"
)

// Valid reports whether the type is a member of the closed set.
func (t TaskType) Valid() bool {
	return t == TaskWork || t == TaskVerification || t == TaskFinalization
}

// OrderPriority is the topological tie-break rank: verification before
// work before finalization.
func (t TaskType) OrderPriority() int {
	switch t {
	case TaskVerification:
		return 0
	case TaskWork:
		return 1
	case TaskFinalization:
		return 2
	default:
		return 3
	}
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskReady    TaskStatus = "ready"
	TaskRunning  TaskStatus = "running"
	TaskComplete TaskStatus = "complete"
	TaskFailed   TaskStatus = "failed"
	TaskBlocked  TaskStatus = "blocked"
)

// Valid reports whether the status is a member of the closed set.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskReady, TaskRunning, TaskComplete, TaskFailed, TaskBlocked:
		return true
	}
	return false
}

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskComplete || s == TaskFailed
}

// Task is one step in a mission's dependency graph.
type Task struct {
	ID          string   `json:"id"`
	MissionID   string   `json:"missionId"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	TaskType    TaskType `json:"taskType"`

	Status        TaskStatus `json:"status"`
	BlockedReason string     `json:"blockedReason,omitempty"`

	Deps              []string `json:"deps,omitempty"`
	RequiredArtifacts []string `json:"requiredArtifacts,omitempty"`
	ArtifactIDs       []string `json:"artifactIds"`

	AssignedAgent string `json:"assignedAgent,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	StateVersion int64 `json:"_stateVersion"`
}

// Producer identifies what produced an artifact.
type Producer string

const (
	ProducerAgent    Producer = "agent"
	ProducerWatchdog Producer = "watchdog"
	ProducerSystem   Producer = "system"
	ProducerHuman    Producer = "human"
)

// Valid reports whether the producer is a member of the closed set.
func (p Producer) Valid() bool {
	return p == ProducerAgent || p == ProducerWatchdog || p == ProducerSystem || p == ProducerHuman
}

// Provenance records where an artifact came from.
type Provenance struct {
	Producer   Producer `json:"producer"`
	AgentID    string   `json:"agentId,omitempty"`
	Worktree   string   `json:"worktree,omitempty"`
	CommitHash string   `json:"commitHash,omitempty"`
}

// ArtifactMode controls whether an artifact can be modified after create.
type ArtifactMode string

const (
	ModeImmutable  ArtifactMode = "immutable"
	ModeAppendOnly ArtifactMode = "append-only"
)

// Artifact is a named, typed piece of evidence produced during a mission.
type Artifact struct {
	ID        string       `json:"id"`
	MissionID string       `json:"missionId"`
	TaskID    string       `json:"taskId,omitempty"`
	Type      string       `json:"type"`
	Mode      ArtifactMode `json:"artifactMode"`
	Label     string       `json:"label,omitempty"`

	Payload map[string]any `json:"payload,omitempty"`
	Files   []string       `json:"files,omitempty"`

	Provenance Provenance `json:"provenance"`
	CreatedAt  time.Time  `json:"createdAt"`

	StateVersion int64 `json:"_stateVersion"`
}

// AgentStatus is the lifecycle state of a delegated worker record.
type AgentStatus string

const (
	AgentSpawning AgentStatus = "spawning"
	AgentRunning  AgentStatus = "running"
	AgentStale    AgentStatus = "stale"
	AgentDead     AgentStatus = "dead"
	AgentComplete AgentStatus = "complete"
	AgentFailed   AgentStatus = "failed"
)

// Valid reports whether the status is a member of the closed set.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentSpawning, AgentRunning, AgentStale, AgentDead, AgentComplete, AgentFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status is final.
func (s AgentStatus) IsTerminal() bool {
	return s == AgentDead || s == AgentComplete || s == AgentFailed
}

// SpawnMode distinguishes recipe-described workers from immediately
// started ones.
type SpawnMode string

const (
	SpawnRecipe    SpawnMode = "recipe"
	SpawnImmediate SpawnMode = "immediate"
)

// Agent is the record of a delegated worker process. The external process
// is referenced, never owned.
type Agent struct {
	ID        string      `json:"id"`
	MissionID string      `json:"missionId"`
	TaskID    string      `json:"taskId,omitempty"`
	Status    AgentStatus `json:"status"`
	Mode      SpawnMode   `json:"mode"`

	Worktree      string     `json:"worktree,omitempty"`
	PID           int        `json:"pid,omitempty"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	ExitCode      *int       `json:"exitCode,omitempty"`
	Error         string     `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	StateVersion int64 `json:"_stateVersion"`
}

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalRejected     ApprovalStatus = "rejected"
	ApprovalAutoApproved ApprovalStatus = "auto_approved"
)

// Valid reports whether the status is a member of the closed set.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalPending, ApprovalApproved, ApprovalRejected, ApprovalAutoApproved:
		return true
	}
	return false
}

// Resolved reports whether the approval has been decided.
func (s ApprovalStatus) Resolved() bool {
	return s != ApprovalPending
}

// Approval is a queued request for a human or policy decision.
type Approval struct {
	ID        string `json:"id"`
	MissionID string `json:"missionId"`
	TaskID    string `json:"taskId,omitempty"`

	Action        string    `json:"action"`
	ToolName      string    `json:"toolName,omitempty"`
	RiskLevel     RiskLevel `json:"riskLevel"`
	EstimatedCost float64   `json:"estimatedCost,omitempty"`

	Status       ApprovalStatus `json:"status"`
	AutoApproved bool           `json:"autoApproved"`
	ApprovedBy   string         `json:"approvedBy,omitempty"`
	ApprovedAt   *time.Time     `json:"approvedAt,omitempty"`
	RejectedBy   string         `json:"rejectedBy,omitempty"`
	RejectedAt   *time.Time     `json:"rejectedAt,omitempty"`
	Comment      string         `json:"comment,omitempty"`

	CreatedAt time.Time `json:"createdAt"`

	StateVersion int64 `json:"_stateVersion"`
}

// CircuitBreaker holds the system-wide runaway counters.
type CircuitBreaker struct {
	Tripped       bool       `json:"tripped"`
	TrippedReason string     `json:"trippedReason,omitempty"`
	TrippedAt     *time.Time `json:"trippedAt,omitempty"`
	FailureCount  int        `json:"failureCount"`
	LockedUntil   *time.Time `json:"lockedUntil,omitempty"`

	// Rolling 1-hour windows, persisted so restarts keep the bound.
	SpawnTimes    []time.Time `json:"spawnTimes,omitempty"`
	ArtifactTimes []time.Time `json:"artifactTimes,omitempty"`
	MutationTimes []time.Time `json:"mutationTimes,omitempty"`
}

// State is the full persisted snapshot of the control plane.
type State struct {
	Missions  map[string]*Mission  `json:"missions"`
	Tasks     map[string]*Task     `json:"tasks"`
	Artifacts map[string]*Artifact `json:"artifacts"`
	Agents    map[string]*Agent    `json:"agents"`
	Approvals map[string]*Approval `json:"approvals"`

	CircuitBreaker CircuitBreaker `json:"circuitBreaker"`
	ArmedMode      bool           `json:"armedMode"`
	RiskThreshold  RiskLevel      `json:"riskThreshold"`

	Version        int64      `json:"_version"`
	LastUpdated    time.Time  `json:"_lastUpdated"`
	LastSnapshotAt *time.Time `json:"_lastSnapshotAt,omitempty"`
}

// NewState returns an empty state with defaults applied.
func NewState() *State {
	return &State{
		Missions:      make(map[string]*Mission),
		Tasks:         make(map[string]*Task),
		Artifacts:     make(map[string]*Artifact),
		Agents:        make(map[string]*Agent),
		Approvals:     make(map[string]*Approval),
		RiskThreshold: RiskMedium,
	}
}
