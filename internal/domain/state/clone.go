package state

import "time"

// Readers receive deep copies so they can never observe or corrupt the
// store's single-writer view.

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func cloneIntPtr(i *int) *int {
	if i == nil {
		return nil
	}
	cp := *i
	return &cp
}

func cloneTimes(in []time.Time) []time.Time {
	if in == nil {
		return nil
	}
	out := make([]time.Time, len(in))
	copy(out, in)
	return out
}

// clonePayload deep-copies a payload map one level of nesting at a time.
func clonePayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch tv := v.(type) {
		case map[string]any:
			out[k] = clonePayload(tv)
		case []any:
			cp := make([]any, len(tv))
			copy(cp, tv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// Clone returns a deep copy of the mission.
func (m *Mission) Clone() *Mission {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Contract.RequiredArtifacts = cloneStrings(m.Contract.RequiredArtifacts)
	cp.Contract.Verification.Checks = cloneStrings(m.Contract.Verification.Checks)
	cp.Contract.AllowedTools = cloneStrings(m.Contract.AllowedTools)
	cp.TaskIDs = cloneStrings(m.TaskIDs)
	cp.ArtifactIDs = cloneStrings(m.ArtifactIDs)
	cp.AgentIDs = cloneStrings(m.AgentIDs)
	cp.LastFailureAt = cloneTimePtr(m.LastFailureAt)
	cp.LastImmediateAt = cloneTimePtr(m.LastImmediateAt)
	cp.CooldownUntil = cloneTimePtr(m.CooldownUntil)
	cp.CompletedAt = cloneTimePtr(m.CompletedAt)
	return &cp
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Deps = cloneStrings(t.Deps)
	cp.RequiredArtifacts = cloneStrings(t.RequiredArtifacts)
	cp.ArtifactIDs = cloneStrings(t.ArtifactIDs)
	return &cp
}

// Clone returns a deep copy of the artifact.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Payload = clonePayload(a.Payload)
	cp.Files = cloneStrings(a.Files)
	return &cp
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	cp.LastHeartbeat = cloneTimePtr(a.LastHeartbeat)
	cp.ExitCode = cloneIntPtr(a.ExitCode)
	return &cp
}

// Clone returns a deep copy of the approval.
func (a *Approval) Clone() *Approval {
	if a == nil {
		return nil
	}
	cp := *a
	cp.ApprovedAt = cloneTimePtr(a.ApprovedAt)
	cp.RejectedAt = cloneTimePtr(a.RejectedAt)
	return &cp
}

// Clone returns a deep copy of the circuit breaker counters.
func (cb CircuitBreaker) Clone() CircuitBreaker {
	cp := cb
	cp.TrippedAt = cloneTimePtr(cb.TrippedAt)
	cp.LockedUntil = cloneTimePtr(cb.LockedUntil)
	cp.SpawnTimes = cloneTimes(cb.SpawnTimes)
	cp.ArtifactTimes = cloneTimes(cb.ArtifactTimes)
	cp.MutationTimes = cloneTimes(cb.MutationTimes)
	return cp
}

// Clone returns a deep copy of the full state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	cp := &State{
		Missions:       make(map[string]*Mission, len(s.Missions)),
		Tasks:          make(map[string]*Task, len(s.Tasks)),
		Artifacts:      make(map[string]*Artifact, len(s.Artifacts)),
		Agents:         make(map[string]*Agent, len(s.Agents)),
		Approvals:      make(map[string]*Approval, len(s.Approvals)),
		CircuitBreaker: s.CircuitBreaker.Clone(),
		ArmedMode:      s.ArmedMode,
		RiskThreshold:  s.RiskThreshold,
		Version:        s.Version,
		LastUpdated:    s.LastUpdated,
		LastSnapshotAt: cloneTimePtr(s.LastSnapshotAt),
	}
	for id, m := range s.Missions {
		cp.Missions[id] = m.Clone()
	}
	for id, t := range s.Tasks {
		cp.Tasks[id] = t.Clone()
	}
	for id, a := range s.Artifacts {
		cp.Artifacts[id] = a.Clone()
	}
	for id, a := range s.Agents {
		cp.Agents[id] = a.Clone()
	}
	for id, a := range s.Approvals {
		cp.Approvals[id] = a.Clone()
	}
	return cp
}
