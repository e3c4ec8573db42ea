// Package breaker implements the runaway-protection counters: per-mission
// failure/immediate-execution bounds and the system-wide hourly windows.
// All functions operate on persisted state under the store's write lane;
// the package itself holds no state of its own.
package breaker

import (
	"time"

	"missionctl/internal/domain/state"
)

// Limits bounds mission and system activity.
type Limits struct {
	MaxMissionFailures  int           `json:"maxMissionFailures" yaml:"max_mission_failures"`
	MaxImmediateExec    int           `json:"maxImmediateExec" yaml:"max_immediate_exec"`
	FailureCooldown     time.Duration `json:"failureCooldown" yaml:"failure_cooldown"`
	ImmediateCooldown   time.Duration `json:"immediateCooldown" yaml:"immediate_cooldown"`
	MaxSpawnsPerHour    int           `json:"maxSpawnsPerHour" yaml:"max_spawns_per_hour"`
	MaxArtifactsPerHour int           `json:"maxArtifactsPerHour" yaml:"max_artifacts_per_hour"`
	MaxMutationsPerHour int           `json:"maxMutationsPerHour" yaml:"max_mutations_per_hour"`
}

// DefaultLimits returns the shipped safety defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxMissionFailures:  3,
		MaxImmediateExec:    3,
		FailureCooldown:     60 * time.Second,
		ImmediateCooldown:   60 * time.Second,
		MaxSpawnsPerHour:    10,
		MaxArtifactsPerHour: 100,
		MaxMutationsPerHour: 500,
	}
}

const window = time.Hour

// Counters are a rolling one-hour window: each event keeps its timestamp
// and expired entries are pruned on every observation.
func prune(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// NoteMutation records a committed mutation and reports the window count.
func NoteMutation(cb *state.CircuitBreaker, now time.Time) int {
	cb.MutationTimes = append(prune(cb.MutationTimes, now), now)
	return len(cb.MutationTimes)
}

// NoteSpawn records an immediate spawn and reports the window count.
func NoteSpawn(cb *state.CircuitBreaker, now time.Time) int {
	cb.SpawnTimes = append(prune(cb.SpawnTimes, now), now)
	return len(cb.SpawnTimes)
}

// NoteArtifact records an artifact creation and reports the window count.
func NoteArtifact(cb *state.CircuitBreaker, now time.Time) int {
	cb.ArtifactTimes = append(prune(cb.ArtifactTimes, now), now)
	return len(cb.ArtifactTimes)
}

// SpawnAllowed reports whether another immediate spawn fits in the window.
func SpawnAllowed(cb *state.CircuitBreaker, now time.Time, limits Limits) bool {
	cb.SpawnTimes = prune(cb.SpawnTimes, now)
	return len(cb.SpawnTimes) < limits.MaxSpawnsPerHour
}

// ArtifactAllowed reports whether another artifact fits in the window.
func ArtifactAllowed(cb *state.CircuitBreaker, now time.Time, limits Limits) bool {
	cb.ArtifactTimes = prune(cb.ArtifactTimes, now)
	return len(cb.ArtifactTimes) < limits.MaxArtifactsPerHour
}

// MutationAllowed reports whether another mutation fits in the window.
func MutationAllowed(cb *state.CircuitBreaker, now time.Time, limits Limits) bool {
	cb.MutationTimes = prune(cb.MutationTimes, now)
	return len(cb.MutationTimes) < limits.MaxMutationsPerHour
}

// MutationPressure reports how close the mutation window is to its
// ceiling, in [0,1]. The router starts shedding non-read calls before the
// breaker would trip.
func MutationPressure(cb *state.CircuitBreaker, now time.Time, limits Limits) float64 {
	if limits.MaxMutationsPerHour <= 0 {
		return 0
	}
	cb.MutationTimes = prune(cb.MutationTimes, now)
	return float64(len(cb.MutationTimes)) / float64(limits.MaxMutationsPerHour)
}

// Trip opens the global breaker.
func Trip(cb *state.CircuitBreaker, reason string, now time.Time) {
	cb.Tripped = true
	cb.TrippedReason = reason
	at := now
	cb.TrippedAt = &at
}

// Reset closes the global breaker, keeping the window history.
func Reset(cb *state.CircuitBreaker) {
	cb.Tripped = false
	cb.TrippedReason = ""
	cb.TrippedAt = nil
	cb.LockedUntil = nil
	cb.FailureCount = 0
}

// MissionFailureExceeded reports whether one more failure puts the mission
// over its bound.
func MissionFailureExceeded(m *state.Mission, limits Limits) bool {
	return m.FailureCount >= limits.MaxMissionFailures
}

// MissionImmediateExceeded reports whether the mission has used up its
// immediate executions.
func MissionImmediateExceeded(m *state.Mission, limits Limits) bool {
	return m.ImmediateExecCount >= limits.MaxImmediateExec
}

// MissionInCooldown reports whether the mission is still cooling down.
func MissionInCooldown(m *state.Mission, now time.Time) bool {
	return m.CooldownUntil != nil && now.Before(*m.CooldownUntil)
}
