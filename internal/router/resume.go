package router

import (
	"context"

	"missionctl/internal/domain/state"
	"missionctl/internal/shared/logging"
)

// ResumeReport summarizes one resume pass.
type ResumeReport struct {
	MissionsSeen   int      `json:"missionsSeen"`
	AgentsKept     []string `json:"agentsKept,omitempty"`
	AgentsDeclared []string `json:"agentsDeclaredDead,omitempty"`
	TasksReset     []string `json:"tasksReset,omitempty"`
	Ambiguous      []string `json:"ambiguousMissions,omitempty"`
}

// Resume reconciles persisted state after a restart. Missions are never
// restarted from scratch: live agents are kept, silent ones are declared
// dead (freeing their tasks), retryable failures are re-queued, and
// anything undecidable is parked in needs_review. Running it twice
// yields the same state.
func (r *Router) Resume(ctx context.Context) (*ResumeReport, error) {
	report := &ResumeReport{}
	deadAfter := 5 * r.heartbeatInterval
	now := r.now()

	for _, mission := range r.store.ListMissions("") {
		if !resumable(mission.Status) {
			continue
		}
		report.MissionsSeen++

		determined := false

		// Live agents survive the restart; silent ones are declared dead,
		// which frees their task back to ready.
		for _, agent := range r.store.ListAgents(mission.ID) {
			if agent.Status != state.AgentRunning && agent.Status != state.AgentStale {
				continue
			}
			last := agent.CreatedAt
			if agent.LastHeartbeat != nil {
				last = *agent.LastHeartbeat
			}
			if now.Sub(last) < deadAfter {
				report.AgentsKept = append(report.AgentsKept, agent.ID)
				determined = true
				continue
			}
			if agent.Status == state.AgentRunning {
				if err := r.store.MarkAgentStale(ctx, "system", agent.ID); err != nil {
					r.logger.Warn("resume: stale %s: %v", agent.ID, err)
					continue
				}
			}
			if err := r.store.MarkAgentDead(ctx, "system", agent.ID, "silent across restart"); err != nil {
				r.logger.Warn("resume: dead %s: %v", agent.ID, err)
				continue
			}
			report.AgentsDeclared = append(report.AgentsDeclared, agent.ID)
			determined = true
		}

		// Failed tasks are retryable when the breaker is closed and no
		// self-heal outcome is already on record for the mission.
		breakerClosed := !r.store.Breaker().Tripped
		healed := missionHealed(r.store.ListArtifacts(mission.ID, ""))
		for _, task := range r.store.ListTasks(mission.ID) {
			switch task.Status {
			case state.TaskReady, state.TaskRunning:
				determined = true
			case state.TaskFailed:
				if breakerClosed && !healed {
					if err := r.store.ResetTaskToReady(ctx, "system", task.ID); err != nil {
						r.logger.Warn("resume: reset %s: %v", task.ID, err)
						continue
					}
					report.TasksReset = append(report.TasksReset, task.ID)
					determined = true
				}
			}
		}

		if determined || mission.Status == state.MissionNeedsReview {
			continue
		}
		if _, err := r.store.UpdateMissionStatus(ctx, "system", mission.ID,
			state.MissionNeedsReview, "AMBIGUOUS_RESUME"); err != nil {
			r.logger.Warn("resume: park %s: %v", mission.ID, err)
			continue
		}
		report.Ambiguous = append(report.Ambiguous, mission.ID)
	}

	logResume(r.logger, report)
	return report, nil
}

func resumable(status state.MissionStatus) bool {
	return status == state.MissionRunning ||
		status == state.MissionBlocked ||
		status == state.MissionNeedsReview
}

// missionHealed reports whether a self-heal apply already left its
// outcome on the mission.
func missionHealed(artifacts []*state.Artifact) bool {
	for _, a := range artifacts {
		if a.Type != state.ArtifactVerificationReport && a.Type != state.ArtifactFailureReport {
			continue
		}
		if stage, _ := a.Payload["stage"].(string); stage == "selfheal_apply" {
			return true
		}
	}
	return false
}

func logResume(logger logging.Logger, report *ResumeReport) {
	logger.Info("resume: %d missions, %d agents kept, %d declared dead, %d tasks reset, %d ambiguous",
		report.MissionsSeen, len(report.AgentsKept), len(report.AgentsDeclared),
		len(report.TasksReset), len(report.Ambiguous))
}
