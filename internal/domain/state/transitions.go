package state

// Lifecycle edges. Locked is reachable from any non-terminal mission state
// (the breaker can trip at any time); leaving locked is only possible via
// the store's approved unlock, which lands on blocked or queued.

var missionEdges = map[MissionStatus][]MissionStatus{
	MissionQueued:      {MissionRunning, MissionLocked, MissionFailed},
	MissionRunning:     {MissionBlocked, MissionNeedsReview, MissionComplete, MissionFailed, MissionLocked},
	MissionBlocked:     {MissionRunning, MissionNeedsReview, MissionFailed, MissionLocked},
	MissionNeedsReview: {MissionRunning, MissionComplete, MissionFailed, MissionLocked},
	MissionComplete:    {},
	MissionFailed:      {MissionLocked},
	MissionLocked:      {MissionBlocked, MissionQueued},
}

var taskEdges = map[TaskStatus][]TaskStatus{
	TaskPending:  {TaskReady, TaskBlocked},
	TaskReady:    {TaskRunning, TaskPending, TaskBlocked},
	TaskRunning:  {TaskComplete, TaskFailed, TaskReady, TaskBlocked},
	TaskFailed:   {TaskReady, TaskBlocked},
	TaskBlocked:  {TaskPending, TaskReady},
	TaskComplete: {},
}

var agentEdges = map[AgentStatus][]AgentStatus{
	AgentSpawning: {AgentRunning, AgentFailed, AgentDead},
	AgentRunning:  {AgentStale, AgentComplete, AgentFailed},
	AgentStale:    {AgentRunning, AgentDead},
	AgentDead:     {},
	AgentComplete: {},
	AgentFailed:   {},
}

// MissionTransitionAllowed reports whether a mission may move from → to.
func MissionTransitionAllowed(from, to MissionStatus) bool {
	if from == to {
		return true
	}
	for _, next := range missionEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskTransitionAllowed reports whether a task may move from → to.
func TaskTransitionAllowed(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	for _, next := range taskEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AgentTransitionAllowed reports whether an agent may move from → to.
func AgentTransitionAllowed(from, to AgentStatus) bool {
	if from == to {
		return true
	}
	for _, next := range agentEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}
