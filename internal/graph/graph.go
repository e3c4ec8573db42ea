// Package graph resolves mission task graphs: cycle detection, readiness,
// execution ordering and the task-type gates.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"missionctl/internal/domain/state"
	"missionctl/internal/errors"
)

// Graph is the resolved dependency structure for one mission's tasks.
type Graph struct {
	tasks      map[string]*state.Task
	dependents map[string][]string // task id → ids depending on it
	order      []string            // topological order with tie-breaks
}

// Build resolves the graph for a mission's tasks. It fails with
// CYCLE_DETECTED when the dependency relation is not a DAG and with
// VALIDATION_ERROR when a dep points outside the task set.
func Build(tasks []*state.Task) (*Graph, error) {
	g := &Graph{
		tasks:      make(map[string]*state.Task, len(tasks)),
		dependents: make(map[string][]string),
	}
	for _, t := range tasks {
		g.tasks[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.Deps {
			if _, ok := g.tasks[dep]; !ok {
				return nil, errors.Newf(errors.CodeValidation,
					"task %s depends on unknown task %s", t.ID, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], t.ID)
		}
	}
	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// topoSort is Kahn's algorithm with a deterministic tie-break: task type
// priority (verification < work < finalization), then creation time, then
// id.
func (g *Graph) topoSort() ([]string, error) {
	indegree := make(map[string]int, len(g.tasks))
	for id, t := range g.tasks {
		indegree[id] = len(t.Deps)
	}

	frontier := make([]string, 0, len(g.tasks))
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	var order []string
	for len(frontier) > 0 {
		g.sortTier(frontier)
		next := frontier[0]
		frontier = frontier[1:]
		order = append(order, next)
		for _, dependent := range g.dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				frontier = append(frontier, dependent)
			}
		}
	}
	if len(order) != len(g.tasks) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, errors.Newf(errors.CodeCycleDetected,
			"dependency cycle among tasks: %s", strings.Join(stuck, ", ")).
			WithDetail("tasks", stuck)
	}
	return order, nil
}

func (g *Graph) sortTier(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := g.tasks[ids[i]], g.tasks[ids[j]]
		if pa, pb := a.TaskType.OrderPriority(), b.TaskType.OrderPriority(); pa != pb {
			return pa < pb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// ExecutionOrder returns all task ids in execution order.
func (g *Graph) ExecutionOrder() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Dependents returns the ids of tasks depending on the given task.
func (g *Graph) Dependents(taskID string) []string {
	out := make([]string, len(g.dependents[taskID]))
	copy(out, g.dependents[taskID])
	return out
}

// DepsComplete reports whether every dependency of the task is complete.
func (g *Graph) DepsComplete(taskID string) bool {
	t, ok := g.tasks[taskID]
	if !ok {
		return false
	}
	for _, dep := range t.Deps {
		depTask, ok := g.tasks[dep]
		if !ok || depTask.Status != state.TaskComplete {
			return false
		}
	}
	return true
}

// IncompleteDeps returns the ids of unfinished dependencies of the task.
func (g *Graph) IncompleteDeps(taskID string) []string {
	t, ok := g.tasks[taskID]
	if !ok {
		return nil
	}
	var incomplete []string
	for _, dep := range t.Deps {
		depTask, ok := g.tasks[dep]
		if !ok || depTask.Status != state.TaskComplete {
			incomplete = append(incomplete, dep)
		}
	}
	return incomplete
}

// ReadyTasks returns tasks whose deps are all complete and whose status is
// pending or ready, in execution order.
func (g *Graph) ReadyTasks() []*state.Task {
	var ready []*state.Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != state.TaskPending && t.Status != state.TaskReady {
			continue
		}
		if g.DepsComplete(id) {
			ready = append(ready, t)
		}
	}
	return ready
}

// NextTask returns the head of the ready set, or nil when nothing is ready.
func (g *Graph) NextTask() *state.Task {
	ready := g.ReadyTasks()
	if len(ready) == 0 {
		return nil
	}
	return ready[0]
}

// CheckTaskGate enforces the task-type placement rules:
// verification tasks may only gate finalization dependents, finalization
// tasks are terminal, and no task may depend on a finalization task.
func (g *Graph) CheckTaskGate(taskID string) error {
	t, ok := g.tasks[taskID]
	if !ok {
		return errors.Newf(errors.CodeNotFound, "task %s not in graph", taskID)
	}
	switch t.TaskType {
	case state.TaskVerification:
		var offenders []string
		for _, depID := range g.dependents[taskID] {
			if g.tasks[depID].TaskType != state.TaskFinalization {
				offenders = append(offenders, depID)
			}
		}
		if len(offenders) > 0 {
			return errors.Newf(errors.CodeValidation,
				"verification task %s may only gate finalization tasks, found %d other dependents",
				taskID, len(offenders)).
				WithDetail("dependents", offenders)
		}
	case state.TaskFinalization:
		if deps := g.dependents[taskID]; len(deps) > 0 {
			return errors.Newf(errors.CodeValidation,
				"finalization task %s must be terminal, found %d dependents", taskID, len(deps)).
				WithDetail("dependents", deps)
		}
	}
	for _, dep := range t.Deps {
		depTask := g.tasks[dep]
		if depTask.TaskType == state.TaskFinalization && t.TaskType != state.TaskFinalization {
			return errors.Newf(errors.CodeValidation,
				"task %s may not depend on finalization task %s", taskID, dep)
		}
	}
	return nil
}

// CheckAllGates runs CheckTaskGate for every task.
func (g *Graph) CheckAllGates() error {
	for _, id := range g.order {
		if err := g.CheckTaskGate(id); err != nil {
			return err
		}
	}
	return nil
}

// FinalizationsComplete reports whether every finalization task is
// complete; missions may not complete before their finalization tail.
func (g *Graph) FinalizationsComplete() bool {
	for _, t := range g.tasks {
		if t.TaskType == state.TaskFinalization && t.Status != state.TaskComplete {
			return false
		}
	}
	return true
}

// Visualize renders the DAG as indented ASCII, roots first.
func (g *Graph) Visualize() string {
	var b strings.Builder
	depth := make(map[string]int, len(g.tasks))
	for _, id := range g.order {
		t := g.tasks[id]
		d := 0
		for _, dep := range t.Deps {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		indent := strings.Repeat("  ", d)
		marker := "o"
		switch t.Status {
		case state.TaskComplete:
			marker = "x"
		case state.TaskRunning:
			marker = ">"
		case state.TaskFailed:
			marker = "!"
		case state.TaskBlocked:
			marker = "#"
		}
		fmt.Fprintf(&b, "%s[%s] %s (%s, %s)", indent, marker, t.ID, t.TaskType, t.Status)
		if len(t.Deps) > 0 {
			fmt.Fprintf(&b, " <- %s", strings.Join(t.Deps, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
