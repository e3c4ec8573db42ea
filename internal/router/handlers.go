package router

import (
	"context"
	"strings"

	"missionctl/internal/domain/state"
	"missionctl/internal/errors"
	"missionctl/internal/exec"
	"missionctl/internal/gate"
	"missionctl/internal/selfheal"
	jsonx "missionctl/internal/shared/json"
)

// decode re-marshals the argument object into a typed struct.
func (c *Call) decode(v any) error {
	data, err := jsonx.Marshal(c.Args)
	if err != nil {
		return errors.Wrap(errors.CodeValidation, "encode args", err)
	}
	if err := jsonx.Unmarshal(data, v); err != nil {
		return errors.Wrap(errors.CodeValidation, "args do not match the tool schema", err)
	}
	return nil
}

func (c *Call) str(key string) string {
	s, _ := c.Args[key].(string)
	return s
}

func (c *Call) boolean(key string) bool {
	b, _ := c.Args[key].(bool)
	return b
}

func (c *Call) num(key string) float64 {
	switch v := c.Args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func (c *Call) strList(key string) []string {
	switch v := c.Args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (c *Call) object(key string) map[string]any {
	m, _ := c.Args[key].(map[string]any)
	return m
}

func (c *Call) require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if _, ok := c.Args[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return errors.Newf(errors.CodeValidation, "missing args: %s", strings.Join(missing, ", ")).
			WithDetail("missing", missing)
	}
	return nil
}

// actor resolves who the mutation is attributed to.
func (c *Call) actor() string {
	return actorOf(c.Meta)
}

// missionID prefers an explicit arg over the call context.
func (c *Call) missionID() string {
	if m := c.str("missionId"); m != "" {
		return m
	}
	return c.Meta.MissionID
}

func schema(required []string, props map[string]string) map[string]any {
	fields := make(map[string]any, len(props))
	for name, typ := range props {
		fields[name] = map[string]any{"type": typ}
	}
	return map[string]any{"type": "object", "required": required, "properties": fields}
}

func (r *Router) registerAll() {
	r.registerMissionTools()
	r.registerTaskTools()
	r.registerArtifactTools()
	r.registerAgentTools()
	r.registerApprovalTools()
	r.registerStateTools()
	r.registerSelfhealTools()
	r.registerWatchdogTools()
	r.registerProviderTools()
}

func (r *Router) registerMissionTools() {
	r.register(Tool{
		Name:        "mission.create",
		Description: "Create a mission under contract",
		Schema:      schema([]string{"name", "missionClass", "contract"}, map[string]string{"name": "string", "missionClass": "string", "contract": "object"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			var m state.Mission
			if err := c.decode(&m); err != nil {
				return nil, err
			}
			return r.store.CreateMission(ctx, c.actor(), &m)
		},
	})
	r.register(Tool{
		Name:        "mission.get",
		Description: "Fetch one mission",
		Schema:      schema([]string{"missionId"}, map[string]string{"missionId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.GetMission(c.missionID())
		},
	})
	r.register(Tool{
		Name:        "mission.list",
		Description: "List missions, optionally by status",
		Schema:      schema(nil, map[string]string{"status": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.ListMissions(state.MissionStatus(c.str("status"))), nil
		},
	})
	r.register(Tool{
		Name:        "mission.update_status",
		Description: "Transition a mission's lifecycle state",
		Schema:      schema([]string{"missionId", "status"}, map[string]string{"missionId": "string", "status": "string", "reason": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			if err := c.require("status"); err != nil {
				return nil, err
			}
			return r.store.UpdateMissionStatus(ctx, c.actor(), c.missionID(),
				state.MissionStatus(c.str("status")), c.str("reason"))
		},
	})
	r.register(Tool{
		Name:        "mission.get_progress",
		Description: "Task completion ratio, artifact satisfaction and blockers",
		Schema:      schema([]string{"missionId"}, map[string]string{"missionId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.MissionProgress(c.missionID())
		},
	})
	r.register(Tool{
		Name:        "mission.get_artifacts",
		Description: "List a mission's artifacts, optionally by type",
		Schema:      schema([]string{"missionId"}, map[string]string{"missionId": "string", "type": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.ListArtifacts(c.missionID(), c.str("type")), nil
		},
	})
	r.register(Tool{
		Name:        "mission.unlock",
		Description: "Unlock a locked mission with human approval",
		Schema:      schema([]string{"missionId", "approvedBy"}, map[string]string{"missionId": "string", "approvedBy": "string", "to": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			to := state.MissionStatus(c.str("to"))
			if to == "" {
				to = state.MissionQueued
			}
			return r.store.UnlockMission(ctx, c.actor(), c.missionID(), c.str("approvedBy"), to)
		},
	})
}

func (r *Router) registerTaskTools() {
	r.register(Tool{
		Name:        "task.create",
		Description: "Add a task to a mission's dependency graph",
		Schema:      schema([]string{"missionId", "title", "taskType"}, map[string]string{"missionId": "string", "title": "string", "taskType": "string", "deps": "array"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			var t state.Task
			if err := c.decode(&t); err != nil {
				return nil, err
			}
			if t.MissionID == "" {
				t.MissionID = c.Meta.MissionID
			}
			return r.store.CreateTask(ctx, c.actor(), &t)
		},
	})
	r.register(Tool{
		Name:        "task.get",
		Description: "Fetch one task",
		Schema:      schema([]string{"taskId"}, map[string]string{"taskId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.GetTask(c.str("taskId"))
		},
	})
	r.register(Tool{
		Name:        "task.list",
		Description: "List a mission's tasks",
		Schema:      schema([]string{"missionId"}, map[string]string{"missionId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.ListTasks(c.missionID()), nil
		},
	})
	r.register(Tool{
		Name:        "task.update_status",
		Description: "Transition a task's lifecycle state",
		Schema:      schema([]string{"taskId", "status"}, map[string]string{"taskId": "string", "status": "string", "reason": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			if err := c.require("taskId", "status"); err != nil {
				return nil, err
			}
			return r.store.UpdateTaskStatus(ctx, c.actor(), c.str("taskId"),
				state.TaskStatus(c.str("status")), c.str("reason"))
		},
	})
	r.register(Tool{
		Name:        "task.check_dependencies",
		Description: "Report whether a task's dependencies are complete",
		Schema:      schema([]string{"missionId", "taskId"}, map[string]string{"missionId": "string", "taskId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			g, err := r.store.MissionGraph(c.missionID())
			if err != nil {
				return nil, err
			}
			taskID := c.str("taskId")
			return map[string]any{
				"taskId":         taskID,
				"depsComplete":   g.DepsComplete(taskID),
				"incompleteDeps": g.IncompleteDeps(taskID),
			}, nil
		},
	})
	r.register(Tool{
		Name:        "task.check_gate",
		Description: "Check a task's required-artifact gate",
		Schema:      schema([]string{"missionId", "taskId"}, map[string]string{"missionId": "string", "taskId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			g, err := r.store.MissionGraph(c.missionID())
			if err != nil {
				return nil, err
			}
			if err := g.CheckTaskGate(c.str("taskId")); err != nil {
				return nil, err
			}
			return map[string]any{"taskId": c.str("taskId"), "gate": "open"}, nil
		},
	})
	r.register(Tool{
		Name:        "task.get_ready",
		Description: "List tasks whose dependencies are satisfied",
		Schema:      schema([]string{"missionId"}, map[string]string{"missionId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.ReadyTasks(c.missionID())
		},
	})
	r.register(Tool{
		Name:        "task.get_next",
		Description: "Pick the next task by topological order and tie-breaks",
		Schema:      schema([]string{"missionId"}, map[string]string{"missionId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.NextTask(c.missionID())
		},
	})
	r.register(Tool{
		Name:        "task.get_execution_order",
		Description: "Full topological execution order",
		Schema:      schema([]string{"missionId"}, map[string]string{"missionId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			g, err := r.store.MissionGraph(c.missionID())
			if err != nil {
				return nil, err
			}
			return map[string]any{"order": g.ExecutionOrder()}, nil
		},
	})
	r.register(Tool{
		Name:        "task.visualize_graph",
		Description: "ASCII rendering of the dependency graph",
		Schema:      schema([]string{"missionId"}, map[string]string{"missionId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			g, err := r.store.MissionGraph(c.missionID())
			if err != nil {
				return nil, err
			}
			return map[string]any{"graph": g.Visualize()}, nil
		},
	})
}

func (r *Router) registerArtifactTools() {
	create := func(forcedType string) Handler {
		return func(ctx context.Context, c *Call) (any, error) {
			var a state.Artifact
			if err := c.decode(&a); err != nil {
				return nil, err
			}
			if forcedType != "" {
				a.Type = forcedType
			}
			if a.MissionID == "" {
				a.MissionID = c.Meta.MissionID
			}
			if a.TaskID == "" {
				a.TaskID = c.Meta.TaskID
			}
			if a.Provenance.Producer == "" {
				a.Provenance.Producer = state.ProducerAgent
			}
			return r.store.AddArtifact(ctx, c.actor(), &a)
		}
	}

	r.register(Tool{
		Name:        "artifact.create",
		Description: "Attach a typed evidence artifact to a mission",
		Schema:      schema([]string{"missionId", "type"}, map[string]string{"missionId": "string", "type": "string", "payload": "object", "files": "array"}),
		handler:     create(""),
	})
	r.register(Tool{
		Name:        "artifact.get",
		Description: "Fetch one artifact",
		Schema:      schema([]string{"artifactId"}, map[string]string{"artifactId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.GetArtifact(c.str("artifactId"))
		},
	})
	r.register(Tool{
		Name:        "artifact.list",
		Description: "List a mission's artifacts",
		Schema:      schema([]string{"missionId"}, map[string]string{"missionId": "string", "type": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.ListArtifacts(c.missionID(), c.str("type")), nil
		},
	})
	r.register(Tool{
		Name:        "artifact.append",
		Description: "Append to an append-only artifact",
		Schema:      schema([]string{"artifactId"}, map[string]string{"artifactId": "string", "payload": "object", "files": "array"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.AppendArtifact(ctx, c.actor(), c.str("artifactId"),
				c.object("payload"), c.strList("files"))
		},
	})
	r.register(Tool{
		Name:        "artifact.list_types",
		Description: "The closed artifact type catalog with mutability modes",
		handler: func(ctx context.Context, c *Call) (any, error) {
			return state.ArtifactTypes(), nil
		},
	})
	r.register(Tool{
		Name:        "artifact.create_git_diff",
		Description: "Synthesize a unified-diff artifact from before/after content",
		Schema:      schema([]string{"missionId", "filename", "before", "after"}, map[string]string{"missionId": "string", "filename": "string", "before": "string", "after": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			if err := c.require("filename"); err != nil {
				return nil, err
			}
			filename := c.str("filename")
			result := r.diffs.Unified(c.str("before"), c.str("after"), filename)
			return r.store.AddArtifact(ctx, c.actor(), &state.Artifact{
				MissionID: c.missionID(),
				TaskID:    c.Meta.TaskID,
				Type:      state.ArtifactGitDiff,
				Payload: map[string]any{
					"filename":     filename,
					"unifiedDiff":  result.UnifiedDiff,
					"addedLines":   result.AddedLines,
					"deletedLines": result.DeletedLines,
					"summary":      result.Summary(),
				},
				Files:      []string{filename},
				Provenance: state.Provenance{Producer: state.ProducerAgent},
			})
		},
	})
	r.register(Tool{
		Name:        "artifact.create_verification_report",
		Description: "Attach a verification report",
		Schema:      schema([]string{"missionId", "payload"}, map[string]string{"missionId": "string", "payload": "object"}),
		handler:     create(state.ArtifactVerificationReport),
	})
	r.register(Tool{
		Name:        "artifact.create_plan",
		Description: "Attach an immutable plan",
		Schema:      schema([]string{"missionId", "payload"}, map[string]string{"missionId": "string", "payload": "object"}),
		handler:     create(state.ArtifactPlan),
	})
}

func (r *Router) registerAgentTools() {
	spawnReq := func(c *Call) (exec.SpawnRequest, error) {
		var req exec.SpawnRequest
		if err := c.decode(&req); err != nil {
			return req, err
		}
		if req.MissionID == "" {
			req.MissionID = c.Meta.MissionID
		}
		if req.TaskID == "" {
			req.TaskID = c.Meta.TaskID
		}
		return req, nil
	}

	r.register(Tool{
		Name:        "agent.spawn",
		Description: "Write an agent recipe; no worker is started",
		Schema:      schema([]string{"missionId", "model", "prompt", "worktree"}, map[string]string{"missionId": "string", "model": "string", "prompt": "string", "worktree": "string", "rollbackStrategy": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			req, err := spawnReq(c)
			if err != nil {
				return nil, err
			}
			return r.exec.SpawnRecipe(ctx, c.actor(), req)
		},
	})
	r.register(Tool{
		Name:        "agent.spawn_immediate",
		Description: "Start a worker now under the armed-mode precondition ladder",
		Schema:      schema([]string{"missionId", "model", "prompt", "worktree", "rollbackStrategy"}, map[string]string{"missionId": "string", "model": "string", "prompt": "string", "worktree": "string", "rollbackStrategy": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			req, err := spawnReq(c)
			if err != nil {
				return nil, err
			}
			return r.exec.SpawnImmediate(ctx, c.actor(), req)
		},
	})
	r.register(Tool{
		Name:        "agent.execute_recipe",
		Description: "Execute a previously written recipe through the immediate path",
		Schema:      schema([]string{"recipeArtifactId"}, map[string]string{"recipeArtifactId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			if err := c.require("recipeArtifactId"); err != nil {
				return nil, err
			}
			return r.exec.ExecuteRecipe(ctx, c.actor(), c.str("recipeArtifactId"))
		},
	})
	r.register(Tool{
		Name:        "agent.get_status",
		Description: "Fetch one agent record",
		Schema:      schema([]string{"agentId"}, map[string]string{"agentId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.GetAgent(c.str("agentId"))
		},
	})
	r.register(Tool{
		Name:        "agent.stop",
		Description: "Terminate an agent record; its task is not freed automatically",
		Schema:      schema([]string{"agentId"}, map[string]string{"agentId": "string", "reason": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			agentID := c.str("agentId")
			reason := c.str("reason")
			if reason == "" {
				reason = "stopped by operator"
			}
			if err := r.store.FinishAgent(ctx, c.actor(), agentID, state.AgentFailed, nil, reason); err != nil {
				return nil, err
			}
			return r.store.GetAgent(agentID)
		},
	})
	r.register(Tool{
		Name:        "agent.send_input",
		Description: "Record operator input on the agent's runtime log",
		Schema:      schema([]string{"agentId", "input"}, map[string]string{"agentId": "string", "input": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			if err := c.require("agentId", "input"); err != nil {
				return nil, err
			}
			return r.appendAgentLog(ctx, c, state.ArtifactRuntimeLog, map[string]any{
				"direction": "input",
				"text":      c.str("input"),
			})
		},
	})
	r.register(Tool{
		Name:        "agent.get_logs",
		Description: "Runtime and build logs attributed to an agent",
		Schema:      schema([]string{"agentId"}, map[string]string{"agentId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			agent, err := r.store.GetAgent(c.str("agentId"))
			if err != nil {
				return nil, err
			}
			var logs []*state.Artifact
			for _, a := range r.store.ListArtifacts(agent.MissionID, "") {
				switch a.Type {
				case state.ArtifactRuntimeLog, state.ArtifactBuildLog, state.ArtifactConsoleErrors:
					if a.Provenance.AgentID == "" || a.Provenance.AgentID == agent.ID {
						logs = append(logs, a)
					}
				}
			}
			return logs, nil
		},
	})
	r.register(Tool{
		Name:        "agent.heartbeat",
		Description: "Record a worker heartbeat",
		Schema:      schema([]string{"agentId"}, map[string]string{"agentId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.AgentHeartbeat(ctx, c.actor(), c.str("agentId"))
		},
	})
	r.register(Tool{
		Name:        "agent.report_status",
		Description: "Worker self-report: heartbeat plus optional terminal status",
		Schema:      schema([]string{"agentId"}, map[string]string{"agentId": "string", "status": "string", "exitCode": "number", "error": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			agentID := c.str("agentId")
			status := state.AgentStatus(c.str("status"))
			if status == state.AgentComplete || status == state.AgentFailed {
				var exitCode *int
				if _, ok := c.Args["exitCode"]; ok {
					code := int(c.num("exitCode"))
					exitCode = &code
				}
				if err := r.store.FinishAgent(ctx, c.actor(), agentID, status, exitCode, c.str("error")); err != nil {
					return nil, err
				}
				return r.store.GetAgent(agentID)
			}
			return r.store.AgentHeartbeat(ctx, c.actor(), agentID)
		},
	})
	r.register(Tool{
		Name:        "agent.get_exec_stats",
		Description: "Immediate-execution counters and the global spawn window",
		Schema:      schema([]string{"missionId"}, map[string]string{"missionId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			mission, err := r.store.GetMission(c.missionID())
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"immediateExecCount": mission.ImmediateExecCount,
				"failureCount":       mission.FailureCount,
				"cooldownUntil":      mission.CooldownUntil,
				"spawnWindowOpen":    r.store.SpawnWindowOpen(),
			}, nil
		},
	})
}

// appendAgentLog appends an entry to the agent's append-only log
// artifact, creating it on first use.
func (r *Router) appendAgentLog(ctx context.Context, c *Call, logType string, entry map[string]any) (*state.Artifact, error) {
	agent, err := r.store.GetAgent(c.str("agentId"))
	if err != nil {
		return nil, err
	}
	for _, a := range r.store.ListArtifacts(agent.MissionID, logType) {
		if a.Provenance.AgentID == agent.ID {
			return r.store.AppendArtifact(ctx, c.actor(), a.ID, entry, nil)
		}
	}
	return r.store.AddArtifact(ctx, c.actor(), &state.Artifact{
		MissionID:  agent.MissionID,
		TaskID:     agent.TaskID,
		Type:       logType,
		Payload:    entry,
		Provenance: state.Provenance{Producer: state.ProducerSystem, AgentID: agent.ID},
	})
}

func (r *Router) registerApprovalTools() {
	r.register(Tool{
		Name:        "approval.list_pending",
		Description: "Queued approvals awaiting a decision",
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.ListPendingApprovals(), nil
		},
	})
	r.register(Tool{
		Name:        "approval.get",
		Description: "Fetch one approval",
		Schema:      schema([]string{"approvalId"}, map[string]string{"approvalId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.GetApproval(c.str("approvalId"))
		},
	})
	r.register(Tool{
		Name:        "approval.get_status",
		Description: "An approval's current status",
		Schema:      schema([]string{"approvalId"}, map[string]string{"approvalId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			ap, err := r.store.GetApproval(c.str("approvalId"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"approvalId": ap.ID, "status": ap.Status, "autoApproved": ap.AutoApproved}, nil
		},
	})
	r.register(Tool{
		Name:        "approval.approve",
		Description: "Approve a queued request as a human decision",
		Schema:      schema([]string{"approvalId", "approvedBy"}, map[string]string{"approvalId": "string", "approvedBy": "string", "comment": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			if err := c.require("approvalId", "approvedBy"); err != nil {
				return nil, err
			}
			return r.store.ResolveApproval(ctx, c.actor(), c.str("approvalId"), true,
				c.str("approvedBy"), c.str("comment"))
		},
	})
	r.register(Tool{
		Name:        "approval.reject",
		Description: "Reject a queued request",
		Schema:      schema([]string{"approvalId", "rejectedBy"}, map[string]string{"approvalId": "string", "rejectedBy": "string", "comment": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			if err := c.require("approvalId", "rejectedBy"); err != nil {
				return nil, err
			}
			return r.store.ResolveApproval(ctx, c.actor(), c.str("approvalId"), false,
				c.str("rejectedBy"), c.str("comment"))
		},
	})
	r.register(Tool{
		Name:        "approval.evaluate_policy",
		Description: "Dry-run the self-heal auto-approve policy for a proposal",
		Schema:      schema([]string{"proposalId"}, map[string]string{"proposalId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			p, err := r.heal.Get(c.str("proposalId"))
			if err != nil {
				return nil, err
			}
			matched := r.heal.PolicyMatch(p)
			return map[string]any{
				"proposalId": p.ID,
				"policy":     selfheal.PolicyClass,
				"matched":    matched,
				"armedMode":  r.store.ArmedMode(),
			}, nil
		},
	})
	r.register(Tool{
		Name:        "approval.try_auto_approve",
		Description: "Auto-approve a pending approval under a named policy",
		Schema:      schema([]string{"approvalId", "policy"}, map[string]string{"approvalId": "string", "policy": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			if err := c.require("approvalId"); err != nil {
				return nil, err
			}
			policy := c.str("policy")
			if policy == "" {
				policy = selfheal.PolicyClass
			}
			return r.store.AutoApprove(ctx, c.actor(), c.str("approvalId"), policy)
		},
	})
	r.register(Tool{
		Name:        "approval.list_policies",
		Description: "Auto-approve policy classes and their revocation state",
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.heal.Policies(), nil
		},
	})
	r.register(Tool{
		Name:        "approval.revoke_policy",
		Description: "Revoke an auto-approve policy class",
		Schema:      schema([]string{"policy"}, map[string]string{"policy": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			if err := c.require("policy"); err != nil {
				return nil, err
			}
			r.heal.RevokePolicy(c.str("policy"))
			return r.heal.Policies(), nil
		},
	})
	r.register(Tool{
		Name:        "approval.reinstate_policy",
		Description: "Reinstate a revoked auto-approve policy class",
		Schema:      schema([]string{"policy"}, map[string]string{"policy": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			if err := c.require("policy"); err != nil {
				return nil, err
			}
			r.heal.ReinstatePolicy(c.str("policy"))
			return r.heal.Policies(), nil
		},
	})
}

func (r *Router) registerStateTools() {
	r.register(Tool{
		Name:        "state.get",
		Description: "The full current state snapshot",
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.Snapshot(), nil
		},
	})
	r.register(Tool{
		Name:        "state.get_stats",
		Description: "Entity counts, armed mode, breaker and session counters",
		handler: func(ctx context.Context, c *Call) (any, error) {
			return map[string]any{
				"store":            r.store.StoreStats(),
				"mutationPressure": r.store.MutationPressure(),
				"sessions":         r.sessions.List(),
			}, nil
		},
	})
	r.register(Tool{
		Name:        "state.create_snapshot",
		Description: "Retain a labelled snapshot of current state",
		Schema:      schema([]string{"label"}, map[string]string{"label": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.CreateSnapshot(c.str("label"))
		},
	})
	r.register(Tool{
		Name:        "state.export_snapshot",
		Description: "Write a labelled retained snapshot and return its path",
		Schema:      schema([]string{"label"}, map[string]string{"label": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			info, err := r.store.CreateSnapshot(c.str("label"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"snapshotId": info.ID, "path": info.Path}, nil
		},
	})
	r.register(Tool{
		Name:        "state.set_armed_mode",
		Description: "Arm or disarm immediate execution",
		Schema:      schema([]string{"armed"}, map[string]string{"armed": "boolean"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			if err := r.store.SetArmedMode(ctx, c.actor(), c.boolean("armed")); err != nil {
				return nil, err
			}
			return map[string]any{"armedMode": r.store.ArmedMode()}, nil
		},
	})
	r.register(Tool{
		Name:        "state.get_armed_mode",
		Description: "Current armed mode",
		handler: func(ctx context.Context, c *Call) (any, error) {
			return map[string]any{"armedMode": r.store.ArmedMode()}, nil
		},
	})
	r.register(Tool{
		Name:        "state.get_circuit_breaker",
		Description: "Circuit breaker state and counters",
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.Breaker(), nil
		},
	})
	r.register(Tool{
		Name:        "state.trip_circuit_breaker",
		Description: "Trip the breaker manually",
		Schema:      schema([]string{"reason"}, map[string]string{"reason": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			if err := r.store.TripBreaker(ctx, c.actor(), c.str("reason")); err != nil {
				return nil, err
			}
			return r.store.Breaker(), nil
		},
	})
	r.register(Tool{
		Name:        "state.reset_circuit_breaker",
		Description: "Reset a tripped breaker with human approval",
		Schema:      schema([]string{"approvedBy"}, map[string]string{"approvedBy": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			if err := r.store.ResetBreaker(ctx, c.actor(), c.str("approvedBy")); err != nil {
				return nil, err
			}
			return r.store.Breaker(), nil
		},
	})
	r.register(Tool{
		Name:        "state.check_tool_permission",
		Description: "Probe the gates for a tool without invoking it",
		Schema:      schema([]string{"tool"}, map[string]string{"tool": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			if err := c.require("tool"); err != nil {
				return nil, err
			}
			tool := c.str("tool")
			probe := gateCallOf(c)
			if err := r.delegation.Probe(tool, probe); err != nil {
				return permissionResult(tool, err), nil
			}
			if err := r.engine.Validate(ctx, tool, probe); err != nil {
				return permissionResult(tool, err), nil
			}
			return map[string]any{"tool": tool, "allowed": true}, nil
		},
	})
	r.register(Tool{
		Name:        "state.check_immediate_exec",
		Description: "Probe the immediate-spawn precondition ladder",
		Schema:      schema([]string{"missionId"}, map[string]string{"missionId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			if err := r.exec.CheckImmediate(c.missionID()); err != nil {
				e, _ := errors.As(err)
				if e == nil {
					return nil, err
				}
				return map[string]any{"allowed": false, "code": e.Code, "reason": e.Message}, nil
			}
			return map[string]any{"allowed": true}, nil
		},
	})
}

func permissionResult(tool string, cause error) map[string]any {
	e, _ := errors.As(cause)
	if e == nil {
		return map[string]any{"tool": tool, "allowed": false}
	}
	return map[string]any{"tool": tool, "allowed": false, "code": e.Code, "reason": e.Message}
}

func (r *Router) registerSelfhealTools() {
	r.register(Tool{
		Name:        "selfheal.propose",
		Description: "Synthesize a fix proposal keyed by failure signature",
		Schema:      schema([]string{"missionId", "failureSignature", "proposal"}, map[string]string{"missionId": "string", "failureSignature": "string", "proposal": "object"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			if err := c.require("failureSignature"); err != nil {
				return nil, err
			}
			var p selfheal.Proposal
			if raw, ok := c.Args["proposal"]; ok {
				data, err := jsonx.Marshal(raw)
				if err != nil {
					return nil, errors.Wrap(errors.CodeValidation, "encode proposal", err)
				}
				if err := jsonx.Unmarshal(data, &p); err != nil {
					return nil, errors.Wrap(errors.CodeValidation, "proposal does not match schema", err)
				}
			} else if err := c.decode(&p); err != nil {
				return nil, err
			}
			return r.heal.Propose(ctx, c.missionID(), c.str("failureSignature"), p)
		},
	})
	r.register(Tool{
		Name:        "selfheal.evaluate",
		Description: "Route a proposal through the auto-approve policy",
		Schema:      schema([]string{"proposalId"}, map[string]string{"proposalId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.heal.Evaluate(ctx, c.str("proposalId"))
		},
	})
	r.register(Tool{
		Name:        "selfheal.apply",
		Description: "Apply an approved proposal: snapshot, execute, record outcome",
		Schema:      schema([]string{"proposalId"}, map[string]string{"proposalId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.heal.Apply(ctx, c.actor(), c.str("proposalId"), r.healApplier())
		},
	})
	r.register(Tool{
		Name:        "selfheal.list",
		Description: "All known proposals",
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.heal.List(), nil
		},
	})
	r.register(Tool{
		Name:        "selfheal.mark_rollback",
		Description: "Flag an applied proposal for manual rollback",
		Schema:      schema([]string{"proposalId"}, map[string]string{"proposalId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			if err := r.heal.MarkRollbackNeeded(c.str("proposalId")); err != nil {
				return nil, err
			}
			return r.heal.Get(c.str("proposalId"))
		},
	})
	r.register(Tool{
		Name:        "selfheal.complete_rollback",
		Description: "Clear a proposal's rollback marker",
		Schema:      schema([]string{"proposalId"}, map[string]string{"proposalId": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			if err := r.heal.CompleteRollback(c.str("proposalId")); err != nil {
				return nil, err
			}
			return r.heal.Get(c.str("proposalId"))
		},
	})
	r.register(Tool{
		Name:        "selfheal.reset_policy",
		Description: "Human reset of a revoked policy class",
		Schema:      schema([]string{"policy"}, map[string]string{"policy": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			policy := c.str("policy")
			if policy == "" {
				policy = selfheal.PolicyClass
			}
			r.heal.ReinstatePolicy(policy)
			return r.heal.Policies(), nil
		},
	})
}

// healApplier is the execution seam for self-heal commands. The control
// plane records the decision trail; running commands belongs to the
// worker layer, so the default applier only acknowledges.
func (r *Router) healApplier() selfheal.Applier {
	return func(ctx context.Context, p *selfheal.Proposal) error {
		r.logger.Info("selfheal %s: dispatching %d commands to worker layer", p.ID, len(p.ProposedCommands))
		return nil
	}
}

func (r *Router) registerWatchdogTools() {
	r.register(Tool{
		Name:        "watchdog.list_configs",
		Description: "Registered observers",
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.watchdog.Configs(), nil
		},
	})
	r.register(Tool{
		Name:        "watchdog.set_config",
		Description: "Update an observer's threshold or interval",
		Schema:      schema([]string{"source"}, map[string]string{"source": "string", "threshold": "number", "enabled": "boolean"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			source := c.str("source")
			cfg, ok := r.watchdog.Config(source)
			if !ok {
				return nil, errors.Newf(errors.CodeNotFound, "observer %s not registered", source)
			}
			if _, set := c.Args["threshold"]; set {
				cfg.Threshold = c.num("threshold")
			}
			if _, set := c.Args["enabled"]; set {
				cfg.Enabled = c.boolean("enabled")
			}
			if err := r.watchdog.Register(cfg); err != nil {
				return nil, errors.Wrap(errors.CodeValidation, "update observer", err)
			}
			return cfg, nil
		},
	})
	r.register(Tool{
		Name:        "watchdog.enable",
		Description: "Enable an observer",
		Schema:      schema([]string{"source"}, map[string]string{"source": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.toggleObserver(c.str("source"), true)
		},
	})
	r.register(Tool{
		Name:        "watchdog.disable",
		Description: "Disable an observer",
		Schema:      schema([]string{"source"}, map[string]string{"source": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.toggleObserver(c.str("source"), false)
		},
	})
	r.register(Tool{
		Name:        "watchdog.tick",
		Description: "Run one heartbeat sweep and poll every observer now",
		handler: func(ctx context.Context, c *Call) (any, error) {
			dead := r.exec.HeartbeatSweep(ctx)
			for _, cfg := range r.watchdog.Configs() {
				r.watchdog.Poll(ctx, cfg.Source)
			}
			return map[string]any{"deadAgents": dead}, nil
		},
	})
}

func (r *Router) toggleObserver(source string, enabled bool) (any, error) {
	if err := r.watchdog.SetEnabled(source, enabled); err != nil {
		return nil, errors.Wrap(errors.CodeNotFound, "toggle observer", err)
	}
	cfg, _ := r.watchdog.Config(source)
	return cfg, nil
}

func (r *Router) registerProviderTools() {
	r.register(Tool{
		Name:        "provider.health",
		Description: "One provider's health contract",
		Schema:      schema([]string{"provider"}, map[string]string{"provider": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			name := c.str("provider")
			if name == "" {
				name = c.Meta.Provider
			}
			return r.providers.Health(name)
		},
	})
	r.register(Tool{
		Name:        "provider.health_all",
		Description: "Health for every registered provider",
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.providers.HealthAll(), nil
		},
	})
	r.register(Tool{
		Name:        "provider.list",
		Description: "Registered provider names",
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.providers.Names(), nil
		},
	})
	r.register(Tool{
		Name:        "provider.check_rate",
		Description: "Probe a provider's rate bucket without consuming it",
		Schema:      schema([]string{"provider"}, map[string]string{"provider": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			status, remaining := r.rates.ProviderStatus(c.str("provider"))
			return map[string]any{"status": status, "quotaRemaining": remaining}, nil
		},
	})
	r.register(Tool{
		Name:        "provider.record_throttle",
		Description: "Record a provider 429 and schedule backoff",
		Schema:      schema([]string{"provider"}, map[string]string{"provider": "string"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			decision, event := r.rates.RecordThrottle(c.str("provider"))
			if event != nil && c.missionID() != "" {
				if _, err := r.store.AddArtifact(ctx, c.actor(), &state.Artifact{
					MissionID: c.missionID(),
					Type:      state.ArtifactRateLimitEvent,
					Payload: map[string]any{
						"provider":     event.Provider,
						"reason":       event.Reason,
						"throttles":    event.Throttles,
						"retryAfterMs": decision.RetryAfterMS,
					},
					Provenance: state.Provenance{Producer: state.ProducerSystem},
				}); err != nil {
					r.logger.Error("rate limit event artifact: %v", err)
				}
			}
			return map[string]any{
				"recorded":     true,
				"exhausted":    event != nil,
				"retryAfterMs": decision.RetryAfterMS,
			}, nil
		},
	})
	r.register(Tool{
		Name:        "provider.estimate_cost",
		Description: "Project spend for a task",
		Schema:      schema([]string{"model"}, map[string]string{"model": "string", "inputTokens": "number", "outputTokens": "number", "retries": "number"}),
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.costs.EstimateTaskCost(c.str("model"),
				int(c.num("inputTokens")), int(c.num("outputTokens")),
				int(c.num("retries")), nil), nil
		},
	})
	r.register(Tool{
		Name:        "provider.list_models",
		Description: "Known model price entries",
		handler: func(ctx context.Context, c *Call) (any, error) {
			return r.costs.Prices(), nil
		},
	})
}

func gateCallOf(c *Call) gate.CallContext {
	return gate.CallContext{
		Caller:    c.Meta.Caller,
		MissionID: c.missionID(),
		TaskID:    c.Meta.TaskID,
		Provider:  c.Meta.Provider,
	}
}
