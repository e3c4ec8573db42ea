// Package router is the single ingress for every operator and worker
// call. Each dispatch runs the delegation gate, then the policy gate,
// then the handler; rejections are audited before the caller sees them.
package router

import (
	"context"
	"sort"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"missionctl/internal/diff"
	"missionctl/internal/domain/state"
	"missionctl/internal/errors"
	"missionctl/internal/exec"
	"missionctl/internal/gate"
	"missionctl/internal/persist"
	"missionctl/internal/providers"
	"missionctl/internal/rate"
	"missionctl/internal/selfheal"
	jsonx "missionctl/internal/shared/json"
	"missionctl/internal/shared/logging"
	"missionctl/internal/store"
	"missionctl/internal/watchdog"
)

// backpressureCeiling is the mutation-pressure fraction at which the
// router starts rejecting non-read calls before the breaker trips.
const backpressureCeiling = 0.9

// Meta carries the caller context of a request.
type Meta struct {
	Caller    state.ExecutionAuthority `json:"caller"`
	Actor     string                   `json:"actor,omitempty"`
	MissionID string                   `json:"missionId,omitempty"`
	TaskID    string                   `json:"taskId,omitempty"`
	Provider  string                   `json:"provider,omitempty"`
	AuthToken string                   `json:"authToken,omitempty"`
}

// Request is one typed tool call.
type Request struct {
	Tool      string           `json:"tool"`
	Args      jsonx.RawMessage `json:"args,omitempty"`
	Context   Meta             `json:"context"`
	SessionID string           `json:"sessionId,omitempty"`
}

// Content is one result block.
type Content struct {
	Text string `json:"text"`
}

// Response is the uniform reply shape: ok with content blocks, or a
// typed error.
type Response struct {
	OK      bool           `json:"ok"`
	Content []Content      `json:"content,omitempty"`
	Code    errors.Code    `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Blocked bool           `json:"blocked,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Call is a decoded request handed to a tool handler.
type Call struct {
	Tool string
	Args map[string]any
	Meta Meta
}

// Handler executes one tool. The returned value is serialized into the
// response's content block.
type Handler func(ctx context.Context, c *Call) (any, error)

// Tool is one registered RPC endpoint.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	ReadOnly    bool           `json:"readOnly"`
	Schema      map[string]any `json:"schema,omitempty"`

	handler Handler
}

// Deps wires the router's collaborators.
type Deps struct {
	Store      *store.Store
	Delegation *gate.Delegation
	Engine     *gate.Engine
	Exec       *exec.Manager
	Heal       *selfheal.Engine
	Watchdog   *watchdog.Watchdog
	Providers  *providers.Registry
	Rates      *rate.Limiter
	Costs      *rate.CostTracker
	Logger     logging.Logger

	// HeartbeatInterval is N for the resume dead-threshold (5N).
	HeartbeatInterval time.Duration

	// Observe, when set, is called once per dispatch with the tool name,
	// outcome (ok, blocked, failure) and elapsed time.
	Observe func(tool, outcome string, elapsed time.Duration)
}

// Router dispatches tool calls.
type Router struct {
	store      *store.Store
	delegation *gate.Delegation
	engine     *gate.Engine
	exec       *exec.Manager
	heal       *selfheal.Engine
	watchdog   *watchdog.Watchdog
	providers  *providers.Registry
	rates      *rate.Limiter
	costs      *rate.CostTracker
	logger     logging.Logger
	diffs      *diff.Generator
	sessions   *Sessions

	heartbeatInterval time.Duration
	observe           func(tool, outcome string, elapsed time.Duration)
	now               func() time.Time

	tools map[string]*Tool
}

// New builds the router and registers the full tool surface.
func New(d Deps) *Router {
	if d.HeartbeatInterval <= 0 {
		d.HeartbeatInterval = exec.DefaultHeartbeatInterval
	}
	r := &Router{
		store:             d.Store,
		delegation:        d.Delegation,
		engine:            d.Engine,
		exec:              d.Exec,
		heal:              d.Heal,
		watchdog:          d.Watchdog,
		providers:         d.Providers,
		rates:             d.Rates,
		costs:             d.Costs,
		logger:            logging.OrNop(d.Logger),
		diffs:             diff.NewGenerator(false),
		sessions:          NewSessions(d.Store.Persist().Root(), d.Logger),
		heartbeatInterval: d.HeartbeatInterval,
		observe:           d.Observe,
		now:               func() time.Time { return time.Now().UTC() },
		tools:             make(map[string]*Tool),
	}
	r.registerAll()
	return r
}

// Sessions exposes the session tracker.
func (r *Router) Sessions() *Sessions {
	return r.sessions
}

func (r *Router) register(t Tool) {
	t.ReadOnly = gate.IsReadOnly(t.Name)
	r.tools[t.Name] = &t
}

// Tools lists the registered tool surface for discovery, sorted by name.
func (r *Router) Tools() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs one tool call through the gates and its handler.
func (r *Router) Dispatch(ctx context.Context, req Request) *Response {
	start := r.now()
	if err := ctx.Err(); err != nil {
		return r.finish(req, start, nil, errors.Wrap(errors.CodeCancelled, "call cancelled", err), false)
	}

	tool, ok := r.tools[req.Tool]
	if !ok {
		return r.finish(req, start, nil,
			errors.Newf(errors.CodeNotFound, "unknown tool %q", req.Tool), false)
	}

	args, err := decodeArgs(req.Args)
	if err != nil {
		return r.finish(req, start, args, err, false)
	}

	if !tool.ReadOnly && r.store.MutationPressure() >= backpressureCeiling {
		return r.finish(req, start, args, errors.New(errors.CodeRateExceeded,
			"mutation ceiling approaching, retry shortly").AsBlocked(), true)
	}

	// The gates must see the same mission the handler will act on: an
	// explicit arg wins over the call context, matching Call.missionID.
	// Provider stays context-only; provider.* tools run their own rate
	// checks on the arg.
	call := gate.CallContext{
		Caller:    req.Context.Caller,
		MissionID: argString(args, "missionId", req.Context.MissionID),
		TaskID:    argString(args, "taskId", req.Context.TaskID),
		Provider:  req.Context.Provider,
	}
	if err := r.delegation.Check(ctx, req.Tool, call); err != nil {
		return r.finish(req, start, args, err, true)
	}
	if err := r.engine.Validate(ctx, req.Tool, call); err != nil {
		return r.finish(req, start, args, err, true)
	}

	result, err := tool.handler(ctx, &Call{Tool: req.Tool, Args: args, Meta: req.Context})
	if err != nil {
		return r.finish(req, start, args, err, true)
	}

	text, err := jsonx.Marshal(result)
	if err != nil {
		return r.finish(req, start, args,
			errors.Wrap(errors.CodeInternal, "encode result", err), false)
	}
	r.sessions.Note(req.SessionID, req.Context, req.Tool, "ok", filesOf(result))
	r.instrument(req.Tool, "ok", start)
	return &Response{OK: true, Content: []Content{{Text: string(text)}}}
}

// finish converts an error into the typed response, audits gate and
// handler rejections, and updates counters.
func (r *Router) finish(req Request, start time.Time, args map[string]any, cause error, audited bool) *Response {
	e, _ := errors.As(cause)
	if e == nil {
		e = errors.Wrap(errors.CodeInternal, "tool call failed", cause)
	}

	outcome := "failure"
	if e.Blocked {
		outcome = "blocked"
	}
	if audited {
		rec := persist.AuditRecord{
			Action:     req.Tool,
			Actor:      actorOf(req.Context),
			ArmedMode:  r.store.ArmedMode(),
			ParamsHash: persist.HashParams(args),
			Outcome:    persist.OutcomeFailure,
		}
		if e.Blocked {
			rec.Outcome = persist.OutcomeBlocked
		}
		if err := r.store.Audit().Append(rec); err != nil {
			r.logger.Error("audit %s rejection: %v", req.Tool, err)
		}
	}
	r.sessions.Note(req.SessionID, req.Context, req.Tool, outcome, nil)
	r.instrument(req.Tool, outcome, start)

	return &Response{
		OK:      false,
		Code:    e.Code,
		Message: e.Message,
		Blocked: e.Blocked,
		Details: e.Details,
	}
}

func (r *Router) instrument(tool, outcome string, start time.Time) {
	if r.observe != nil {
		r.observe(tool, outcome, r.now().Sub(start))
	}
}

func actorOf(m Meta) string {
	if m.Actor != "" {
		return m.Actor
	}
	if m.Caller == state.AuthorityDesktop {
		return "desktop"
	}
	return "claude_code"
}

func argString(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// decodeArgs parses the argument object, repairing malformed worker
// JSON before giving up.
func decodeArgs(raw jsonx.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	args := map[string]any{}
	if err := jsonx.Unmarshal(raw, &args); err == nil {
		return args, nil
	}
	repaired, err := jsonrepair.JSONRepair(string(raw))
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "args are not valid JSON", err)
	}
	if err := jsonx.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "args are not a JSON object", err)
	}
	return args, nil
}

// filesOf extracts file paths from handler results that carry them, for
// the per-session files-touched counter.
func filesOf(result any) []string {
	switch v := result.(type) {
	case *state.Artifact:
		return v.Files
	case map[string]any:
		files, _ := v["files"].([]string)
		return files
	}
	return nil
}
