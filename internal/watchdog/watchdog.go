// Package watchdog runs the periodic observers: heartbeat sweeps over
// agents and signal polling that turns threshold breaches into missions.
// The watchdog only observes and files work; it never spawns agents,
// applies fixes or calls destructive tools.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"missionctl/internal/domain/state"
	"missionctl/internal/exec"
	"missionctl/internal/providers"
	"missionctl/internal/rate"
	"missionctl/internal/shared/logging"
	"missionctl/internal/store"
)

// DefaultHealAttemptLimit bounds re-heals per entity before the watchdog
// escalates to needs_review instead.
const DefaultHealAttemptLimit = 3

// SignalFunc samples one metric; the observer fires when the sample
// crosses its threshold.
type SignalFunc func(ctx context.Context) (float64, error)

// ObserverConfig registers one polling observer.
type ObserverConfig struct {
	Source          string        `json:"source" yaml:"source"`
	Threshold       float64       `json:"threshold" yaml:"threshold"`
	PollInterval    time.Duration `json:"pollInterval" yaml:"poll_interval"`
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	MissionTemplate state.Mission `json:"missionTemplate" yaml:"mission_template"`

	Signal SignalFunc `json:"-" yaml:"-"`
}

// Watchdog drives the observers off one cron scheduler.
type Watchdog struct {
	store     *store.Store
	exec      *exec.Manager
	providers *providers.Registry
	logger    logging.Logger

	cron    *cron.Cron
	entries []cron.EntryID

	mu           sync.Mutex
	configs      map[string]ObserverConfig
	openMissions map[string]string // source -> mission id
	healAttempts map[string]int
	healLimit    int
}

// New wires a watchdog. Call Register for each observer, then Start.
func New(s *store.Store, execMgr *exec.Manager, registry *providers.Registry, logger logging.Logger) *Watchdog {
	return &Watchdog{
		store:        s,
		exec:         execMgr,
		providers:    registry,
		logger:       logging.OrNop(logger),
		cron:         cron.New(),
		configs:      make(map[string]ObserverConfig),
		openMissions: make(map[string]string),
		healAttempts: make(map[string]int),
		healLimit:    DefaultHealAttemptLimit,
	}
}

// Register adds or replaces a polling observer.
func (w *Watchdog) Register(cfg ObserverConfig) error {
	if cfg.Source == "" {
		return fmt.Errorf("observer source is required")
	}
	if cfg.Signal == nil {
		return fmt.Errorf("observer %s has no signal function", cfg.Source)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.configs[cfg.Source] = cfg
	return nil
}

// Config returns one observer's registration.
func (w *Watchdog) Config(source string) (ObserverConfig, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cfg, ok := w.configs[source]
	return cfg, ok
}

// SetEnabled toggles an observer without re-registering its signal.
func (w *Watchdog) SetEnabled(source string, enabled bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cfg, ok := w.configs[source]
	if !ok {
		return fmt.Errorf("observer %s not registered", source)
	}
	cfg.Enabled = enabled
	w.configs[source] = cfg
	return nil
}

// Configs lists registered observers.
func (w *Watchdog) Configs() []ObserverConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]ObserverConfig, 0, len(w.configs))
	for _, cfg := range w.configs {
		out = append(out, cfg)
	}
	return out
}

// Start schedules the heartbeat sweep and every enabled observer.
func (w *Watchdog) Start(ctx context.Context, heartbeatEvery time.Duration) error {
	if heartbeatEvery <= 0 {
		heartbeatEvery = 30 * time.Second
	}
	entry, err := w.cron.AddFunc(fmt.Sprintf("@every %s", heartbeatEvery), func() {
		w.exec.HeartbeatSweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule heartbeat sweep: %w", err)
	}
	w.entries = append(w.entries, entry)

	w.mu.Lock()
	configs := make([]ObserverConfig, 0, len(w.configs))
	for _, cfg := range w.configs {
		if cfg.Enabled {
			configs = append(configs, cfg)
		}
	}
	w.mu.Unlock()

	for _, cfg := range configs {
		cfg := cfg
		entry, err := w.cron.AddFunc(fmt.Sprintf("@every %s", cfg.PollInterval), func() {
			w.Poll(ctx, cfg.Source)
		})
		if err != nil {
			return fmt.Errorf("schedule observer %s: %w", cfg.Source, err)
		}
		w.entries = append(w.entries, entry)
	}

	w.cron.Start()
	w.logger.Info("watchdog started: %d observers, heartbeat every %s", len(configs), heartbeatEvery)
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (w *Watchdog) Stop() {
	stopCtx := w.cron.Stop()
	<-stopCtx.Done()
}

// Poll samples one observer and files a mission when its threshold is
// breached. Idempotent per source: while the filed mission is still
// active no second one is created.
func (w *Watchdog) Poll(ctx context.Context, source string) {
	w.mu.Lock()
	cfg, ok := w.configs[source]
	w.mu.Unlock()
	if !ok || !cfg.Enabled {
		return
	}

	value, err := cfg.Signal(ctx)
	if err != nil {
		w.logger.Warn("observer %s poll failed: %v", source, err)
		return
	}
	if value < cfg.Threshold {
		return
	}
	if w.hasOpenMission(source) {
		return
	}
	w.fileMission(ctx, cfg, value)
}

func (w *Watchdog) hasOpenMission(source string) bool {
	w.mu.Lock()
	missionID, ok := w.openMissions[source]
	w.mu.Unlock()
	if !ok {
		return false
	}
	m, err := w.store.GetMission(missionID)
	if err != nil {
		return false
	}
	if m.Status.IsTerminal() {
		w.mu.Lock()
		delete(w.openMissions, source)
		w.mu.Unlock()
		return false
	}
	return true
}

// fileMission instantiates the observer's template with watchdog
// provenance. The template's execution authority is preserved when set
// and defaults to CLAUDE_CODE.
func (w *Watchdog) fileMission(ctx context.Context, cfg ObserverConfig, value float64) {
	mission := cfg.MissionTemplate.Clone()
	mission.ID = ""
	if mission.Name == "" {
		mission.Name = fmt.Sprintf("%s threshold breach", cfg.Source)
	}
	mission.Contract.TriggerSource = state.TriggerWatchdog
	if mission.ExecutionAuthority == "" {
		mission.ExecutionAuthority = state.AuthorityClaudeCode
	}
	if mission.ExecutionMode == "" {
		mission.ExecutionMode = state.ModeRecipeOnly
	}

	created, err := w.store.CreateMission(ctx, "watchdog", mission)
	if err != nil {
		w.logger.Error("file mission for %s: %v", cfg.Source, err)
		return
	}
	if _, err := w.store.AddArtifact(ctx, "watchdog", &state.Artifact{
		MissionID: created.ID,
		Type:      state.ArtifactSignalReport,
		Payload: map[string]any{
			"source":    cfg.Source,
			"value":     value,
			"threshold": cfg.Threshold,
		},
		Provenance: state.Provenance{Producer: state.ProducerWatchdog},
	}); err != nil {
		w.logger.Error("signal report for %s: %v", created.ID, err)
	}

	w.mu.Lock()
	w.openMissions[cfg.Source] = created.ID
	w.mu.Unlock()
	w.logger.Info("observer %s filed mission %s (value %.2f >= %.2f)",
		cfg.Source, created.ID, value, cfg.Threshold)
}

// NoteHealAttempt counts a heal attempt against an entity. It returns
// false once the bound is hit; the caller escalates to needs_review
// instead of re-healing.
func (w *Watchdog) NoteHealAttempt(entityID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.healAttempts[entityID]++
	return w.healAttempts[entityID] <= w.healLimit
}

// ResetHealAttempts clears the counter after a confirmed recovery.
func (w *Watchdog) ResetHealAttempts(entityID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.healAttempts, entityID)
}

// QuotaSignal samples a provider's quota usage ratio in [0,1]; wired as
// the default observer for provider health.
func QuotaSignal(registry *providers.Registry, provider string) SignalFunc {
	return func(ctx context.Context) (float64, error) {
		h, err := registry.Health(provider)
		if err != nil {
			return 0, err
		}
		switch h.RateLimitStatus {
		case rate.StatusExceeded:
			return 1, nil
		case rate.StatusWarning:
			return 0.8, nil
		default:
			return 0, nil
		}
	}
}
