// Package config loads the service configuration from YAML and applies
// defaults. File discovery and environment overrides live in the CLI;
// this package owns the shape, parsing and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"missionctl/internal/breaker"
	"missionctl/internal/exec"
	"missionctl/internal/observability"
	"missionctl/internal/rate"
	"missionctl/internal/server"
)

// Duration parses human-readable durations ("60s", "5m") from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds int64
	if err := node.Decode(&seconds); err != nil {
		return fmt.Errorf("duration must be a string like %q or a number of seconds", "60s")
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// ServerSettings shapes the HTTP listener.
type ServerSettings struct {
	Host         string   `json:"host" yaml:"host"`
	Port         int      `json:"port" yaml:"port"`
	EnableCORS   bool     `json:"enableCors" yaml:"enable_cors"`
	Debug        bool     `json:"debug" yaml:"debug"`
	ReadTimeout  Duration `json:"readTimeout" yaml:"read_timeout"`
	WriteTimeout Duration `json:"writeTimeout" yaml:"write_timeout"`
}

// BreakerSettings bounds mission and system activity.
type BreakerSettings struct {
	MaxMissionFailures  int      `json:"maxMissionFailures" yaml:"max_mission_failures"`
	MaxImmediateExec    int      `json:"maxImmediateExec" yaml:"max_immediate_exec"`
	FailureCooldown     Duration `json:"failureCooldown" yaml:"failure_cooldown"`
	ImmediateCooldown   Duration `json:"immediateCooldown" yaml:"immediate_cooldown"`
	MaxSpawnsPerHour    int      `json:"maxSpawnsPerHour" yaml:"max_spawns_per_hour"`
	MaxArtifactsPerHour int      `json:"maxArtifactsPerHour" yaml:"max_artifacts_per_hour"`
	MaxMutationsPerHour int      `json:"maxMutationsPerHour" yaml:"max_mutations_per_hour"`
}

// ObserverSettings tunes one watchdog observer. Signal functions are
// code; the file only adjusts thresholds and cadence.
type ObserverSettings struct {
	Source       string   `json:"source" yaml:"source"`
	Threshold    float64  `json:"threshold" yaml:"threshold"`
	PollInterval Duration `json:"pollInterval" yaml:"poll_interval"`
	Enabled      *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// Config is the full service configuration.
type Config struct {
	StateRoot         string                         `json:"stateRoot" yaml:"state_root"`
	HeartbeatInterval Duration                       `json:"heartbeatInterval" yaml:"heartbeat_interval"`
	Server            ServerSettings                 `json:"server" yaml:"server"`
	Metrics           observability.Config           `json:"metrics" yaml:"metrics"`
	Breaker           BreakerSettings                `json:"breaker" yaml:"breaker"`
	Providers         map[string]rate.ProviderConfig `json:"providers" yaml:"providers"`
	ModelPrices       map[string]rate.ModelPrice     `json:"modelPrices" yaml:"model_prices"`
	Observers         []ObserverSettings             `json:"observers" yaml:"observers"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	limits := breaker.DefaultLimits()
	srv := server.DefaultConfig()
	return Config{
		StateRoot:         defaultStateRoot(),
		HeartbeatInterval: Duration(exec.DefaultHeartbeatInterval),
		Server: ServerSettings{
			Host:         srv.Host,
			Port:         srv.Port,
			EnableCORS:   srv.EnableCORS,
			ReadTimeout:  Duration(srv.ReadTimeout),
			WriteTimeout: Duration(srv.WriteTimeout),
		},
		Metrics: observability.Config{Enabled: true},
		Breaker: BreakerSettings{
			MaxMissionFailures:  limits.MaxMissionFailures,
			MaxImmediateExec:    limits.MaxImmediateExec,
			FailureCooldown:     Duration(limits.FailureCooldown),
			ImmediateCooldown:   Duration(limits.ImmediateCooldown),
			MaxSpawnsPerHour:    limits.MaxSpawnsPerHour,
			MaxArtifactsPerHour: limits.MaxArtifactsPerHour,
			MaxMutationsPerHour: limits.MaxMutationsPerHour,
		},
		Providers:   rate.DefaultConfigs(),
		ModelPrices: rate.DefaultModelPrices(),
	}
}

func defaultStateRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "state"
	}
	return filepath.Join(home, ".missionctl", "state")
}

// Load reads path over the defaults. An empty path returns the defaults
// unchanged; a present but unreadable or invalid file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.fillZeroes()
	return cfg, cfg.Validate()
}

// fillZeroes restores defaults the file zeroed by omission.
func (c *Config) fillZeroes() {
	def := Default()
	if c.StateRoot == "" {
		c.StateRoot = def.StateRoot
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if c.Breaker.MaxMutationsPerHour == 0 {
		c.Breaker = def.Breaker
	}
	if len(c.Providers) == 0 {
		c.Providers = def.Providers
	}
	if len(c.ModelPrices) == 0 {
		c.ModelPrices = def.ModelPrices
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.StateRoot == "" {
		return fmt.Errorf("state_root is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d is out of range", c.Server.Port)
	}
	if c.HeartbeatInterval.Std() < time.Second {
		return fmt.Errorf("heartbeat_interval %s is below 1s", c.HeartbeatInterval.Std())
	}
	for name, p := range c.Providers {
		if p.QPS < 0 || p.Burst < 0 || p.DailyQuota < 0 {
			return fmt.Errorf("provider %s has negative limits", name)
		}
	}
	for _, o := range c.Observers {
		if o.Source == "" {
			return fmt.Errorf("observer entries require a source")
		}
		if o.Threshold < 0 {
			return fmt.Errorf("observer %s has a negative threshold", o.Source)
		}
	}
	return nil
}

// ServerConfig converts the server section.
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		Host:         c.Server.Host,
		Port:         c.Server.Port,
		EnableCORS:   c.Server.EnableCORS,
		Debug:        c.Server.Debug,
		ReadTimeout:  c.Server.ReadTimeout.Std(),
		WriteTimeout: c.Server.WriteTimeout.Std(),
	}
}

// BreakerLimits converts the breaker section.
func (c *Config) BreakerLimits() breaker.Limits {
	return breaker.Limits{
		MaxMissionFailures:  c.Breaker.MaxMissionFailures,
		MaxImmediateExec:    c.Breaker.MaxImmediateExec,
		FailureCooldown:     c.Breaker.FailureCooldown.Std(),
		ImmediateCooldown:   c.Breaker.ImmediateCooldown.Std(),
		MaxSpawnsPerHour:    c.Breaker.MaxSpawnsPerHour,
		MaxArtifactsPerHour: c.Breaker.MaxArtifactsPerHour,
		MaxMutationsPerHour: c.Breaker.MaxMutationsPerHour,
	}
}
