package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "missionctl.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("default bind must be loopback, got %s", cfg.Server.Host)
	}
	if cfg.Breaker.MaxMissionFailures != 3 || cfg.Breaker.MaxSpawnsPerHour != 10 {
		t.Fatalf("unexpected breaker defaults: %+v", cfg.Breaker)
	}
	if cfg.HeartbeatInterval.Std() != 30*time.Second {
		t.Fatalf("unexpected heartbeat default: %s", cfg.HeartbeatInterval.Std())
	}
}

func TestLoadOverlaysFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
state_root: /var/lib/missionctl
heartbeat_interval: 10s
server:
  port: 9000
breaker:
  max_mission_failures: 5
  max_mutations_per_hour: 250
observers:
  - source: error_rate
    threshold: 0.25
    poll_interval: 2m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StateRoot != "/var/lib/missionctl" || cfg.Server.Port != 9000 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("omitted host must keep default, got %q", cfg.Server.Host)
	}
	if cfg.HeartbeatInterval.Std() != 10*time.Second {
		t.Fatalf("heartbeat not parsed: %s", cfg.HeartbeatInterval.Std())
	}
	limits := cfg.BreakerLimits()
	if limits.MaxMissionFailures != 5 || limits.MaxMutationsPerHour != 250 {
		t.Fatalf("unexpected limits: %+v", limits)
	}
	if len(cfg.Observers) != 1 || cfg.Observers[0].PollInterval.Std() != 2*time.Minute {
		t.Fatalf("unexpected observers: %+v", cfg.Observers)
	}
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	path := writeConfig(t, "heartbeat_interval: 45\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HeartbeatInterval.Std() != 45*time.Second {
		t.Fatalf("expected 45s, got %s", cfg.HeartbeatInterval.Std())
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad port":       "server:\n  port: 70000\n",
		"bad duration":   "heartbeat_interval: soon\n",
		"bad observer":   "observers:\n  - threshold: 0.5\n",
		"negative quota": "providers:\n  serp:\n    daily_quota: -1\n",
		"malformed":      "server: [not, a, map]\n",
	}
	for name, content := range cases {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
}
