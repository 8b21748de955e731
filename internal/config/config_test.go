package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestClampEnforcesLowerBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		check  func(*Config) bool
	}{
		{
			name:   "screenshots maxCount below 20",
			mutate: func(c *Config) { c.Screenshots.MaxCount = 1 },
			check:  func(c *Config) bool { return c.Screenshots.MaxCount == 20 },
		},
		{
			name:   "scriptExecutor timeoutSec below 1",
			mutate: func(c *Config) { c.ScriptExecutor.TimeoutSec = 0 },
			check:  func(c *Config) bool { return c.ScriptExecutor.TimeoutSec == 1 },
		},
		{
			name:   "heartbeat everySec below 5",
			mutate: func(c *Config) { c.Heartbeat.EverySec = 1 },
			check:  func(c *Config) bool { return c.Heartbeat.EverySec == 5 },
		},
		{
			name:   "heartbeat stuckTaskWarnSec below 30",
			mutate: func(c *Config) { c.Heartbeat.StuckTaskWarnSec = 1 },
			check:  func(c *Config) bool { return c.Heartbeat.StuckTaskWarnSec == 30 },
		},
		{
			name:   "cron tickSec below 2",
			mutate: func(c *Config) { c.Cron.TickSec = 1 },
			check:  func(c *Config) bool { return c.Cron.TickSec == 2 },
		},
		{
			name:   "humanAuth localRelayPort out of range",
			mutate: func(c *Config) { c.HumanAuth.LocalRelayPort = 70000 },
			check:  func(c *Config) bool { return c.HumanAuth.LocalRelayPort == 8765 },
		},
		{
			name:   "humanAuth requestTimeoutSec below 30",
			mutate: func(c *Config) { c.HumanAuth.RequestTimeoutSec = 1 },
			check:  func(c *Config) bool { return c.HumanAuth.RequestTimeoutSec == 30 },
		},
		{
			name:   "humanAuth pollIntervalMs below 500",
			mutate: func(c *Config) { c.HumanAuth.PollIntervalMs = 10 },
			check:  func(c *Config) bool { return c.HumanAuth.PollIntervalMs == 500 },
		},
		{
			name:   "agent.lang is always forced to en",
			mutate: func(c *Config) { c.Agent.Lang = "fr" },
			check:  func(c *Config) bool { return c.Agent.Lang == "en" },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			cfg.Clamp()
			if !tc.check(cfg) {
				t.Fatalf("clamp did not enforce bound for %s", tc.name)
			}
		})
	}
}

func TestClampResolvesUnknownDefaultModel(t *testing.T) {
	cfg := Default()
	cfg.DefaultModel = "nonexistent"
	warnings := cfg.Clamp()
	if len(warnings) == 0 {
		t.Fatalf("expected a warning when defaultModel is unknown")
	}
	if _, ok := cfg.Models[cfg.DefaultModel]; !ok {
		t.Fatalf("defaultModel %q does not resolve to a known profile", cfg.DefaultModel)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxSteps != 50 {
		t.Fatalf("got maxSteps=%d, want 50", cfg.Agent.MaxSteps)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config to be written to %s: %v", path, err)
	}
}

func TestLoadAcceptsLegacySnakeCaseKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"default_model": "default",
		"agent": {"max_steps": 10, "loop_delay_ms": 500},
		"screenshots": {"max_count": 40}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxSteps != 10 {
		t.Fatalf("got maxSteps=%d, want 10 (legacy key not honored)", cfg.Agent.MaxSteps)
	}
	if cfg.Agent.LoopDelayMs != 500 {
		t.Fatalf("got loopDelayMs=%d, want 500", cfg.Agent.LoopDelayMs)
	}
	if cfg.Screenshots.MaxCount != 40 {
		t.Fatalf("got maxCount=%d, want 40", cfg.Screenshots.MaxCount)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	hashBefore := cfg.Hash()

	reloaded, _, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Hash() != hashBefore {
		t.Fatalf("config round-trip hash mismatch: %s != %s", reloaded.Hash(), hashBefore)
	}
}

func TestResolveSecretPrecedence(t *testing.T) {
	cfg := Default()

	profile := ModelProfile{APIKey: "inline-key", APIKeyEnv: "SOME_ENV"}
	secret, err := cfg.ResolveSecret(profile, func(string) string { return "env-key" }, nil)
	if err != nil || secret != "inline-key" {
		t.Fatalf("expected inline key to win, got %q, err=%v", secret, err)
	}

	profile = ModelProfile{APIKeyEnv: "SOME_ENV"}
	secret, err = cfg.ResolveSecret(profile, func(string) string { return "env-key" }, nil)
	if err != nil || secret != "env-key" {
		t.Fatalf("expected env key, got %q, err=%v", secret, err)
	}

	profile = ModelProfile{}
	_, err = cfg.ResolveSecret(profile, func(string) string { return "" }, nil)
	if err == nil {
		t.Fatalf("expected secret_missing error when no source resolves")
	}
}
