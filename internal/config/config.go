// Package config implements the Config Store (§4.1): load/normalize/persist
// canonical settings and resolve model-profile secrets from the configured
// precedence.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/sergiochan/openpocket/internal/ferr"
)

// ReasoningEffort is one of the five levels a Model Profile may request.
type ReasoningEffort string

const (
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
	EffortXHigh  ReasoningEffort = "xhigh"
)

// ModelProfile is the Model Profile entity from §3.
type ModelProfile struct {
	BaseURL         string          `json:"baseUrl"`
	Model           string          `json:"model"`
	APIKey          string          `json:"apiKey,omitempty"`
	APIKeyEnv       string          `json:"apiKeyEnv,omitempty"`
	MaxTokens       int             `json:"maxTokens"`
	ReasoningEffort ReasoningEffort `json:"reasoningEffort,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
}

// PathsConfig resolves the home/workspace roots (Paths & Workspace, §4.1
// defers the actual resolution to internal/paths; this just records
// operator overrides of that resolution).
type PathsConfig struct {
	Home string `json:"home,omitempty"`
}

// EmulatorConfig configures the Emulator Manager (§4.2).
type EmulatorConfig struct {
	AvdName       string `json:"avdName,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
	BootTimeoutSec int   `json:"bootTimeoutSec"`
	EmulatorBin   string `json:"emulatorBin,omitempty"`
	AdbBin        string `json:"adbBin,omitempty"`
}

// AgentLoopConfig configures the Agent Loop (§4.9).
type AgentLoopConfig struct {
	Lang              string   `json:"lang"`
	MaxSteps          int      `json:"maxSteps"`
	LoopDelayMs       int      `json:"loopDelayMs"`
	AntiLoopRingSize  int      `json:"antiLoopRingSize"`
	PermissionPackages []string `json:"permissionPackages,omitempty"`
	ModelCallTimeoutSec int    `json:"modelCallTimeoutSec"`
	AdbTimeoutSec     int      `json:"adbTimeoutSec"`
}

// ScreenshotsConfig configures retention for the screenshot directory (§4.4).
type ScreenshotsConfig struct {
	MaxCount int `json:"maxCount"`
}

// ScriptExecutorConfig configures the Script Executor (§4.5).
type ScriptExecutorConfig struct {
	TimeoutSec     int      `json:"timeoutSec"`
	MaxOutputChars int      `json:"maxOutputChars"`
	Allowlist      []string `json:"allowlist"`
}

// HeartbeatConfig configures the Heartbeat (§4.11).
type HeartbeatConfig struct {
	EverySec         int `json:"everySec"`
	StuckTaskWarnSec int `json:"stuckTaskWarnSec"`
}

// CronConfig configures the Cron Scheduler (§4.11).
type CronConfig struct {
	TickSec int `json:"tickSec"`
}

// HumanAuthConfig configures the Human-Auth Relay/Tunnel/Bridge (§4.6-4.8).
type HumanAuthConfig struct {
	LocalRelayPort        int    `json:"localRelayPort"`
	RequestTimeoutSec     int    `json:"requestTimeoutSec"`
	PollIntervalMs        int    `json:"pollIntervalMs"`
	APIKey                string `json:"apiKey,omitempty"`
	APIKeyEnv             string `json:"apiKeyEnv,omitempty"`
	RelayBaseURL          string `json:"relayBaseUrl,omitempty"`
	PublicBaseURL         string `json:"publicBaseUrl,omitempty"`
	TunnelBinary          string `json:"tunnelBinary,omitempty"`
	TunnelStartupTimeoutSec int  `json:"tunnelStartupTimeoutSec"`
}

// GatewayConfig configures the Chat Gateway (§4.10).
type GatewayConfig struct {
	AllowedChatIDs         []string `json:"allowedChatIds,omitempty"`
	PollTimeoutSec         int      `json:"pollTimeoutSec"`
	ProgressReportInterval int      `json:"progressReportInterval"`
	RateLimitRPM           int      `json:"rateLimitRpm"`
	TelegramToken          string   `json:"telegramToken,omitempty"`
	TelegramTokenEnv       string   `json:"telegramTokenEnv,omitempty"`
	DiscordToken           string   `json:"discordToken,omitempty"`
	DiscordTokenEnv        string   `json:"discordTokenEnv,omitempty"`
}

// Config is the root configuration record (§3 "Configuration").
type Config struct {
	Paths          PathsConfig          `json:"paths,omitempty"`
	Emulator       EmulatorConfig       `json:"emulator"`
	Agent          AgentLoopConfig      `json:"agent"`
	Screenshots    ScreenshotsConfig    `json:"screenshots"`
	ScriptExecutor ScriptExecutorConfig `json:"scriptExecutor"`
	Heartbeat      HeartbeatConfig      `json:"heartbeat"`
	Cron           CronConfig           `json:"cron"`
	HumanAuth      HumanAuthConfig      `json:"humanAuth"`
	Gateway        GatewayConfig        `json:"gateway"`
	DefaultModel   string               `json:"defaultModel"`
	Models         map[string]ModelProfile `json:"models"`

	mu sync.RWMutex
}

// Default returns a Config with every field set to its documented default.
func Default() *Config {
	return &Config{
		Emulator: EmulatorConfig{
			BootTimeoutSec: 120,
			EmulatorBin:    "emulator",
			AdbBin:         "adb",
		},
		Agent: AgentLoopConfig{
			Lang:                "en",
			MaxSteps:            50,
			LoopDelayMs:         1200,
			AntiLoopRingSize:    8,
			ModelCallTimeoutSec: 90,
			AdbTimeoutSec:       30,
			PermissionPackages: []string{
				"com.android.permissioncontroller",
				"com.google.android.permissioncontroller",
				"com.android.packageinstaller",
			},
		},
		Screenshots: ScreenshotsConfig{MaxCount: 200},
		ScriptExecutor: ScriptExecutorConfig{
			TimeoutSec:     60,
			MaxOutputChars: 20000,
			Allowlist:      []string{"echo", "ls", "cat", "grep", "pwd", "adb"},
		},
		Heartbeat: HeartbeatConfig{EverySec: 30, StuckTaskWarnSec: 300},
		Cron:      CronConfig{TickSec: 5},
		HumanAuth: HumanAuthConfig{
			LocalRelayPort:          8765,
			RequestTimeoutSec:       300,
			PollIntervalMs:          1500,
			TunnelStartupTimeoutSec: 15,
		},
		Gateway: GatewayConfig{
			PollTimeoutSec:         30,
			ProgressReportInterval: 1,
			RateLimitRPM:           20,
		},
		DefaultModel: "default",
		Models: map[string]ModelProfile{
			"default": {
				BaseURL:   "https://api.openai.com/v1",
				Model:     "gpt-4o",
				APIKeyEnv: "OPENAI_API_KEY",
				MaxTokens: 4096,
			},
		},
	}
}

// Clamp enforces every §6 numeric lower bound and the forced agent.lang, and
// resolves an unknown DefaultModel to the alphabetically first profile name with
// the caller responsible for logging the fallback warning (§4.1: "recorded
// by the caller").
func (c *Config) Clamp() (warnings []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Agent.Lang = "en"
	if c.Gateway.ProgressReportInterval < 1 {
		c.Gateway.ProgressReportInterval = 1
	}
	if c.Screenshots.MaxCount < 20 {
		c.Screenshots.MaxCount = 20
	}
	if c.ScriptExecutor.TimeoutSec < 1 {
		c.ScriptExecutor.TimeoutSec = 1
	}
	if c.ScriptExecutor.MaxOutputChars < 1000 {
		c.ScriptExecutor.MaxOutputChars = 1000
	}
	if c.Heartbeat.EverySec < 5 {
		c.Heartbeat.EverySec = 5
	}
	if c.Heartbeat.StuckTaskWarnSec < 30 {
		c.Heartbeat.StuckTaskWarnSec = 30
	}
	if c.Cron.TickSec < 2 {
		c.Cron.TickSec = 2
	}
	if c.HumanAuth.LocalRelayPort < 1 || c.HumanAuth.LocalRelayPort > 65535 {
		c.HumanAuth.LocalRelayPort = 8765
	}
	if c.HumanAuth.RequestTimeoutSec < 30 {
		c.HumanAuth.RequestTimeoutSec = 30
	}
	if c.HumanAuth.PollIntervalMs < 500 {
		c.HumanAuth.PollIntervalMs = 500
	}
	if c.HumanAuth.TunnelStartupTimeoutSec < 3 {
		c.HumanAuth.TunnelStartupTimeoutSec = 3
	}
	if c.Agent.MaxSteps < 1 {
		c.Agent.MaxSteps = 50
	}
	if c.Agent.AntiLoopRingSize < 1 || c.Agent.AntiLoopRingSize > 8 {
		c.Agent.AntiLoopRingSize = 8
	}

	if len(c.Models) == 0 {
		c.Models = Default().Models
	}
	if _, ok := c.Models[c.DefaultModel]; !ok {
		names := make([]string, 0, len(c.Models))
		for name := range c.Models {
			names = append(names, name)
		}
		sort.Strings(names)
		warnings = append(warnings, fmt.Sprintf("unknown defaultModel %q, falling back to %q", c.DefaultModel, names[0]))
		c.DefaultModel = names[0]
	}
	return warnings
}

// Hash returns a short SHA-256 digest over the marshaled config, used by the
// Dashboard API's config-read endpoint for optimistic-concurrency detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:8])
}

// ResolveModel returns the named profile, falling back to DefaultModel when
// name is empty or unknown (caller logs the fallback warning per §4.1).
func (c *Config) ResolveModel(name string) (ModelProfile, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if name != "" {
		if p, ok := c.Models[name]; ok {
			return p, name, true
		}
	}
	p, ok := c.Models[c.DefaultModel]
	return p, c.DefaultModel, ok
}

// ResolveSecret implements the §4.1 precedence: in-config key, then env by
// apiKeyEnv, then a provider credential-file fallback. Returns
// ferr.SecretMissing when all three come up empty.
func (c *Config) ResolveSecret(profile ModelProfile, envLookup func(string) string, credentialFileLookup func() string) (string, error) {
	if profile.APIKey != "" {
		return profile.APIKey, nil
	}
	if profile.APIKeyEnv != "" {
		if v := envLookup(profile.APIKeyEnv); v != "" {
			return v, nil
		}
	}
	if credentialFileLookup != nil {
		if v := credentialFileLookup(); v != "" {
			return v, nil
		}
	}
	return "", ferr.New(ferr.SecretMissing, fmt.Sprintf("no apiKey, apiKeyEnv=%q unset/empty, and no credential-file fallback", profile.APIKeyEnv), nil)
}
