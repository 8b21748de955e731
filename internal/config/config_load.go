package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// legacyKeyAliases maps snake_case top-level/nested keys the loader must
// still accept to their canonical camelCase form. The loaded Config is
// canonical; Load does not rewrite an existing file on disk.
var legacyKeyAliases = map[string]string{
	"default_model":    "defaultModel",
	"avd_name":         "avdName",
	"device_id":        "deviceId",
	"boot_timeout_sec": "bootTimeoutSec",
	"max_steps":        "maxSteps",
	"loop_delay_ms":    "loopDelayMs",
	"max_count":        "maxCount",
	"timeout_sec":      "timeoutSec",
	"max_output_chars": "maxOutputChars",
	"every_sec":        "everySec",
	"stuck_task_warn_sec": "stuckTaskWarnSec",
	"tick_sec":         "tickSec",
	"local_relay_port": "localRelayPort",
	"request_timeout_sec": "requestTimeoutSec",
	"poll_interval_ms": "pollIntervalMs",
	"api_key":          "apiKey",
	"api_key_env":      "apiKeyEnv",
	"base_url":         "baseUrl",
	"max_tokens":       "maxTokens",
	"reasoning_effort": "reasoningEffort",
	"allowed_chat_ids": "allowedChatIds",
	"poll_timeout_sec": "pollTimeoutSec",
	"progress_report_interval": "progressReportInterval",
	"rate_limit_rpm":   "rateLimitRpm",
	"telegram_token":   "telegramToken",
	"telegram_token_env": "telegramTokenEnv",
	"discord_token":    "discordToken",
	"discord_token_env": "discordTokenEnv",
	"relay_base_url":   "relayBaseUrl",
	"public_base_url":  "publicBaseUrl",
	"tunnel_binary":    "tunnelBinary",
	"tunnel_startup_timeout_sec": "tunnelStartupTimeoutSec",
}

// canonicalizeKeys walks a decoded JSON value recursively, rewriting any map
// key found in legacyKeyAliases to its canonical form. Unknown keys pass
// through unchanged, so unrecognized future keys never raise (Design Notes
// §9 "Config migration").
func canonicalizeKeys(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			key := k
			if canon, ok := legacyKeyAliases[k]; ok {
				key = canon
			}
			out[key] = canonicalizeKeys(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = canonicalizeKeys(child)
		}
		return out
	default:
		return val
	}
}

// Load implements the Config Store's two-phase load (Design Notes §9):
// deep-merge the file contents over Default(), then Clamp/normalize. A
// missing file yields Default() with env overrides applied and is written
// out so a subsequent `config-show` has something to display. Malformed
// JSON yields Default() for every field plus a warning: nothing from the
// malformed file is kept, and the file is left as it is (not rewritten).
func Load(path string) (*Config, []string, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			warnings := cfg.Clamp()
			if saveErr := Save(path, cfg); saveErr != nil {
				slog.Warn("config.save_default_failed", "path", path, "error", saveErr)
			}
			return cfg, warnings, nil
		}
		return nil, nil, fmt.Errorf("read config: %w", err)
	}

	var raw interface{}
	parseWarnings := []string{}
	if err := json5.Unmarshal(data, &raw); err != nil {
		// malformed JSON: no partial parse is attempted; every field
		// keeps its default.
		parseWarnings = append(parseWarnings, fmt.Sprintf("config parse error, using defaults for unparsed fields: %v", err))
		raw = map[string]interface{}{}
	}
	raw = canonicalizeKeys(raw)

	merged, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("re-marshal config: %w", err)
	}
	if err := json.Unmarshal(merged, cfg); err != nil {
		parseWarnings = append(parseWarnings, fmt.Sprintf("config field mismatch, using defaults for unparsed fields: %v", err))
	}

	applyEnvOverrides(cfg)
	warnings := append(parseWarnings, cfg.Clamp()...)
	return cfg, warnings, nil
}

// applyEnvOverrides overlays recognized environment variables onto cfg,
// matching the teacher's applyEnvOverrides idiom: env always wins over file.
func applyEnvOverrides(c *Config) {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("OPENPOCKET_AVD_NAME", &c.Emulator.AvdName)
	envStr("OPENPOCKET_DEVICE_ID", &c.Emulator.DeviceID)
	envStr("OPENPOCKET_TELEGRAM_TOKEN", &c.Gateway.TelegramToken)
	envStr("OPENPOCKET_DISCORD_TOKEN", &c.Gateway.DiscordToken)
	envStr("OPENPOCKET_RELAY_API_KEY", &c.HumanAuth.APIKey)
	envStr("OPENPOCKET_RELAY_BASE_URL", &c.HumanAuth.RelayBaseURL)
	envStr("OPENPOCKET_PUBLIC_BASE_URL", &c.HumanAuth.PublicBaseURL)

	if v := os.Getenv("OPENPOCKET_ALLOWED_CHAT_IDS"); v != "" {
		c.Gateway.AllowedChatIDs = strings.Split(v, ",")
	}
}

// Save writes cfg atomically (temp file + rename), pretty-printed with
// sorted keys, matching the teacher's Save idiom plus the atomic-write
// requirement from §3 ("Both written atomically per entry" applies to the
// config file too via §4.1 "atomic write").
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	compact, err := json.Marshal(cfg)
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	// Re-marshal through a generic map so object keys come out sorted
	// rather than in struct declaration order.
	var generic map[string]interface{}
	if err := json.Unmarshal(compact, &generic); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}
	return nil
}
