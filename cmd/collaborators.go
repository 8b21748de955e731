package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sergiochan/openpocket/internal/adbclient"
	"github.com/sergiochan/openpocket/internal/config"
	"github.com/sergiochan/openpocket/internal/emulator"
	"github.com/sergiochan/openpocket/internal/humanauth/bridge"
	"github.com/sergiochan/openpocket/internal/modelclient"
	"github.com/sergiochan/openpocket/internal/paths"
	"github.com/sergiochan/openpocket/internal/scriptexec"
	"github.com/sergiochan/openpocket/internal/session"
	"github.com/sergiochan/openpocket/internal/skills"
)

// collaborators bundles the process-lifetime objects every runtime verb
// (agent, gateway start, dashboard start) assembles from the same Config.
type collaborators struct {
	Adb      *adbclient.Client
	Emulator *emulator.Manager
	Skills   *skills.Loader
	Scripts  *scriptexec.Executor
	Session  *session.Writer
	Bridge   *bridge.Bridge
}

func buildCollaborators(cfg *config.Config, roots paths.Roots) *collaborators {
	adb := adbclient.New(cfg.Emulator.AdbBin, time.Duration(cfg.Agent.AdbTimeoutSec)*time.Second)
	emu := emulator.New(cfg.Emulator.EmulatorBin, adb)

	bundledDir := os.Getenv("OPENPOCKET_TEMPLATE_DIR")
	skillLoader := skills.New(bundledDir, "", roots.Workspace)
	if err := skillLoader.Reload(); err != nil {
		fmt.Fprintf(os.Stderr, "skills.reload_failed: %v\n", err)
	}

	scripts := scriptexec.New(
		filepath.Join(roots.Workspace, "scripts", "runs"),
		cfg.ScriptExecutor.Allowlist,
		time.Duration(cfg.ScriptExecutor.TimeoutSec)*time.Second,
		cfg.ScriptExecutor.MaxOutputChars,
	)

	sessionWriter := session.New(roots)

	var relayClient bridge.RelayClient
	if cfg.HumanAuth.RelayBaseURL != "" {
		relayClient = bridge.NewHTTPRelayClient(cfg.HumanAuth.RelayBaseURL, resolveRelayAPIKey(cfg))
	}
	br := bridge.New(roots, relayClient, time.Duration(cfg.HumanAuth.PollIntervalMs)*time.Millisecond, cfg.HumanAuth.PublicBaseURL)

	return &collaborators{Adb: adb, Emulator: emu, Skills: skillLoader, Scripts: scripts, Session: sessionWriter, Bridge: br}
}

func resolveRelayAPIKey(cfg *config.Config) string {
	if cfg.HumanAuth.APIKey != "" {
		return cfg.HumanAuth.APIKey
	}
	if cfg.HumanAuth.APIKeyEnv != "" {
		return os.Getenv(cfg.HumanAuth.APIKeyEnv)
	}
	return ""
}

// modelFor resolves a Model Profile by name (falling back to cfg's
// DefaultModel) and constructs a modelclient.Client for it, returning the
// profile's literal model string alongside (used to pick the Image
// Scaler's resize convention, §4.2/§4.3).
func modelFor(cfg *config.Config) func(profile string) (*modelclient.Client, string, error) {
	return func(profile string) (*modelclient.Client, string, error) {
		mp, _, ok := cfg.ResolveModel(profile)
		if !ok {
			return nil, "", fmt.Errorf("model profile %q not configured", profile)
		}
		secret, err := cfg.ResolveSecret(mp, os.Getenv, nil)
		if err != nil {
			return nil, "", err
		}
		client := modelclient.New(mp.BaseURL, secret, mp.Model, mp.MaxTokens, time.Duration(cfg.Agent.ModelCallTimeoutSec)*time.Second)
		return client, mp.Model, nil
	}
}
