package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

// onboardingState is the §6 "state/onboarding.json" persisted record. The
// onboarding wizard UX itself is an out-of-scope external collaborator
// (§1 Non-goals); this command only owns the shared file interface.
type onboardingState struct {
	CompletedAt  string `json:"completedAt"`
	AdbBin       string `json:"adbBin,omitempty"`
	AndroidHome  string `json:"androidSdkRoot,omitempty"`
	ConfigPath   string `json:"configPath"`
}

func installCLICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install-cli",
		Short: "Verify adb is reachable on PATH",
		Long:  "Installer/shortcut plumbing (desktop menu entries, PATH edits) lives outside this module; this verb only checks that adb is reachable so later commands fail fast.",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			if _, err := exec.LookPath("adb"); err != nil {
				return userErr(fmt.Errorf("adb not found on PATH: %w", err))
			}
			fmt.Println("adb found on PATH.")
			return nil
		},
	}
}

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Record a first-run onboarding marker",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, roots, err := bootstrap()
			if err != nil {
				return err
			}

			state := onboardingState{
				CompletedAt: time.Now().UTC().Format(time.RFC3339),
				AndroidHome: os.Getenv("ANDROID_SDK_ROOT"),
				ConfigPath:  filepath.Join(roots.Home, "config.json"),
			}
			if adb, err := exec.LookPath("adb"); err == nil {
				state.AdbBin = adb
			}

			statePath := filepath.Join(roots.State, "onboarding.json")
			data, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				return infraErr(err)
			}
			if err := os.WriteFile(statePath, data, 0o644); err != nil {
				return infraErr(fmt.Errorf("write onboarding state: %w", err))
			}
			fmt.Printf("Onboarding recorded at %s\n", statePath)
			return nil
		},
	}
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config-show",
		Short: "Print the resolved, normalized configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return infraErr(err)
			}
			fmt.Println(string(data))
			return nil
		},
	}
}
