// Package cmd implements the CLI surface (§6): one Cobra verb per entry,
// a shared --config/--verbose pair of persistent flags, and exit codes
// 0/1/2 for success/user-error/infrastructure-error.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sergiochan/openpocket/internal/config"
	"github.com/sergiochan/openpocket/internal/paths"
	"github.com/sergiochan/openpocket/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/sergiochan/openpocket/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "openpocket",
	Short: "openpocket — a local, always-on phone-use agent runtime",
	Long:  "openpocket drives an Android emulator through a remote LLM's planned actions over adb, with human-in-the-loop approval for sensitive steps and human-readable session/memory/script artifacts on disk.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.openpocket/config.json or $OPENPOCKET_CONFIG_PATH)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(installCLICmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(configShowCmd())
	rootCmd.AddCommand(emulatorCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(skillsCmd())
	rootCmd.AddCommand(scriptCmd())
	rootCmd.AddCommand(telegramCmd())
	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(humanAuthRelayCmd())
	rootCmd.AddCommand(testCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("openpocket %s\n", Version)
		},
	}
}

// Execute runs the root Cobra command and maps a returned error to the
// §6 exit-code contract: a *cliError carries its own code, anything else
// is treated as an infrastructure error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// cliError lets a subcommand pick a specific §6 exit code (1 user error,
// 2 infrastructure error) instead of Cobra's default exit-1-on-any-error.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func userErr(err error) error { return &cliError{code: protocol.ExitUser, err: err} }
func infraErr(err error) error { return &cliError{code: protocol.ExitInfra, err: err} }

func exitCodeFor(err error) int {
	if ce, ok := err.(*cliError); ok {
		return ce.code
	}
	return protocol.ExitInfra
}

// setupLogging installs the process-wide slog handler per the --verbose
// flag: JSON in production, text when debugging (Ambient Stack).
func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if verbose {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

// bootstrap resolves Roots, loads the Config Store, and logs any
// normalization warnings — the shared setup every subcommand needs.
func bootstrap() (*config.Config, paths.Roots, error) {
	setupLogging()

	roots, err := paths.Resolve()
	if err != nil {
		return nil, paths.Roots{}, infraErr(fmt.Errorf("resolve paths: %w", err))
	}
	if err := roots.EnsureTaskDirs(""); err != nil {
		return nil, paths.Roots{}, infraErr(fmt.Errorf("ensure workspace dirs: %w", err))
	}

	cfgPath := paths.ConfigPath(cfgFile, roots)
	cfg, warnings, err := config.Load(cfgPath)
	if err != nil {
		return nil, paths.Roots{}, infraErr(fmt.Errorf("load config: %w", err))
	}
	for _, w := range warnings {
		slog.Warn("config.normalized", "warning", w)
	}
	return cfg, roots, nil
}
