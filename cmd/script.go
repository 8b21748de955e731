package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/sergiochan/openpocket/internal/scriptexec"
)

func scriptCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "script",
		Short: "Run a shell script under the Script Executor's sandbox",
	}

	var file, text string
	var timeoutSec int
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Validate and execute a script, persisting its artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, roots, err := bootstrap()
			if err != nil {
				return err
			}
			script := text
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return userErr(fmt.Errorf("read --file: %w", err))
				}
				script = string(data)
			}
			if script == "" {
				return userErr(fmt.Errorf("one of --file or --text is required"))
			}

			executor := scriptexec.New(
				filepath.Join(roots.Workspace, "scripts", "runs"),
				cfg.ScriptExecutor.Allowlist,
				time.Duration(cfg.ScriptExecutor.TimeoutSec)*time.Second,
				cfg.ScriptExecutor.MaxOutputChars,
			)
			result, err := executor.Execute(cmd.Context(), script, timeoutSec)
			if err != nil {
				return wrapFerr(err)
			}
			fmt.Printf("ok=%v timedOut=%v durationMs=%d runDir=%s\n", result.OK, result.TimedOut, result.DurationMs, result.RunDir)
			if result.Stdout != "" {
				fmt.Println("--- stdout ---")
				fmt.Println(result.Stdout)
			}
			if result.Stderr != "" {
				fmt.Println("--- stderr ---")
				fmt.Println(result.Stderr)
			}
			if !result.OK {
				return userErr(fmt.Errorf("script did not succeed"))
			}
			return nil
		},
	}
	runCmd.Flags().StringVar(&file, "file", "", "path to a script file")
	runCmd.Flags().StringVar(&text, "text", "", "inline script text")
	runCmd.Flags().IntVar(&timeoutSec, "timeout", 0, "timeout in seconds (default: config's scriptExecutor.timeoutSec)")
	root.AddCommand(runCmd)

	return root
}
