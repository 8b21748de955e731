package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sergiochan/openpocket/internal/agentloop"
	"github.com/sergiochan/openpocket/internal/humanauth/bridge"
	"github.com/sergiochan/openpocket/internal/imagescale"
	"github.com/sergiochan/openpocket/internal/skills"
	"github.com/sergiochan/openpocket/internal/task"
)

// buildSystemPrompt assembles the Agent Loop's system prompt from the
// loaded skills. The Chat Gateway builds its own prompt separately.
func buildSystemPrompt(loader *skills.Loader) string {
	var b strings.Builder
	b.WriteString("You control an Android device over adb. Respond with exactly one action per step, as a tool call.")
	if loader == nil {
		return b.String()
	}
	for _, sk := range loader.List() {
		b.WriteString(fmt.Sprintf("\n\nSkill %q: %s", sk.Name, sk.Description))
	}
	return b.String()
}

func agentCmd() *cobra.Command {
	var modelProfile string
	cmd := &cobra.Command{
		Use:   "agent <task>",
		Short: "Run a single task against the emulator from the CLI",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, roots, err := bootstrap()
			if err != nil {
				return err
			}
			collab := buildCollaborators(cfg, roots)

			model, modelName, err := modelFor(cfg)(modelProfile)
			if err != nil {
				return wrapFerr(err)
			}

			deviceID, err := collab.Adb.SelectDevice(cmd.Context(), cfg.Emulator.DeviceID)
			if err != nil {
				return wrapFerr(err)
			}

			t := task.New(strings.Join(args, " "), "", modelProfile)

			loop := &agentloop.Loop{
				Roots:       roots,
				Adb:         collab.Adb,
				Model:       model,
				Session:     collab.Session,
				Scripts:     collab.Scripts,
				Bridge:      collab.Bridge,
				Agent:       cfg.Agent,
				Screenshots: cfg.Screenshots,
				ImageTarget: imagescale.TargetFor(modelName),
				OnOpened: func(o bridge.Opened) {
					if o.OpenURL != "" {
						fmt.Printf("Action needs your approval: %s\n", o.OpenURL)
					} else {
						fmt.Printf("Action needs your approval (request %s); resolve it via the Dashboard or relay.\n", o.RequestID)
					}
				},
			}

			state, err := loop.Run(context.Background(), t, deviceID, buildSystemPrompt(collab.Skills))
			if err != nil {
				return wrapFerr(err)
			}
			fmt.Printf("task %s finished: %s\n", t.ID, state)
			if state == task.StateFailed {
				return userErr(fmt.Errorf("task did not complete successfully"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&modelProfile, "model", "", "model profile name (default: config's defaultModel)")
	return cmd
}
