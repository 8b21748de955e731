package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sergiochan/openpocket/internal/agentloop"
	"github.com/sergiochan/openpocket/internal/ferr"
	"github.com/sergiochan/openpocket/internal/humanauth/bridge"
	"github.com/sergiochan/openpocket/internal/imagescale"
	"github.com/sergiochan/openpocket/internal/task"
)

// permissionAppPackage is the sample harness app used to exercise the
// request_human_auth action end to end: it surfaces an Android runtime
// permission dialog the agent cannot dismiss without approval.
const permissionAppPackage = "com.openpocket.testharness.permissionapp"

// permissionAppCase describes one canned scenario `test permission-app
// task/run` can drive against the harness app.
type permissionAppCase struct {
	id          string
	description string
	taskText    string
}

var permissionAppCases = []permissionAppCase{
	{
		id:          "camera-grant",
		description: "Request camera access and approve it",
		taskText:    "Open the test harness app, tap 'Request Camera', and grant the permission when the Android dialog appears.",
	},
	{
		id:          "camera-deny",
		description: "Request camera access and reject it",
		taskText:    "Open the test harness app, tap 'Request Camera', and deny the permission when the Android dialog appears.",
	},
	{
		id:          "location-grant",
		description: "Request location access and approve it",
		taskText:    "Open the test harness app, tap 'Request Location', and grant the permission when the Android dialog appears.",
	},
}

func findPermissionAppCase(id string) (permissionAppCase, bool) {
	for _, c := range permissionAppCases {
		if c.id == id {
			return c, true
		}
	}
	return permissionAppCase{}, false
}

func testCmd() *cobra.Command {
	root := &cobra.Command{Use: "test", Short: "Test harness operations"}
	root.AddCommand(testPermissionAppCmd())
	return root
}

func testPermissionAppCmd() *cobra.Command {
	var device, apkPath, caseID string
	var clean, send bool
	var chatID, modelProfile string

	root := &cobra.Command{
		Use:   "permission-app",
		Short: "Drive the request_human_auth flow against a harness app",
	}
	root.PersistentFlags().StringVar(&device, "device", "", "target device id (default: auto-select)")
	root.PersistentFlags().BoolVar(&clean, "clean", false, "clear app data before acting")
	root.PersistentFlags().StringVar(&caseID, "case", "camera-grant", "test case id (see `cases`)")
	root.PersistentFlags().BoolVar(&send, "send", false, "print the case's task text to post to the chat instead of running inline")
	root.PersistentFlags().StringVar(&chatID, "chat", "", "chat id to submit under when --send is set")
	root.PersistentFlags().StringVar(&modelProfile, "model", "", "model profile name (default: config's defaultModel)")

	root.AddCommand(&cobra.Command{
		Use:   "cases",
		Short: "List canned test cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, c := range permissionAppCases {
				fmt.Printf("%-16s %s\n", c.id, c.description)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "deploy",
		Short: "Install and launch the harness app",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, roots, err := bootstrap()
			if err != nil {
				return err
			}
			collab := buildCollaborators(cfg, roots)
			deviceID, err := collab.Adb.SelectDevice(cmd.Context(), device)
			if err != nil {
				return wrapFerr(err)
			}
			if apkPath == "" {
				return userErr(fmt.Errorf("--apk is required for deploy"))
			}
			if err := collab.Adb.Install(cmd.Context(), deviceID, apkPath); err != nil {
				return wrapFerr(err)
			}
			if err := collab.Adb.LaunchApp(cmd.Context(), deviceID, permissionAppPackage); err != nil {
				return wrapFerr(err)
			}
			fmt.Println("deployed and launched")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install the harness app without launching it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, roots, err := bootstrap()
			if err != nil {
				return err
			}
			collab := buildCollaborators(cfg, roots)
			deviceID, err := collab.Adb.SelectDevice(cmd.Context(), device)
			if err != nil {
				return wrapFerr(err)
			}
			if apkPath == "" {
				return userErr(fmt.Errorf("--apk is required for install"))
			}
			if err := collab.Adb.Install(cmd.Context(), deviceID, apkPath); err != nil {
				return wrapFerr(err)
			}
			fmt.Println("installed")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "launch",
		Short: "Launch the harness app",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, roots, err := bootstrap()
			if err != nil {
				return err
			}
			collab := buildCollaborators(cfg, roots)
			deviceID, err := collab.Adb.SelectDevice(cmd.Context(), device)
			if err != nil {
				return wrapFerr(err)
			}
			if clean {
				if err := collab.Adb.ClearAppData(cmd.Context(), deviceID, permissionAppPackage); err != nil {
					return wrapFerr(err)
				}
			}
			if err := collab.Adb.LaunchApp(cmd.Context(), deviceID, permissionAppPackage); err != nil {
				return wrapFerr(err)
			}
			fmt.Println("launched")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Clear the harness app's data",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, roots, err := bootstrap()
			if err != nil {
				return err
			}
			collab := buildCollaborators(cfg, roots)
			deviceID, err := collab.Adb.SelectDevice(cmd.Context(), device)
			if err != nil {
				return wrapFerr(err)
			}
			if err := collab.Adb.ClearAppData(cmd.Context(), deviceID, permissionAppPackage); err != nil {
				return wrapFerr(err)
			}
			fmt.Println("reset")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the harness app",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, roots, err := bootstrap()
			if err != nil {
				return err
			}
			collab := buildCollaborators(cfg, roots)
			deviceID, err := collab.Adb.SelectDevice(cmd.Context(), device)
			if err != nil {
				return wrapFerr(err)
			}
			if err := collab.Adb.Uninstall(cmd.Context(), deviceID, permissionAppPackage); err != nil {
				return wrapFerr(err)
			}
			fmt.Println("uninstalled")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "task",
		Short: "Run one canned test case's task against the harness app",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPermissionAppCase(cmd.Context(), caseID, device, modelProfile, send, chatID)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "launch (after a data reset if --clean) + task, in sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, roots, err := bootstrap()
			if err != nil {
				return err
			}
			collab := buildCollaborators(cfg, roots)
			deviceID, err := collab.Adb.SelectDevice(cmd.Context(), device)
			if err != nil {
				return wrapFerr(err)
			}
			if clean {
				if err := collab.Adb.ClearAppData(cmd.Context(), deviceID, permissionAppPackage); err != nil {
					return wrapFerr(err)
				}
			}
			if err := collab.Adb.LaunchApp(cmd.Context(), deviceID, permissionAppPackage); err != nil {
				return wrapFerr(err)
			}
			if err := runPermissionAppCase(cmd.Context(), caseID, device, modelProfile, send, chatID); err != nil {
				return err
			}
			return nil
		},
	})

	root.PersistentFlags().StringVar(&apkPath, "apk", "", "path to the harness app's APK (required for deploy/install)")
	return root
}

func runPermissionAppCase(ctx context.Context, caseID, device, modelProfile string, send bool, chatID string) error {
	c, ok := findPermissionAppCase(caseID)
	if !ok {
		return userErr(fmt.Errorf("unknown test case %q", caseID))
	}

	cfg, roots, err := bootstrap()
	if err != nil {
		return err
	}
	collab := buildCollaborators(cfg, roots)

	if send {
		// --send has no IPC channel into an already-running `gateway
		// start` process; it only prints the text a caller would post
		// to the configured chat, for manual pasting or scripting.
		if chatID == "" {
			return userErr(fmt.Errorf("--chat is required with --send"))
		}
		fmt.Printf("post this to chat %s to run it through the gateway:\n%s\n", chatID, c.taskText)
		return nil
	}

	model, modelName, err := modelFor(cfg)(modelProfile)
	if err != nil {
		return wrapFerr(err)
	}
	deviceID, err := collab.Adb.SelectDevice(ctx, device)
	if err != nil {
		return wrapFerr(err)
	}

	t := task.New(c.taskText, "", modelProfile)
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
				fmt.Printf("approval needed: %s\n", o.OpenURL)
			} else {
				fmt.Printf("approval needed (request %s)\n", o.RequestID)
			}
		},
	}

	state, err := loop.Run(ctx, t, deviceID, buildSystemPrompt(collab.Skills))
	if err != nil {
		if isFerrKind(err, ferr.AuthRejected) {
			return userErr(fmt.Errorf("approval was rejected: %w", err))
		}
		if isFerrKind(err, ferr.AuthTimeout) {
			return userErr(fmt.Errorf("approval was not decided in time: %w", err))
		}
		return wrapFerr(err)
	}
	fmt.Printf("case %s finished: %s\n", c.id, state)
	if state == task.StateFailed {
		return userErr(fmt.Errorf("case did not complete successfully"))
	}
	return nil
}
