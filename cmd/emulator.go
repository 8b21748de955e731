package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sergiochan/openpocket/internal/adbclient"
	"github.com/sergiochan/openpocket/internal/emulator"
)

func newAdbAndEmulator(cfg *configForEmulator) (*adbclient.Client, *emulator.Manager) {
	adb := adbclient.New(cfg.adbBin, time.Duration(cfg.adbTimeoutSec)*time.Second)
	return adb, emulator.New(cfg.emulatorBin, adb)
}

// configForEmulator narrows *config.Config to the fields the emulator
// verbs need, so tests can construct one without a full Config.
type configForEmulator struct {
	adbBin        string
	emulatorBin   string
	adbTimeoutSec int
}

func emulatorCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "emulator",
		Short: "Inspect and control the Android emulator",
	}

	var device string
	root.PersistentFlags().StringVar(&device, "device", "", "target device id (default: auto-select)")

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List adb devices and their boot state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			adb, _ := newAdbAndEmulator(&configForEmulator{cfg.Emulator.AdbBin, cfg.Emulator.EmulatorBin, cfg.Agent.AdbTimeoutSec})
			status, err := adb.Status(cmd.Context())
			if err != nil {
				return infraErr(err)
			}
			fmt.Printf("devices: %v\nbooted: %v\n", status.Devices, status.BootedDevices)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list-avds",
		Short: "List configured AVDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			_, emu := newAdbAndEmulator(&configForEmulator{cfg.Emulator.AdbBin, cfg.Emulator.EmulatorBin, cfg.Agent.AdbTimeoutSec})
			avds, err := emu.ListAvds(cmd.Context())
			if err != nil {
				return infraErr(err)
			}
			for _, a := range avds {
				fmt.Println(a)
			}
			return nil
		},
	})

	var wait bool
	var bootTimeoutSec int
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the configured AVD",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			_, emu := newAdbAndEmulator(&configForEmulator{cfg.Emulator.AdbBin, cfg.Emulator.EmulatorBin, cfg.Agent.AdbTimeoutSec})
			timeout := time.Duration(bootTimeoutSec) * time.Second
			if timeout <= 0 {
				timeout = time.Duration(cfg.Emulator.BootTimeoutSec) * time.Second
			}
			result, err := emu.Start(cmd.Context(), cfg.Emulator.AvdName, wait, timeout)
			if err != nil {
				return infraErr(err)
			}
			fmt.Println(result)
			return nil
		},
	}
	startCmd.Flags().BoolVar(&wait, "wait", true, "wait for the AVD to finish booting")
	startCmd.Flags().IntVar(&bootTimeoutSec, "boot-timeout", 0, "boot wait timeout in seconds (default: config's emulator.bootTimeoutSec)")
	root.AddCommand(startCmd)

	root.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the emulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			_, emu := newAdbAndEmulator(&configForEmulator{cfg.Emulator.AdbBin, cfg.Emulator.EmulatorBin, cfg.Agent.AdbTimeoutSec})
			if err := emu.Stop(cmd.Context(), device); err != nil {
				return infraErr(err)
			}
			fmt.Println("stopped")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "hide",
		Short: "Hide the emulator window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			_, emu := newAdbAndEmulator(&configForEmulator{cfg.Emulator.AdbBin, cfg.Emulator.EmulatorBin, cfg.Agent.AdbTimeoutSec})
			if err := emu.HideWindow(cmd.Context(), device); err != nil {
				return infraErr(err)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the emulator window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			_, emu := newAdbAndEmulator(&configForEmulator{cfg.Emulator.AdbBin, cfg.Emulator.EmulatorBin, cfg.Agent.AdbTimeoutSec})
			if err := emu.ShowWindow(cmd.Context(), device); err != nil {
				return infraErr(err)
			}
			return nil
		},
	})

	var screenshotOut string
	screenshotCmd := &cobra.Command{
		Use:   "screenshot",
		Short: "Capture a screenshot from the device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			adb, _ := newAdbAndEmulator(&configForEmulator{cfg.Emulator.AdbBin, cfg.Emulator.EmulatorBin, cfg.Agent.AdbTimeoutSec})
			png, err := adb.CaptureScreenshot(cmd.Context(), device)
			if err != nil {
				return infraErr(err)
			}
			out := screenshotOut
			if out == "" {
				out = fmt.Sprintf("screenshot-%d.png", time.Now().Unix())
			}
			if err := os.WriteFile(out, png, 0o644); err != nil {
				return infraErr(err)
			}
			fmt.Println(out)
			return nil
		},
	}
	screenshotCmd.Flags().StringVar(&screenshotOut, "out", "", "output file path (default: screenshot-<unixtime>.png)")
	root.AddCommand(screenshotCmd)

	var tapX, tapY int
	tapCmd := &cobra.Command{
		Use:   "tap",
		Short: "Tap a screen coordinate",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			adb, _ := newAdbAndEmulator(&configForEmulator{cfg.Emulator.AdbBin, cfg.Emulator.EmulatorBin, cfg.Agent.AdbTimeoutSec})
			if err := adb.Tap(cmd.Context(), device, tapX, tapY); err != nil {
				return infraErr(err)
			}
			return nil
		},
	}
	tapCmd.Flags().IntVar(&tapX, "x", 0, "x coordinate")
	tapCmd.Flags().IntVar(&tapY, "y", 0, "y coordinate")
	root.AddCommand(tapCmd)

	var typeText string
	typeCmd := &cobra.Command{
		Use:   "type",
		Short: "Type text into the focused field",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			adb, _ := newAdbAndEmulator(&configForEmulator{cfg.Emulator.AdbBin, cfg.Emulator.EmulatorBin, cfg.Agent.AdbTimeoutSec})
			method, err := adb.Type(cmd.Context(), device, typeText)
			if err != nil {
				return infraErr(err)
			}
			fmt.Println(method)
			return nil
		},
	}
	typeCmd.Flags().StringVar(&typeText, "text", "", "text to type")
	root.AddCommand(typeCmd)

	return root
}

// marshalIndentOrInfra is a small helper for commands that print a JSON
// summary.
func marshalIndentOrInfra(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", infraErr(err)
	}
	return string(data), nil
}
