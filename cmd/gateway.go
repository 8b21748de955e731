package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sergiochan/openpocket/internal/bus"
	"github.com/sergiochan/openpocket/internal/channels"
	"github.com/sergiochan/openpocket/internal/channels/discord"
	"github.com/sergiochan/openpocket/internal/channels/telegram"
	"github.com/sergiochan/openpocket/internal/config"
	"github.com/sergiochan/openpocket/internal/cron"
	"github.com/sergiochan/openpocket/internal/gateway"
	"github.com/sergiochan/openpocket/internal/heartbeat"
	"github.com/sergiochan/openpocket/internal/paths"
	"github.com/sergiochan/openpocket/internal/supervisor"
)

func gatewayCmd() *cobra.Command {
	root := &cobra.Command{Use: "gateway", Short: "Chat Gateway operations"}
	root.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the Chat Gateway, Cron Scheduler, and Heartbeat",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, roots, err := bootstrap()
			if err != nil {
				return err
			}
			return supervisor.Run(cmd.Context(), gatewayFactory(cfg, roots))
		},
	})
	return root
}

// gatewayFactory assembles the Chat Gateway and its satellite services
// (Cron Scheduler, Heartbeat) into a supervisor.Factory so SIGUSR1
// restarts rebuild every collaborator from scratch, matching §4.12.
func gatewayFactory(cfg *config.Config, roots paths.Roots) supervisor.Factory {
	return func(ctx context.Context) (func(string), error) {
		collab := buildCollaborators(cfg, roots)

		gw := gateway.New(cfg, roots)
		gw.Bus = bus.New(256)
		gw.Adb = collab.Adb
		gw.Emulator = collab.Emulator
		gw.Skills = collab.Skills
		gw.Scripts = collab.Scripts
		gw.Session = collab.Session
		gw.Bridge = collab.Bridge
		gw.ModelFor = modelFor(cfg)
		gw.DeviceID = func() string {
			deviceID, err := collab.Adb.SelectDevice(context.Background(), cfg.Emulator.DeviceID)
			if err != nil {
				slog.Warn("gateway.device_unavailable", "error", err)
				return ""
			}
			return deviceID
		}

		if err := registerChannels(gw, cfg); err != nil {
			return nil, err
		}

		scheduler := cron.New(roots.CronJobsFile(), gw.SubmitTask, cfg.Cron.TickSec, gw.Logs)
		gw.CronRun = scheduler.RunJob

		monitor := heartbeat.New(cfg.Heartbeat.EverySec, cfg.Heartbeat.StuckTaskWarnSec, gw.RunningTasks, collab.Session, gw.Logs)

		stop, err := gw.Start(ctx)
		if err != nil {
			return nil, fmt.Errorf("start gateway: %w", err)
		}

		cronCtx, cronCancel := context.WithCancel(ctx)
		go func() {
			if err := scheduler.Start(cronCtx); err != nil {
				slog.Error("cron.scheduler_stopped", "error", err)
			}
		}()

		heartbeatCtx, heartbeatCancel := context.WithCancel(ctx)
		go monitor.Run(heartbeatCtx)

		return func(reason string) {
			heartbeatCancel()
			cronCancel()
			stop(reason)
		}, nil
	}
}

func registerChannels(gw *gateway.Server, cfg *config.Config) error {
	if token := resolveTelegramToken(&tokenConfig{cfg.Gateway.TelegramToken, cfg.Gateway.TelegramTokenEnv}); token != "" {
		ch, err := telegram.New(token, cfg.Gateway.AllowedChatIDs, cfg.Gateway.PollTimeoutSec, gw.Bus)
		if err != nil {
			return fmt.Errorf("create telegram channel: %w", err)
		}
		registerChannel(gw, ch)
	}
	if token := resolveDiscordToken(cfg); token != "" {
		ch, err := discord.New(token, cfg.Gateway.AllowedChatIDs, gw.Bus)
		if err != nil {
			return fmt.Errorf("create discord channel: %w", err)
		}
		registerChannel(gw, ch)
	}
	return nil
}

// registerChannel exists only so cmd doesn't need to import channels.Channel
// at every call site above.
func registerChannel(gw *gateway.Server, ch channels.Channel) {
	gw.RegisterChannel(ch)
}

func resolveDiscordToken(cfg *config.Config) string {
	if cfg.Gateway.DiscordToken != "" {
		return cfg.Gateway.DiscordToken
	}
	if cfg.Gateway.DiscordTokenEnv != "" {
		return os.Getenv(cfg.Gateway.DiscordTokenEnv)
	}
	return ""
}
