package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sergiochan/openpocket/internal/bus"
	"github.com/sergiochan/openpocket/internal/channels/telegram"
)

func resolveTelegramToken(cfg *tokenConfig) string {
	if cfg.token != "" {
		return cfg.token
	}
	if cfg.tokenEnv != "" {
		return os.Getenv(cfg.tokenEnv)
	}
	return ""
}

type tokenConfig struct {
	token    string
	tokenEnv string
}

func telegramCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "telegram",
		Short: "Telegram channel maintenance",
	}

	root.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Register the bot's command menu with Telegram",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			token := resolveTelegramToken(&tokenConfig{cfg.Gateway.TelegramToken, cfg.Gateway.TelegramTokenEnv})
			if token == "" {
				return userErr(fmt.Errorf("no telegram token configured (gateway.telegramToken or gateway.telegramTokenEnv)"))
			}
			ch, err := telegram.New(token, cfg.Gateway.AllowedChatIDs, cfg.Gateway.PollTimeoutSec, bus.New(1))
			if err != nil {
				return infraErr(err)
			}
			if err := ch.SyncCommandMenu(cmd.Context()); err != nil {
				return infraErr(err)
			}
			fmt.Println("command menu registered")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Print the bot identity Telegram reports for the configured token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			token := resolveTelegramToken(&tokenConfig{cfg.Gateway.TelegramToken, cfg.Gateway.TelegramTokenEnv})
			if token == "" {
				return userErr(fmt.Errorf("no telegram token configured (gateway.telegramToken or gateway.telegramTokenEnv)"))
			}
			ch, err := telegram.New(token, cfg.Gateway.AllowedChatIDs, cfg.Gateway.PollTimeoutSec, bus.New(1))
			if err != nil {
				return infraErr(err)
			}
			me, err := ch.WhoAmI(cmd.Context())
			if err != nil {
				return infraErr(err)
			}
			fmt.Printf("id=%d username=@%s firstName=%q\n", me.ID, me.Username, me.FirstName)
			return nil
		},
	})

	return root
}
