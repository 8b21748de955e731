package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sergiochan/openpocket/internal/humanauth/relay"
	"github.com/sergiochan/openpocket/internal/humanauth/tunnel"
)

func humanAuthRelayCmd() *cobra.Command {
	root := &cobra.Command{Use: "human-auth-relay", Short: "Human-Auth Relay operations"}

	var host, publicBaseURL, apiKey, stateFile string
	var port int
	start := &cobra.Command{
		Use:   "start",
		Short: "Serve the Human-Auth Relay, optionally behind a tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, roots, err := bootstrap()
			if err != nil {
				return err
			}

			key := apiKey
			if key == "" {
				key = resolveRelayAPIKey(cfg)
			}
			sf := stateFile
			if sf == "" {
				sf = roots.HumanAuthStateFile()
			}

			srv, err := relay.New(key, sf, publicBaseURL)
			if err != nil {
				return infraErr(fmt.Errorf("create relay: %w", err))
			}

			ctx := cmd.Context()

			if cfg.HumanAuth.TunnelBinary != "" && publicBaseURL == "" {
				addr := fmt.Sprintf("%s:%d", host, port)
				sup := tunnel.New(tunnel.Config{
					BinaryPath:     cfg.HumanAuth.TunnelBinary,
					Args:           []string{"tunnel", "--url", "http://" + addr},
					LocalHostPort:  addr,
					StartupTimeout: time.Duration(cfg.HumanAuth.TunnelStartupTimeoutSec) * time.Second,
				})
				publicURL, err := sup.Start(ctx)
				if err != nil {
					fmt.Fprintf(os.Stderr, "tunnel.start_failed: %v\n", err)
				} else {
					fmt.Printf("tunnel public url: %s\n", publicURL)
				}
				defer func() { _ = sup.Stop() }()
			}

			addr := fmt.Sprintf("%s:%d", host, port)
			httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}

			errCh := make(chan error, 1)
			go func() { errCh <- httpSrv.ListenAndServe() }()

			fmt.Printf("human-auth-relay listening on %s\n", addr)
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpSrv.Shutdown(shutdownCtx)
				return nil
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return infraErr(err)
				}
				return nil
			}
		},
	}
	start.Flags().StringVar(&host, "host", "0.0.0.0", "listen host")
	start.Flags().IntVar(&port, "port", 8088, "listen port")
	start.Flags().StringVar(&publicBaseURL, "public-base-url", "", "public base URL if already behind a reverse proxy/tunnel")
	start.Flags().StringVar(&apiKey, "api-key", "", "bearer API key (default: config's humanAuth.apiKey/apiKeyEnv)")
	start.Flags().StringVar(&stateFile, "state-file", "", "path to the relay's persisted request state (default: state/human-auth-relay/requests.json)")
	root.AddCommand(start)
	return root
}
