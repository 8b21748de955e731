package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/sergiochan/openpocket/internal/bus"
	"github.com/sergiochan/openpocket/internal/dashboard"
)

func dashboardCmd() *cobra.Command {
	root := &cobra.Command{Use: "dashboard", Short: "Runtime dashboard operations"}

	var host string
	var port int
	start := &cobra.Command{
		Use:   "start",
		Short: "Serve the read-only runtime dashboard and emulator controls",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, roots, err := bootstrap()
			if err != nil {
				return err
			}
			collab := buildCollaborators(cfg, roots)

			// Standalone mode: no integrated Chat Gateway to report status
			// from, so dashboard.Server falls back to scanning for a
			// sibling `gateway start` process (§4.13).
			dash := dashboard.New(collab.Adb, collab.Emulator, bus.New(64), nil)

			ctx := cmd.Context()
			go dash.BroadcastEvents(ctx)

			addr := fmt.Sprintf("%s:%d", host, port)
			srv := &http.Server{Addr: addr, Handler: dash.Mux()}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			fmt.Printf("dashboard listening on %s\n", addr)
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := newShutdownContext()
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
				return nil
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return infraErr(err)
				}
				return nil
			}
		},
	}
	start.Flags().StringVar(&host, "host", "127.0.0.1", "listen host")
	start.Flags().IntVar(&port, "port", 8765, "listen port")
	root.AddCommand(start)
	return root
}

func newShutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
