package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/catherinevee/remediator/internal/app"
)

func newServeCommand(rt *runtime) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the remediation HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := rt.base
			opts.ConfigPath = rt.v.GetString("config")
			if level := rt.v.GetString("log-level"); level != "" {
				opts.LogLevel = level
			}

			a, err := app.New(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Serve(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overriding server.addr")
	return cmd
}
