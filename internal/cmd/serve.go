package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/turbolytics/tabulator/internal/server"
)

func newServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the ingestion status and trigger API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, l, err := loadRuntime(cmd, "tabulator.serve")
			if err != nil {
				return err
			}
			defer l.Sync()
			defer rt.Close(cmd.Context())

			if addr == "" {
				addr = rt.Config.Server.Addr
			}
			s := server.NewServer(rt.Orchestrator, rt.Store,
				server.WithLogger(l.Named("server")),
				server.WithCatalog(rt.Catalog),
			)
			return s.Start(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides server.addr")
	return cmd
}
