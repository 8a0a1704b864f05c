package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal/cmd/fixtures"
	"github.com/turbolytics/tabulator/internal/cmd/schema"
	"github.com/turbolytics/tabulator/internal/config"
)

func NewRootCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "tabulator",
		Short: "Resumable ingestion of paginated statistical datasets",
		Long: `tabulator fetches statistical datasets page by page, maps them onto
domain schemas, validates them, writes parquet and registers the result
as a partition of a queryable table.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "tabulator.yml", "Path to config file")

	cmd.AddCommand(newIngestCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newQueryCommand())
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(schema.NewCommand())
	cmd.AddCommand(fixtures.NewCommand())

	return cmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cmd := NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadRuntime reads the config named by --config and builds its components.
func loadRuntime(cmd *cobra.Command, name string, opts ...config.InitOption) (*config.Runtime, *zap.Logger, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}
	c, err := config.NewFromFile(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(c.Global)
	if err != nil {
		return nil, nil, err
	}
	l := logger.Named(name)

	rt, err := config.Initialize(cmd.Context(), c, append([]config.InitOption{config.WithLogger(l)}, opts...)...)
	if err != nil {
		logger.Sync()
		return nil, nil, err
	}
	return rt, l, nil
}
