package schema

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/turbolytics/tabulator/internal/config"
	domain "github.com/turbolytics/tabulator/internal/schema"
)

func NewCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "schema",
		Short: "Inspects domain mappings and the parquet schemas they produce",
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newParquetCommand())

	return cmd
}

// registry returns the built-in domains plus any defined in the config file.
// A missing config file is not an error.
func registry(cmd *cobra.Command) (*domain.Registry, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		return domain.DefaultRegistry(), nil
	}
	c, err := config.NewFromFile(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.DefaultRegistry(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", configPath, err)
	}
	return domain.NewRegistry(append(domain.Builtins(), c.Domains...)...)
}
