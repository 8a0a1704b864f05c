package schema

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/turbolytics/tabulator/internal/parquet"
)

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists the known domains and their tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := registry(cmd)
			if err != nil {
				return err
			}
			for _, name := range r.Names() {
				d, err := r.Lookup(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d fields\n", d.Name, d.TableName(), len(d.Fields))
			}
			return nil
		},
	}
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <domain>",
		Short: "Prints a domain mapping as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := registry(cmd)
			if err != nil {
				return err
			}
			d, err := r.Lookup(args[0])
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(d)
		},
	}
}

func newParquetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "parquet <domain>",
		Short: "Prints the parquet schema written for a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := registry(cmd)
			if err != nil {
				return err
			}
			d, err := r.Lookup(args[0])
			if err != nil {
				return err
			}
			s, err := parquet.FromDomain(d).JSON()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	}
}
