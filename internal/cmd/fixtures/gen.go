package fixtures

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/turbolytics/tabulator/internal/estat"
)

func newGenerateCommand() *cobra.Command {
	var (
		records int
		output  string
	)

	var cmd = &cobra.Command{
		Use:   "generate",
		Short: "Writes synthetic raw records as a JSON array",
		RunE: func(cmd *cobra.Command, args []string) error {
			if records < 0 {
				return fmt.Errorf("records must be non-negative")
			}
			rows := make([]map[string]any, records)
			for i := range rows {
				rows[i] = estat.FakeRecord(i)
			}

			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}

			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(rows); err != nil {
				return err
			}
			if output != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d records to %s\n", records, output)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&records, "records", "r", 10, "Number of records to generate")
	cmd.Flags().StringVarP(&output, "output", "o", "", "File to write, defaults to stdout")
	return cmd
}
