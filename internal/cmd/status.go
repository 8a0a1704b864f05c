package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/turbolytics/tabulator/internal/pipeline"
)

func newStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status [dataset_id]",
		Short: "Shows persisted ingestion state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, l, err := loadRuntime(cmd, "tabulator.status")
			if err != nil {
				return err
			}
			defer l.Sync()
			defer rt.Close(cmd.Context())

			var states []*pipeline.State
			if len(args) == 1 {
				st, err := rt.Store.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if st == nil {
					return fmt.Errorf("no ingestion state for dataset %s", args[0])
				}
				states = append(states, st)
			} else {
				if states, err = rt.Store.List(cmd.Context()); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(states)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DATASET\tDOMAIN\tSTAGE\tRECORDS\tUPDATED")
			for _, st := range states {
				records := "-"
				if a, ok := st.Artifacts[pipeline.StageFetched]; ok {
					records = fmt.Sprint(a.RecordCount)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					st.DatasetID, st.Domain, st.Describe(), records, st.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print full state documents as JSON")
	return cmd
}
