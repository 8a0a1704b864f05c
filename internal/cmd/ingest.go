package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/config"
	"github.com/turbolytics/tabulator/internal/pipeline"
)

func newIngestCommand() *cobra.Command {
	var (
		req          internal.DatasetRequest
		totalRecords int
		opts         pipeline.IngestOptions
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Runs or resumes the ingestion of one dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			rt, l, err := loadRuntime(cmd, "tabulator.ingest",
				config.WithNotifier(pipeline.NewWriterNotifier(out)))
			if err != nil {
				return err
			}
			defer l.Sync()
			defer rt.Close(cmd.Context())

			if cmd.Flags().Changed("total") {
				req.TotalRecords = &totalRecords
			}

			l.Info("starting ingestion",
				zap.String("dataset_id", req.DatasetID),
				zap.String("domain", req.Domain))

			st, err := rt.Orchestrator.Ingest(ctx, req, opts)
			if st != nil {
				printOutcome(out, st)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&req.DatasetID, "dataset-id", "d", "", "Dataset id to ingest")
	cmd.Flags().StringVar(&req.Domain, "domain", "", "Domain the dataset maps onto")
	cmd.Flags().IntVar(&totalRecords, "total", 0, "Expected record count; the source-reported total takes precedence once known")
	cmd.Flags().BoolVar(&opts.Override, "override", false, "Continue past a failed quality gate")
	cmd.Flags().BoolVar(&opts.Revalidate, "revalidate", false, "Re-run transform and validation from the fetched artifact")
	cmd.Flags().BoolVar(&opts.Reset, "reset", false, "Discard persisted state and start a new generation")
	cmd.MarkFlagRequired("dataset-id")
	cmd.MarkFlagRequired("domain")

	return cmd
}

func printOutcome(w io.Writer, st *pipeline.State) {
	fmt.Fprintf(w, "dataset %s (%s): %s\n", st.DatasetID, st.Domain, st.Describe())
	for _, d := range st.Discrepancies {
		fmt.Fprintf(w, "  warning: %s\n", d)
	}
	if st.SkippedRecords > 0 {
		fmt.Fprintf(w, "  warning: skipped %d raw records without any mapped field\n", st.SkippedRecords)
	}
	if st.Report != nil {
		for _, issue := range st.Report.Issues {
			fmt.Fprintf(w, "  %s %s(%s): %s\n", issue.Severity, issue.Check, issue.Field, issue.Message)
		}
	}
	if st.Stage == pipeline.StageFailed && st.LastError != nil {
		fmt.Fprintf(w, "  stage=%s kind=%s\n", st.LastError.Stage, st.LastError.Kind)
		if st.LastError.Detail != "" {
			fmt.Fprintf(w, "  detail: %s\n", st.LastError.Detail)
		}
		if st.LastError.Kind == internal.KindValidation {
			fmt.Fprintln(w, "  rerun with --override to load anyway, or --revalidate after fixing the domain")
		}
	}
}

