package fixtures

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal/estat"
)

func newServeCommand() *cobra.Command {
	var (
		addr     string
		datasets []string
		failures int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves synthetic getStatsData responses for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _ := zap.NewDevelopment()
			defer logger.Sync()
			l := logger.Named("fixtures.serve")

			parsed, err := parseDatasets(datasets)
			if err != nil {
				return err
			}
			fake := estat.NewFakeServer(parsed,
				estat.WithTransientFailures(failures),
				estat.WithFakeLogger(l),
			)

			logMiddleware := func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					start := time.Now()
					ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

					defer func() {
						l.Info("request",
							zap.String("method", r.Method),
							zap.String("path", r.URL.Path),
							zap.String("query", r.URL.RawQuery),
							zap.Int("status", ww.Status()),
							zap.Duration("duration", time.Since(start)),
						)
					}()

					next.ServeHTTP(ww, r)
				})
			}

			r := fake.Routes()
			srv := &http.Server{Addr: addr, Handler: logMiddleware(r)}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				srv.Close()
			}()

			l.Info("starting fixture server", zap.String("addr", addr), zap.Any("datasets", parsed))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8081", "Listen address")
	cmd.Flags().StringSliceVar(&datasets, "dataset", []string{"0003448237=250000"}, "Dataset served as id=record_count, repeatable")
	cmd.Flags().IntVar(&failures, "transient-failures", 0, "Answer the first n requests with 503")
	return cmd
}

func parseDatasets(specs []string) (map[string]int, error) {
	out := make(map[string]int, len(specs))
	for _, s := range specs {
		id, count, ok := strings.Cut(s, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("dataset %q must be id=record_count", s)
		}
		n, err := strconv.Atoi(count)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("dataset %q has an invalid record count", s)
		}
		out[id] = n
	}
	return out, nil
}
