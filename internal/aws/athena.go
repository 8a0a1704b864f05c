package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/athena"
	"github.com/xwb1989/sqlparser"
	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/catalog"
)

// Query runs a read-only statement through Athena and waits for the result.
func (g *Glue) Query(ctx context.Context, sql string) (*catalog.Rows, error) {
	stmt, err := catalog.EnsureReadOnly(sql)
	if err != nil {
		return nil, err
	}

	in := &athena.StartQueryExecutionInput{
		QueryString:           aws.String(sql),
		QueryExecutionContext: &athena.QueryExecutionContext{Database: aws.String(g.Database)},
		WorkGroup:             aws.String(g.WorkGroup),
	}
	if g.QueryOutput != "" {
		in.ResultConfiguration = &athena.ResultConfiguration{OutputLocation: aws.String(g.QueryOutput)}
	}
	start, err := g.athena.StartQueryExecutionWithContext(ctx, in)
	if err != nil {
		return nil, classify("start query", err)
	}
	id := aws.StringValue(start.QueryExecutionId)
	l := g.logger.With(zap.String("query_execution_id", id))
	l.Debug("started query")

	if err := g.wait(ctx, id); err != nil {
		return nil, err
	}

	rows := &catalog.Rows{Values: [][]any{}}
	header := true
	err = g.athena.GetQueryResultsPagesWithContext(ctx, &athena.GetQueryResultsInput{
		QueryExecutionId: aws.String(id),
	}, func(page *athena.GetQueryResultsOutput, last bool) bool {
		if page.ResultSet == nil {
			return true
		}
		for _, r := range page.ResultSet.Rows {
			values := make([]any, len(r.Data))
			for i, d := range r.Data {
				if d.VarCharValue != nil {
					values[i] = *d.VarCharValue
				}
			}
			// Athena returns the column labels as the first row of a SELECT
			if header && isSelect(stmt) {
				header = false
				for _, v := range values {
					s, _ := v.(string)
					rows.Columns = append(rows.Columns, s)
				}
				continue
			}
			rows.Values = append(rows.Values, values)
		}
		return true
	})
	if err != nil {
		return nil, classify("get query results", err)
	}
	l.Debug("query finished", zap.Int("rows", len(rows.Values)))
	return rows, nil
}

func (g *Glue) wait(ctx context.Context, id string) error {
	ticker := time.NewTicker(g.PollInterval)
	defer ticker.Stop()
	for {
		out, err := g.athena.GetQueryExecutionWithContext(ctx, &athena.GetQueryExecutionInput{
			QueryExecutionId: aws.String(id),
		})
		if err != nil {
			return classify("get query execution", err)
		}
		if out.QueryExecution == nil || out.QueryExecution.Status == nil {
			return internal.NewError(internal.KindUpstream, "query", fmt.Errorf("query %s has no status", id))
		}
		status := out.QueryExecution.Status
		switch aws.StringValue(status.State) {
		case athena.QueryExecutionStateSucceeded:
			return nil
		case athena.QueryExecutionStateFailed, athena.QueryExecutionStateCancelled:
			return internal.NewError(internal.KindUpstream, "query",
				fmt.Errorf("query %s %s: %s", id, aws.StringValue(status.State), aws.StringValue(status.StateChangeReason)))
		}

		select {
		case <-ctx.Done():
			return internal.NewError(internal.KindCancellation, "query", ctx.Err())
		case <-ticker.C:
		}
	}
}

func isSelect(stmt sqlparser.Statement) bool {
	switch stmt.(type) {
	case *sqlparser.Select, *sqlparser.Union, *sqlparser.ParenSelect:
		return true
	}
	return false
}
