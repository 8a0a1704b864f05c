package postgres

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/catalog"
	"github.com/turbolytics/tabulator/internal/local"
	"github.com/turbolytics/tabulator/internal/parquet"
	"github.com/turbolytics/tabulator/internal/retry"
	"github.com/turbolytics/tabulator/internal/schema"
)

func TestCreateTableSQL(t *testing.T) {
	ddl, err := createTableSQL("estat_population", []parquet.Column{
		{Name: "area_code", DataType: parquet.ColumnString},
		{Name: "population", DataType: parquet.ColumnBigint},
	})
	require.NoError(t, err)
	assert.Contains(t, ddl, `CREATE TABLE IF NOT EXISTS "estat_population"`)
	assert.Contains(t, ddl, `"area_code" TEXT`)
	assert.Contains(t, ddl, `"population" BIGINT`)
	assert.Contains(t, ddl, `"generation" TEXT NOT NULL`)

	_, err = createTableSQL("bad name", nil)
	assert.Error(t, err)
	_, err = createTableSQL("t", []parquet.Column{{Name: "x", DataType: "float"}})
	assert.Error(t, err)
}

func TestIntegrationPostgresCatalog(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16",
		tcpostgres.WithDatabase("test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate pgContainer: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	repo := local.New(filepath.Join(t.TempDir(), "data"))
	c, err := New(ctx, connStr, repo)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	retrier := retry.New(retry.Policy{})
	d, err := schema.DefaultRegistry().Lookup("population")
	require.NoError(t, err)
	records := make([]*internal.Record, 12)
	for i := range records {
		records[i] = internal.NewRecord(d.FieldNames(), []any{
			"020", "001", "010", "13101", "2020", "000000", "人", int64(i),
		})
	}
	artifact, _, err := parquet.New(repo, retrier).Write(ctx, d, "0002070002", records)
	require.NoError(t, err)

	loader := catalog.NewLoader(c, repo, retrier)
	res, err := loader.Load(ctx, "estat_population", artifact)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Registered)

	res, err = loader.Load(ctx, "estat_population", artifact)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.False(t, res.Registered)

	rows, err := c.Query(ctx, "SELECT COUNT(*) FROM estat_population")
	require.NoError(t, err)
	require.Len(t, rows.Values, 1)
	assert.EqualValues(t, 12, rows.Values[0][0])

	partitions, err := c.Partitions(ctx, "estat_population")
	require.NoError(t, err)
	require.Len(t, partitions, 1)
	assert.Equal(t, "0002070002", partitions[0].Values[catalog.PartitionDatasetID])

	_, err = c.Query(ctx, "DELETE FROM estat_population")
	assert.ErrorIs(t, err, catalog.ErrReadOnly)
}
