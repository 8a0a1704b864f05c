package config

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/estat"
	"github.com/turbolytics/tabulator/internal/pipeline"
)

func TestNewFromFile(t *testing.T) {
	t.Run("local config", func(t *testing.T) {
		c, err := NewFromFile("../../dev/examples/tabulator.yml")
		require.NoError(t, err)
		assert.Equal(t, "local", c.Repository.Type)
		assert.Equal(t, 30*time.Second, c.Source.Timeout)
		assert.Equal(t, 500*time.Millisecond, c.Retry.BaseDelay)
		assert.Equal(t, 5, c.Retry.MaxAttempts)
		require.Len(t, c.Domains, 1)
		assert.Equal(t, "households", c.Domains[0].Name)
	})

	t.Run("aws config", func(t *testing.T) {
		c, err := NewFromFile("../../dev/examples/tabulator.aws.yml")
		require.NoError(t, err)
		assert.Equal(t, "glue", c.Catalog.Type)
		assert.Equal(t, 2*time.Second, c.Catalog.PollInterval)
		assert.Equal(t, "mongo", c.State.Type)
		assert.Equal(t, "kafka", c.Events.Type)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewFromFile("does-not-exist.yml")
		assert.Error(t, err)
	})
}

func TestDefaults(t *testing.T) {
	c, err := New([]byte("source:\n  app_id: abc\n"))
	require.NoError(t, err)
	assert.Equal(t, "info", c.Global.Logger.Level)
	assert.Equal(t, "local", c.Repository.Type)
	assert.Equal(t, "data/catalog.json", c.Catalog.Path)
	assert.Equal(t, "filesystem", c.State.Type)
	assert.Equal(t, "none", c.Events.Type)
	assert.Equal(t, ":8080", c.Server.Addr)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TABULATOR_SOURCE_APP_ID", "from-env")
	t.Setenv("TABULATOR_CATALOG_TYPE", "postgres")
	t.Setenv("TABULATOR_CATALOG_CONNECTION_STRING", "postgres://localhost/tabulator")

	c, err := New([]byte("source:\n  app_id: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.Source.AppID)
	assert.Equal(t, "postgres", c.Catalog.Type)
	assert.Equal(t, "postgres://localhost/tabulator", c.Catalog.ConnectionString)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name string
		yml  string
	}{
		{"unknown repository", "repository:\n  type: gcs\n"},
		{"s3 without bucket", "repository:\n  type: s3\n"},
		{"glue without database", "catalog:\n  type: glue\n"},
		{"postgres without dsn", "catalog:\n  type: postgres\n"},
		{"mongo without uri", "state:\n  type: mongo\n"},
		{"kafka without uri", "events:\n  type: kafka\n"},
		{"invalid domain", "domains:\n  - name: broken\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New([]byte(tc.yml))
			assert.Error(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(Global{Logger: Logger{Level: "warn"}})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewLogger(Global{Logger: Logger{Level: "loud"}})
	assert.Error(t, err)
}

func TestInitializeLocal(t *testing.T) {
	fake := estat.NewFakeServer(map[string]int{"0003448237": 120})
	ts := httptest.NewServer(fake.Routes())
	defer ts.Close()

	dir := t.TempDir()
	c, err := New([]byte(`
source:
  endpoint: ` + ts.URL + `
  app_id: test
  page_limit: 50
retry:
  max_attempts: 2
  base_delay: 1ms
repository:
  type: local
  path: ` + filepath.Join(dir, "artifacts") + `
catalog:
  type: local
  path: ` + filepath.Join(dir, "catalog.json") + `
state:
  type: filesystem
  path: ` + filepath.Join(dir, "state") + `
domains:
  - name: households
    fields:
      - name: area_code
        type: string
        source: "@area"
        required: true
      - name: households
        type: int
        source: "$"
`))
	require.NoError(t, err)

	ctx := context.Background()
	rt, err := Initialize(ctx, c)
	require.NoError(t, err)
	defer rt.Close(ctx)

	assert.Contains(t, rt.Registry.Names(), "households")

	st, err := rt.Orchestrator.Ingest(ctx, internal.DatasetRequest{
		DatasetID: "0003448237",
		Domain:    "population",
	}, pipeline.IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageSucceeded, st.Stage)
	assert.Equal(t, 3, fake.Requests())

	rows, err := rt.Catalog.Query(ctx, "SELECT COUNT(*) FROM estat_population")
	require.NoError(t, err)
	assert.Equal(t, int64(120), rows.Values[0][0])
}
