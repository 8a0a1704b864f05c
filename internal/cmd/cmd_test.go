package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"text/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbolytics/tabulator/internal/estat"
)

const configTemplate = `
global:
  logger:
    level: error
source:
  endpoint: {{ .Endpoint }}
  app_id: test
  page_limit: 40
retry:
  max_attempts: 2
  base_delay: 1ms
repository:
  type: local
  path: {{ .Dir }}/artifacts
catalog:
  type: local
  path: {{ .Dir }}/catalog.json
state:
  type: filesystem
  path: {{ .Dir }}/state
`

func writeConfig(t *testing.T, endpoint string) string {
	t.Helper()
	dir := t.TempDir()
	tmpl := template.Must(template.New("config").Parse(configTemplate))

	var buf bytes.Buffer
	require.NoError(t, tmpl.Execute(&buf, map[string]string{"Endpoint": endpoint, "Dir": dir}))

	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runContext(t, context.Background(), args...)
}

func runContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestIngestStatusQuery(t *testing.T) {
	fake := estat.NewFakeServer(map[string]int{"0003448237": 100})
	ts := httptest.NewServer(fake.Routes())
	defer ts.Close()
	configPath := writeConfig(t, ts.URL)

	out, err := run(t, "ingest", "-c", configPath, "-d", "0003448237", "--domain", "population")
	require.NoError(t, err, out)
	assert.Contains(t, out, "0003448237 FETCHING")
	assert.Contains(t, out, "0003448237 LOADING")
	assert.Contains(t, out, "dataset 0003448237 (population): SUCCEEDED")
	assert.Equal(t, 3, fake.Requests())

	// a second run is a no-op
	out, err = run(t, "ingest", "-c", configPath, "-d", "0003448237", "--domain", "population")
	require.NoError(t, err, out)
	assert.NotContains(t, out, "FETCHING")
	assert.Equal(t, 3, fake.Requests())

	out, err = run(t, "status", "-c", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "0003448237")
	assert.Contains(t, out, "SUCCEEDED")

	out, err = run(t, "query", "-c", configPath, "SELECT COUNT(*) FROM estat_population")
	require.NoError(t, err)
	assert.Contains(t, out, "100")

	_, err = run(t, "query", "-c", configPath, "DELETE FROM estat_population")
	assert.Error(t, err)
}

func TestIngestFailureReturnsError(t *testing.T) {
	fake := estat.NewFakeServer(map[string]int{"0003448237": 10})
	ts := httptest.NewServer(fake.Routes())
	defer ts.Close()
	configPath := writeConfig(t, ts.URL)

	out, err := run(t, "ingest", "-c", configPath, "-d", "0000000000", "--domain", "population")
	require.Error(t, err)
	assert.Contains(t, out, "FAILED(FETCHING)")

	_, err = run(t, "ingest", "-c", configPath, "-d", "0003448237", "--domain", "unknown")
	assert.Error(t, err)
}

func TestIngestStopsOnCancel(t *testing.T) {
	fake := estat.NewFakeServer(map[string]int{"0003448237": 100})
	ts := httptest.NewServer(fake.Routes())
	defer ts.Close()
	configPath := writeConfig(t, ts.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := runContext(t, ctx, "ingest", "-c", configPath, "-d", "0003448237", "--domain", "population")
	require.Error(t, err)
	assert.Contains(t, out, "FAILED(FETCHING)")
	assert.Contains(t, out, "kind=cancellation")
	assert.Equal(t, 0, fake.Requests())

	// the interrupted run resumes cleanly
	out, err = run(t, "ingest", "-c", configPath, "-d", "0003448237", "--domain", "population")
	require.NoError(t, err, out)
	assert.Contains(t, out, "SUCCEEDED")
}

func TestSchemaCommands(t *testing.T) {
	out, err := run(t, "schema", "list", "-c", "")
	require.NoError(t, err)
	assert.Contains(t, out, "population\testat_population")
	assert.Contains(t, out, "labor")

	out, err = run(t, "schema", "parquet", "population", "-c", "")
	require.NoError(t, err)
	assert.Contains(t, out, "name=population, type=INT64")

	out, err = run(t, "schema", "show", "labor", "-c", "")
	require.NoError(t, err)
	assert.Contains(t, out, "name: labor")
}
