package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/catalog"
	"github.com/turbolytics/tabulator/internal/local"
	"github.com/turbolytics/tabulator/internal/pipeline"
)

// blockingIngester records requests and holds each run until release is closed.
type blockingIngester struct {
	store   pipeline.StateStore
	release chan struct{}

	mu   sync.Mutex
	reqs []internal.DatasetRequest
	opts []pipeline.IngestOptions
}

func (b *blockingIngester) Ingest(ctx context.Context, req internal.DatasetRequest, opts pipeline.IngestOptions) (*pipeline.State, error) {
	b.mu.Lock()
	b.reqs = append(b.reqs, req)
	b.opts = append(b.opts, opts)
	b.mu.Unlock()

	<-b.release
	st := pipeline.NewState(req, time.Now())
	st.Stage = pipeline.StageSucceeded
	return st, b.store.Save(ctx, st)
}

func newTestServer(t *testing.T) (*Server, *blockingIngester, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	store := pipeline.NewFilesystemStore(filepath.Join(dir, "state"), nil)
	ing := &blockingIngester{store: store, release: make(chan struct{})}
	cat := catalog.NewFileCatalog(filepath.Join(dir, "catalog.json"), local.New(dir))

	s := NewServer(ing, store, WithCatalog(cat))
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	return s, ing, ts
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartIngestion(t *testing.T) {
	s, ing, ts := newTestServer(t)

	resp := post(t, ts.URL+"/api/v1/ingestions",
		`{"dataset_id":"0002070002","domain":"population","override":true}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = post(t, ts.URL+"/api/v1/ingestions", `{"dataset_id":"0002070002","domain":"population"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(ing.release)
	s.Wait()

	require.Len(t, ing.reqs, 1)
	assert.Equal(t, "population", ing.reqs[0].Domain)
	assert.True(t, ing.opts[0].Override)

	got, err := http.Get(ts.URL + "/api/v1/ingestions/0002070002")
	require.NoError(t, err)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode)

	var body struct {
		Running bool            `json:"running"`
		State   *pipeline.State `json:"state"`
	}
	require.NoError(t, json.NewDecoder(got.Body).Decode(&body))
	assert.False(t, body.Running)
	assert.Equal(t, pipeline.StageSucceeded, body.State.Stage)

	list, err := http.Get(ts.URL + "/api/v1/ingestions")
	require.NoError(t, err)
	defer list.Body.Close()
	var listing struct {
		Ingestions []IngestionInfo `json:"ingestions"`
		Count      int             `json:"count"`
	}
	require.NoError(t, json.NewDecoder(list.Body).Decode(&listing))
	assert.Equal(t, 1, listing.Count)
	assert.Equal(t, "SUCCEEDED", listing.Ingestions[0].Stage)
}

func TestStartIngestionInvalid(t *testing.T) {
	_, ing, ts := newTestServer(t)
	close(ing.release)

	for _, body := range []string{`{`, `{"domain":"population"}`, `{"dataset_id":"a/b","domain":"labor"}`} {
		resp := post(t, ts.URL+"/api/v1/ingestions", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
	assert.Empty(t, ing.reqs)
}

func TestGetIngestionNotFound(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/ingestions/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQuery(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp := post(t, ts.URL+"/api/v1/query", `{"sql":"SHOW TABLES"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, ts.URL+"/api/v1/query", `{"sql":"DROP TABLE estat_population"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
