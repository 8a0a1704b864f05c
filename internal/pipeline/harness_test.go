package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/catalog"
	"github.com/turbolytics/tabulator/internal/estat"
	"github.com/turbolytics/tabulator/internal/fetcher"
	"github.com/turbolytics/tabulator/internal/local"
	"github.com/turbolytics/tabulator/internal/parquet"
	"github.com/turbolytics/tabulator/internal/quality"
	"github.com/turbolytics/tabulator/internal/retry"
	"github.com/turbolytics/tabulator/internal/schema"
)

// memSource serves estat style records from memory.
type memSource struct {
	mu     sync.Mutex
	total  int
	mutate func(i int, r internal.RawRecord)
	err    error
	calls  int
}

func (s *memSource) Fetch(ctx context.Context, datasetID string, offset, limit int) (*fetcher.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	end := offset + limit
	if end > s.total {
		end = s.total
	}
	page := &fetcher.Page{TotalCount: &s.total}
	for i := offset; i < end; i++ {
		r := internal.RawRecord(estat.FakeRecord(i))
		if s.mutate != nil {
			s.mutate(i, r)
		}
		page.Records = append(page.Records, r)
	}
	page.ReturnedCount = len(page.Records)
	return page, nil
}

func (s *memSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type countingMapper struct {
	Transformer
	calls int
}

func (m *countingMapper) Transform(ctx context.Context, a internal.Artifact, domain string) ([]*internal.Record, error) {
	m.calls++
	return m.Transformer.Transform(ctx, a, domain)
}

// flakyEncoder fails its first failures calls with a non retryable error.
type flakyEncoder struct {
	Encoder
	failures int
	calls    int
}

func (e *flakyEncoder) Write(ctx context.Context, d schema.Domain, datasetID string, records []*internal.Record) (internal.Artifact, int, error) {
	e.calls++
	if e.failures > 0 {
		e.failures--
		return internal.Artifact{}, 0, internal.NewError(internal.KindStorage, "put", errors.New("bucket unavailable"))
	}
	return e.Encoder.Write(ctx, d, datasetID, records)
}

type countingLoader struct {
	Loader
	calls int
}

func (l *countingLoader) Load(ctx context.Context, table string, a internal.Artifact) (*catalog.LoadResult, error) {
	l.calls++
	return l.Loader.Load(ctx, table, a)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(ctx context.Context, e Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) stages() []Stage {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Stage, len(n.events))
	for i, e := range n.events {
		out[i] = e.Stage
	}
	return out
}

// flakyStore fails its first failures saves with a transient error.
type flakyStore struct {
	*FilesystemStore
	mu       sync.Mutex
	failures int
	saves    int
}

func (s *flakyStore) Save(ctx context.Context, state *State) error {
	s.mu.Lock()
	s.saves++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return internal.StorageError("save", errors.New("connection reset by peer"))
	}
	return s.FilesystemStore.Save(ctx, state)
}

type harness struct {
	source   *memSource
	registry *schema.Registry
	repo     *local.Repository
	catalog  *catalog.FileCatalog
	mapper   *countingMapper
	encoder  *flakyEncoder
	loader   *countingLoader
	store    *FilesystemStore
	saver    *flakyStore
	notifier *recordingNotifier
	orch     *Orchestrator
}

func newHarness(t *testing.T, total int) *harness {
	t.Helper()
	dir := t.TempDir()
	noSleep := retry.WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() })
	retrier := retry.New(retry.Policy{MaxAttempts: 3}, noSleep)

	h := &harness{
		source:   &memSource{total: total},
		registry: schema.DefaultRegistry(),
		repo:     local.New(filepath.Join(dir, "data")),
		store:    NewFilesystemStore(filepath.Join(dir, "state"), nil),
		notifier: &recordingNotifier{},
	}
	h.catalog = catalog.NewFileCatalog(filepath.Join(dir, "catalog.json"), h.repo)
	h.mapper = &countingMapper{Transformer: schema.NewMapper(h.registry, h.repo, retrier)}
	h.encoder = &flakyEncoder{Encoder: parquet.New(h.repo, retrier)}
	h.loader = &countingLoader{Loader: catalog.NewLoader(h.catalog, h.repo, retrier)}
	h.saver = &flakyStore{FilesystemStore: h.store}

	h.orch = New(Components{
		Registry:  h.registry,
		Fetcher:   fetcher.New(h.source, h.repo, retrier, fetcher.WithPageLimit(100)),
		Mapper:    h.mapper,
		Validator: quality.New(h.registry),
		Stager:    NewStager(h.repo, retrier),
		Writer:    h.encoder,
		Loader:    h.loader,
	}, h.saver, WithNotifier(h.notifier), WithRetrier(retrier))
	return h
}

func (h *harness) rowCount(t *testing.T, table string) int64 {
	t.Helper()
	rows, err := h.catalog.Query(context.Background(), "SELECT COUNT(*) FROM "+table)
	require.NoError(t, err)
	return rows.Values[0][0].(int64)
}

func request(id string) internal.DatasetRequest {
	return internal.DatasetRequest{DatasetID: id, Domain: "population"}
}
