// Package fetcher assembles a complete raw record set from a paginated source.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/retry"
)

// DefaultPageLimit is the largest page the e-Stat API serves per request.
const DefaultPageLimit = 100000

// Page is one response from the source.
type Page struct {
	Records       []internal.RawRecord
	ReturnedCount int
	// TotalCount is nil when the source does not report a total.
	TotalCount *int
}

// Source is the upstream statistics API.
type Source interface {
	Fetch(ctx context.Context, datasetID string, offset, limit int) (*Page, error)
}

// Chunk describes one contiguous page of the fetched record set.
type Chunk struct {
	StartOffset int `json:"start_offset"`
	Count       int `json:"count"`
}

// RawDocument is the persisted raw-json artifact payload.
type RawDocument struct {
	DatasetID  string               `json:"dataset_id"`
	Domain     string               `json:"domain"`
	FetchedAt  time.Time            `json:"fetched_at"`
	TotalCount *int                 `json:"total_count,omitempty"`
	Chunks     []Chunk              `json:"chunks"`
	Records    []internal.RawRecord `json:"records"`
}

// Result is the outcome of a complete fetch.
type Result struct {
	Artifact    internal.Artifact
	RecordCount int
	TotalCount  *int
	Chunks      []Chunk
	// Discrepancies lists total count disagreements observed during the fetch.
	Discrepancies []string
}

type Option func(*Fetcher)

func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		f.logger = l
	}
}

func WithPageLimit(limit int) Option {
	return func(f *Fetcher) {
		if limit > 0 {
			f.limit = limit
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		f.now = now
	}
}

type Fetcher struct {
	source     Source
	repository internal.Repository
	retrier    *retry.Retrier
	limit      int
	logger     *zap.Logger
	now        func() time.Time
}

func New(source Source, repository internal.Repository, retrier *retry.Retrier, opts ...Option) *Fetcher {
	f := &Fetcher{
		source:     source,
		repository: repository,
		retrier:    retrier,
		limit:      DefaultPageLimit,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fetcher) PageLimit() int {
	return f.limit
}

// Fetch retrieves every record of the dataset starting at startOffset and
// persists them as a single raw-json artifact. Nothing is persisted unless
// every page was retrieved.
func (f *Fetcher) Fetch(ctx context.Context, req internal.DatasetRequest, startOffset int) (*Result, error) {
	if startOffset < 0 {
		return nil, fmt.Errorf("start offset must be non-negative, got %d", startOffset)
	}

	l := f.logger.With(zap.String("dataset_id", req.DatasetID))

	var (
		records       []internal.RawRecord
		chunks        []Chunk
		total         = req.TotalRecords
		sourceTotal   *int
		discrepancies []string
		offset        = startOffset
	)

	for {
		// the first page is always requested so the source can report its total
		if len(chunks) > 0 && total != nil && offset >= *total {
			break
		}

		pageOffset := offset
		page, err := retry.Do(ctx, f.retrier, fmt.Sprintf("fetch %s@%d", req.DatasetID, pageOffset),
			func(ctx context.Context) (*Page, error) {
				return f.source.Fetch(ctx, req.DatasetID, pageOffset, f.limit)
			},
		)
		if err != nil {
			return nil, fmt.Errorf("fetching page at offset %d: %w", pageOffset, err)
		}

		returned := len(page.Records)
		if page.ReturnedCount != returned {
			l.Warn("source returned count disagrees with page size",
				zap.Int("offset", pageOffset),
				zap.Int("returned_count", page.ReturnedCount),
				zap.Int("records", returned),
			)
		}

		if page.TotalCount != nil {
			if sourceTotal != nil && *sourceTotal != *page.TotalCount {
				msg := fmt.Sprintf("source total changed from %d to %d at offset %d", *sourceTotal, *page.TotalCount, pageOffset)
				discrepancies = append(discrepancies, msg)
				l.Warn("source total changed during pagination",
					zap.Int("offset", pageOffset),
					zap.Int("previous_total", *sourceTotal),
					zap.Int("total", *page.TotalCount),
				)
			}
			t := *page.TotalCount
			if sourceTotal == nil && req.TotalRecords != nil && *req.TotalRecords != t {
				msg := fmt.Sprintf("requested total_records %d differs from the source total %d", *req.TotalRecords, t)
				discrepancies = append(discrepancies, msg)
				l.Warn("total records hint overridden by source",
					zap.Int("hint", *req.TotalRecords),
					zap.Int("total", t),
				)
			}
			sourceTotal = &t
			// the source's own total always bounds the fetch once known
			total = sourceTotal
		}

		l.Debug("fetched page",
			zap.Int("offset", pageOffset),
			zap.Int("returned", returned),
		)

		if returned == 0 {
			break
		}

		records = append(records, page.Records...)
		chunks = append(chunks, Chunk{StartOffset: pageOffset, Count: returned})
		offset += returned

		if returned < f.limit {
			break
		}
	}

	fetched := offset - startOffset
	expected := total
	if sourceTotal != nil {
		expected = sourceTotal
	}
	if expected != nil && *expected-startOffset != fetched {
		subject := "source reported"
		if sourceTotal == nil {
			subject = "request expected"
		}
		var msg string
		if fetched < *expected-startOffset {
			msg = fmt.Sprintf("%s %d records but stopped returning records after %d from offset %d", subject, *expected, fetched, startOffset)
		} else {
			msg = fmt.Sprintf("%s %d records but returned %d from offset %d", subject, *expected, fetched, startOffset)
		}
		discrepancies = append(discrepancies, msg)
		l.Warn("record count discrepancy",
			zap.Int("expected", *expected),
			zap.Int("fetched", fetched),
			zap.Int("start_offset", startOffset),
		)
	}

	now := f.now()
	doc := RawDocument{
		DatasetID:  req.DatasetID,
		Domain:     req.Domain,
		FetchedAt:  now.UTC(),
		TotalCount: expected,
		Chunks:     chunks,
		Records:    records,
	}
	if doc.Records == nil {
		doc.Records = []internal.RawRecord{}
	}
	bs, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding raw artifact: %w", err)
	}

	generation := internal.NewGeneration(now)
	key := internal.ArtifactKey(internal.NamespaceRaw, req.DatasetID, generation, "records.json")
	location, err := retry.Do(ctx, f.retrier, "put "+key, func(ctx context.Context) (string, error) {
		return f.repository.Put(ctx, key, bs)
	})
	if err != nil {
		return nil, fmt.Errorf("persisting raw artifact: %w", err)
	}

	l.Info("fetched dataset",
		zap.Int("records", len(records)),
		zap.Int("pages", len(chunks)),
		zap.String("location", location),
	)

	return &Result{
		Artifact: internal.Artifact{
			Location:    location,
			Key:         key,
			ByteSize:    int64(len(bs)),
			ContentKind: internal.ContentRawJSON,
			RecordCount: len(records),
			Generation:  generation,
			CreatedAt:   now.UTC(),
		},
		RecordCount:   len(records),
		TotalCount:    expected,
		Chunks:        chunks,
		Discrepancies: discrepancies,
	}, nil
}

// ReadRaw loads and decodes a raw-json artifact.
func ReadRaw(ctx context.Context, repository internal.Repository, retrier *retry.Retrier, location string) (*RawDocument, error) {
	bs, err := retry.Do(ctx, retrier, "get "+location, func(ctx context.Context) ([]byte, error) {
		return repository.Get(ctx, location)
	})
	if err != nil {
		return nil, err
	}
	var doc RawDocument
	if err := json.Unmarshal(bs, &doc); err != nil {
		return nil, internal.NewError(internal.KindSchema, "decode raw artifact", err)
	}
	return &doc, nil
}
