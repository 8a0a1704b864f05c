package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/retry"
)

// stagedDocument is the normalized-json artifact payload.
type stagedDocument struct {
	DatasetID string   `json:"dataset_id"`
	Domain    string   `json:"domain"`
	Fields    []string `json:"fields"`
	Rows      [][]any  `json:"rows"`
}

// Stager persists transformed records so later stages can resume without
// mapping again.
type Stager struct {
	repository internal.Repository
	retrier    *retry.Retrier
}

func NewStager(repository internal.Repository, retrier *retry.Retrier) *Stager {
	return &Stager{repository: repository, retrier: retrier}
}

func (s *Stager) Put(ctx context.Context, datasetID, domain string, records []*internal.Record, now time.Time) (internal.Artifact, error) {
	doc := stagedDocument{
		DatasetID: datasetID,
		Domain:    domain,
		Fields:    []string{},
		Rows:      make([][]any, len(records)),
	}
	for i, r := range records {
		if i == 0 {
			doc.Fields = r.Fields()
		}
		doc.Rows[i] = r.Values()
	}
	bs, err := json.Marshal(doc)
	if err != nil {
		return internal.Artifact{}, fmt.Errorf("encoding staged records: %w", err)
	}

	generation := internal.NewGeneration(now)
	key := internal.ArtifactKey(internal.NamespaceStaged, datasetID, generation, domain+".json")
	location, err := retry.Do(ctx, s.retrier, "put "+key, func(ctx context.Context) (string, error) {
		return s.repository.Put(ctx, key, bs)
	})
	if err != nil {
		return internal.Artifact{}, fmt.Errorf("persisting staged records: %w", err)
	}
	return internal.Artifact{
		Location:    location,
		Key:         key,
		ByteSize:    int64(len(bs)),
		ContentKind: internal.ContentNormalizedJSON,
		RecordCount: len(records),
		Generation:  generation,
		CreatedAt:   now.UTC(),
	}, nil
}

func (s *Stager) Get(ctx context.Context, artifact internal.Artifact) ([]*internal.Record, error) {
	if artifact.ContentKind != internal.ContentNormalizedJSON {
		return nil, internal.NewError(internal.KindSchema, "read staged records",
			fmt.Errorf("artifact %s is %s, expected %s", artifact.Location, artifact.ContentKind, internal.ContentNormalizedJSON))
	}
	bs, err := retry.Do(ctx, s.retrier, "get "+artifact.Location, func(ctx context.Context) ([]byte, error) {
		return s.repository.Get(ctx, artifact.Location)
	})
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(bs))
	dec.UseNumber()
	var doc stagedDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, internal.NewError(internal.KindSchema, "decode staged records", err)
	}

	records := make([]*internal.Record, len(doc.Rows))
	for i, row := range doc.Rows {
		if len(row) != len(doc.Fields) {
			return nil, internal.NewError(internal.KindSchema, "decode staged records",
				fmt.Errorf("row %d has %d values for %d fields", i, len(row), len(doc.Fields)))
		}
		for j, v := range row {
			if n, ok := v.(json.Number); ok {
				iv, err := n.Int64()
				if err != nil {
					return nil, internal.NewError(internal.KindSchema, "decode staged records",
						fmt.Errorf("row %d field %s: %w", i, doc.Fields[j], err))
				}
				row[j] = iv
			}
		}
		records[i] = internal.NewRecord(doc.Fields, row)
	}
	return records, nil
}
