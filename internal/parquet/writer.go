package parquet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	parquetgo "github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/retry"
	"github.com/turbolytics/tabulator/internal/schema"
)

// ColumnsMetadataKey holds the JSON encoded []Column in the file footer.
const ColumnsMetadataKey = "tabulator.columns"

type Option func(*Writer)

func WithLogger(l *zap.Logger) Option {
	return func(w *Writer) {
		w.logger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		w.now = now
	}
}

// WithParallelism sets the number of goroutines the encoder uses.
func WithParallelism(n int64) Option {
	return func(w *Writer) {
		if n > 0 {
			w.parallelism = n
		}
	}
}

type Writer struct {
	repository  internal.Repository
	retrier     *retry.Retrier
	logger      *zap.Logger
	now         func() time.Time
	parallelism int64
}

func New(repository internal.Repository, retrier *retry.Retrier, opts ...Option) *Writer {
	w := &Writer{
		repository:  repository,
		retrier:     retrier,
		logger:      zap.NewNop(),
		now:         time.Now,
		parallelism: 4,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write encodes records for the domain, verifies the encoded row count and
// stores the file under a new generation of the processed namespace.
func (w *Writer) Write(ctx context.Context, d schema.Domain, datasetID string, records []*internal.Record) (internal.Artifact, int, error) {
	l := w.logger.With(
		zap.String("dataset_id", datasetID),
		zap.String("domain", d.Name),
	)

	bs, err := w.Encode(FromDomain(d), records)
	if err != nil {
		return internal.Artifact{}, 0, err
	}

	info, err := Inspect(bs)
	if err != nil {
		return internal.Artifact{}, 0, fmt.Errorf("reading back encoded file: %w", err)
	}
	if info.Rows != int64(len(records)) {
		return internal.Artifact{}, 0, internal.NewError(internal.KindStorage, "encode",
			fmt.Errorf("encoded %d rows but received %d records", info.Rows, len(records)))
	}

	now := w.now().UTC()
	generation := internal.NewGeneration(now)
	key := internal.ArtifactKey(internal.NamespaceProcessed, datasetID, generation, d.Name+".parquet")
	location, err := retry.Do(ctx, w.retrier, "put "+key, func(ctx context.Context) (string, error) {
		return w.repository.Put(ctx, key, bs)
	})
	if err != nil {
		return internal.Artifact{}, 0, fmt.Errorf("persisting columnar artifact: %w", err)
	}

	l.Info("wrote columnar artifact",
		zap.String("location", location),
		zap.Int64("rows", info.Rows),
		zap.Int("bytes", len(bs)),
	)

	return internal.Artifact{
		Location:    location,
		Key:         key,
		ByteSize:    int64(len(bs)),
		ContentKind: internal.ContentColumnar,
		RecordCount: int(info.Rows),
		Generation:  generation,
		CreatedAt:   now,
	}, int(info.Rows), nil
}

// Encode serializes records into an in-memory Parquet file.
func (w *Writer) Encode(s Schema, records []*internal.Record) ([]byte, error) {
	def, err := s.JSON()
	if err != nil {
		return nil, err
	}
	cols, err := json.Marshal(s.Columns())
	if err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)
	pw, err := writer.NewJSONWriter(def, pfw, w.parallelism)
	if err != nil {
		return nil, fmt.Errorf("creating parquet writer: %w", err)
	}
	pw.CompressionType = parquetgo.CompressionCodec_SNAPPY

	for i, r := range records {
		row, err := s.Row(r)
		if err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return nil, internal.NewError(internal.KindSchema, "encode", fmt.Errorf("record %d: %w", i, err))
		}
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return nil, fmt.Errorf("writing record %d: %w", i, err)
		}
	}

	meta := string(cols)
	pw.Footer.KeyValueMetadata = append(pw.Footer.KeyValueMetadata, &parquetgo.KeyValue{
		Key:   ColumnsMetadataKey,
		Value: &meta,
	})
	if err := pw.WriteStop(); err != nil {
		_ = pfw.Close()
		return nil, fmt.Errorf("finalizing parquet file: %w", err)
	}
	if err := pfw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
