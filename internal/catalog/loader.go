package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/parquet"
	"github.com/turbolytics/tabulator/internal/retry"
)

type LoadResult struct {
	Table      string
	Created    bool
	Registered bool
	Partition  Partition
}

type Option func(*Loader)

func WithLogger(l *zap.Logger) Option {
	return func(lo *Loader) {
		lo.logger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(lo *Loader) {
		lo.now = now
	}
}

// Loader creates tables on first use and registers columnar artifacts as
// partitions.
type Loader struct {
	catalog    Catalog
	repository internal.Repository
	retrier    *retry.Retrier
	logger     *zap.Logger
	now        func() time.Time
}

func NewLoader(c Catalog, repository internal.Repository, retrier *retry.Retrier, opts ...Option) *Loader {
	lo := &Loader{
		catalog:    c,
		repository: repository,
		retrier:    retrier,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(lo)
	}
	return lo
}

func (lo *Loader) Catalog() Catalog {
	return lo.catalog
}

func (lo *Loader) Load(ctx context.Context, table string, artifact internal.Artifact) (*LoadResult, error) {
	if !ValidTableName(table) {
		return nil, internal.NewError(internal.KindSchema, "load", fmt.Errorf("invalid table name %q", table))
	}
	if artifact.ContentKind != internal.ContentColumnar {
		return nil, internal.NewError(internal.KindSchema, "load",
			fmt.Errorf("artifact %s is %s, expected %s", artifact.Location, artifact.ContentKind, internal.ContentColumnar))
	}

	l := lo.logger.With(
		zap.String("table", table),
		zap.String("location", artifact.Location),
	)
	res := &LoadResult{Table: table}

	exists, err := retry.Do(ctx, lo.retrier, "table exists "+table, func(ctx context.Context) (bool, error) {
		return lo.catalog.TableExists(ctx, table)
	})
	if err != nil {
		return nil, err
	}

	if !exists {
		data, err := retry.Do(ctx, lo.retrier, "get "+artifact.Location, func(ctx context.Context) ([]byte, error) {
			return lo.repository.Get(ctx, artifact.Location)
		})
		if err != nil {
			return nil, err
		}
		info, err := parquet.Inspect(data)
		if err != nil {
			return nil, internal.NewError(internal.KindSchema, "infer columns", err)
		}
		err = lo.retrier.Run(ctx, "create table "+table, func(ctx context.Context) error {
			return lo.catalog.CreateTable(ctx, table, info.Columns)
		})
		if err != nil {
			return nil, err
		}
		res.Created = true
		l.Info("created table", zap.Int("columns", len(info.Columns)))
	}

	p := Partition{
		Location:     PartitionLocation(artifact.Location),
		Artifact:     artifact.Location,
		Values:       PartitionValues(artifact.Key),
		RowCount:     int64(artifact.RecordCount),
		RegisteredAt: lo.now().UTC(),
	}
	registered, err := retry.Do(ctx, lo.retrier, "register partition "+table, func(ctx context.Context) (bool, error) {
		return lo.catalog.RegisterPartition(ctx, table, p)
	})
	if err != nil {
		return nil, err
	}
	res.Registered = registered
	res.Partition = p

	if registered {
		l.Info("registered partition", zap.Int64("rows", p.RowCount))
	} else {
		l.Info("partition already registered")
	}
	return res, nil
}

// PartitionLocation is the directory holding an artifact. Each generation
// directory holds exactly one columnar file.
func PartitionLocation(location string) string {
	i := strings.LastIndex(location, "/")
	if i < 0 {
		return location
	}
	return location[:i+1]
}

// PartitionValues derives the partition values from an artifact key of the
// form <namespace>/<dataset_id>/<generation>/<file>.
func PartitionValues(key string) map[string]string {
	parts := strings.Split(key, "/")
	values := map[string]string{}
	if len(parts) >= 4 {
		values[PartitionDatasetID] = parts[len(parts)-3]
		values[PartitionGeneration] = parts[len(parts)-2]
	}
	return values
}
