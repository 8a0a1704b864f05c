package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/aws"
	"github.com/turbolytics/tabulator/internal/catalog"
	"github.com/turbolytics/tabulator/internal/estat"
	"github.com/turbolytics/tabulator/internal/fetcher"
	"github.com/turbolytics/tabulator/internal/integrations/kafka"
	"github.com/turbolytics/tabulator/internal/integrations/mongo"
	"github.com/turbolytics/tabulator/internal/local"
	"github.com/turbolytics/tabulator/internal/parquet"
	"github.com/turbolytics/tabulator/internal/pipeline"
	"github.com/turbolytics/tabulator/internal/postgres"
	"github.com/turbolytics/tabulator/internal/quality"
	"github.com/turbolytics/tabulator/internal/retry"
	"github.com/turbolytics/tabulator/internal/s3"
	"github.com/turbolytics/tabulator/internal/schema"
)

// NewLogger builds the root logger. The debug level selects zap's
// development config.
func NewLogger(g Global) (*zap.Logger, error) {
	if g.Logger.Level == "debug" {
		return zap.NewDevelopment()
	}
	level, err := zap.ParseAtomicLevel(g.Logger.Level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	return cfg.Build()
}

type InitOption func(*initOptions)

type initOptions struct {
	logger    *zap.Logger
	notifiers []pipeline.Notifier
}

func WithLogger(l *zap.Logger) InitOption {
	return func(o *initOptions) {
		o.logger = l
	}
}

// WithNotifier adds a notifier next to the configured events backend.
func WithNotifier(n pipeline.Notifier) InitOption {
	return func(o *initOptions) {
		o.notifiers = append(o.notifiers, n)
	}
}

// Runtime holds the components built from a configuration.
type Runtime struct {
	Config       *Tabulator
	Registry     *schema.Registry
	Repository   internal.Repository
	Catalog      catalog.Catalog
	Store        pipeline.StateStore
	Orchestrator *pipeline.Orchestrator

	closers []func(ctx context.Context) error
}

func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func Initialize(ctx context.Context, t *Tabulator, opts ...InitOption) (rt *Runtime, err error) {
	o := &initOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	l := o.logger

	rt = &Runtime{Config: t}
	defer func() {
		if err != nil {
			rt.Close(context.Background())
			rt = nil
		}
	}()

	rt.Registry, err = schema.NewRegistry(append(schema.Builtins(), t.Domains...)...)
	if err != nil {
		return rt, err
	}

	retrier := retry.New(t.Retry, retry.WithLogger(l.Named("retry")))

	if rt.Repository, err = newRepository(t.Repository, l); err != nil {
		return rt, err
	}

	source := estat.NewClient(t.Source.Endpoint, t.Source.AppID,
		estat.WithLogger(l.Named("estat")),
		estat.WithTimeout(t.Source.Timeout),
	)

	if err := rt.initCatalog(ctx, l); err != nil {
		return rt, err
	}
	if err := rt.initStore(ctx, l); err != nil {
		return rt, err
	}

	notifiers := o.notifiers
	if t.Events.Type == "kafka" {
		n, err := newKafkaNotifier(ctx, t.Events.URI, l)
		if err != nil {
			return rt, err
		}
		rt.closers = append(rt.closers, n.Close)
		notifiers = append(notifiers, n)
	}

	components := pipeline.Components{
		Registry: rt.Registry,
		Fetcher: fetcher.New(source, rt.Repository, retrier,
			fetcher.WithLogger(l.Named("fetcher")),
			fetcher.WithPageLimit(t.Source.PageLimit),
		),
		Mapper:    schema.NewMapper(rt.Registry, rt.Repository, retrier, schema.WithLogger(l.Named("schema"))),
		Validator: quality.New(rt.Registry, quality.WithLogger(l.Named("quality"))),
		Stager:    pipeline.NewStager(rt.Repository, retrier),
		Writer:    parquet.New(rt.Repository, retrier, parquet.WithLogger(l.Named("parquet"))),
		Loader:    catalog.NewLoader(rt.Catalog, rt.Repository, retrier, catalog.WithLogger(l.Named("loader"))),
	}

	rt.Orchestrator = pipeline.New(components, rt.Store,
		pipeline.WithLogger(l.Named("pipeline")),
		pipeline.WithRetrier(retrier),
		pipeline.WithNotifier(pipeline.MultiNotifier(notifiers)),
	)
	return rt, nil
}

func newRepository(c Repository, l *zap.Logger) (internal.Repository, error) {
	switch c.Type {
	case "local":
		return local.New(c.Path,
			local.WithPrefix(c.Prefix),
			local.WithLogger(l.Named("local")),
		), nil
	case "s3":
		return s3.New(
			s3.WithBucket(c.Bucket),
			s3.WithRegion(c.Region),
			s3.WithPrefix(c.Prefix),
			s3.WithEndpoint(c.Endpoint),
			s3.WithForcePathStyle(c.ForcePathStyle),
			s3.WithLogger(l.Named("s3")),
		)
	}
	return nil, fmt.Errorf("unsupported repository type %q", c.Type)
}

func (rt *Runtime) initCatalog(ctx context.Context, l *zap.Logger) error {
	c := rt.Config.Catalog
	switch c.Type {
	case "local":
		rt.Catalog = catalog.NewFileCatalog(c.Path, rt.Repository,
			catalog.WithFileLogger(l.Named("catalog")))
	case "glue":
		opts := []aws.Option{
			aws.WithLogger(l.Named("glue")),
			aws.WithRegion(c.Region),
			aws.WithDatabase(c.Database),
			aws.WithTableLocation(c.TableLocation),
			aws.WithQueryOutput(c.QueryOutput),
		}
		if c.WorkGroup != "" {
			opts = append(opts, aws.WithWorkGroup(c.WorkGroup))
		}
		if c.PollInterval > 0 {
			opts = append(opts, aws.WithPollInterval(c.PollInterval))
		}
		g, err := aws.New(opts...)
		if err != nil {
			return err
		}
		rt.Catalog = g
	case "postgres":
		pg, err := postgres.New(ctx, c.ConnectionString, rt.Repository,
			postgres.WithLogger(l.Named("postgres")))
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, func(context.Context) error {
			pg.Close()
			return nil
		})
		rt.Catalog = pg
	default:
		return fmt.Errorf("unsupported catalog type %q", c.Type)
	}
	return nil
}

func (rt *Runtime) initStore(ctx context.Context, l *zap.Logger) error {
	c := rt.Config.State
	switch c.Type {
	case "filesystem":
		rt.Store = pipeline.NewFilesystemStore(c.Path, l.Named("state"))
	case "mongo":
		u, err := url.Parse(c.URI)
		if err != nil {
			return fmt.Errorf("state uri: %w", err)
		}
		s, err := mongo.NewStateStore(ctx, u, mongo.WithLogger(l.Named("mongo")))
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, s.Close)
		if err := s.Connect(ctx); err != nil {
			return err
		}
		rt.Store = s
	default:
		return fmt.Errorf("unsupported state type %q", c.Type)
	}
	return nil
}

func newKafkaNotifier(ctx context.Context, uri string, l *zap.Logger) (*kafka.Notifier, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("events uri: %w", err)
	}
	n, err := kafka.NewNotifier(u, kafka.WithLogger(l.Named("kafka")))
	if err != nil {
		return nil, err
	}
	if err := n.Connect(ctx); err != nil {
		return nil, err
	}
	return n, nil
}
