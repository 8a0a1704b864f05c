// Package aws registers tables and partitions in the AWS Glue data catalog
// and queries them through Athena.
package aws

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/athena"
	"github.com/aws/aws-sdk-go/service/athena/athenaiface"
	"github.com/aws/aws-sdk-go/service/glue"
	"github.com/aws/aws-sdk-go/service/glue/glueiface"
	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/catalog"
	"github.com/turbolytics/tabulator/internal/parquet"
)

const (
	parquetInputFormat  = "org.apache.hadoop.hive.ql.io.parquet.MapredParquetInputFormat"
	parquetOutputFormat = "org.apache.hadoop.hive.ql.io.parquet.MapredParquetOutputFormat"
	parquetSerde        = "org.apache.hadoop.hive.ql.io.parquet.serde.ParquetHiveSerDe"

	paramRowCount     = "tabulator.row_count"
	paramArtifact     = "tabulator.artifact"
	paramRegisteredAt = "tabulator.registered_at"
)

type Option func(*Glue)

func WithLogger(l *zap.Logger) Option {
	return func(g *Glue) {
		g.logger = l
	}
}

func WithRegion(region string) Option {
	return func(g *Glue) {
		g.Region = region
	}
}

func WithDatabase(database string) Option {
	return func(g *Glue) {
		g.Database = database
	}
}

// WithTableLocation sets the storage location tables are rooted at, for
// example s3://bucket/processed/.
func WithTableLocation(location string) Option {
	return func(g *Glue) {
		g.TableLocation = location
	}
}

func WithWorkGroup(workGroup string) Option {
	return func(g *Glue) {
		g.WorkGroup = workGroup
	}
}

func WithQueryOutput(location string) Option {
	return func(g *Glue) {
		g.QueryOutput = location
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(g *Glue) {
		g.PollInterval = d
	}
}

// WithClients replaces the AWS clients, which is how tests stub the APIs.
func WithClients(g glueiface.GlueAPI, a athenaiface.AthenaAPI) Option {
	return func(c *Glue) {
		c.glue = g
		c.athena = a
	}
}

// Glue is a catalog.Catalog backed by the Glue data catalog.
type Glue struct {
	logger *zap.Logger
	glue   glueiface.GlueAPI
	athena athenaiface.AthenaAPI

	Region        string
	Database      string
	TableLocation string
	WorkGroup     string
	QueryOutput   string
	PollInterval  time.Duration
}

func New(opts ...Option) (*Glue, error) {
	g := &Glue{
		logger:       zap.NewNop(),
		WorkGroup:    "primary",
		PollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.Database == "" {
		return nil, fmt.Errorf("glue database is required")
	}

	if g.glue == nil || g.athena == nil {
		cfg := aws.NewConfig()
		if g.Region != "" {
			cfg = cfg.WithRegion(g.Region)
		}
		sess, err := session.NewSession(cfg)
		if err != nil {
			return nil, err
		}
		if g.glue == nil {
			g.glue = glue.New(sess)
		}
		if g.athena == nil {
			g.athena = athena.New(sess)
		}
	}
	return g, nil
}

func (g *Glue) TableExists(ctx context.Context, name string) (bool, error) {
	_, err := g.glue.GetTableWithContext(ctx, &glue.GetTableInput{
		DatabaseName: aws.String(g.Database),
		Name:         aws.String(name),
	})
	if hasCode(err, glue.ErrCodeEntityNotFoundException) {
		return false, nil
	}
	if err != nil {
		return false, classify("get table", err)
	}
	return true, nil
}

func (g *Glue) CreateTable(ctx context.Context, name string, columns []parquet.Column) error {
	cols := make([]*glue.Column, len(columns))
	for i, c := range columns {
		cols[i] = &glue.Column{Name: aws.String(c.Name), Type: aws.String(c.DataType)}
	}
	keys := make([]*glue.Column, len(catalog.PartitionKeys))
	for i, k := range catalog.PartitionKeys {
		keys[i] = &glue.Column{Name: aws.String(k), Type: aws.String("string")}
	}

	_, err := g.glue.CreateTableWithContext(ctx, &glue.CreateTableInput{
		DatabaseName: aws.String(g.Database),
		TableInput: &glue.TableInput{
			Name:              aws.String(name),
			TableType:         aws.String("EXTERNAL_TABLE"),
			Parameters:        map[string]*string{"classification": aws.String("parquet")},
			PartitionKeys:     keys,
			StorageDescriptor: storageDescriptor(cols, g.TableLocation),
		},
	})
	if hasCode(err, glue.ErrCodeAlreadyExistsException) {
		g.logger.Debug("table already exists", zap.String("table", name))
		return nil
	}
	if err != nil {
		return classify("create table", err)
	}
	return nil
}

func (g *Glue) RegisterPartition(ctx context.Context, name string, p catalog.Partition) (bool, error) {
	values := make([]*string, len(catalog.PartitionKeys))
	for i, k := range catalog.PartitionKeys {
		v, ok := p.Values[k]
		if !ok {
			return false, internal.NewError(internal.KindSchema, "register partition",
				fmt.Errorf("partition %s has no value for %s", p.Location, k))
		}
		values[i] = aws.String(v)
	}

	_, err := g.glue.CreatePartitionWithContext(ctx, &glue.CreatePartitionInput{
		DatabaseName: aws.String(g.Database),
		TableName:    aws.String(name),
		PartitionInput: &glue.PartitionInput{
			Values: values,
			Parameters: map[string]*string{
				paramRowCount:     aws.String(strconv.FormatInt(p.RowCount, 10)),
				paramArtifact:     aws.String(p.Artifact),
				paramRegisteredAt: aws.String(p.RegisteredAt.UTC().Format(time.RFC3339)),
			},
			StorageDescriptor: storageDescriptor(nil, p.Location),
		},
	})
	if hasCode(err, glue.ErrCodeAlreadyExistsException) {
		return false, nil
	}
	if hasCode(err, glue.ErrCodeEntityNotFoundException) {
		return false, fmt.Errorf("%w: %s", catalog.ErrTableNotFound, name)
	}
	if err != nil {
		return false, classify("create partition", err)
	}
	return true, nil
}

func (g *Glue) Partitions(ctx context.Context, name string) ([]catalog.Partition, error) {
	var out []catalog.Partition
	err := g.glue.GetPartitionsPagesWithContext(ctx, &glue.GetPartitionsInput{
		DatabaseName: aws.String(g.Database),
		TableName:    aws.String(name),
	}, func(page *glue.GetPartitionsOutput, last bool) bool {
		for _, gp := range page.Partitions {
			out = append(out, fromGlue(gp))
		}
		return true
	})
	if hasCode(err, glue.ErrCodeEntityNotFoundException) {
		return nil, fmt.Errorf("%w: %s", catalog.ErrTableNotFound, name)
	}
	if err != nil {
		return nil, classify("get partitions", err)
	}
	return out, nil
}

func fromGlue(gp *glue.Partition) catalog.Partition {
	p := catalog.Partition{Values: map[string]string{}}
	for i, v := range gp.Values {
		if i < len(catalog.PartitionKeys) {
			p.Values[catalog.PartitionKeys[i]] = aws.StringValue(v)
		}
	}
	if gp.StorageDescriptor != nil {
		p.Location = aws.StringValue(gp.StorageDescriptor.Location)
	}
	params := aws.StringValueMap(gp.Parameters)
	p.Artifact = params[paramArtifact]
	p.RowCount, _ = strconv.ParseInt(params[paramRowCount], 10, 64)
	p.RegisteredAt, _ = time.Parse(time.RFC3339, params[paramRegisteredAt])
	return p
}

func storageDescriptor(cols []*glue.Column, location string) *glue.StorageDescriptor {
	return &glue.StorageDescriptor{
		Columns:      cols,
		Location:     aws.String(location),
		InputFormat:  aws.String(parquetInputFormat),
		OutputFormat: aws.String(parquetOutputFormat),
		SerdeInfo: &glue.SerDeInfo{
			SerializationLibrary: aws.String(parquetSerde),
		},
	}
}

func hasCode(err error, code string) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == code
}

// classify marks throttling and internal service errors transient so the
// retry wrapper picks them up.
func classify(op string, err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		code := aerr.Code()
		if strings.Contains(code, "Throttl") || code == glue.ErrCodeInternalServiceException ||
			code == glue.ErrCodeOperationTimeoutException || code == athena.ErrCodeTooManyRequestsException {
			return internal.NewError(internal.KindTransient, op, err)
		}
	}
	return internal.StorageError(op, err)
}
