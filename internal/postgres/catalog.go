// Package postgres is a table catalog that materializes registered
// partitions into Postgres tables.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/catalog"
	"github.com/turbolytics/tabulator/internal/parquet"
)

const migration = `
CREATE TABLE IF NOT EXISTS tabulator_tables (
	name           TEXT PRIMARY KEY,
	columns        JSONB NOT NULL,
	partition_keys JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tabulator_partitions (
	table_name       TEXT NOT NULL REFERENCES tabulator_tables (name),
	location         TEXT NOT NULL,
	artifact         TEXT NOT NULL,
	partition_values JSONB NOT NULL,
	row_count        BIGINT NOT NULL,
	registered_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (table_name, location)
);
`

type Option func(*Catalog)

func WithLogger(l *zap.Logger) Option {
	return func(c *Catalog) {
		c.logger = l
	}
}

// Catalog keeps table and partition metadata in bookkeeping tables and
// copies every registered partition's rows into a table of the same name.
type Catalog struct {
	pool       *pgxpool.Pool
	repository internal.Repository
	logger     *zap.Logger
}

func New(ctx context.Context, connString string, repository internal.Repository, opts ...Option) (*Catalog, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	c := &Catalog{
		pool:       pool,
		repository: repository,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Migrate(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, migration); err != nil {
		return internal.StorageError("migrate catalog", err)
	}
	return nil
}

func (c *Catalog) Close() {
	c.pool.Close()
}

func (c *Catalog) TableExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tabulator_tables WHERE name = $1)`, name,
	).Scan(&exists)
	if err != nil {
		return false, internal.StorageError("table exists", err)
	}
	return exists, nil
}

func (c *Catalog) CreateTable(ctx context.Context, name string, columns []parquet.Column) error {
	ddl, err := createTableSQL(name, columns)
	if err != nil {
		return internal.NewError(internal.KindSchema, "create table", err)
	}
	cols, err := json.Marshal(columns)
	if err != nil {
		return err
	}
	keys, err := json.Marshal(catalog.PartitionKeys)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO tabulator_tables (name, columns, partition_keys) VALUES ($1, $2, $3)
			 ON CONFLICT (name) DO NOTHING`,
			name, cols, keys,
		)
		if err != nil {
			return internal.StorageError("create table", err)
		}
		if tag.RowsAffected() == 0 {
			c.logger.Debug("table already exists", zap.String("table", name))
			return nil
		}
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return internal.StorageError("create table", err)
		}
		return nil
	})
}

func (c *Catalog) columns(ctx context.Context, q interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}, name string) ([]parquet.Column, error) {
	var raw []byte
	err := q.QueryRow(ctx, `SELECT columns FROM tabulator_tables WHERE name = $1`, name).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", catalog.ErrTableNotFound, name)
	}
	if err != nil {
		return nil, internal.StorageError("read table", err)
	}
	var cols []parquet.Column
	if err := json.Unmarshal(raw, &cols); err != nil {
		return nil, err
	}
	return cols, nil
}

// RegisterPartition records the partition and copies its rows in one
// transaction, so a partition is either fully visible or not at all.
func (c *Catalog) RegisterPartition(ctx context.Context, name string, p catalog.Partition) (bool, error) {
	values, err := json.Marshal(p.Values)
	if err != nil {
		return false, err
	}

	registered := false
	err = pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		cols, err := c.columns(ctx, tx, name)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO tabulator_partitions (table_name, location, artifact, partition_values, row_count, registered_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (table_name, location) DO NOTHING`,
			name, p.Location, p.Artifact, values, p.RowCount, p.RegisteredAt,
		)
		if err != nil {
			return internal.StorageError("register partition", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		data, err := c.repository.Get(ctx, p.Artifact)
		if err != nil {
			return err
		}
		decoded, err := parquet.ReadRows(data, -1)
		if err != nil {
			return internal.NewError(internal.KindSchema, "register partition", err)
		}

		names := make([]string, 0, len(cols)+len(catalog.PartitionKeys))
		for _, col := range cols {
			names = append(names, col.Name)
		}
		names = append(names, catalog.PartitionKeys...)

		rows := make([][]any, len(decoded))
		for i, d := range decoded {
			row := make([]any, 0, len(names))
			for _, col := range cols {
				v, err := toColumnValue(col, d[col.Name])
				if err != nil {
					return internal.NewError(internal.KindSchema, "register partition", err)
				}
				row = append(row, v)
			}
			for _, k := range catalog.PartitionKeys {
				row = append(row, p.Values[k])
			}
			rows[i] = row
		}

		n, err := tx.CopyFrom(ctx, pgx.Identifier{name}, names, pgx.CopyFromRows(rows))
		if err != nil {
			return internal.StorageError("copy partition rows", err)
		}
		c.logger.Debug("copied partition rows",
			zap.String("table", name),
			zap.String("location", p.Location),
			zap.Int64("rows", n),
		)
		registered = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return registered, nil
}

func (c *Catalog) Partitions(ctx context.Context, name string) ([]catalog.Partition, error) {
	if _, err := c.columns(ctx, c.pool, name); err != nil {
		return nil, err
	}
	rows, err := c.pool.Query(ctx,
		`SELECT location, artifact, partition_values, row_count, registered_at
		 FROM tabulator_partitions WHERE table_name = $1
		 ORDER BY registered_at, location`, name)
	if err != nil {
		return nil, internal.StorageError("list partitions", err)
	}
	defer rows.Close()

	var out []catalog.Partition
	for rows.Next() {
		var (
			p      catalog.Partition
			values []byte
		)
		if err := rows.Scan(&p.Location, &p.Artifact, &values, &p.RowCount, &p.RegisteredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(values, &p.Values); err != nil {
			return nil, err
		}
		p.RegisteredAt = p.RegisteredAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *Catalog) Query(ctx context.Context, sql string) (*catalog.Rows, error) {
	if _, err := catalog.EnsureReadOnly(sql); err != nil {
		return nil, err
	}
	rows, err := c.pool.Query(ctx, sql)
	if err != nil {
		return nil, internal.StorageError("query", err)
	}
	defer rows.Close()

	out := &catalog.Rows{Values: [][]any{}}
	for _, fd := range rows.FieldDescriptions() {
		out.Columns = append(out.Columns, fd.Name)
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out.Values = append(out.Values, values)
	}
	return out, rows.Err()
}

func createTableSQL(name string, columns []parquet.Column) (string, error) {
	if !catalog.ValidTableName(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	defs := make([]string, 0, len(columns)+len(catalog.PartitionKeys))
	for _, col := range columns {
		var typ string
		switch col.DataType {
		case parquet.ColumnBigint:
			typ = "BIGINT"
		case parquet.ColumnString:
			typ = "TEXT"
		default:
			return "", fmt.Errorf("unsupported data type %q for column %s", col.DataType, col.Name)
		}
		defs = append(defs, fmt.Sprintf("%s %s", pgx.Identifier{col.Name}.Sanitize(), typ))
	}
	for _, k := range catalog.PartitionKeys {
		defs = append(defs, fmt.Sprintf("%s TEXT NOT NULL", pgx.Identifier{k}.Sanitize()))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		pgx.Identifier{name}.Sanitize(), strings.Join(defs, ",\n\t")), nil
}

func toColumnValue(col parquet.Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch col.DataType {
	case parquet.ColumnBigint:
		switch n := v.(type) {
		case json.Number:
			return n.Int64()
		case int64:
			return n, nil
		case float64:
			return int64(n), nil
		default:
			return nil, fmt.Errorf("column %s: expected an integer, got %T", col.Name, v)
		}
	default:
		return fmt.Sprint(v), nil
	}
}
