// Package catalog tracks which columnar artifacts make up a queryable table.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/turbolytics/tabulator/internal/parquet"
)

var (
	ErrTableNotFound = errors.New("table not found")
	ErrReadOnly      = errors.New("only read-only statements are allowed")
)

// Partition columns every table is partitioned by.
const (
	PartitionDatasetID  = "dataset_id"
	PartitionGeneration = "generation"
)

var PartitionKeys = []string{PartitionDatasetID, PartitionGeneration}

type Table struct {
	Name          string           `json:"name"`
	Columns       []parquet.Column `json:"columns"`
	PartitionKeys []string         `json:"partition_keys"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Partition is one registered artifact.
type Partition struct {
	Location     string            `json:"location"`
	Artifact     string            `json:"artifact"`
	Values       map[string]string `json:"values"`
	RowCount     int64             `json:"row_count"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// Rows is a query result.
type Rows struct {
	Columns []string `json:"columns"`
	Values  [][]any  `json:"values"`
}

type Catalog interface {
	TableExists(ctx context.Context, name string) (bool, error)

	// CreateTable creates the table. A table that already exists is not an
	// error.
	CreateTable(ctx context.Context, name string, columns []parquet.Column) error

	// RegisterPartition makes the partition visible to queries. It returns
	// false when a partition with the same location is already registered.
	RegisterPartition(ctx context.Context, name string, p Partition) (bool, error)

	Partitions(ctx context.Context, name string) ([]Partition, error)

	// Query runs a read-only statement.
	Query(ctx context.Context, sql string) (*Rows, error)
}
