package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xwb1989/sqlparser"
	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/parquet"
)

type fileTable struct {
	Table      Table       `json:"table"`
	Partitions []Partition `json:"partitions"`
}

type fileState struct {
	Tables map[string]*fileTable `json:"tables"`
}

type FileOption func(*FileCatalog)

func WithFileLogger(l *zap.Logger) FileOption {
	return func(c *FileCatalog) {
		c.logger = l
	}
}

func WithFileClock(now func() time.Time) FileOption {
	return func(c *FileCatalog) {
		c.now = now
	}
}

// FileCatalog keeps the catalog in a single JSON document on the local
// filesystem. Queries read the registered artifacts through the repository.
type FileCatalog struct {
	path       string
	repository internal.Repository
	logger     *zap.Logger
	now        func() time.Time
	mu         sync.Mutex
}

func NewFileCatalog(path string, repository internal.Repository, opts ...FileOption) *FileCatalog {
	c := &FileCatalog{
		path:       path,
		repository: repository,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *FileCatalog) load() (*fileState, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return &fileState{Tables: map[string]*fileTable{}}, nil
	}
	if err != nil {
		return nil, internal.StorageError("read catalog", err)
	}
	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding catalog %s: %w", c.path, err)
	}
	if st.Tables == nil {
		st.Tables = map[string]*fileTable{}
	}
	return &st, nil
}

func (c *FileCatalog) save(st *fileState) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return internal.StorageError("save catalog", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tempPath := c.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return internal.StorageError("save catalog", err)
	}
	if err := os.Rename(tempPath, c.path); err != nil {
		os.Remove(tempPath)
		return internal.StorageError("save catalog", err)
	}
	return nil
}

func (c *FileCatalog) TableExists(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.load()
	if err != nil {
		return false, err
	}
	_, ok := st.Tables[name]
	return ok, nil
}

func (c *FileCatalog) Table(ctx context.Context, name string) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.load()
	if err != nil {
		return nil, err
	}
	t, ok := st.Tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	table := t.Table
	return &table, nil
}

func (c *FileCatalog) CreateTable(ctx context.Context, name string, columns []parquet.Column) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.load()
	if err != nil {
		return err
	}
	if _, ok := st.Tables[name]; ok {
		return nil
	}
	st.Tables[name] = &fileTable{
		Table: Table{
			Name:          name,
			Columns:       columns,
			PartitionKeys: PartitionKeys,
			CreatedAt:     c.now().UTC(),
		},
		Partitions: []Partition{},
	}
	c.logger.Debug("created table", zap.String("table", name))
	return c.save(st)
}

func (c *FileCatalog) RegisterPartition(ctx context.Context, name string, p Partition) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.load()
	if err != nil {
		return false, err
	}
	t, ok := st.Tables[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	for _, existing := range t.Partitions {
		if existing.Location == p.Location {
			return false, nil
		}
	}
	t.Partitions = append(t.Partitions, p)
	return true, c.save(st)
}

func (c *FileCatalog) Partitions(ctx context.Context, name string) ([]Partition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.load()
	if err != nil {
		return nil, err
	}
	t, ok := st.Tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return append([]Partition(nil), t.Partitions...), nil
}

// Query supports the subset of SELECT the file catalog can answer:
//
//	SHOW TABLES
//	SELECT COUNT(*) FROM <table>
//	SELECT * | <columns> FROM <table> [LIMIT n]
func (c *FileCatalog) Query(ctx context.Context, sql string) (*Rows, error) {
	stmt, err := EnsureReadOnly(sql)
	if err != nil {
		return nil, err
	}

	switch s := stmt.(type) {
	case *sqlparser.Show:
		return c.showTables()
	case *sqlparser.Select:
		return c.selectFrom(ctx, s)
	default:
		return nil, fmt.Errorf("unsupported statement for the file catalog: %s", sqlparser.String(stmt))
	}
}

func (c *FileCatalog) showTables() (*Rows, error) {
	c.mu.Lock()
	st, err := c.load()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(st.Tables))
	for n := range st.Tables {
		names = append(names, n)
	}
	sort.Strings(names)
	rows := &Rows{Columns: []string{"table"}}
	for _, n := range names {
		rows.Values = append(rows.Values, []any{n})
	}
	return rows, nil
}

func (c *FileCatalog) selectFrom(ctx context.Context, s *sqlparser.Select) (*Rows, error) {
	if len(s.From) != 1 || s.Where != nil || s.GroupBy != nil || s.Having != nil || s.OrderBy != nil {
		return nil, fmt.Errorf("the file catalog supports only single table selects without filters")
	}
	ate, ok := s.From[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return nil, fmt.Errorf("unsupported FROM clause: %s", sqlparser.String(s.From))
	}
	tn, ok := ate.Expr.(sqlparser.TableName)
	if !ok {
		return nil, fmt.Errorf("unsupported FROM clause: %s", sqlparser.String(s.From))
	}
	table := tn.Name.String()

	t, err := c.Table(ctx, table)
	if err != nil {
		return nil, err
	}
	partitions, err := c.Partitions(ctx, table)
	if err != nil {
		return nil, err
	}

	if isCountStar(s.SelectExprs) {
		var total int64
		for _, p := range partitions {
			total += p.RowCount
		}
		return &Rows{Columns: []string{"count"}, Values: [][]any{{total}}}, nil
	}

	columns, err := selectedColumns(s.SelectExprs, t.Columns)
	if err != nil {
		return nil, err
	}
	limit := -1
	if s.Limit != nil && s.Limit.Rowcount != nil {
		v, ok := s.Limit.Rowcount.(*sqlparser.SQLVal)
		if !ok || v.Type != sqlparser.IntVal {
			return nil, fmt.Errorf("unsupported LIMIT: %s", sqlparser.String(s.Limit))
		}
		limit, err = strconv.Atoi(string(v.Val))
		if err != nil {
			return nil, err
		}
	}

	rows := &Rows{Columns: columns, Values: [][]any{}}
	for _, p := range partitions {
		if limit >= 0 && len(rows.Values) >= limit {
			break
		}
		data, err := c.repository.Get(ctx, p.Artifact)
		if err != nil {
			return nil, err
		}
		remaining := -1
		if limit >= 0 {
			remaining = limit - len(rows.Values)
		}
		decoded, err := parquet.ReadRows(data, remaining)
		if err != nil {
			return nil, err
		}
		for _, d := range decoded {
			row := make([]any, len(columns))
			for i, col := range columns {
				row[i] = d[col]
			}
			rows.Values = append(rows.Values, row)
		}
	}
	return rows, nil
}

func isCountStar(exprs sqlparser.SelectExprs) bool {
	if len(exprs) != 1 {
		return false
	}
	ae, ok := exprs[0].(*sqlparser.AliasedExpr)
	if !ok {
		return false
	}
	fn, ok := ae.Expr.(*sqlparser.FuncExpr)
	if !ok || !strings.EqualFold(fn.Name.String(), "count") || len(fn.Exprs) != 1 {
		return false
	}
	_, star := fn.Exprs[0].(*sqlparser.StarExpr)
	return star
}

func selectedColumns(exprs sqlparser.SelectExprs, columns []parquet.Column) ([]string, error) {
	known := map[string]struct{}{}
	all := make([]string, len(columns))
	for i, c := range columns {
		known[c.Name] = struct{}{}
		all[i] = c.Name
	}

	var out []string
	for _, e := range exprs {
		switch t := e.(type) {
		case *sqlparser.StarExpr:
			out = append(out, all...)
		case *sqlparser.AliasedExpr:
			col, ok := t.Expr.(*sqlparser.ColName)
			if !ok {
				return nil, fmt.Errorf("unsupported expression: %s", sqlparser.String(t))
			}
			name := col.Name.String()
			if _, ok := known[name]; !ok {
				return nil, fmt.Errorf("unknown column %q", name)
			}
			out = append(out, name)
		default:
			return nil, fmt.Errorf("unsupported expression: %s", sqlparser.String(e))
		}
	}
	return out, nil
}
