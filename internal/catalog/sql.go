package catalog

import (
	"fmt"
	"strings"

	"github.com/xwb1989/sqlparser"
)

// EnsureReadOnly parses sql and rejects anything other than a read.
func EnsureReadOnly(sql string) (sqlparser.Statement, error) {
	stmt, err := sqlparser.Parse(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	if err != nil {
		return nil, fmt.Errorf("parsing query: %w", err)
	}
	switch stmt.(type) {
	case *sqlparser.Select, *sqlparser.Union, *sqlparser.ParenSelect, *sqlparser.Show, *sqlparser.OtherRead:
		return stmt, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrReadOnly, stmt)
	}
}

// ValidTableName reports whether name can be used unquoted as a table name.
func ValidTableName(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
