package parquet

import (
	"fmt"
)

// Logical column types shared with the table catalogs.
const (
	ColumnString = "string"
	ColumnBigint = "bigint"
)

// Column is a catalog column as inferred from an encoded file.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
}

func (c Column) Field() (Field, error) {
	f := Field{
		Name:           c.Name,
		RepetitionType: "OPTIONAL",
	}
	switch c.DataType {
	case ColumnBigint:
		f.Type = "INT64"
	case ColumnString:
		f.Type = "BYTE_ARRAY"
		f.ConvertedType = "UTF8"
	default:
		return Field{}, fmt.Errorf("unsupported data type: %q", c.DataType)
	}
	return f, nil
}

func (f Field) Column() Column {
	c := Column{Name: f.Name, DataType: ColumnString}
	if f.Type == "INT64" || f.Type == "INT32" {
		c.DataType = ColumnBigint
	}
	return c
}

func ColumnsToSchema(columns []Column) (Schema, error) {
	var s Schema
	for _, column := range columns {
		f, err := column.Field()
		if err != nil {
			return nil, err
		}
		s = append(s, f)
	}
	return s, nil
}
