// Package parquet encodes normalized records as SNAPPY compressed Parquet
// and inspects encoded files.
package parquet

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/schema"
)

const rootTag = "name=parquet_go_root, repetitiontype=REQUIRED"

type Field struct {
	Name           string
	Type           string
	ConvertedType  string
	RepetitionType string
}

// Tag renders the field in parquet-go's schema tag syntax.
func (f Field) Tag() string {
	parts := []string{
		fmt.Sprintf("name=%s", f.Name),
		fmt.Sprintf("type=%s", f.Type),
	}
	if f.ConvertedType != "" {
		parts = append(parts, fmt.Sprintf("convertedtype=%s", f.ConvertedType))
	}
	if f.RepetitionType != "" {
		parts = append(parts, fmt.Sprintf("repetitiontype=%s", f.RepetitionType))
	}
	return strings.Join(parts, ", ")
}

type Schema []Field

// FromDomain derives the file schema from a domain's fields. Every column is
// optional: a validation override may let null required values through.
func FromDomain(d schema.Domain) Schema {
	s := make(Schema, len(d.Fields))
	for i, f := range d.Fields {
		s[i] = Field{Name: f.Name, RepetitionType: "OPTIONAL"}
		switch f.Type {
		case schema.TypeInt:
			s[i].Type = "INT64"
		default:
			s[i].Type = "BYTE_ARRAY"
			s[i].ConvertedType = "UTF8"
		}
	}
	return s
}

// JSON returns the schema definition accepted by writer.NewJSONWriter.
func (s Schema) JSON() (string, error) {
	fields := make([]map[string]string, len(s))
	for i, f := range s {
		fields[i] = map[string]string{"Tag": f.Tag()}
	}
	bs, err := json.Marshal(map[string]any{
		"Tag":    rootTag,
		"Fields": fields,
	})
	if err != nil {
		return "", err
	}
	return string(bs), nil
}

func (s Schema) Columns() []Column {
	cols := make([]Column, len(s))
	for i, f := range s {
		cols[i] = f.Column()
	}
	return cols
}

// Row renders a record as the JSON object the JSON writer consumes. Null
// values are omitted, which the writer stores as nulls.
func (s Schema) Row(r *internal.Record) (string, error) {
	if len(s) != r.Len() {
		return "", fmt.Errorf(
			"schema and record fields mismatch: schema has %d fields, record has %d fields",
			len(s),
			r.Len(),
		)
	}

	row := make(map[string]any, len(s))
	values := r.Values()
	for i, field := range s {
		v := values[i]
		if v == nil {
			continue
		}
		switch field.Type {
		case "INT64":
			switch n := v.(type) {
			case int64:
				row[field.Name] = n
			case int:
				row[field.Name] = int64(n)
			default:
				return "", fmt.Errorf("field %s: expected an integer, got %T", field.Name, v)
			}
		default:
			str, ok := v.(string)
			if !ok {
				return "", fmt.Errorf("field %s: expected a string, got %T", field.Name, v)
			}
			row[field.Name] = str
		}
	}

	bs, err := json.Marshal(row)
	if err != nil {
		return "", err
	}
	return string(bs), nil
}
