package parquet

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/xitongsys/parquet-go-source/buffer"
	parquetgo "github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
)

// FileInfo is what the footer says about an encoded file.
type FileInfo struct {
	Rows    int64
	Columns []Column
}

// Inspect reads the footer of an encoded file.
func Inspect(data []byte) (*FileInfo, error) {
	pf, err := buffer.NewBufferFile(data)
	if err != nil {
		return nil, fmt.Errorf("opening parquet buffer: %w", err)
	}
	pr, err := reader.NewParquetReader(pf, nil, 1)
	if err != nil {
		return nil, fmt.Errorf("opening parquet file: %w", err)
	}
	defer pr.ReadStop()

	info := &FileInfo{Rows: pr.GetNumRows()}
	for _, kv := range pr.Footer.GetKeyValueMetadata() {
		if kv.GetKey() != ColumnsMetadataKey {
			continue
		}
		if err := json.Unmarshal([]byte(kv.GetValue()), &info.Columns); err != nil {
			return nil, fmt.Errorf("decoding column metadata: %w", err)
		}
		return info, nil
	}

	// files written elsewhere: fall back to the leaf schema elements
	for _, el := range pr.Footer.GetSchema() {
		if el.GetNumChildren() > 0 {
			continue
		}
		c := Column{Name: el.GetName(), DataType: ColumnString}
		if el.IsSetType() && (el.GetType() == parquetgo.Type_INT64 || el.GetType() == parquetgo.Type_INT32) {
			c.DataType = ColumnBigint
		}
		info.Columns = append(info.Columns, c)
	}
	return info, nil
}

// ReadRows decodes up to limit rows as maps keyed by column name. A limit
// below zero reads every row.
func ReadRows(data []byte, limit int) ([]map[string]any, error) {
	pf, err := buffer.NewBufferFile(data)
	if err != nil {
		return nil, fmt.Errorf("opening parquet buffer: %w", err)
	}
	pr, err := reader.NewParquetReader(pf, nil, 1)
	if err != nil {
		return nil, fmt.Errorf("opening parquet file: %w", err)
	}
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	if limit >= 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return []map[string]any{}, nil
	}
	objs, err := pr.ReadByNumber(n)
	if err != nil {
		return nil, fmt.Errorf("reading rows: %w", err)
	}

	// generated struct fields carry the exported form of each column name
	names := make(map[string]string, len(pr.SchemaHandler.Infos))
	for _, info := range pr.SchemaHandler.Infos {
		names[info.InName] = info.ExName
	}

	bs, err := json.Marshal(objs)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(bs))
	dec.UseNumber()
	var decoded []map[string]any
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	rows := make([]map[string]any, len(decoded))
	for i, d := range decoded {
		row := make(map[string]any, len(d))
		for k, v := range d {
			if ex, ok := names[k]; ok {
				k = ex
			}
			row[k] = v
		}
		rows[i] = row
	}
	return rows, nil
}
