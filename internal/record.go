package internal

// Record is a struct that contains a set of fields and their corresponding values.
// It is used to represent a normalized row produced by a domain mapping.
// Field order is critical for the columnar encoder, so we keep them in a separate slice.
type Record struct {
	fields []string
	values []any
}

// RawRecord is a single untyped record as returned by the source.
type RawRecord map[string]any

func NewRecord(fields []string, values []any) *Record {
	return &Record{
		fields: fields,
		values: values,
	}
}

func (r *Record) Len() int {
	return len(r.fields)
}

func (r *Record) Fields() []string {
	return r.fields
}

func (r *Record) Values() []any {
	return r.values
}

// Get returns the value of the named field and whether the field exists.
func (r *Record) Get(field string) (any, bool) {
	for i, f := range r.fields {
		if f == field {
			return r.values[i], true
		}
	}
	return nil, false
}

func (r *Record) Map() map[string]any {
	m := make(map[string]any)
	for i, field := range r.fields {
		m[field] = r.values[i]
	}
	return m
}
