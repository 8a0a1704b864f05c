package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/fetcher"
	"github.com/turbolytics/tabulator/internal/retry"
)

// Values e-Stat publishes in place of a number: not applicable, suppressed,
// not available.
var placeholders = map[string]struct{}{
	"":    {},
	"-":   {},
	"…":   {},
	"...": {},
	"***": {},
	"x":   {},
	"X":   {},
	"―":   {},
	"－":   {},
}

type Option func(*Mapper)

func WithLogger(l *zap.Logger) Option {
	return func(m *Mapper) {
		m.logger = l
	}
}

// Mapper converts raw records into normalized records for a domain.
type Mapper struct {
	registry   *Registry
	repository internal.Repository
	retrier    *retry.Retrier
	logger     *zap.Logger
}

func NewMapper(registry *Registry, repository internal.Repository, retrier *retry.Retrier, opts ...Option) *Mapper {
	m := &Mapper{
		registry:   registry,
		repository: repository,
		retrier:    retrier,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mapper) Registry() *Registry {
	return m.registry
}

// Transform loads a raw-json artifact and maps its records.
func (m *Mapper) Transform(ctx context.Context, artifact internal.Artifact, domain string) ([]*internal.Record, error) {
	if artifact.ContentKind != internal.ContentRawJSON {
		return nil, internal.NewError(internal.KindSchema, "transform",
			fmt.Errorf("artifact %s is %s, expected %s", artifact.Location, artifact.ContentKind, internal.ContentRawJSON))
	}
	if _, err := m.registry.Lookup(domain); err != nil {
		return nil, err
	}
	doc, err := fetcher.ReadRaw(ctx, m.repository, m.retrier, artifact.Location)
	if err != nil {
		return nil, err
	}
	return m.Map(domain, doc.Records)
}

// Map is the pure mapping core: every raw record that carries at least one
// of the domain's source keys yields one normalized record with exactly the
// domain's fields.
func (m *Mapper) Map(domain string, raws []internal.RawRecord) ([]*internal.Record, error) {
	d, err := m.registry.Lookup(domain)
	if err != nil {
		return nil, err
	}

	l := m.logger.With(zap.String("domain", d.Name))
	names := d.FieldNames()
	sourceKeys := d.SourceKeys()
	extras := map[string]struct{}{}
	unparseable := map[string]string{}
	skipped := 0

	records := make([]*internal.Record, 0, len(raws))
	for _, raw := range raws {
		known := false
		for k := range raw {
			if _, ok := sourceKeys[k]; ok {
				known = true
			} else {
				extras[k] = struct{}{}
			}
		}
		if !known {
			skipped++
			continue
		}

		values := make([]any, len(d.Fields))
		for i, f := range d.Fields {
			v, ok := convert(f, raw[f.Source])
			if !ok {
				if _, seen := unparseable[f.Name]; !seen {
					unparseable[f.Name] = fmt.Sprint(raw[f.Source])
				}
			}
			values[i] = v
		}
		records = append(records, internal.NewRecord(names, values))
	}

	for _, k := range sortedKeys(extras) {
		l.Info("ignoring unmapped source field", zap.String("field", k))
	}
	for _, name := range sortedKeys(unparseable) {
		l.Warn("unparseable value mapped to null",
			zap.String("field", name),
			zap.String("example", unparseable[name]),
		)
	}
	if skipped > 0 {
		l.Warn("skipped records without any mapped field", zap.Int("skipped", skipped))
	}

	if len(raws) > 0 && len(records) == 0 {
		return nil, internal.NewError(internal.KindSchema, "map records", fmt.Errorf(
			"domain %s: none of %d records carry any of the source fields %v",
			d.Name, len(raws), sortedKeys(sourceKeys),
		))
	}
	return records, nil
}

// convert returns the normalized value of raw for f. ok is false when a
// present value could not be interpreted.
func convert(f Field, raw any) (any, bool) {
	if raw == nil {
		return nil, true
	}
	s := stringify(raw)
	if f.Slice != nil {
		if len(s) < f.Slice[1] {
			return nil, s == ""
		}
		s = s[f.Slice[0]:f.Slice[1]]
	}

	switch f.Type {
	case TypeInt:
		s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
		if _, ok := placeholders[s]; ok {
			return nil, true
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			return n, true
		}
		// tolerate integral floats such as "1200.0"
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr == nil && fl == math.Trunc(fl) && math.Abs(fl) < math.MaxInt64 {
			return int64(fl), true
		}
		return nil, false
	default:
		return s, true
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
