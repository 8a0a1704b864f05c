// Package quality checks normalized records against their domain before they
// are encoded.
package quality

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/schema"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type Check string

const (
	CheckShape     Check = "shape"
	CheckNonEmpty  Check = "non_empty"
	CheckRequired  Check = "required"
	CheckNegative  Check = "non_negative"
	CheckMagnitude Check = "magnitude"
	CheckDuplicate Check = "duplicate_key"
	CheckAllNull   Check = "all_null"
)

type Issue struct {
	Severity Severity `json:"severity" bson:"severity"`
	Check    Check    `json:"check" bson:"check"`
	Field    string   `json:"field,omitempty" bson:"field,omitempty"`
	Message  string   `json:"message" bson:"message"`
}

type Report struct {
	IsValid     bool    `json:"is_valid" bson:"is_valid"`
	RecordCount int     `json:"record_count" bson:"record_count"`
	Issues      []Issue `json:"issues" bson:"issues"`
}

// Errors returns the issues with error severity.
func (r *Report) Errors() []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			out = append(out, i)
		}
	}
	return out
}

// Summary renders the error issues on one line.
func (r *Report) Summary() string {
	errs := r.Errors()
	parts := make([]string, len(errs))
	for i, e := range errs {
		if e.Field != "" {
			parts[i] = fmt.Sprintf("%s(%s): %s", e.Check, e.Field, e.Message)
		} else {
			parts[i] = fmt.Sprintf("%s: %s", e.Check, e.Message)
		}
	}
	return strings.Join(parts, "; ")
}

type Option func(*Validator)

func WithLogger(l *zap.Logger) Option {
	return func(v *Validator) {
		v.logger = l
	}
}

type Validator struct {
	registry *schema.Registry
	logger   *zap.Logger
}

func New(registry *schema.Registry, opts ...Option) *Validator {
	v := &Validator{
		registry: registry,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs every check and collects the issues. It never mutates
// records and returns the same report for the same input.
func (v *Validator) Validate(domain string, records []*internal.Record) (*Report, error) {
	d, err := v.registry.Lookup(domain)
	if err != nil {
		return nil, err
	}
	report := Evaluate(d, records)
	v.logger.Debug("validated records",
		zap.String("domain", d.Name),
		zap.Int("records", report.RecordCount),
		zap.Int("issues", len(report.Issues)),
		zap.Bool("valid", report.IsValid),
	)
	return report, nil
}

// Evaluate is the validation core for an already resolved domain.
func Evaluate(d schema.Domain, records []*internal.Record) *Report {
	r := &Report{RecordCount: len(records)}
	r.Issues = append(r.Issues, checkShape(d, records)...)
	r.Issues = append(r.Issues, checkNonEmpty(records)...)
	r.Issues = append(r.Issues, checkRange(d, records)...)
	r.Issues = append(r.Issues, checkDuplicates(d, records)...)
	r.Issues = append(r.Issues, checkAllNull(d, records)...)
	r.IsValid = len(r.Errors()) == 0
	return r
}

func checkShape(d schema.Domain, records []*internal.Record) []Issue {
	want := strings.Join(d.FieldNames(), ",")
	type mismatch struct {
		count int
		first int
	}
	found := map[string]*mismatch{}
	for i, rec := range records {
		got := strings.Join(rec.Fields(), ",")
		if got == want {
			continue
		}
		m, ok := found[got]
		if !ok {
			m = &mismatch{first: i}
			found[got] = m
		}
		m.count++
	}

	shapes := make([]string, 0, len(found))
	for k := range found {
		shapes = append(shapes, k)
	}
	sort.Slice(shapes, func(i, j int) bool {
		return found[shapes[i]].first < found[shapes[j]].first
	})

	var issues []Issue
	for _, shape := range shapes {
		m := found[shape]
		issues = append(issues, Issue{
			Severity: SeverityError,
			Check:    CheckShape,
			Message: fmt.Sprintf("%d record(s) have fields [%s], expected [%s] (first at row %d)",
				m.count, shape, want, m.first),
		})
	}
	return issues
}

func checkNonEmpty(records []*internal.Record) []Issue {
	if len(records) > 0 {
		return nil
	}
	return []Issue{{
		Severity: SeverityError,
		Check:    CheckNonEmpty,
		Message:  "record set is empty",
	}}
}

type tally struct {
	count int
	first int
	value any
}

func (t *tally) add(row int, v any) {
	if t.count == 0 {
		t.first = row
		t.value = v
	}
	t.count++
}

func checkRange(d schema.Domain, records []*internal.Record) []Issue {
	var issues []Issue
	for _, f := range d.Fields {
		var missing, negative, huge tally
		for i, rec := range records {
			v, _ := rec.Get(f.Name)
			if v == nil {
				if f.Required {
					missing.add(i, nil)
				}
				continue
			}
			n, ok := v.(int64)
			if !ok {
				continue
			}
			if f.NonNegative && n < 0 {
				negative.add(i, n)
			}
			if d.MaxMagnitude > 0 && (n > d.MaxMagnitude || n < -d.MaxMagnitude) {
				huge.add(i, n)
			}
		}
		if missing.count > 0 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Check:    CheckRequired,
				Field:    f.Name,
				Message: fmt.Sprintf("%d record(s) missing required field %s (first at row %d)",
					missing.count, f.Name, missing.first),
			})
		}
		if negative.count > 0 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Check:    CheckNegative,
				Field:    f.Name,
				Message: fmt.Sprintf("%d record(s) have negative %s (first at row %d: %v)",
					negative.count, f.Name, negative.first, negative.value),
			})
		}
		if huge.count > 0 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Check:    CheckMagnitude,
				Field:    f.Name,
				Message: fmt.Sprintf("%d record(s) have %s beyond +/-%d (first at row %d: %v)",
					huge.count, f.Name, d.MaxMagnitude, huge.first, huge.value),
			})
		}
	}
	return issues
}

func checkDuplicates(d schema.Domain, records []*internal.Record) []Issue {
	if len(d.UniqueKey) == 0 {
		return nil
	}
	seen := make(map[string]int, len(records))
	var dups tally
	var firstKey string
	for i, rec := range records {
		parts := make([]string, len(d.UniqueKey))
		for j, k := range d.UniqueKey {
			v, _ := rec.Get(k)
			if v == nil {
				parts[j] = "<null>"
			} else {
				parts[j] = fmt.Sprint(v)
			}
		}
		key := strings.Join(parts, "|")
		if _, ok := seen[key]; ok {
			if dups.count == 0 {
				firstKey = key
			}
			dups.add(i, nil)
			continue
		}
		seen[key] = i
	}
	if dups.count == 0 {
		return nil
	}
	return []Issue{{
		Severity: SeverityError,
		Check:    CheckDuplicate,
		Field:    strings.Join(d.UniqueKey, ","),
		Message: fmt.Sprintf("%d record(s) repeat an earlier unique key (first at row %d duplicating row %d: %s)",
			dups.count, dups.first, seen[firstKey], firstKey),
	}}
}

func checkAllNull(d schema.Domain, records []*internal.Record) []Issue {
	if len(records) == 0 {
		return nil
	}
	var issues []Issue
	for _, f := range d.Fields {
		if f.Required {
			continue
		}
		allNull := true
		for _, rec := range records {
			if v, _ := rec.Get(f.Name); v != nil {
				allNull = false
				break
			}
		}
		if allNull {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Check:    CheckAllNull,
				Field:    f.Name,
				Message:  fmt.Sprintf("field %s is null in all %d records", f.Name, len(records)),
			})
		}
	}
	return issues
}
