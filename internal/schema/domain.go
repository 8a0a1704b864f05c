// Package schema maps raw source records onto the fixed field set of a domain.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/turbolytics/tabulator/internal"
)

var ErrUnknownDomain = errors.New("unknown domain")

type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
)

// Field is one normalized output field. When Slice is set, the field takes
// the [start, end) substring of the source value, which is how composite
// classification codes decompose into several fields.
type Field struct {
	Name        string    `yaml:"name" json:"name"`
	Type        FieldType `yaml:"type" json:"type"`
	Source      string    `yaml:"source" json:"source"`
	Slice       []int     `yaml:"slice,omitempty" json:"slice,omitempty"`
	Required    bool      `yaml:"required,omitempty" json:"required,omitempty"`
	NonNegative bool      `yaml:"non_negative,omitempty" json:"non_negative,omitempty"`
}

// Domain selects a field mapping and a target table.
type Domain struct {
	Name         string   `yaml:"name" json:"name"`
	Table        string   `yaml:"table" json:"table"`
	Fields       []Field  `yaml:"fields" json:"fields"`
	UniqueKey    []string `yaml:"unique_key,omitempty" json:"unique_key,omitempty"`
	MaxMagnitude int64    `yaml:"max_magnitude,omitempty" json:"max_magnitude,omitempty"`
}

func (d Domain) FieldNames() []string {
	names := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		names[i] = f.Name
	}
	return names
}

func (d Domain) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// SourceKeys returns the set of source keys the domain reads.
func (d Domain) SourceKeys() map[string]struct{} {
	keys := make(map[string]struct{}, len(d.Fields))
	for _, f := range d.Fields {
		keys[f.Source] = struct{}{}
	}
	return keys
}

// TableName returns the target table, defaulting to estat_<domain>.
func (d Domain) TableName() string {
	if d.Table != "" {
		return d.Table
	}
	return "estat_" + d.Name
}

func (d Domain) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("domain name is required")
	}
	if len(d.Fields) == 0 {
		return fmt.Errorf("domain %s: at least one field is required", d.Name)
	}
	seen := map[string]struct{}{}
	for _, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("domain %s: field name is required", d.Name)
		}
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("domain %s: duplicate field %q", d.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
		if f.Source == "" {
			return fmt.Errorf("domain %s: field %q has no source", d.Name, f.Name)
		}
		switch f.Type {
		case TypeString, TypeInt:
		default:
			return fmt.Errorf("domain %s: field %q has unsupported type %q", d.Name, f.Name, f.Type)
		}
		if f.Slice != nil && (len(f.Slice) != 2 || f.Slice[0] < 0 || f.Slice[1] <= f.Slice[0]) {
			return fmt.Errorf("domain %s: field %q has invalid slice %v", d.Name, f.Name, f.Slice)
		}
		if f.NonNegative && f.Type != TypeInt {
			return fmt.Errorf("domain %s: field %q is non_negative but not an int", d.Name, f.Name)
		}
	}
	for _, k := range d.UniqueKey {
		if _, ok := seen[k]; !ok {
			return fmt.Errorf("domain %s: unique key field %q is not defined", d.Name, k)
		}
	}
	if d.MaxMagnitude < 0 {
		return fmt.Errorf("domain %s: max_magnitude must be non-negative", d.Name)
	}
	return nil
}

// Registry holds the known domains.
type Registry struct {
	mu      sync.RWMutex
	domains map[string]Domain
}

func NewRegistry(domains ...Domain) (*Registry, error) {
	r := &Registry{domains: make(map[string]Domain)}
	for _, d := range domains {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns a registry with the built-in domains.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(Builtins()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds d, replacing any domain with the same name.
func (r *Registry) Register(d Domain) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains[d.Name] = d
	return nil
}

func (r *Registry) Lookup(name string) (Domain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.domains[name]
	if !ok {
		return Domain{}, internal.NewError(internal.KindSchema, "lookup domain", fmt.Errorf("%w: %q", ErrUnknownDomain, name))
	}
	return d, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.domains))
	for n := range r.domains {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
