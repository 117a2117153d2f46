package flags

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Parsed is a validated flag value.
type Parsed struct {
	// Canonical is the re-encoded validated value. Two values are the same
	// flag state iff their canonical encodings are equal.
	Canonical json.RawMessage

	// Value is the transformed runtime value.
	Value any
}

// Registry is the immutable set of flag definitions.
type Registry struct {
	defs     map[string]Definition
	defaults map[string]Parsed
	keys     []string
}

// NewRegistry validates defs and builds a registry.
//
// Every definition must have a key, a validator and a default that passes
// its own validator.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{
		defs:     make(map[string]Definition, len(defs)),
		defaults: make(map[string]Parsed, len(defs)),
	}

	for _, d := range defs {
		if d.Key == "" {
			return nil, fmt.Errorf("flag definition has an empty key")
		}
		if _, exists := r.defs[d.Key]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateFlag, d.Key)
		}
		if !d.Kind.valid() {
			return nil, fmt.Errorf("flag %s: invalid kind %d", d.Key, d.Kind)
		}
		if d.Parse == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingValidator, d.Key)
		}
		if len(d.Default) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingDefault, d.Key)
		}

		parsed, err := parse(d, d.Default)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDefault, d.Key, err)
		}

		r.defs[d.Key] = d
		r.defaults[d.Key] = parsed
		r.keys = append(r.keys, d.Key)
	}

	sort.Strings(r.keys)
	return r, nil
}

// MustRegistry is like NewRegistry but panics on an invalid definition set.
func MustRegistry(defs ...Definition) *Registry {
	r, err := NewRegistry(defs...)
	if err != nil {
		panic(fmt.Sprintf("flags: %v", err))
	}
	return r
}

// Get returns the definition for key.
func (r *Registry) Get(key string) (Definition, bool) {
	d, ok := r.defs[key]
	return d, ok
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	_, ok := r.defs[key]
	return ok
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Default returns the transformed default for key.
func (r *Registry) Default(key string) (Parsed, error) {
	p, ok := r.defaults[key]
	if !ok {
		return Parsed{}, fmt.Errorf("%w: %s", ErrUnknownFlag, key)
	}
	return p, nil
}

// Parse validates raw against key's definition.
//
// It returns ErrUnknownFlag for an unregistered key and a *ValidationError
// when the value is rejected.
func (r *Registry) Parse(key string, raw json.RawMessage) (Parsed, error) {
	d, ok := r.defs[key]
	if !ok {
		return Parsed{}, fmt.Errorf("%w: %s", ErrUnknownFlag, key)
	}
	p, err := parse(d, raw)
	if err != nil {
		return Parsed{}, &ValidationError{Key: key, Err: err}
	}
	return p, nil
}

// ParseValue marshals v to JSON and validates it against key.
func (r *Registry) ParseValue(key string, v any) (Parsed, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return r.Parse(key, raw)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Parsed{}, &ValidationError{Key: key, Err: err}
	}
	return r.Parse(key, raw)
}

func parse(d Definition, raw json.RawMessage) (p Parsed, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validator panicked: %v", r)
		}
	}()

	v, err := d.Parse(raw)
	if err != nil {
		return Parsed{}, err
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return Parsed{}, err
	}
	if d.Transform != nil {
		v = d.Transform(v)
	}
	return Parsed{Canonical: canonical, Value: v}, nil
}
