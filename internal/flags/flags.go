// Package flags defines the typed flag registry: every flag key a habit can
// carry, how its JSON value is validated, its default, and the optional
// transform from the validated value into a richer runtime value.
//
// # Kinds
//
// The set of flag kinds is closed:
//
//   - KindString   - a validated JSON string
//   - KindEnum     - a JSON string restricted to a fixed set
//   - KindObject   - a JSON object decoded into a Go struct
//   - KindComputed - an object transformed into a helper value
//
// Definitions are built with String, Enum, Object and Computed, and collected
// into a Registry once at process start. NewRegistry refuses a definition
// without a default or whose default does not validate, so a missing default
// fails at load time rather than on first read.
package flags

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the shape of a flag value.
type Kind int

const (
	// KindString is a free-form string, optionally constrained by a validator tag.
	KindString Kind = iota
	// KindEnum is a string restricted to a fixed set of values.
	KindEnum
	// KindObject is a JSON object decoded into a struct.
	KindObject
	// KindComputed is an object whose runtime value is produced by a transform.
	KindComputed
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindEnum:
		return "enum"
	case KindObject:
		return "object"
	case KindComputed:
		return "computed"
	default:
		return "unknown"
	}
}

func (k Kind) valid() bool {
	return k >= KindString && k <= KindComputed
}

// Definition describes a single flag key.
type Definition struct {
	// Key is the flag name as stored in replicated records.
	Key string

	// Kind is the value shape.
	Kind Kind

	// Description is shown by the CLI.
	Description string

	// Default is the raw JSON used when no record exists.
	Default json.RawMessage

	// Options lists the accepted values of an enum flag.
	Options []string

	// Parse validates raw JSON and returns the decoded value.
	Parse func(raw json.RawMessage) (any, error)

	// Transform maps the decoded value to its runtime form. Nil means identity.
	Transform func(v any) any
}

// String defines a string flag. tag is a go-playground/validator tag applied
// to the string ("" accepts any string).
func String(key, def, tag, description string) Definition {
	return Definition{
		Key:         key,
		Kind:        KindString,
		Description: description,
		Default:     mustMarshal(def),
		Parse: func(raw json.RawMessage) (any, error) {
			return decodeString(raw, tag)
		},
	}
}

// Enum defines a string flag restricted to allowed.
func Enum(key, def, description string, allowed ...string) Definition {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	return Definition{
		Key:         key,
		Kind:        KindEnum,
		Description: description,
		Default:     mustMarshal(def),
		Options:     append([]string(nil), allowed...),
		Parse: func(raw json.RawMessage) (any, error) {
			s, err := decodeString(raw, "")
			if err != nil {
				return nil, err
			}
			if _, ok := set[s]; !ok {
				return nil, fmt.Errorf("%q is not one of %v", s, allowed)
			}
			return s, nil
		},
	}
}

// Object defines a flag decoded into T and checked with T's validate tags.
// def is the default as a JSON document.
func Object[T any](key, def, description string) Definition {
	return Definition{
		Key:         key,
		Kind:        KindObject,
		Description: description,
		Default:     json.RawMessage(def),
		Parse: func(raw json.RawMessage) (any, error) {
			return decodeObject[T](raw)
		},
	}
}

// Computed defines an object flag whose runtime value is fn(T).
func Computed[T any, R any](key, def, description string, fn func(T) R) Definition {
	d := Object[T](key, def, description)
	d.Kind = KindComputed
	d.Transform = func(v any) any {
		return fn(v.(T))
	}
	return d
}

func decodeString(raw json.RawMessage, tag string) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", errors.New("expected a JSON string")
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", err
	}
	if tag != "" {
		if err := validate.Var(s, tag); err != nil {
			return "", err
		}
	}
	return s, nil
}

func decodeObject[T any](raw json.RawMessage) (T, error) {
	var v T
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return v, errors.New("expected a JSON object")
	}
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return v, err
	}
	if err := validate.Struct(v); err != nil {
		return v, err
	}
	return v, nil
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("flags: marshal default: %v", err))
	}
	return data
}
