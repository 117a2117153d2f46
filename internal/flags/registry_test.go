package flags

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func float(v float64) *float64 { return &v }

func TestNewRegistry_Completeness(t *testing.T) {
	valid := String("Note", "", "", "")

	tests := []struct {
		name    string
		defs    []Definition
		wantErr error
	}{
		{
			name:    "missing default",
			defs:    []Definition{{Key: "Broken", Kind: KindString, Parse: valid.Parse}},
			wantErr: ErrMissingDefault,
		},
		{
			name:    "missing validator",
			defs:    []Definition{{Key: "Broken", Kind: KindString, Default: json.RawMessage(`""`)}},
			wantErr: ErrMissingValidator,
		},
		{
			name:    "invalid default",
			defs:    []Definition{Enum("Mode", "sometimes", "", "always", "never")},
			wantErr: ErrInvalidDefault,
		},
		{
			name:    "duplicate key",
			defs:    []Definition{valid, valid},
			wantErr: ErrDuplicateFlag,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.defs...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestMustRegistry_PanicsOnMissingDefault(t *testing.T) {
	assert.Panics(t, func() {
		MustRegistry(Definition{Key: "Broken", Kind: KindEnum, Parse: func(json.RawMessage) (any, error) { return nil, nil }})
	})
}

func TestBuiltinRegistry_Defaults(t *testing.T) {
	r := NewBuiltinRegistry()

	assert.Equal(t, []string{KeyArchived, KeyColor, KeyFrequency, KeyGoal, KeyProgress, KeyReminder}, r.Keys())

	progress, err := r.Default(KeyProgress)
	require.NoError(t, err)
	assert.Equal(t, Progress{Enabled: false}, progress.Value)
	assert.JSONEq(t, `{"enabled":false}`, string(progress.Canonical))

	goal, err := r.Default(KeyGoal)
	require.NoError(t, err)
	assert.Equal(t, GoalRange{Target: 1, Unit: "times"}, goal.Value)

	freq, err := r.Default(KeyFrequency)
	require.NoError(t, err)
	assert.Equal(t, "daily", freq.Value)

	_, err = r.Default("Nope")
	assert.ErrorIs(t, err, ErrUnknownFlag)
}

func TestRegistry_Parse(t *testing.T) {
	r := NewBuiltinRegistry()

	tests := []struct {
		name    string
		key     string
		raw     string
		want    any
		wantErr bool
	}{
		{"progress enabled", KeyProgress, `{"enabled":true,"min":0,"max":10}`,
			Progress{Enabled: true, Min: float(0), Max: float(10)}, false},
		{"progress ignores unknown fields", KeyProgress, `{"enabled":false,"legacy":1}`,
			Progress{}, false},
		{"progress enabled without bounds", KeyProgress, `{"enabled":true}`, nil, true},
		{"progress inverted bounds", KeyProgress, `{"enabled":true,"min":5,"max":1}`, nil, true},
		{"progress null", KeyProgress, `null`, nil, true},
		{"progress wrong type", KeyProgress, `"yes"`, nil, true},
		{"color", KeyColor, `"#ff00aa"`, "#ff00aa", false},
		{"color not hex", KeyColor, `"red"`, nil, true},
		{"frequency", KeyFrequency, `"weekly"`, "weekly", false},
		{"frequency unknown", KeyFrequency, `"hourly"`, nil, true},
		{"frequency number", KeyFrequency, `3`, nil, true},
		{"reminder", KeyReminder, `"07:30"`, "07:30", false},
		{"reminder empty", KeyReminder, `""`, "", false},
		{"reminder invalid", KeyReminder, `"25:00"`, nil, true},
		{"goal computed", KeyGoal, `{"target":8,"unit":"glasses"}`, GoalRange{Target: 8, Unit: "glasses"}, false},
		{"goal zero target", KeyGoal, `{"target":0,"unit":"glasses"}`, nil, true},
		{"archived", KeyArchived, `{"archived":true}`, Archived{Archived: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Parse(tt.key, json.RawMessage(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrValidation)
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tt.key, verr.Key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Value)
		})
	}
}

func TestRegistry_CanonicalDropsUnknownFields(t *testing.T) {
	r := NewBuiltinRegistry()

	a, err := r.Parse(KeyProgress, json.RawMessage(`{"enabled":false,"legacy":1}`))
	require.NoError(t, err)
	b, err := r.Parse(KeyProgress, json.RawMessage(`{ "enabled" : false }`))
	require.NoError(t, err)

	assert.Equal(t, string(a.Canonical), string(b.Canonical))
}

func TestRegistry_ParseValue(t *testing.T) {
	r := NewBuiltinRegistry()

	got, err := r.ParseValue(KeyProgress, map[string]any{"enabled": false})
	require.NoError(t, err)
	assert.Equal(t, Progress{}, got.Value)

	got, err = r.ParseValue(KeyFrequency, json.RawMessage(`"monthly"`))
	require.NoError(t, err)
	assert.Equal(t, "monthly", got.Value)

	_, err = r.ParseValue(KeyColor, make(chan int))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = r.ParseValue("Missing", "x")
	assert.ErrorIs(t, err, ErrUnknownFlag)
}

func TestRegistry_ParsePanicIsValidationError(t *testing.T) {
	r := MustRegistry(Definition{
		Key:     "Fragile",
		Kind:    KindString,
		Default: json.RawMessage(`"ok"`),
		Parse: func(raw json.RawMessage) (any, error) {
			if string(raw) == `"boom"` {
				panic("boom")
			}
			return "ok", nil
		},
	})

	_, err := r.Parse("Fragile", json.RawMessage(`"boom"`))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGoalRange(t *testing.T) {
	g := GoalRange{Target: 4, Unit: "km"}

	assert.Equal(t, 0.0, g.Fraction(-1))
	assert.Equal(t, 0.5, g.Fraction(2))
	assert.Equal(t, 1.0, g.Fraction(9))
	assert.False(t, g.Reached(3.9))
	assert.True(t, g.Reached(4))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "string", KindString.String())
	assert.Equal(t, "enum", KindEnum.String())
	assert.Equal(t, "object", KindObject.String())
	assert.Equal(t, "computed", KindComputed.String())
	assert.Equal(t, "unknown", Kind(42).String())
}

func TestEnumOptions(t *testing.T) {
	d, ok := NewBuiltinRegistry().Get(KeyFrequency)
	require.True(t, ok)
	assert.Equal(t, []string{"daily", "weekly", "monthly"}, d.Options)

	c, _ := NewBuiltinRegistry().Get(KeyColor)
	assert.Empty(t, c.Options)
}
