package flags

// Built-in habit flag keys.
const (
	KeyProgress  = "Progress"
	KeyColor     = "Color"
	KeyFrequency = "Frequency"
	KeyGoal      = "Goal"
	KeyReminder  = "Reminder"
	KeyArchived  = "Archived"
)

// Progress controls the numeric progress bar of a habit.
type Progress struct {
	Enabled bool     `json:"enabled"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
}

// Goal is the stored form of a habit target.
type Goal struct {
	Target float64 `json:"target" validate:"gt=0"`
	Unit   string  `json:"unit" validate:"required,max=32"`
}

// GoalRange maps raw habit counts onto the goal.
type GoalRange struct {
	Target float64
	Unit   string
}

// Fraction returns v relative to the target, clamped to [0, 1].
func (g GoalRange) Fraction(v float64) float64 {
	if g.Target <= 0 || v <= 0 {
		return 0
	}
	f := v / g.Target
	if f > 1 {
		return 1
	}
	return f
}

// Reached reports whether v meets the target.
func (g GoalRange) Reached(v float64) bool {
	return g.Target > 0 && v >= g.Target
}

// Archived hides a habit from the active list.
type Archived struct {
	Archived bool `json:"archived"`
}

// Builtin returns the definitions shipped with the application.
func Builtin() []Definition {
	return []Definition{
		Object[Progress](KeyProgress, `{"enabled":false}`,
			"numeric progress tracking between min and max"),
		String(KeyColor, "#20B9B4", "hexcolor",
			"display color as #RRGGBB"),
		Enum(KeyFrequency, "daily",
			"how often the habit is expected", "daily", "weekly", "monthly"),
		Computed(KeyGoal, `{"target":1,"unit":"times"}`,
			"target count per period",
			func(g Goal) GoalRange { return GoalRange{Target: g.Target, Unit: g.Unit} }),
		String(KeyReminder, "", "omitempty,clock24",
			"daily reminder time as HH:MM, empty to disable"),
		Object[Archived](KeyArchived, `{"archived":false}`,
			"archived habits are hidden from the active list"),
	}
}

// NewBuiltinRegistry returns a registry holding Builtin().
func NewBuiltinRegistry() *Registry {
	return MustRegistry(Builtin()...)
}
