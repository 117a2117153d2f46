package flags

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

// validate is shared by every flag validator. Custom rules are registered in init.
var validate *validator.Validate

var clock24 = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// clock24 accepts "HH:MM" in 24-hour form.
	if err := validate.RegisterValidation("clock24", func(fl validator.FieldLevel) bool {
		return clock24.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}

	validate.RegisterStructValidation(validateProgress, Progress{})
}

// validateProgress requires both bounds, in order, once tracking is enabled.
func validateProgress(sl validator.StructLevel) {
	p := sl.Current().Interface().(Progress)
	if !p.Enabled {
		return
	}
	if p.Min == nil {
		sl.ReportError(p.Min, "min", "Min", "required_when_enabled", "")
	}
	if p.Max == nil {
		sl.ReportError(p.Max, "max", "Max", "required_when_enabled", "")
	}
	if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
		sl.ReportError(p.Max, "max", "Max", "gtefield", "Min")
	}
}
