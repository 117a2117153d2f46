package ui

import (
	"strings"
	"testing"
)

func TestRenderKeepsText(t *testing.T) {
	for name, render := range map[string]func(string) string{
		"accent": RenderAccent,
		"pass":   RenderPass,
		"warn":   RenderWarn,
		"fail":   RenderFail,
		"muted":  RenderMuted,
	} {
		if got := render("ok"); !strings.Contains(got, "ok") {
			t.Errorf("%s: %q does not contain the input", name, got)
		}
	}
}

func TestRenderSwatch(t *testing.T) {
	if got := RenderSwatch("#20B9B4"); !strings.HasSuffix(got, " #20B9B4") {
		t.Errorf("RenderSwatch() = %q", got)
	}
}

func TestTable(t *testing.T) {
	out := Table([]string{"KEY", "DEFAULT"}, [][]string{
		{"Color", `"#20B9B4"`},
		{"Frequency", `"daily"`},
	})

	for _, want := range []string{"KEY", "DEFAULT", "Color", "Frequency", `"daily"`} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if lines := strings.Count(out, "\n"); lines < 4 {
		t.Errorf("table has %d lines, want a bordered layout:\n%s", lines, out)
	}
}
