package persona

import (
	"strings"
	"testing"
)

func TestEveryModeHasAnEntry(t *testing.T) {
	modes := All()
	if len(modes) != 13 {
		t.Fatalf("expected 13 modes, got %d", len(modes))
	}
	for _, m := range modes {
		p, ok := Lookup(m)
		if !ok {
			t.Fatalf("mode %q missing from table", m)
		}
		if p.Name == "" || p.Suggestion == "" {
			t.Fatalf("mode %q missing name or suggestion", m)
		}
	}
}

func TestCleanPromptIsEmpty(t *testing.T) {
	if got := SystemPrompt(Clean); got != "" {
		t.Fatalf("expected empty clean prompt, got %q", got)
	}
}

func TestPromptsCarryHonestyClause(t *testing.T) {
	for _, m := range Detectable() {
		p, _ := Lookup(m)
		if strings.TrimSpace(p.Honesty) == "" {
			t.Fatalf("mode %q has no honesty clause", m)
		}
		prompt := SystemPrompt(m)
		if !strings.Contains(prompt, strings.TrimSpace(p.Honesty)) {
			t.Fatalf("prompt for %q does not include its honesty clause", m)
		}
		if !strings.HasPrefix(prompt, strings.TrimSpace(p.Role)) {
			t.Fatalf("prompt for %q does not start with its role", m)
		}
	}
}

func TestUnknownModeFallsBackToStandard(t *testing.T) {
	if SystemPrompt(Mode("pirate")) != SystemPrompt(Standard) {
		t.Fatalf("unknown mode should use the standard prompt")
	}
}

func TestParse(t *testing.T) {
	if m, ok := Parse("  Mentor "); !ok || m != Mentor {
		t.Fatalf("expected mentor, got %q %v", m, ok)
	}
	if _, ok := Parse("pirate"); ok {
		t.Fatalf("pirate should not parse")
	}
}

func TestDetectableReturnsCopy(t *testing.T) {
	d := Detectable()
	d[0] = Drill
	if Detectable()[0] != Standard {
		t.Fatalf("enumeration order was mutated through the returned slice")
	}
}
