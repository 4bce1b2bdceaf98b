package classifier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mustDefault(t *testing.T) *PatternScanner {
	t.Helper()
	s, err := NewPatternScanner(DefaultRules())
	if err != nil {
		t.Fatalf("NewPatternScanner: %v", err)
	}
	return s
}

func TestPatternScanner_Clean(t *testing.T) {
	s := mustDefault(t)
	res, err := s.Scan(context.Background(), "We hypothesize that sleep duration predicts recall.")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Risk != RiskNone {
		t.Fatalf("risk = %s, want none", res.Risk)
	}
	if len(res.Findings) != 0 {
		t.Fatalf("findings = %v, want none", res.Findings)
	}
}

func TestPatternScanner_Findings(t *testing.T) {
	s := mustDefault(t)
	text := "contact jane@example.org about SSN 123-45-6789"
	res, err := s.Scan(context.Background(), text)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Risk != RiskHigh {
		t.Fatalf("risk = %s, want high", res.Risk)
	}
	if len(res.Findings) != 2 {
		t.Fatalf("findings = %v, want 2", res.Findings)
	}
	// sorted by offset
	if res.Findings[0].Category != "email" || res.Findings[1].Category != "ssn" {
		t.Fatalf("unexpected order: %+v", res.Findings)
	}
	f := res.Findings[1]
	if got := text[f.Start:f.End]; got != "123-45-6789" {
		t.Fatalf("ssn span = %q", got)
	}
}

func TestPatternScanner_MediumOnly(t *testing.T) {
	s := mustDefault(t)
	res, err := s.Scan(context.Background(), "call 555-123-4567")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Risk != RiskMedium {
		t.Fatalf("risk = %s, want medium", res.Risk)
	}
}

func TestPatternScanner_Canceled(t *testing.T) {
	s := mustDefault(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Scan(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNewPatternScanner_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
	}{
		{"empty", nil},
		{"no category", []Rule{{Pattern: "x", Risk: RiskLow}}},
		{"zero risk", []Rule{{Category: "x", Pattern: "x"}}},
		{"bad regexp", []Rule{{Category: "x", Pattern: "(", Risk: RiskLow}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPatternScanner(tt.rules); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.toml")
	body := `
[[rule]]
category = "participant-id"
pattern = 'P-\d{5}'
risk = "high"

[[rule]]
category = "site"
pattern = 'Site [A-Z]'
risk = "low"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := NewFromFile(path)
	if err != nil {
		t.Fatalf("NewFromFile: %v", err)
	}
	res, err := s.Scan(context.Background(), "enrolled P-00042 at Site B")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Risk != RiskHigh || len(res.Findings) != 2 {
		t.Fatalf("got %+v", res)
	}
}

func TestLoadRules_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.toml")
	if err := os.WriteFile(path, []byte("[[rule]]\ncategory=\"x\"\npatern=\"y\"\nrisk=\"low\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := LoadRules(path)
	if err == nil || !strings.Contains(err.Error(), "unknown keys") {
		t.Fatalf("err = %v, want unknown keys", err)
	}
}

func TestLoadRules_BadRisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.toml")
	if err := os.WriteFile(path, []byte("[[rule]]\ncategory=\"x\"\npattern=\"y\"\nrisk=\"severe\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRules(path); err == nil {
		t.Fatal("expected error for unknown risk level")
	}
}

func TestAggregate(t *testing.T) {
	sum := Aggregate(
		Result{},
		Result{Risk: RiskLow, Findings: []Finding{{Category: "email"}}},
		Result{Risk: RiskHigh, Findings: []Finding{{Category: "ssn"}, {Category: "email"}}},
	)
	if sum.Risk != RiskHigh {
		t.Fatalf("risk = %s", sum.Risk)
	}
	if sum.FindingCount != 3 {
		t.Fatalf("count = %d", sum.FindingCount)
	}
	if sum.ByCategory["email"] != 2 || sum.ByCategory["ssn"] != 1 {
		t.Fatalf("by category = %v", sum.ByCategory)
	}
	if !sum.Blocked() {
		t.Fatal("expected blocked")
	}
	if Aggregate().Blocked() {
		t.Fatal("empty aggregate must not block")
	}
}

func TestDisplayHash(t *testing.T) {
	text := "id 123-45-6789"
	h := DisplayHash(text, Finding{Start: 3, End: 14})
	if !strings.HasPrefix(h, "sha256:") || len(h) != len("sha256:")+16 {
		t.Fatalf("bad display hash %q", h)
	}
	if strings.Contains(h, "6789") {
		t.Fatal("display hash leaks content")
	}
	if DisplayHash(text, Finding{Start: 3, End: 14}) != h {
		t.Fatal("not deterministic")
	}
	// clamps out of range
	_ = DisplayHash(text, Finding{Start: -4, End: 400})
	_ = DisplayHash(text, Finding{Start: 10, End: 2})
}

func TestParseRisk(t *testing.T) {
	for _, r := range []Risk{RiskNone, RiskLow, RiskMedium, RiskHigh} {
		got, err := ParseRisk(r.String())
		if err != nil || got != r {
			t.Fatalf("ParseRisk(%q) = %v, %v", r.String(), got, err)
		}
	}
	if _, err := ParseRisk("critical"); err == nil {
		t.Fatal("expected error")
	}
}
