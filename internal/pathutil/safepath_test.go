package pathutil

import (
	"path"
	"strings"
	"testing"
)

func TestIsSafeRelative(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"artifacts/raw/data.csv", true},
		{"manifest.json", true},
		{"", false},
		{"/etc/passwd", false},
		{"a/../b", false},
		{"a//b", false},
		{`a\b`, false},
		{"./a", false},
	}
	for _, tt := range tests {
		if got := IsSafeRelative(tt.path); got != tt.want {
			t.Errorf("IsSafeRelative(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"data.csv", "data.csv"},
		{"../../etc/passwd", "_.._etc_passwd"},
		{"..", "file"},
		{"", "file"},
		{"a/b\\c:d", "a_b_c_d"},
		{".hidden", "hidden"},
		{"tab\there", "tab_here"},
	}
	for _, tt := range tests {
		got := SafeName(tt.in, "file")
		if got != tt.want {
			t.Errorf("SafeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if !IsSafeRelative(got) {
			t.Errorf("SafeName(%q) = %q is not a safe segment", tt.in, got)
		}
	}
}

func FuzzSafeName(f *testing.F) {
	f.Add("../x")
	f.Add("a/b")
	f.Add("")
	f.Fuzz(func(t *testing.T, s string) {
		got := SafeName(s, "file")
		if strings.Contains(got, "/") || strings.Contains(got, `\`) {
			t.Fatalf("SafeName(%q) = %q contains a separator", s, got)
		}
		if got == "." || got == ".." || got == "" {
			t.Fatalf("SafeName(%q) = %q", s, got)
		}
	})
}

func FuzzIsSafeRelative(f *testing.F) {
	for _, seed := range []string{"topics/t1/v1.json", "a/../b", "/abs", `a\b`, "a//b", "..."} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, p string) {
		if !IsSafeRelative(p) {
			return
		}
		if path.IsAbs(p) || path.Clean(p) != p {
			t.Fatalf("IsSafeRelative(%q) accepted a path that is not clean and relative", p)
		}
		if p == ".." || strings.HasPrefix(p, "../") {
			t.Fatalf("IsSafeRelative(%q) accepted an escaping path", p)
		}
	})
}
