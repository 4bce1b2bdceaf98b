package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Scanner classifies free text. Implementations must be safe for concurrent use.
type Scanner interface {
	Scan(ctx context.Context, text string) (Result, error)
}

// Finding locates one match by byte offsets into the scanned text.
type Finding struct {
	Category string `json:"category"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

type Result struct {
	Risk     Risk      `json:"riskLevel"`
	Findings []Finding `json:"findings"`
}

// Summary is the aggregate of many results. It is what gets persisted on an
// export request and written to the scan report, never raw text.
type Summary struct {
	Risk         Risk           `json:"riskLevel"`
	FindingCount int            `json:"findingCount"`
	ByCategory   map[string]int `json:"byCategory"`
}

// Blocked reports whether the summary requires an override before approval.
func (s Summary) Blocked() bool { return s.Risk != RiskNone }

// Aggregate folds results into a Summary: max risk, total findings and
// per-category counts.
func Aggregate(results ...Result) Summary {
	out := Summary{ByCategory: map[string]int{}}
	for _, r := range results {
		out.Risk = Max(out.Risk, r.Risk)
		out.FindingCount += len(r.Findings)
		for _, f := range r.Findings {
			out.ByCategory[f.Category]++
		}
	}
	return out
}

// DisplayHash returns a short digest of the span a finding covers, suitable
// for reports that must reference a match without reproducing it.
// Out-of-range offsets are clamped.
func DisplayHash(text string, f Finding) string {
	start, end := f.Start, f.End
	if start < 0 {
		start = 0
	}
	if end > len(text) {
		end = len(text)
	}
	if start > end {
		start = end
	}
	sum := sha256.Sum256([]byte(text[start:end]))
	return "sha256:" + hex.EncodeToString(sum[:])[:16]
}

func sortFindings(fs []Finding) {
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].Start != fs[j].Start {
			return fs[i].Start < fs[j].Start
		}
		if fs[i].End != fs[j].End {
			return fs[i].End < fs[j].End
		}
		return fs[i].Category < fs[j].Category
	})
}

// ScannerFunc adapts a function to the Scanner interface.
type ScannerFunc func(ctx context.Context, text string) (Result, error)

func (f ScannerFunc) Scan(ctx context.Context, text string) (Result, error) { return f(ctx, text) }
