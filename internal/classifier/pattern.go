package classifier

import (
	"context"
	"regexp"

	"github.com/BurntSushi/toml"

	"github.com/keithlinneman/govexport/internal/xerrors"
)

// Rule is one pattern in a rules file:
//
//	[[rule]]
//	category = "ssn"
//	pattern  = '\b\d{3}-\d{2}-\d{4}\b'
//	risk     = "high"
type Rule struct {
	Category string `toml:"category"`
	Pattern  string `toml:"pattern"`
	Risk     Risk   `toml:"risk"`
}

type ruleFile struct {
	Rules []Rule `toml:"rule"`
}

type compiledRule struct {
	category string
	risk     Risk
	re       *regexp.Regexp
}

// PatternScanner matches text against a fixed set of regular expressions.
type PatternScanner struct {
	rules []compiledRule
}

// DefaultRules covers the identifiers most commonly found in research notes.
func DefaultRules() []Rule {
	return []Rule{
		{Category: "ssn", Pattern: `\b\d{3}-\d{2}-\d{4}\b`, Risk: RiskHigh},
		{Category: "mrn", Pattern: `(?i)\bMRN[:#\s]*\d{6,10}\b`, Risk: RiskHigh},
		{Category: "dob", Pattern: `(?i)\b(?:dob|date of birth)[:\s]*\d{1,2}/\d{1,2}/\d{2,4}\b`, Risk: RiskHigh},
		{Category: "email", Pattern: `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, Risk: RiskMedium},
		{Category: "phone", Pattern: `\(?\b\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`, Risk: RiskMedium},
	}
}

// NewPatternScanner compiles rules. An empty rule set is rejected since it
// would silently pass everything.
func NewPatternScanner(rules []Rule) (*PatternScanner, error) {
	if len(rules) == 0 {
		return nil, xerrors.New("classifier: no rules")
	}
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if r.Category == "" {
			return nil, xerrors.Newf("classifier: rule %d: category is required", i)
		}
		if r.Risk == RiskNone {
			return nil, xerrors.Newf("classifier: rule %q: risk must be above none", r.Category)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, xerrors.Wrapf(err, "classifier: rule %q", r.Category)
		}
		out = append(out, compiledRule{category: r.Category, risk: r.Risk, re: re})
	}
	return &PatternScanner{rules: out}, nil
}

// LoadRules reads a TOML rules file.
func LoadRules(path string) ([]Rule, error) {
	var f ruleFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, xerrors.Wrapf(err, "decode rules file %s", path)
	}
	if und := md.Undecoded(); len(und) > 0 {
		return nil, xerrors.Newf("rules file %s: unknown keys %v", path, und)
	}
	return f.Rules, nil
}

// NewFromFile builds a scanner from a rules file, or from DefaultRules when
// path is empty.
func NewFromFile(path string) (*PatternScanner, error) {
	if path == "" {
		return NewPatternScanner(DefaultRules())
	}
	rules, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	return NewPatternScanner(rules)
}

func (s *PatternScanner) Scan(ctx context.Context, text string) (Result, error) {
	var res Result
	for _, r := range s.rules {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		for _, loc := range r.re.FindAllStringIndex(text, -1) {
			res.Findings = append(res.Findings, Finding{Category: r.category, Start: loc[0], End: loc[1]})
			res.Risk = Max(res.Risk, r.risk)
		}
	}
	sortFindings(res.Findings)
	return res, nil
}
