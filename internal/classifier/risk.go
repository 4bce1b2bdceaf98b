package classifier

import (
	"fmt"
	"strings"
)

// Risk is the ordered severity of a scan result. The zero value is RiskNone.
type Risk int

const (
	RiskNone Risk = iota
	RiskLow
	RiskMedium
	RiskHigh
)

func (r Risk) String() string {
	switch r {
	case RiskNone:
		return "none"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return fmt.Sprintf("risk(%d)", int(r))
	}
}

// ParseRisk accepts the lowercase names returned by String.
func ParseRisk(s string) (Risk, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return RiskNone, nil
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	default:
		return RiskNone, fmt.Errorf("unknown risk level %q (valid levels are none|low|medium|high)", s)
	}
}

func (r Risk) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Risk) UnmarshalText(b []byte) error {
	v, err := ParseRisk(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Max returns the more severe of a and b.
func Max(a, b Risk) Risk {
	if a > b {
		return a
	}
	return b
}
