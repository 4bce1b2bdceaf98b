package auditchain

import "context"

// Filter selects entries for reads. Zero values mean no constraint.
type Filter struct {
	ProjectID string
	Scope     string
	// MaxSequence bounds the read to entries at or below this sequence.
	MaxSequence int64
}

// Reader returns entries in ascending sequence order.
type Reader interface {
	Entries(ctx context.Context, f Filter) ([]Entry, error)
}

// Match reports whether e passes f.
func (f Filter) Match(e Entry) bool {
	if f.ProjectID != "" && e.ProjectID != f.ProjectID {
		return false
	}
	if f.Scope != "" && e.Scope != f.Scope {
		return false
	}
	if f.MaxSequence > 0 && e.Sequence > f.MaxSequence {
		return false
	}
	return true
}
