package auditchain

import (
	"fmt"

	"github.com/keithlinneman/govexport/internal/cryptoutil"
)

// Verification is the result of walking a chain.
type Verification struct {
	Valid   bool `json:"valid"`
	Checked int  `json:"checked"`
	// BrokenAt is the index into the verified slice of the first bad entry,
	// -1 when the chain is valid.
	BrokenAt         int    `json:"brokenAt"`
	BrokenAtSequence int64  `json:"brokenAtSequence,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

func broken(i int, e Entry, format string, args ...any) Verification {
	return Verification{
		Valid:            false,
		Checked:          i,
		BrokenAt:         i,
		BrokenAtSequence: e.Sequence,
		Reason:           fmt.Sprintf(format, args...),
	}
}

// Verify walks entries in the order given, which must be ascending sequence.
// Each entry's hash is recomputed from its fields and compared to the stored
// value, then its link to the previous entry is checked. A slice that starts
// at sequence 1 must link to Genesis; a slice starting later is treated as a
// window and its first link is not checked.
func Verify(entries []Entry) Verification {
	for i, e := range entries {
		want, err := ComputeHash(e)
		if err != nil {
			return broken(i, e, "recompute: %v", err)
		}
		if !cryptoutil.HashEqual(want, e.EntryHash) {
			return broken(i, e, "entry hash mismatch")
		}

		if i == 0 {
			if e.Sequence == 1 && e.PreviousHash != Genesis {
				return broken(i, e, "first entry does not link to genesis")
			}
			continue
		}
		prev := entries[i-1]
		if e.Sequence != prev.Sequence+1 {
			return broken(i, e, "sequence gap: %d follows %d", e.Sequence, prev.Sequence)
		}
		if !cryptoutil.HashEqual(e.PreviousHash, prev.EntryHash) {
			return broken(i, e, "previous hash does not match entry %d", prev.Sequence)
		}
	}
	return Verification{Valid: true, Checked: len(entries), BrokenAt: -1}
}

// VerifyEntries recomputes each entry hash independently without checking
// linkage. It is used for subsets of a chain, such as one project's entries.
func VerifyEntries(entries []Entry) Verification {
	for i, e := range entries {
		want, err := ComputeHash(e)
		if err != nil {
			return broken(i, e, "recompute: %v", err)
		}
		if !cryptoutil.HashEqual(want, e.EntryHash) {
			return broken(i, e, "entry hash mismatch")
		}
	}
	return Verification{Valid: true, Checked: len(entries), BrokenAt: -1}
}
