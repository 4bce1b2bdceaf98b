// Package classifier defines the sensitive-content scanner used to gate
// exports, and a rule-based default implementation.
//
// A Scanner reports a risk level and located findings for a piece of text.
// Findings carry offsets and a category only; the matched text itself never
// leaves the scanner except as a truncated digest (DisplayHash).
package classifier
