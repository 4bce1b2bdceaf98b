// Package auditchain implements the hash-linked, append-only governance log.
//
// Every entry commits to its own fields and to the hash of the entry before
// it, so any edit, deletion or reordering of stored entries is detectable by
// recomputation alone.
package auditchain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/keithlinneman/govexport/internal/cryptoutil"
	"github.com/keithlinneman/govexport/internal/xerrors"
)

// Genesis is the previous-hash of the first entry in a chain.
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000"

type Action string

const (
	ActionCreated    Action = "CREATED"
	ActionEscalated  Action = "ESCALATED"
	ActionApproved   Action = "APPROVED"
	ActionRejected   Action = "REJECTED"
	ActionDownloaded Action = "DOWNLOADED"
	ActionExpired    Action = "EXPIRED"
)

type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Entry is one immutable record. Details is always a JSON object.
type Entry struct {
	Sequence     int64           `json:"sequence"`
	Action       Action          `json:"action"`
	Actor        Actor           `json:"actor"`
	Scope        string          `json:"scope"`
	ProjectID    string          `json:"projectId"`
	Details      json.RawMessage `json:"details"`
	Timestamp    time.Time       `json:"timestamp"`
	PreviousHash string          `json:"previousHash"`
	EntryHash    string          `json:"entryHash"`
}

// Draft is what callers supply; sequence and hashes are assigned by Append.
type Draft struct {
	Action    Action
	Actor     Actor
	Scope     string
	ProjectID string
	Details   any
	Timestamp time.Time
}

// Log is the storage the chain appends to. Last must acquire whatever lock
// serializes appends for the surrounding transaction and hold it until that
// transaction ends; Insert must reject a duplicate sequence.
type Log interface {
	Last(ctx context.Context) (Entry, bool, error)
	Insert(ctx context.Context, e Entry) error
}

// Append links d to the current head of l and inserts it.
func Append(ctx context.Context, l Log, d Draft) (Entry, error) {
	if d.Action == "" {
		return Entry{}, xerrors.New("audit entry requires an action")
	}
	details, err := encodeDetails(d.Details)
	if err != nil {
		return Entry{}, err
	}

	last, ok, err := l.Last(ctx)
	if err != nil {
		return Entry{}, xerrors.Wrap(err, "read audit chain head")
	}
	e := Entry{
		Sequence:     1,
		Action:       d.Action,
		Actor:        d.Actor,
		Scope:        d.Scope,
		ProjectID:    d.ProjectID,
		Details:      details,
		Timestamp:    NormalizeTime(d.Timestamp),
		PreviousHash: Genesis,
	}
	if ok {
		e.Sequence = last.Sequence + 1
		e.PreviousHash = last.EntryHash
	}
	e.EntryHash, err = ComputeHash(e)
	if err != nil {
		return Entry{}, err
	}
	if err := l.Insert(ctx, e); err != nil {
		return Entry{}, xerrors.Wrapf(err, "insert audit entry %d", e.Sequence)
	}
	return e, nil
}

// NormalizeTime truncates to microseconds in UTC, the precision every
// supported store round-trips exactly.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func encodeDetails(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage(`{}`), nil
		}
		v = raw
	}
	b, err := cryptoutil.CanonicalJSON(v)
	if err != nil {
		return nil, xerrors.Wrap(err, "encode audit details")
	}
	if string(b) == "null" {
		return json.RawMessage(`{}`), nil
	}
	if len(b) == 0 || b[0] != '{' {
		return nil, xerrors.Newf("audit details must be a JSON object, got %s", b)
	}
	return b, nil
}

type hashable struct {
	Sequence     int64           `json:"sequence"`
	Action       Action          `json:"action"`
	Actor        Actor           `json:"actor"`
	Scope        string          `json:"scope"`
	ProjectID    string          `json:"projectId"`
	Details      json.RawMessage `json:"details"`
	Timestamp    string          `json:"timestamp"`
	PreviousHash string          `json:"previousHash"`
}

// ComputeHash returns the hex SHA-256 of the canonical encoding of every
// field of e except EntryHash.
func ComputeHash(e Entry) (string, error) {
	details := e.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	h, err := cryptoutil.CanonicalSHA256(hashable{
		Sequence:     e.Sequence,
		Action:       e.Action,
		Actor:        e.Actor,
		Scope:        e.Scope,
		ProjectID:    e.ProjectID,
		Details:      details,
		Timestamp:    NormalizeTime(e.Timestamp).Format(time.RFC3339Nano),
		PreviousHash: e.PreviousHash,
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "hash audit entry %d", e.Sequence)
	}
	return h, nil
}
