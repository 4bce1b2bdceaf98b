package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/keithlinneman/govexport/internal/auditchain"
	"github.com/keithlinneman/govexport/internal/xerrors"
)

const auditColumns = "sequence, action, actor_id, actor_role, scope, project_id, details, ts, previous_hash, entry_hash"

func scanEntry(row rowScanner) (auditchain.Entry, error) {
	var (
		e       auditchain.Entry
		action  string
		details string
		ts      int64
	)
	if err := row.Scan(&e.Sequence, &action, &e.Actor.ID, &e.Actor.Role, &e.Scope, &e.ProjectID,
		&details, &ts, &e.PreviousHash, &e.EntryHash); err != nil {
		return auditchain.Entry{}, err
	}
	e.Action = auditchain.Action(action)
	e.Details = json.RawMessage(details)
	e.Timestamp = time.UnixMicro(ts).UTC()
	return e, nil
}

// Last takes the append lock for the rest of the transaction, then reads the
// chain head. SQLite serializes through its single connection.
func (t *tx) Last(ctx context.Context) (auditchain.Entry, bool, error) {
	if t.dialect == Postgres {
		if _, err := t.tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", auditLockKey); err != nil {
			return auditchain.Entry{}, false, xerrors.Wrap(err, "lock audit chain")
		}
	}
	q := "SELECT " + auditColumns + " FROM audit_entries ORDER BY sequence DESC LIMIT 1"
	e, err := scanEntry(t.tx.QueryRowContext(ctx, q))
	if errors.Is(err, sql.ErrNoRows) {
		return auditchain.Entry{}, false, nil
	}
	if err != nil {
		return auditchain.Entry{}, false, xerrors.Wrap(err, "read audit head")
	}
	return e, true, nil
}

func (t *tx) Insert(ctx context.Context, e auditchain.Entry) error {
	q := t.dialect.rebind("INSERT INTO audit_entries (" + auditColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
	_, err := t.tx.ExecContext(ctx, q,
		e.Sequence, string(e.Action), e.Actor.ID, e.Actor.Role, e.Scope, e.ProjectID,
		string(e.Details), e.Timestamp.UnixMicro(), e.PreviousHash, e.EntryHash)
	return err
}

// Entries reads committed entries in ascending sequence order.
func (s *Store) Entries(ctx context.Context, f auditchain.Filter) ([]auditchain.Entry, error) {
	return entries(ctx, s.db, s.dialect, f)
}

func entries(ctx context.Context, q querier, d Dialect, f auditchain.Filter) ([]auditchain.Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, f.Scope)
	}
	if f.MaxSequence > 0 {
		where = append(where, "sequence <= ?")
		args = append(args, f.MaxSequence)
	}
	stmt := "SELECT " + auditColumns + " FROM audit_entries"
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY sequence"

	rows, err := q.QueryContext(ctx, d.rebind(stmt), args...)
	if err != nil {
		return nil, xerrors.Wrap(err, "query audit entries")
	}
	defer rows.Close()
	var out []auditchain.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, xerrors.Wrap(err, "scan audit entry")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
