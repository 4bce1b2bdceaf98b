package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/keithlinneman/govexport/internal/classifier"
	"github.com/keithlinneman/govexport/internal/gate"
	"github.com/keithlinneman/govexport/internal/xerrors"
)

var requestColumns = []string{
	"id", "bundle_id", "project_id",
	"requester_id", "requester_role", "requester_email", "requester_name",
	"state", "requested_at", "reviewed_at", "completed_at", "expires_at",
	"reviewer_id", "reviewer_role", "decision_reason",
	"override_json", "counts_json", "scan_json",
	"version", "approval_sequence", "bundle_hash", "manifest_hash", "expiry_recorded_at",
}

var selectRequest = "SELECT " + strings.Join(requestColumns, ", ") + " FROM export_requests WHERE id = ?"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (gate.Request, error) {
	var (
		r                                   gate.Request
		reqRole, state, revRole             string
		reviewed, completed, expires, expRc sql.NullInt64
		requested                           int64
		overrideJSON, countsJSON, scanJSON  string
	)
	err := row.Scan(
		&r.ID, &r.BundleID, &r.ProjectID,
		&r.Requester.ID, &reqRole, &r.Requester.Email, &r.Requester.Name,
		&state, &requested, &reviewed, &completed, &expires,
		&r.ReviewerID, &revRole, &r.DecisionReason,
		&overrideJSON, &countsJSON, &scanJSON,
		&r.Version, &r.ApprovalSequence, &r.BundleHash, &r.ManifestHash, &expRc,
	)
	if err != nil {
		return gate.Request{}, err
	}
	r.Requester.Role = gate.Role(reqRole)
	r.State = gate.State(state)
	r.ReviewerRole = gate.Role(revRole)
	r.RequestedAt = time.UnixMicro(requested).UTC()
	r.ReviewedAt = fromMicros(reviewed)
	r.CompletedAt = fromMicros(completed)
	r.ExpiresAt = fromMicros(expires)
	r.ExpiryRecordedAt = fromMicros(expRc)

	if !r.State.Valid() {
		return gate.Request{}, xerrors.Newf("request %s has unknown state %q", r.ID, state)
	}
	if err := json.Unmarshal([]byte(overrideJSON), &r.Override); err != nil {
		return gate.Request{}, xerrors.Wrapf(err, "decode override of %s", r.ID)
	}
	r.Override.AppliedAt = r.Override.AppliedAt.UTC()
	r.Override.ExpiresAt = r.Override.ExpiresAt.UTC()
	if err := json.Unmarshal([]byte(countsJSON), &r.Counts); err != nil {
		return gate.Request{}, xerrors.Wrapf(err, "decode counts of %s", r.ID)
	}
	var scan classifier.Summary
	if err := json.Unmarshal([]byte(scanJSON), &scan); err != nil {
		return gate.Request{}, xerrors.Wrapf(err, "decode scan summary of %s", r.ID)
	}
	r.Scan = scan
	return r, nil
}

// requestArgs returns column values in requestColumns order.
func requestArgs(r gate.Request) ([]any, error) {
	override, err := json.Marshal(r.Override)
	if err != nil {
		return nil, xerrors.Wrap(err, "encode override")
	}
	counts := r.Counts
	if counts == nil {
		counts = map[string]int{}
	}
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return nil, xerrors.Wrap(err, "encode counts")
	}
	scanJSON, err := json.Marshal(r.Scan)
	if err != nil {
		return nil, xerrors.Wrap(err, "encode scan summary")
	}
	return []any{
		r.ID, r.BundleID, r.ProjectID,
		r.Requester.ID, string(r.Requester.Role), r.Requester.Email, r.Requester.Name,
		string(r.State), r.RequestedAt.UnixMicro(), toMicros(r.ReviewedAt), toMicros(r.CompletedAt), toMicros(r.ExpiresAt),
		r.ReviewerID, string(r.ReviewerRole), r.DecisionReason,
		string(override), string(countsJSON), string(scanJSON),
		r.Version, r.ApprovalSequence, r.BundleHash, r.ManifestHash, toMicros(r.ExpiryRecordedAt),
	}, nil
}

func notFound(err error, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return xerrors.Wrapf(gate.ErrNotFound, "request %s", id)
	}
	return xerrors.Wrapf(err, "load request %s", id)
}

func (s *Store) Request(ctx context.Context, id string) (gate.Request, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx, s.dialect.rebind(selectRequest), id))
	if err != nil {
		return gate.Request{}, notFound(err, id)
	}
	return r, nil
}

func (s *Store) ExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	q := s.dialect.rebind(`SELECT id FROM export_requests
WHERE state = ? AND expires_at IS NOT NULL AND expires_at <= ? AND expiry_recorded_at IS NULL
ORDER BY id LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, q, string(gate.StateApproved), now.UnixMicro(), limit)
	if err != nil {
		return nil, xerrors.Wrap(err, "query expired approvals")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, xerrors.Wrap(err, "scan expired approval")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *tx) LockRequest(ctx context.Context, id string) (gate.Request, error) {
	q := selectRequest
	if t.dialect == Postgres {
		q += " FOR UPDATE"
	}
	r, err := scanRequest(t.tx.QueryRowContext(ctx, t.dialect.rebind(q), id))
	if err != nil {
		return gate.Request{}, notFound(err, id)
	}
	return r, nil
}

func (t *tx) InsertRequest(ctx context.Context, r gate.Request) error {
	args, err := requestArgs(r)
	if err != nil {
		return err
	}
	q := "INSERT INTO export_requests (" + strings.Join(requestColumns, ", ") + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(requestColumns)), ", ") + ")"
	if _, err := t.tx.ExecContext(ctx, t.dialect.rebind(q), args...); err != nil {
		return xerrors.Wrapf(err, "insert request %s", r.ID)
	}
	return nil
}

func (t *tx) UpdateRequest(ctx context.Context, r gate.Request, expectVersion int64) error {
	args, err := requestArgs(r)
	if err != nil {
		return err
	}
	// id is the first column and stays out of SET
	sets := make([]string, 0, len(requestColumns)-1)
	for _, c := range requestColumns[1:] {
		sets = append(sets, c+" = ?")
	}
	q := "UPDATE export_requests SET " + strings.Join(sets, ", ") + " WHERE id = ? AND version = ?"
	args = append(args[1:], r.ID, expectVersion)

	res, err := t.tx.ExecContext(ctx, t.dialect.rebind(q), args...)
	if err != nil {
		return xerrors.Wrapf(err, "update request %s", r.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return gate.ErrConflict
	}
	return nil
}
