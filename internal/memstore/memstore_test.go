package memstore

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/keithlinneman/govexport/internal/auditchain"
	"github.com/keithlinneman/govexport/internal/gate"
	"github.com/keithlinneman/govexport/internal/gather"
)

func TestTx_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	err := s.Tx(ctx, func(ctx context.Context, tx gate.Tx) error {
		if err := tx.InsertRequest(ctx, gate.Request{ID: "r1", Version: 1}); err != nil {
			return err
		}
		if _, err := auditchain.Append(ctx, tx, auditchain.Draft{Action: auditchain.ActionCreated, Scope: "r1", Timestamp: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.Request(ctx, "r1"); !errors.Is(err, gate.ErrNotFound) {
		t.Fatalf("request leaked: %v", err)
	}
	if es, _ := s.Entries(ctx, auditchain.Filter{}); len(es) != 0 {
		t.Fatalf("entries leaked: %d", len(es))
	}
}

func TestTx_CommitAndConflict(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.Tx(ctx, func(ctx context.Context, tx gate.Tx) error {
		return tx.InsertRequest(ctx, gate.Request{ID: "r1", Version: 1, State: gate.StatePending})
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.Tx(ctx, func(ctx context.Context, tx gate.Tx) error {
		r, err := tx.LockRequest(ctx, "r1")
		if err != nil {
			return err
		}
		r.Version = 2
		return tx.UpdateRequest(ctx, r, 5)
	})
	if !errors.Is(err, gate.ErrConflict) {
		t.Fatalf("want conflict, got %v", err)
	}

	err = s.Tx(ctx, func(ctx context.Context, tx gate.Tx) error {
		return tx.InsertRequest(ctx, gate.Request{ID: "r1"})
	})
	if err == nil {
		t.Fatal("duplicate insert accepted")
	}
}

func TestExpiredApprovals(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	reqs := []gate.Request{
		{ID: "b", State: gate.StateApproved, ExpiresAt: now.Add(-time.Hour)},
		{ID: "a", State: gate.StateApproved, ExpiresAt: now},
		{ID: "c", State: gate.StateApproved, ExpiresAt: now.Add(time.Hour)},
		{ID: "d", State: gate.StateApproved, ExpiresAt: now.Add(-time.Hour), ExpiryRecordedAt: now},
		{ID: "e", State: gate.StateRejected, ExpiresAt: now.Add(-time.Hour)},
	}
	if err := s.Tx(ctx, func(ctx context.Context, tx gate.Tx) error {
		for _, r := range reqs {
			if err := tx.InsertRequest(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ids, err := s.ExpiredApprovals(ctx, now, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("ids = %v", ids)
	}
	ids, _ = s.ExpiredApprovals(ctx, now, 1)
	if len(ids) != 1 {
		t.Fatalf("limit ignored: %v", ids)
	}
}

func TestContentSource(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := s.AddArtifact("p", gather.Artifact{ID: "a1", Name: "x.txt"}, []byte("hello"))
	if a.Size != 5 || len(a.SHA256) != 64 {
		t.Fatalf("artifact metadata not filled: %+v", a)
	}

	rc, err := s.OpenArtifact(ctx, "p", "a1")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(rc)
	if string(b) != "hello" {
		t.Fatalf("content = %q", b)
	}
	if _, err := s.OpenArtifact(ctx, "p", "missing"); err == nil {
		t.Fatal("missing artifact opened")
	}
	if ds, err := s.Declarations(ctx, "none"); err != nil || ds != nil {
		t.Fatalf("unknown project: %v %v", ds, err)
	}
}
