// Package memstore is an in-process implementation of the request store,
// the audit chain and the project content source. It backs tests and
// single-node development runs.
package memstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/keithlinneman/govexport/internal/auditchain"
	"github.com/keithlinneman/govexport/internal/cryptoutil"
	"github.com/keithlinneman/govexport/internal/gate"
	"github.com/keithlinneman/govexport/internal/gather"
	"github.com/keithlinneman/govexport/internal/xerrors"
)

type project struct {
	decls  []gather.Declaration
	plans  []gather.AnalysisPlan
	arts   []gather.Artifact
	blobs  map[string][]byte
	gens   []gather.Generation
	briefs []gather.Brief
}

// Store holds everything in memory. Transactions are serialized by a single
// lock and staged so a failed function leaves no trace.
type Store struct {
	txMu sync.Mutex // held for the life of a transaction

	mu       sync.RWMutex
	requests map[string]gate.Request
	entries  []auditchain.Entry
	projects map[string]*project
}

func New() *Store {
	return &Store{
		requests: make(map[string]gate.Request),
		projects: make(map[string]*project),
	}
}

// Tx runs fn with exclusive write access. Writes become visible only when
// fn returns nil.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, tx gate.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	t := &tx{s: s, staged: make(map[string]gate.Request)}
	if err := fn(ctx, t); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range t.staged {
		s.requests[id] = r
	}
	s.entries = append(s.entries, t.appended...)
	return nil
}

func (s *Store) Request(ctx context.Context, id string) (gate.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return gate.Request{}, xerrors.Wrapf(gate.ErrNotFound, "request %s", id)
	}
	return r, nil
}

func (s *Store) ExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, r := range s.requests {
		if r.Expired(now) && r.ExpiryRecordedAt.IsZero() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// Entries returns committed entries in sequence order.
func (s *Store) Entries(ctx context.Context, f auditchain.Filter) ([]auditchain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auditchain.Entry
	for _, e := range s.entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Tamper rewrites a committed entry in place. It exists to exercise
// verification against a corrupted log.
func (s *Store) Tamper(seq int64, fn func(e *auditchain.Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].Sequence == seq {
			fn(&s.entries[i])
			return true
		}
	}
	return false
}

type tx struct {
	s        *Store
	staged   map[string]gate.Request
	appended []auditchain.Entry
}

func (t *tx) current(id string) (gate.Request, bool) {
	if r, ok := t.staged[id]; ok {
		return r, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	r, ok := t.s.requests[id]
	return r, ok
}

func (t *tx) LockRequest(ctx context.Context, id string) (gate.Request, error) {
	r, ok := t.current(id)
	if !ok {
		return gate.Request{}, xerrors.Wrapf(gate.ErrNotFound, "request %s", id)
	}
	return r, nil
}

func (t *tx) InsertRequest(ctx context.Context, r gate.Request) error {
	if _, ok := t.current(r.ID); ok {
		return xerrors.Newf("request %s already exists", r.ID)
	}
	t.staged[r.ID] = r
	return nil
}

func (t *tx) UpdateRequest(ctx context.Context, r gate.Request, expectVersion int64) error {
	cur, ok := t.current(r.ID)
	if !ok {
		return xerrors.Wrapf(gate.ErrNotFound, "request %s", r.ID)
	}
	if cur.Version != expectVersion {
		return gate.ErrConflict
	}
	t.staged[r.ID] = r
	return nil
}

func (t *tx) Last(ctx context.Context) (auditchain.Entry, bool, error) {
	if n := len(t.appended); n > 0 {
		return t.appended[n-1], true, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if n := len(t.s.entries); n > 0 {
		return t.s.entries[n-1], true, nil
	}
	return auditchain.Entry{}, false, nil
}

func (t *tx) Insert(ctx context.Context, e auditchain.Entry) error {
	last, ok, _ := t.Last(ctx)
	if ok && e.Sequence != last.Sequence+1 {
		return xerrors.Newf("audit sequence %d does not follow %d", e.Sequence, last.Sequence)
	}
	t.appended = append(t.appended, e)
	return nil
}

// project content

func (s *Store) proj(id string) *project {
	p, ok := s.projects[id]
	if !ok {
		p = &project{blobs: make(map[string][]byte)}
		s.projects[id] = p
	}
	return p
}

func (s *Store) AddDeclaration(projectID string, d gather.Declaration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.proj(projectID)
	p.decls = append(p.decls, d)
}

func (s *Store) AddAnalysisPlan(projectID string, ap gather.AnalysisPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.proj(projectID)
	p.plans = append(p.plans, ap)
}

// AddArtifact stores content and fills in the artifact's size and digest.
func (s *Store) AddArtifact(projectID string, a gather.Artifact, content []byte) gather.Artifact {
	a.Size = int64(len(content))
	a.SHA256 = cryptoutil.SHA256Hex(content)
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.proj(projectID)
	p.arts = append(p.arts, a)
	p.blobs[a.ID] = append([]byte(nil), content...)
	return a
}

func (s *Store) AddGeneration(projectID string, g gather.Generation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.proj(projectID)
	p.gens = append(p.gens, g)
}

func (s *Store) AddBrief(projectID string, b gather.Brief) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.proj(projectID)
	p.briefs = append(p.briefs, b)
}

func (s *Store) Declarations(ctx context.Context, projectID string) ([]gather.Declaration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.projects[projectID]; ok {
		return append([]gather.Declaration(nil), p.decls...), nil
	}
	return nil, nil
}

func (s *Store) AnalysisPlans(ctx context.Context, projectID string) ([]gather.AnalysisPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.projects[projectID]; ok {
		return append([]gather.AnalysisPlan(nil), p.plans...), nil
	}
	return nil, nil
}

func (s *Store) Artifacts(ctx context.Context, projectID string) ([]gather.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.projects[projectID]; ok {
		return append([]gather.Artifact(nil), p.arts...), nil
	}
	return nil, nil
}

func (s *Store) OpenArtifact(ctx context.Context, projectID, artifactID string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.projects[projectID]; ok {
		if b, ok := p.blobs[artifactID]; ok {
			return io.NopCloser(bytes.NewReader(b)), nil
		}
	}
	return nil, xerrors.Newf("artifact %s/%s not found", projectID, artifactID)
}

func (s *Store) Generations(ctx context.Context, projectID string) ([]gather.Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.projects[projectID]; ok {
		return append([]gather.Generation(nil), p.gens...), nil
	}
	return nil, nil
}

func (s *Store) Briefs(ctx context.Context, projectID string) ([]gather.Brief, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.projects[projectID]; ok {
		return append([]gather.Brief(nil), p.briefs...), nil
	}
	return nil, nil
}

var (
	_ gate.Store    = (*Store)(nil)
	_ gather.Source = (*Store)(nil)
)
