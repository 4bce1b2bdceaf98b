package gather

import (
	"context"
	"sort"
	"strconv"

	"github.com/keithlinneman/govexport/internal/auditchain"
	"github.com/keithlinneman/govexport/internal/xerrors"
)

// Gatherer reads a project's content and its audit entries into a Snapshot.
type Gatherer struct {
	source Source
	audit  auditchain.Reader
}

func New(source Source, audit auditchain.Reader) *Gatherer {
	return &Gatherer{source: source, audit: audit}
}

// ScanItems lists everything in snap the classifier should see, including
// the bodies of textual artifacts.
func (g *Gatherer) ScanItems(ctx context.Context, snap Snapshot) ([]ScanItem, error) {
	return CollectScanItems(ctx, snap, g.source, 0)
}

// Source exposes the underlying content source, for streaming artifact bodies.
func (g *Gatherer) Source() Source { return g.source }

// Gather collects the snapshot of projectID. auditBound limits audit entries
// to sequence <= auditBound; zero includes the whole chain.
func (g *Gatherer) Gather(ctx context.Context, projectID string, auditBound int64) (Snapshot, error) {
	if projectID == "" {
		return Snapshot{}, xerrors.New("gather: project id is required")
	}
	snap := Snapshot{ProjectID: projectID}
	var err error

	if snap.Declarations, err = g.source.Declarations(ctx, projectID); err != nil {
		return Snapshot{}, xerrors.Wrap(err, "gather declarations")
	}
	if snap.Plans, err = g.source.AnalysisPlans(ctx, projectID); err != nil {
		return Snapshot{}, xerrors.Wrap(err, "gather analysis plans")
	}
	if snap.Artifacts, err = g.source.Artifacts(ctx, projectID); err != nil {
		return Snapshot{}, xerrors.Wrap(err, "gather artifacts")
	}
	if snap.Generations, err = g.source.Generations(ctx, projectID); err != nil {
		return Snapshot{}, xerrors.Wrap(err, "gather generations")
	}
	if snap.Briefs, err = g.source.Briefs(ctx, projectID); err != nil {
		return Snapshot{}, xerrors.Wrap(err, "gather briefs")
	}
	if g.audit != nil {
		snap.Audit, err = g.audit.Entries(ctx, auditchain.Filter{ProjectID: projectID, MaxSequence: auditBound})
		if err != nil {
			return Snapshot{}, xerrors.Wrap(err, "gather audit entries")
		}
	}

	sortSnapshot(&snap)
	return snap, nil
}

func sortSnapshot(s *Snapshot) {
	sort.SliceStable(s.Declarations, func(i, j int) bool {
		a, b := s.Declarations[i], s.Declarations[j]
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Version < b.Version
	})
	sort.SliceStable(s.Plans, func(i, j int) bool {
		a, b := s.Plans[i], s.Plans[j]
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Version < b.Version
	})
	sort.SliceStable(s.Artifacts, func(i, j int) bool {
		a, b := s.Artifacts[i], s.Artifacts[j]
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	sort.SliceStable(s.Audit, func(i, j int) bool { return s.Audit[i].Sequence < s.Audit[j].Sequence })
	sort.SliceStable(s.Generations, func(i, j int) bool {
		a, b := s.Generations[i], s.Generations[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	sort.SliceStable(s.Briefs, func(i, j int) bool { return s.Briefs[i].ID < s.Briefs[j].ID })
}

func versionRef(id string, v int) string { return id + "@v" + strconv.Itoa(v) }
