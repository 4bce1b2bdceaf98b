package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"time"

	"github.com/keithlinneman/govexport/internal/cryptoutil"
	"github.com/keithlinneman/govexport/internal/gather"
	"github.com/keithlinneman/govexport/internal/xerrors"
)

// Project content is written by the research platform; the Put methods
// exist for imports and tests.

func (s *Store) query(ctx context.Context, stmt string, projectID string, scan func(*sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(stmt), projectID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) Declarations(ctx context.Context, projectID string) ([]gather.Declaration, error) {
	var out []gather.Declaration
	err := s.query(ctx, `SELECT id, version, title, hypothesis, body, created_by, created_at
FROM declarations WHERE project_id = ?`, projectID, func(rows *sql.Rows) error {
		var d gather.Declaration
		var at int64
		if err := rows.Scan(&d.ID, &d.Version, &d.Title, &d.Hypothesis, &d.Body, &d.CreatedBy, &at); err != nil {
			return err
		}
		d.CreatedAt = time.UnixMicro(at).UTC()
		out = append(out, d)
		return nil
	})
	return out, xerrors.Wrap(err, "query declarations")
}

func (s *Store) AnalysisPlans(ctx context.Context, projectID string) ([]gather.AnalysisPlan, error) {
	var out []gather.AnalysisPlan
	err := s.query(ctx, `SELECT id, version, title, body, created_by, created_at
FROM analysis_plans WHERE project_id = ?`, projectID, func(rows *sql.Rows) error {
		var p gather.AnalysisPlan
		var at int64
		if err := rows.Scan(&p.ID, &p.Version, &p.Title, &p.Body, &p.CreatedBy, &at); err != nil {
			return err
		}
		p.CreatedAt = time.UnixMicro(at).UTC()
		out = append(out, p)
		return nil
	})
	return out, xerrors.Wrap(err, "query analysis plans")
}

func (s *Store) Artifacts(ctx context.Context, projectID string) ([]gather.Artifact, error) {
	var out []gather.Artifact
	err := s.query(ctx, `SELECT id, stage, name, media_type, size, sha256, created_at
FROM artifacts WHERE project_id = ?`, projectID, func(rows *sql.Rows) error {
		var a gather.Artifact
		var at int64
		if err := rows.Scan(&a.ID, &a.Stage, &a.Name, &a.MediaType, &a.Size, &a.SHA256, &at); err != nil {
			return err
		}
		a.CreatedAt = time.UnixMicro(at).UTC()
		out = append(out, a)
		return nil
	})
	return out, xerrors.Wrap(err, "query artifacts")
}

func (s *Store) OpenArtifact(ctx context.Context, projectID, artifactID string) (io.ReadCloser, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind("SELECT content FROM artifacts WHERE project_id = ? AND id = ?"),
		projectID, artifactID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.Newf("artifact %s/%s not found", projectID, artifactID)
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "read artifact %s", artifactID)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (s *Store) Generations(ctx context.Context, projectID string) ([]gather.Generation, error) {
	var out []gather.Generation
	err := s.query(ctx, `SELECT id, kind, model, prompt, output, created_by, created_at
FROM ai_generations WHERE project_id = ?`, projectID, func(rows *sql.Rows) error {
		var g gather.Generation
		var at int64
		if err := rows.Scan(&g.ID, &g.Kind, &g.Model, &g.Prompt, &g.Output, &g.CreatedBy, &at); err != nil {
			return err
		}
		g.CreatedAt = time.UnixMicro(at).UTC()
		out = append(out, g)
		return nil
	})
	return out, xerrors.Wrap(err, "query generations")
}

func (s *Store) Briefs(ctx context.Context, projectID string) ([]gather.Brief, error) {
	var out []gather.Brief
	err := s.query(ctx, `SELECT id, title, summary, body, created_at
FROM research_briefs WHERE project_id = ?`, projectID, func(rows *sql.Rows) error {
		var b gather.Brief
		var at int64
		if err := rows.Scan(&b.ID, &b.Title, &b.Summary, &b.Body, &at); err != nil {
			return err
		}
		b.CreatedAt = time.UnixMicro(at).UTC()
		out = append(out, b)
		return nil
	})
	return out, xerrors.Wrap(err, "query briefs")
}

func (s *Store) exec(ctx context.Context, stmt string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(stmt), args...)
	return err
}

func (s *Store) PutDeclaration(ctx context.Context, projectID string, d gather.Declaration) error {
	return s.exec(ctx, `INSERT INTO declarations (project_id, id, version, title, hypothesis, body, created_by, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, projectID, d.ID, d.Version, d.Title, d.Hypothesis, d.Body, d.CreatedBy, d.CreatedAt.UnixMicro())
}

func (s *Store) PutAnalysisPlan(ctx context.Context, projectID string, p gather.AnalysisPlan) error {
	return s.exec(ctx, `INSERT INTO analysis_plans (project_id, id, version, title, body, created_by, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`, projectID, p.ID, p.Version, p.Title, p.Body, p.CreatedBy, p.CreatedAt.UnixMicro())
}

// PutArtifact stores content and returns the artifact with size and digest filled in.
func (s *Store) PutArtifact(ctx context.Context, projectID string, a gather.Artifact, content []byte) (gather.Artifact, error) {
	a.Size = int64(len(content))
	a.SHA256 = cryptoutil.SHA256Hex(content)
	err := s.exec(ctx, `INSERT INTO artifacts (project_id, id, stage, name, media_type, size, sha256, created_at, content)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, projectID, a.ID, a.Stage, a.Name, a.MediaType, a.Size, a.SHA256, a.CreatedAt.UnixMicro(), content)
	return a, err
}

func (s *Store) PutGeneration(ctx context.Context, projectID string, g gather.Generation) error {
	return s.exec(ctx, `INSERT INTO ai_generations (project_id, id, kind, model, prompt, output, created_by, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, projectID, g.ID, g.Kind, g.Model, g.Prompt, g.Output, g.CreatedBy, g.CreatedAt.UnixMicro())
}

func (s *Store) PutBrief(ctx context.Context, projectID string, b gather.Brief) error {
	return s.exec(ctx, `INSERT INTO research_briefs (project_id, id, title, summary, body, created_at)
VALUES (?, ?, ?, ?, ?, ?)`, projectID, b.ID, b.Title, b.Summary, b.Body, b.CreatedAt.UnixMicro())
}

var _ gather.Source = (*Store)(nil)
