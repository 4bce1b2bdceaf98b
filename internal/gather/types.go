// Package gather assembles the versioned snapshot of a project's governed
// research content that an export covers.
package gather

import (
	"context"
	"io"
	"time"

	"github.com/keithlinneman/govexport/internal/auditchain"
)

// Category names double as top-level directories in the export archive.
const (
	CategoryTopics    = "topics"
	CategoryPlans     = "statistical-plans"
	CategoryArtifacts = "artifacts"
	CategoryAudit     = "audit-logs"
	CategoryPrompts   = "prompts"
	CategoryBriefs    = "research-briefs"
)

// Categories in archive order.
var Categories = []string{
	CategoryTopics,
	CategoryPlans,
	CategoryArtifacts,
	CategoryAudit,
	CategoryPrompts,
	CategoryBriefs,
}

// Declaration is one version of a topic declaration.
type Declaration struct {
	ID         string    `json:"id"`
	Version    int       `json:"version"`
	Title      string    `json:"title"`
	Hypothesis string    `json:"hypothesis"`
	Body       string    `json:"body"`
	CreatedBy  string    `json:"createdBy"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AnalysisPlan is one version of a statistical analysis plan.
type AnalysisPlan struct {
	ID        string    `json:"id"`
	Version   int       `json:"version"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// Artifact is file metadata; content is read through Source.OpenArtifact.
type Artifact struct {
	ID        string    `json:"id"`
	Stage     string    `json:"stage"`
	Name      string    `json:"name"`
	MediaType string    `json:"mediaType"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"createdAt"`
}

// Generation records one AI-assisted generation: the prompt sent and what came back.
type Generation struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Model     string    `json:"model"`
	Prompt    string    `json:"prompt"`
	Output    string    `json:"output"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

type Brief struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Source reads a project's governed content. Implementations return every
// version of versioned records; ordering is applied by the Gatherer.
type Source interface {
	Declarations(ctx context.Context, projectID string) ([]Declaration, error)
	AnalysisPlans(ctx context.Context, projectID string) ([]AnalysisPlan, error)
	Artifacts(ctx context.Context, projectID string) ([]Artifact, error)
	OpenArtifact(ctx context.Context, projectID, artifactID string) (io.ReadCloser, error)
	Generations(ctx context.Context, projectID string) ([]Generation, error)
	Briefs(ctx context.Context, projectID string) ([]Brief, error)
}

// Snapshot is everything an export of one project contains.
type Snapshot struct {
	ProjectID    string
	Declarations []Declaration
	Plans        []AnalysisPlan
	Artifacts    []Artifact
	Audit        []auditchain.Entry
	Generations  []Generation
	Briefs       []Brief
}

// ScanItem is one piece of free text submitted to the classifier.
type ScanItem struct {
	Category string `json:"category"`
	Ref      string `json:"ref"`
	Text     string `json:"-"`
}

// Counts returns the number of records per category.
func (s Snapshot) Counts() map[string]int {
	return map[string]int{
		CategoryTopics:    len(s.Declarations),
		CategoryPlans:     len(s.Plans),
		CategoryArtifacts: len(s.Artifacts),
		CategoryAudit:     len(s.Audit),
		CategoryPrompts:   len(s.Generations),
		CategoryBriefs:    len(s.Briefs),
	}
}

// ScanItems lists the free-text fields of the snapshot in a stable order.
// Audit entries are excluded; their details are written by this service.
func (s Snapshot) ScanItems() []ScanItem {
	var out []ScanItem
	add := func(cat, ref, text string) {
		if text == "" {
			return
		}
		out = append(out, ScanItem{Category: cat, Ref: ref, Text: text})
	}
	for _, d := range s.Declarations {
		ref := versionRef(d.ID, d.Version)
		add(CategoryTopics, ref+"#title", d.Title)
		add(CategoryTopics, ref+"#hypothesis", d.Hypothesis)
		add(CategoryTopics, ref+"#body", d.Body)
	}
	for _, p := range s.Plans {
		ref := versionRef(p.ID, p.Version)
		add(CategoryPlans, ref+"#title", p.Title)
		add(CategoryPlans, ref+"#body", p.Body)
	}
	for _, a := range s.Artifacts {
		add(CategoryArtifacts, a.ID+"#name", a.Name)
	}
	for _, g := range s.Generations {
		add(CategoryPrompts, g.ID+"#prompt", g.Prompt)
		add(CategoryPrompts, g.ID+"#output", g.Output)
	}
	for _, b := range s.Briefs {
		add(CategoryBriefs, b.ID+"#title", b.Title)
		add(CategoryBriefs, b.ID+"#summary", b.Summary)
		add(CategoryBriefs, b.ID+"#body", b.Body)
	}
	return out
}
