package bundle

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/keithlinneman/govexport/internal/auditchain"
	"github.com/keithlinneman/govexport/internal/classifier"
	"github.com/keithlinneman/govexport/internal/cryptoutil"
	"github.com/keithlinneman/govexport/internal/gather"
	"github.com/keithlinneman/govexport/internal/pathutil"
	"github.com/keithlinneman/govexport/internal/xerrors"
)

// ArtifactOpener streams artifact bodies.
type ArtifactOpener = gather.ArtifactOpener

// Input is everything one archive is built from.
type Input struct {
	BundleID  string
	CreatedAt time.Time
	Requester Party
	Approval  Approval
	Snapshot  gather.Snapshot
	// Chain is the verification of the global chain up to the approval.
	Chain auditchain.Verification
}

type Result struct {
	Manifest     Manifest
	ManifestHash string
	BundleHash   string
	Size         int64
}

type Builder struct {
	scanner classifier.Scanner
	opener  ArtifactOpener
}

func NewBuilder(scanner classifier.Scanner, opener ArtifactOpener) *Builder {
	return &Builder{scanner: scanner, opener: opener}
}

// entry is one file pending in the archive.
type entry struct {
	path     string
	category string
	write    func(ctx context.Context, w io.Writer) error
}

// Build writes the archive for in to w and returns its manifest and hashes.
// Output is a pure function of in and the artifact bodies.
func (b *Builder) Build(ctx context.Context, in Input, w io.Writer) (res Result, err error) {
	ctx, span := otel.Tracer("govexport/bundle").Start(ctx, "bundle.Build")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "build failed")
		}
		span.End()
	}()
	span.SetAttributes(
		attribute.String("bundle.id", in.BundleID),
		attribute.String("project.id", in.Snapshot.ProjectID),
	)

	if in.BundleID == "" || in.Snapshot.ProjectID == "" {
		return Result{}, xerrors.New("bundle: bundle id and project id are required")
	}
	createdAt := auditchain.NormalizeTime(in.CreatedAt)

	report, err := b.scan(ctx, in.Snapshot)
	if err != nil {
		return Result{}, err
	}
	entries, err := b.layout(in.Snapshot, report, in.Chain)
	if err != nil {
		return Result{}, err
	}

	hw := cryptoutil.NewHashingWriter(w)
	zw := zip.NewWriter(hw)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	m := Manifest{
		Schema:        SchemaV1,
		BundleID:      in.BundleID,
		ProjectID:     in.Snapshot.ProjectID,
		CreatedAt:     createdAt,
		Requester:     in.Requester,
		Approval:      in.Approval,
		Contents:      map[string]CategoryInfo{},
		ScanReport:    report,
		ChainVerified: in.Chain.Valid && auditchain.VerifyEntries(in.Snapshot.Audit).Valid,
	}
	if !in.Chain.Valid {
		m.ChainBrokenAt = in.Chain.BrokenAtSequence
	}
	for _, c := range gather.Categories {
		m.Contents[c] = CategoryInfo{}
	}
	for c, n := range in.Snapshot.Counts() {
		ci := m.Contents[c]
		ci.Count = n
		m.Contents[c] = ci
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		fe, err := writeEntry(ctx, zw, e.path, createdAt, e.write)
		if err != nil {
			return Result{}, xerrors.Wrapf(err, "write %s", e.path)
		}
		m.Files = append(m.Files, fe)
		if e.category != "" {
			ci := m.Contents[e.category]
			ci.Bytes += fe.Size
			m.Contents[e.category] = ci
		}
	}

	readme := renderReadme(m)
	fe, err := writeEntry(ctx, zw, ReadmePath, createdAt, func(_ context.Context, w io.Writer) error {
		_, err := io.WriteString(w, readme)
		return err
	})
	if err != nil {
		return Result{}, xerrors.Wrap(err, "write readme")
	}
	m.Files = append(m.Files, fe)
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Path < m.Files[j].Path })

	m.ManifestHash, err = ComputeManifestHash(m)
	if err != nil {
		return Result{}, xerrors.Wrap(err, "manifest hash")
	}
	manifestJSON, err := encodeJSON(m)
	if err != nil {
		return Result{}, err
	}
	if _, err := writeEntry(ctx, zw, ManifestPath, createdAt, func(_ context.Context, w io.Writer) error {
		_, err := w.Write(manifestJSON)
		return err
	}); err != nil {
		return Result{}, xerrors.Wrap(err, "write manifest")
	}

	if err := zw.Close(); err != nil {
		return Result{}, xerrors.Wrap(err, "finalize zip")
	}

	m.BundleHash = hw.Sum()
	span.SetAttributes(attribute.String("bundle.hash", m.BundleHash), attribute.Int64("bundle.size", hw.Size()))
	return Result{
		Manifest:     m,
		ManifestHash: m.ManifestHash,
		BundleHash:   m.BundleHash,
		Size:         hw.Size(),
	}, nil
}

func writeEntry(ctx context.Context, zw *zip.Writer, path string, mod time.Time, write func(context.Context, io.Writer) error) (FileEntry, error) {
	hdr := &zip.FileHeader{
		Name:     path,
		Method:   zip.Deflate,
		Modified: mod,
	}
	hdr.SetMode(0o644)
	fw, err := zw.CreateHeader(hdr)
	if err != nil {
		return FileEntry{}, err
	}
	hw := cryptoutil.NewHashingWriter(fw)
	if err := write(ctx, hw); err != nil {
		return FileEntry{}, err
	}
	return FileEntry{Path: path, SHA256: hw.Sum(), Size: hw.Size()}, nil
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, xerrors.Wrap(err, "encode json")
	}
	return buf.Bytes(), nil
}

func jsonEntry(path, category string, v any) (entry, error) {
	b, err := encodeJSON(v)
	if err != nil {
		return entry{}, xerrors.Wrapf(err, "encode %s", path)
	}
	return entry{path: path, category: category, write: func(_ context.Context, w io.Writer) error {
		_, err := w.Write(b)
		return err
	}}, nil
}

// layout decides every archive path. Paths are unique and sorted.
func (b *Builder) layout(s gather.Snapshot, report ScanReport, chain auditchain.Verification) ([]entry, error) {
	var out []entry
	add := func(e entry, err error) error {
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	}

	for _, d := range s.Declarations {
		p := fmt.Sprintf("%s/%s/v%d.json", gather.CategoryTopics, pathutil.SafeName(d.ID, "topic"), d.Version)
		if err := add(jsonEntry(p, gather.CategoryTopics, d)); err != nil {
			return nil, err
		}
	}
	for _, pl := range s.Plans {
		p := fmt.Sprintf("%s/%s/v%d.json", gather.CategoryPlans, pathutil.SafeName(pl.ID, "plan"), pl.Version)
		if err := add(jsonEntry(p, gather.CategoryPlans, pl)); err != nil {
			return nil, err
		}
	}

	seen := map[string]bool{}
	for _, a := range s.Artifacts {
		dir := gather.CategoryArtifacts + "/" + pathutil.SafeName(a.Stage, "unstaged")
		p := dir + "/" + pathutil.SafeName(a.Name, "artifact")
		if seen[p] {
			p = dir + "/" + pathutil.SafeName(a.ID, "artifact") + "-" + pathutil.SafeName(a.Name, "artifact")
		}
		seen[p] = true
		out = append(out, entry{path: p, category: gather.CategoryArtifacts, write: func(ctx context.Context, w io.Writer) error {
			return b.copyArtifact(ctx, s.ProjectID, a, w)
		}})
	}

	if err := add(jsonEntry(gather.CategoryAudit+"/entries.json", gather.CategoryAudit, auditOrEmpty(s.Audit))); err != nil {
		return nil, err
	}
	for _, g := range s.Generations {
		p := gather.CategoryPrompts + "/" + pathutil.SafeName(g.ID, "generation") + ".json"
		if err := add(jsonEntry(p, gather.CategoryPrompts, g)); err != nil {
			return nil, err
		}
	}
	for _, br := range s.Briefs {
		p := gather.CategoryBriefs + "/" + pathutil.SafeName(br.ID, "brief") + ".md"
		out = append(out, entry{path: p, category: gather.CategoryBriefs, write: func(_ context.Context, w io.Writer) error {
			_, err := io.WriteString(w, renderBrief(br))
			return err
		}})
	}

	if err := add(jsonEntry("metadata/scan-report.json", "", report)); err != nil {
		return nil, err
	}
	if err := add(jsonEntry("metadata/chain-verification.json", "", chain)); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].path < out[j].path })
	for i := 1; i < len(out); i++ {
		if out[i].path == out[i-1].path {
			return nil, xerrors.Newf("bundle: duplicate archive path %s", out[i].path)
		}
	}
	return out, nil
}

func auditOrEmpty(es []auditchain.Entry) []auditchain.Entry {
	if es == nil {
		return []auditchain.Entry{}
	}
	return es
}

// copyArtifact streams one artifact and checks it against its recorded digest.
func (b *Builder) copyArtifact(ctx context.Context, projectID string, a gather.Artifact, w io.Writer) error {
	if b.opener == nil {
		return xerrors.New("bundle: no artifact source configured")
	}
	rc, err := b.opener.OpenArtifact(ctx, projectID, a.ID)
	if err != nil {
		return xerrors.Wrapf(err, "open artifact %s", a.ID)
	}
	defer rc.Close()

	hw := cryptoutil.NewHashingWriter(w)
	if _, err := io.Copy(hw, ctxReader{ctx: ctx, r: rc}); err != nil {
		return xerrors.Wrapf(err, "copy artifact %s", a.ID)
	}
	if a.SHA256 != "" && !cryptoutil.HashEqual(strings.ToLower(a.SHA256), hw.Sum()) {
		return xerrors.Newf("artifact %s content does not match recorded sha256", a.ID)
	}
	if a.Size > 0 && a.Size != hw.Size() {
		return xerrors.Newf("artifact %s size %d does not match recorded %d", a.ID, hw.Size(), a.Size)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// scan re-runs the classifier over the snapshot's free text. The result only
// populates the report; approval has already happened.
func (b *Builder) scan(ctx context.Context, s gather.Snapshot) (ScanReport, error) {
	report := ScanReport{ByCategory: map[string]int{}, Findings: []LocatedFinding{}}
	if b.scanner == nil {
		return report, nil
	}
	items, err := gather.CollectScanItems(ctx, s, b.opener, 0)
	if err != nil {
		return ScanReport{}, xerrors.Wrap(err, "collect scan items")
	}
	report.ItemsScanned = len(items)
	var results []classifier.Result
	for _, it := range items {
		r, err := b.scanner.Scan(ctx, it.Text)
		if err != nil {
			return ScanReport{}, xerrors.Wrapf(err, "scan %s", it.Ref)
		}
		results = append(results, r)
		for _, f := range r.Findings {
			report.Findings = append(report.Findings, LocatedFinding{
				Category:    it.Category,
				Ref:         it.Ref,
				Kind:        f.Category,
				Start:       f.Start,
				End:         f.End,
				DisplayHash: classifier.DisplayHash(it.Text, f),
			})
		}
	}
	sum := classifier.Aggregate(results...)
	report.RiskLevel = sum.Risk
	report.FindingCount = sum.FindingCount
	report.ByCategory = sum.ByCategory
	return report, nil
}

func renderBrief(b gather.Brief) string {
	var sb strings.Builder
	title := b.Title
	if title == "" {
		title = b.ID
	}
	sb.WriteString("# " + title + "\n\n")
	if b.Summary != "" {
		sb.WriteString("> " + strings.ReplaceAll(b.Summary, "\n", "\n> ") + "\n\n")
	}
	sb.WriteString(b.Body)
	if !strings.HasSuffix(b.Body, "\n") {
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderReadme(m Manifest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Reproducibility bundle %s\n\n", m.BundleID)
	fmt.Fprintf(&sb, "Project: %s\n", m.ProjectID)
	fmt.Fprintf(&sb, "Created: %s\n", m.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Approved by: %s (%s) at %s\n", m.Approval.ApprovedBy, m.Approval.ApproverRole, m.Approval.ApprovedAt.Format(time.RFC3339))
	if m.Approval.PHIOverride != nil {
		fmt.Fprintf(&sb, "Sensitive-content override: applied by %s, conditions: %s\n",
			m.Approval.PHIOverride.AppliedBy, strings.Join(m.Approval.PHIOverride.Conditions, ", "))
	}
	sb.WriteString("\n## Contents\n\n")
	for _, c := range gather.Categories {
		ci := m.Contents[c]
		fmt.Fprintf(&sb, "- %s/: %d record(s)\n", c, ci.Count)
	}
	sb.WriteString("\n## Verifying\n\n")
	sb.WriteString("Every file except manifest.json is listed in manifest.json with its SHA-256.\n")
	sb.WriteString("manifestHash is the SHA-256 of the RFC 8785 canonical form of manifest.json with\n")
	sb.WriteString("manifestHash and bundleHash set to empty strings. The bundle hash is the SHA-256 of\n")
	sb.WriteString("this zip file and is delivered with the download.\n")
	if !m.ChainVerified {
		sb.WriteString("\nWARNING: the audit chain did not verify when this bundle was built.\n")
	}
	return sb.String()
}
