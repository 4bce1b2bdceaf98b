package bundle

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/keithlinneman/govexport/internal/cryptoutil"
	"github.com/keithlinneman/govexport/internal/pathutil"
	"github.com/keithlinneman/govexport/internal/xerrors"
)

// maxManifestSize bounds how much of manifest.json Verify will read.
const maxManifestSize int64 = 32 * 1024 * 1024

// Report is the outcome of verifying an archive offline.
type Report struct {
	BundleHash     string   `json:"bundleHash"`
	ManifestHash   string   `json:"manifestHash"`
	ManifestValid  bool     `json:"manifestValid"`
	FilesChecked   int      `json:"filesChecked"`
	Problems       []string `json:"problems"`
	ChainVerified  bool     `json:"chainVerified"`
	Manifest       Manifest `json:"-"`
	ExpectedBundle string   `json:"expectedBundleHash,omitempty"`
}

// OK reports whether the archive is internally consistent and, when an
// expected bundle hash was supplied, matches it.
func (r Report) OK() bool { return r.ManifestValid && len(r.Problems) == 0 }

// Verify checks an archive: every listed file's digest and size, that no
// unlisted files exist, and the manifest hash. expectedBundleHash is optional.
func Verify(ctx context.Context, ra io.ReaderAt, size int64, expectedBundleHash string) (Report, error) {
	var rep Report
	rep.Problems = []string{}

	hw := cryptoutil.NewHashingWriter(nil)
	if _, err := io.Copy(hw, ctxReader{ctx: ctx, r: io.NewSectionReader(ra, 0, size)}); err != nil {
		return rep, xerrors.Wrap(err, "hash archive")
	}
	rep.BundleHash = hw.Sum()
	if expectedBundleHash != "" {
		rep.ExpectedBundle = expectedBundleHash
		if !cryptoutil.HashEqual(expectedBundleHash, rep.BundleHash) {
			rep.Problems = append(rep.Problems, "bundle hash does not match expected value")
		}
	}

	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return rep, xerrors.Wrap(err, "open zip")
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		if !pathutil.IsSafeRelative(f.Name) {
			rep.Problems = append(rep.Problems, fmt.Sprintf("unsafe path %q", f.Name))
			continue
		}
		if _, dup := files[f.Name]; dup {
			rep.Problems = append(rep.Problems, fmt.Sprintf("duplicate entry %s", f.Name))
		}
		files[f.Name] = f
	}

	mf, ok := files[ManifestPath]
	if !ok {
		return rep, xerrors.New("archive has no manifest.json")
	}
	m, err := readManifest(mf)
	if err != nil {
		return rep, err
	}
	rep.Manifest = m
	rep.ManifestHash = m.ManifestHash
	rep.ChainVerified = m.ChainVerified

	want, err := ComputeManifestHash(m)
	if err != nil {
		return rep, err
	}
	rep.ManifestValid = m.ManifestHash != "" && cryptoutil.HashEqual(want, m.ManifestHash)
	if !rep.ManifestValid {
		rep.Problems = append(rep.Problems, "manifest hash mismatch")
	}

	listed := make(map[string]bool, len(m.Files))
	for _, fe := range m.Files {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		listed[fe.Path] = true
		f, ok := files[fe.Path]
		if !ok {
			rep.Problems = append(rep.Problems, fmt.Sprintf("missing %s", fe.Path))
			continue
		}
		sum, n, err := hashZipFile(ctx, f)
		if err != nil {
			return rep, xerrors.Wrapf(err, "read %s", fe.Path)
		}
		rep.FilesChecked++
		if !cryptoutil.HashEqual(sum, fe.SHA256) {
			rep.Problems = append(rep.Problems, fmt.Sprintf("sha256 mismatch for %s", fe.Path))
		}
		if n != fe.Size {
			rep.Problems = append(rep.Problems, fmt.Sprintf("size mismatch for %s: %d != %d", fe.Path, n, fe.Size))
		}
	}

	var extra []string
	for name := range files {
		if name != ManifestPath && !listed[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		rep.Problems = append(rep.Problems, fmt.Sprintf("unlisted file %s", name))
	}
	return rep, nil
}

func readManifest(f *zip.File) (Manifest, error) {
	rc, err := f.Open()
	if err != nil {
		return Manifest{}, xerrors.Wrap(err, "open manifest")
	}
	defer rc.Close()
	var m Manifest
	dec := json.NewDecoder(io.LimitReader(rc, maxManifestSize))
	if err := dec.Decode(&m); err != nil {
		return Manifest{}, xerrors.Wrap(err, "decode manifest")
	}
	if m.Schema != SchemaV1 {
		return Manifest{}, xerrors.Newf("unsupported manifest schema %q", m.Schema)
	}
	return m, nil
}

func hashZipFile(ctx context.Context, f *zip.File) (string, int64, error) {
	rc, err := f.Open()
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()
	hw := cryptoutil.NewHashingWriter(nil)
	if _, err := io.Copy(hw, ctxReader{ctx: ctx, r: rc}); err != nil {
		return "", 0, err
	}
	return hw.Sum(), hw.Size(), nil
}
