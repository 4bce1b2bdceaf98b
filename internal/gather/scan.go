package gather

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/keithlinneman/govexport/internal/xerrors"
)

// DefaultArtifactScanLimit is how much of one artifact body is classified.
const DefaultArtifactScanLimit int64 = 8 << 20

// sniffLen matches what http.DetectContentType considers.
const sniffLen = 512

// ArtifactOpener streams artifact bodies.
type ArtifactOpener interface {
	OpenArtifact(ctx context.Context, projectID, artifactID string) (io.ReadCloser, error)
}

// CollectScanItems returns the snapshot's free-text fields followed by the
// bodies of its textual artifacts, each read up to limit bytes. A nil opener
// skips artifact bodies; limit <= 0 uses DefaultArtifactScanLimit.
func CollectScanItems(ctx context.Context, s Snapshot, opener ArtifactOpener, limit int64) ([]ScanItem, error) {
	items := s.ScanItems()
	if opener == nil {
		return items, nil
	}
	if limit <= 0 {
		limit = DefaultArtifactScanLimit
	}
	for _, a := range s.Artifacts {
		if mediaClass(a.MediaType) == classBinary {
			continue
		}
		text, ok, err := readArtifactText(ctx, opener, s.ProjectID, a, limit)
		if err != nil {
			return nil, err
		}
		if ok && text != "" {
			items = append(items, ScanItem{Category: CategoryArtifacts, Ref: a.ID + "#content", Text: text})
		}
	}
	return items, nil
}

type class int

const (
	classUnknown class = iota
	classText
	classBinary
)

// mediaClass sorts a declared media type into text, binary or unknown.
// Unknown bodies are sniffed.
func mediaClass(mediaType string) class {
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil || mt == "" || mt == "application/octet-stream" {
		return classUnknown
	}
	switch {
	case strings.HasPrefix(mt, "text/"),
		strings.HasSuffix(mt, "+json"),
		strings.HasSuffix(mt, "+xml"):
		return classText
	case strings.HasPrefix(mt, "image/"),
		strings.HasPrefix(mt, "audio/"),
		strings.HasPrefix(mt, "video/"),
		strings.HasPrefix(mt, "font/"):
		return classBinary
	}
	switch mt {
	case "application/json", "application/x-ndjson", "application/xml",
		"application/csv", "application/yaml", "application/x-yaml",
		"application/sql", "application/javascript", "application/x-tex":
		return classText
	case "application/pdf", "application/zip", "application/gzip",
		"application/x-tar", "application/x-parquet", "application/vnd.apache.parquet":
		return classBinary
	}
	return classUnknown
}

// readArtifactText reads up to limit bytes of an artifact. Bodies of unknown
// type are kept only when they look like UTF-8 text.
func readArtifactText(ctx context.Context, opener ArtifactOpener, projectID string, a Artifact, limit int64) (string, bool, error) {
	rc, err := opener.OpenArtifact(ctx, projectID, a.ID)
	if err != nil {
		return "", false, xerrors.Wrapf(err, "open artifact %s for scanning", a.ID)
	}
	defer rc.Close()

	body, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return "", false, xerrors.Wrapf(err, "read artifact %s for scanning", a.ID)
	}
	if int64(len(body)) == limit {
		body = trimPartialRune(body)
	}
	if mediaClass(a.MediaType) == classText {
		return string(body), true, nil
	}
	return string(body), looksLikeText(body), nil
}

func looksLikeText(b []byte) bool {
	head := b
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	if !strings.HasPrefix(http.DetectContentType(head), "text/") {
		return false
	}
	return utf8.Valid(b)
}

// trimPartialRune drops a multi-byte rune cut off at the end of b.
func trimPartialRune(b []byte) []byte {
	for i := 0; i < utf8.UTFMax && len(b) > 0; i++ {
		r, size := utf8.DecodeLastRune(b)
		if r != utf8.RuneError || size > 1 {
			return b
		}
		b = b[:len(b)-1]
	}
	return b
}
