// Package bundle writes and verifies reproducibility export archives.
//
// An archive is a zip whose every entry is hashed while it is written. The
// per-file hashes, approval record and scan report go into manifest.json,
// whose own hash is computed over its canonical encoding with the hash fields
// blank. The bundle hash covers the finished archive bytes and is therefore
// reported alongside the archive, never inside it.
package bundle

import (
	"time"

	"github.com/keithlinneman/govexport/internal/classifier"
	"github.com/keithlinneman/govexport/internal/cryptoutil"
)

const (
	SchemaV1     = "govexport.bundle/v1"
	ManifestPath = "manifest.json"
	ReadmePath   = "README.md"
)

type Party struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

type Override struct {
	Applied       bool      `json:"applied"`
	Justification string    `json:"justification"`
	Conditions    []string  `json:"conditions"`
	AppliedBy     string    `json:"appliedBy"`
	AppliedByRole string    `json:"appliedByRole"`
	AppliedAt     time.Time `json:"appliedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

type Approval struct {
	RequestID    string    `json:"requestId"`
	RequestedAt  time.Time `json:"requestedAt"`
	ApprovedAt   time.Time `json:"approvedAt"`
	ApprovedBy   string    `json:"approvedBy"`
	ApproverRole string    `json:"approverRole"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Reason       string    `json:"reason,omitempty"`
	PHIOverride  *Override `json:"phiOverride,omitempty"`
}

type CategoryInfo struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}

type FileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// LocatedFinding is a classifier finding tied to the field it came from.
// DisplayHash stands in for the matched text.
type LocatedFinding struct {
	Category    string `json:"category"`
	Ref         string `json:"ref"`
	Kind        string `json:"kind"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
	DisplayHash string `json:"displayHash"`
}

type ScanReport struct {
	RiskLevel    classifier.Risk  `json:"riskLevel"`
	FindingCount int              `json:"findingCount"`
	ByCategory   map[string]int   `json:"byCategory"`
	ItemsScanned int              `json:"itemsScanned"`
	Findings     []LocatedFinding `json:"findings"`
}

type Manifest struct {
	Schema        string                  `json:"schema"`
	BundleID      string                  `json:"bundleId"`
	ProjectID     string                  `json:"projectId"`
	CreatedAt     time.Time               `json:"createdAt"`
	Requester     Party                   `json:"requester"`
	Approval      Approval                `json:"approval"`
	Contents      map[string]CategoryInfo `json:"contents"`
	Files         []FileEntry             `json:"files"`
	ScanReport    ScanReport              `json:"scanReport"`
	ChainVerified bool                    `json:"chainVerified"`
	ChainBrokenAt int64                   `json:"chainBrokenAt,omitempty"`
	ManifestHash  string                  `json:"manifestHash"`
	BundleHash    string                  `json:"bundleHash"`
}

// ComputeManifestHash hashes the canonical encoding of m with ManifestHash
// and BundleHash cleared.
func ComputeManifestHash(m Manifest) (string, error) {
	m.ManifestHash = ""
	m.BundleHash = ""
	return cryptoutil.CanonicalSHA256(m)
}
