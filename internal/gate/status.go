package gate

import (
	"time"

	"github.com/keithlinneman/govexport/internal/classifier"
)

// RequestStatus is the client-facing view of a request.
type RequestStatus struct {
	RequestID      string             `json:"requestId"`
	BundleID       string             `json:"bundleId"`
	ProjectID      string             `json:"projectId"`
	Status         State              `json:"status"`
	RequestedBy    Actor              `json:"requestedBy"`
	RequestedAt    time.Time          `json:"requestedAt"`
	ReviewedAt     *time.Time         `json:"reviewedAt,omitempty"`
	ReviewedBy     string             `json:"reviewedBy,omitempty"`
	DecisionReason string             `json:"decisionReason,omitempty"`
	ExpiresAt      *time.Time         `json:"expiresAt,omitempty"`
	CompletedAt    *time.Time         `json:"completedAt,omitempty"`
	Expired        bool               `json:"expired"`
	PHIOverride    *Override          `json:"phiOverride,omitempty"`
	PHIScanSummary classifier.Summary `json:"phiScanSummary"`
	Counts         map[string]int     `json:"counts"`
	BundleHash     string             `json:"bundleHash,omitempty"`
	ManifestHash   string             `json:"manifestHash,omitempty"`
	AllowedActions []Action           `json:"allowedActions"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// statusOf projects r for actor at now. AllowedActions only lists what actor
// could do right now.
func statusOf(r Request, actor Actor, now time.Time) RequestStatus {
	st := RequestStatus{
		RequestID:      r.ID,
		BundleID:       r.BundleID,
		ProjectID:      r.ProjectID,
		Status:         r.State,
		RequestedBy:    r.Requester,
		RequestedAt:    r.RequestedAt,
		ReviewedAt:     timePtr(r.ReviewedAt),
		ReviewedBy:     r.ReviewerID,
		DecisionReason: r.DecisionReason,
		ExpiresAt:      timePtr(r.ExpiresAt),
		CompletedAt:    timePtr(r.CompletedAt),
		Expired:        r.Expired(now),
		PHIScanSummary: r.Scan,
		Counts:         r.Counts,
		BundleHash:     r.BundleHash,
		ManifestHash:   r.ManifestHash,
		AllowedActions: []Action{},
	}
	if r.Override.Applied {
		o := r.Override
		st.PHIOverride = &o
	}
	for _, a := range legalActions(r.State) {
		switch a {
		case ActionOverride, ActionApprove, ActionDeny:
			if !actor.Role.Privileged() {
				continue
			}
			if a == ActionApprove && r.Override.Applied && !now.Before(r.Override.ExpiresAt) {
				continue
			}
		case ActionDownload:
			if st.Expired || !canRead(actor, r) {
				continue
			}
		}
		st.AllowedActions = append(st.AllowedActions, a)
	}
	return st
}

// canRead reports whether actor may see or download r.
func canRead(actor Actor, r Request) bool {
	return actor.Role.Privileged() || (actor.ID != "" && actor.ID == r.Requester.ID)
}
