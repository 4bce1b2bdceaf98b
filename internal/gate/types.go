package gate

import (
	"context"
	"strings"
	"time"

	"github.com/keithlinneman/govexport/internal/auditchain"
	"github.com/keithlinneman/govexport/internal/classifier"
)

type Role string

const (
	RoleResearcher Role = "researcher"
	RoleSteward    Role = "steward"
	RoleAdmin      Role = "admin"
)

// Privileged roles may override, approve, deny and verify the chain.
func (r Role) Privileged() bool {
	switch r {
	case RoleSteward, RoleAdmin:
		return true
	default:
		return false
	}
}

func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleResearcher, RoleSteward, RoleAdmin:
		return r, true
	default:
		return "", false
	}
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

func (a Actor) audit() auditchain.Actor { return auditchain.Actor{ID: a.ID, Role: string(a.Role)} }

// SystemActor attributes entries written by background jobs.
var SystemActor = Actor{ID: "system", Role: "system"}

// DefaultOverrideConditions are attached to an override when the caller
// supplies none.
var DefaultOverrideConditions = []string{
	"audit-logged",
	"encrypted-in-transit",
	"signed-agreement-required",
	"time-boxed",
}

type Override struct {
	Applied         bool      `json:"applied"`
	Justification   string    `json:"justification,omitempty"`
	Conditions      []string  `json:"conditions,omitempty"`
	RequestedBy     string    `json:"requestedBy,omitempty"`
	RequestedByRole Role      `json:"requestedByRole,omitempty"`
	AppliedAt       time.Time `json:"appliedAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// Request is the persisted export request. Zero times are unset.
type Request struct {
	ID        string
	BundleID  string
	ProjectID string
	Requester Actor
	State     State

	RequestedAt time.Time
	ReviewedAt  time.Time
	CompletedAt time.Time
	ExpiresAt   time.Time

	ReviewerID     string
	ReviewerRole   Role
	DecisionReason string
	Override       Override

	Counts map[string]int
	Scan   classifier.Summary

	// Version increments on every write and guards updates.
	Version int64
	// ApprovalSequence is the audit sequence of the APPROVED entry.
	ApprovalSequence int64
	BundleHash       string
	ManifestHash     string
	ExpiryRecordedAt time.Time
}

// Expired reports whether an approved request is past its download window.
func (r Request) Expired(now time.Time) bool {
	return r.State == StateApproved && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store persists requests and the audit chain. Every state change happens
// inside Tx so the request update and its audit entry commit together.
type Store interface {
	Tx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Request(ctx context.Context, id string) (Request, error)
	// ExpiredApprovals lists ids of APPROVED requests whose window closed at
	// or before now and whose expiry has not been recorded yet.
	ExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]string, error)
	auditchain.Reader
}

// Tx is one store transaction.
type Tx interface {
	auditchain.Log
	// LockRequest reads a request and holds a write lock on it until the
	// transaction ends. Missing requests return ErrNotFound.
	LockRequest(ctx context.Context, id string) (Request, error)
	InsertRequest(ctx context.Context, r Request) error
	// UpdateRequest writes r if the stored version still equals
	// expectVersion, else returns ErrConflict.
	UpdateRequest(ctx context.Context, r Request, expectVersion int64) error
}
