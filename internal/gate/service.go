// Package gate implements the export approval state machine.
//
// A request starts PENDING, or PHI_BLOCKED when the content scan finds
// anything. Blocked requests need a justified override before a steward can
// approve them. Approved requests can be downloaded until their window
// closes. Every transition is recorded in the audit chain in the same store
// transaction that changes the request.
package gate

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/govexport/internal/auditchain"
	"github.com/keithlinneman/govexport/internal/bundle"
	"github.com/keithlinneman/govexport/internal/classifier"
	"github.com/keithlinneman/govexport/internal/gather"
	"github.com/keithlinneman/govexport/internal/log"
	"github.com/keithlinneman/govexport/internal/xerrors"
)

const (
	DefaultApprovalTTL      = 24 * time.Hour
	DefaultOverrideTTL      = 24 * time.Hour
	DefaultMinJustification = 20
)

// Gatherer produces the content snapshot of a project.
type Gatherer interface {
	Gather(ctx context.Context, projectID string, auditBound int64) (gather.Snapshot, error)
	ScanItems(ctx context.Context, snap gather.Snapshot) ([]gather.ScanItem, error)
}

// Builder writes an archive to local disk.
type Builder interface {
	BuildFile(ctx context.Context, dir string, in bundle.Input) (*bundle.File, error)
}

// Archiver keeps a retention copy of each built archive under key and
// returns where it went.
type Archiver interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) (string, error)
}

// Signer signs manifest hashes.
type Signer interface {
	Sign(ctx context.Context, message []byte) ([]byte, error)
}

// Metrics receives gate events. Implementations must be safe for concurrent use.
type Metrics interface {
	ObserveTransition(action, outcome string)
	ObserveBundle(d time.Duration, size int64)
	IncChainBroken()
	IncExpired()
}

type nopMetrics struct{}

func (nopMetrics) ObserveTransition(string, string)   {}
func (nopMetrics) ObserveBundle(time.Duration, int64) {}
func (nopMetrics) IncChainBroken()                    {}
func (nopMetrics) IncExpired()                        {}

type Options struct {
	Store    Store
	Gatherer Gatherer
	Scanner  classifier.Scanner
	Builder  Builder
	Archiver Archiver
	Signer   Signer
	Metrics  Metrics
	Logger   log.Logger

	ApprovalTTL      time.Duration
	OverrideTTL      time.Duration
	MinJustification int
	// TempDir holds archives while they are built and streamed.
	TempDir string

	Clock func() time.Time
	NewID func() string
}

type Service struct {
	store    Store
	gatherer Gatherer
	scanner  classifier.Scanner
	builder  Builder
	archiver Archiver
	signer   Signer
	metrics  Metrics
	logger   log.Logger
	tracer   trace.Tracer

	approvalTTL      time.Duration
	overrideTTL      time.Duration
	minJustification int
	tempDir          string

	now   func() time.Time
	newID func() string
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, xerrors.New("gate: store is required")
	}
	if opts.Gatherer == nil {
		return nil, xerrors.New("gate: gatherer is required")
	}
	if opts.Scanner == nil {
		return nil, xerrors.New("gate: scanner is required")
	}
	if opts.Builder == nil {
		return nil, xerrors.New("gate: builder is required")
	}
	s := &Service{
		store:            opts.Store,
		gatherer:         opts.Gatherer,
		scanner:          opts.Scanner,
		builder:          opts.Builder,
		archiver:         opts.Archiver,
		signer:           opts.Signer,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
		tracer:           otel.Tracer("govexport/gate"),
		approvalTTL:      opts.ApprovalTTL,
		overrideTTL:      opts.OverrideTTL,
		minJustification: opts.MinJustification,
		tempDir:          opts.TempDir,
		now:              opts.Clock,
		newID:            opts.NewID,
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.logger == nil {
		s.logger = log.Nop()
	}
	if s.approvalTTL <= 0 {
		s.approvalTTL = DefaultApprovalTTL
	}
	if s.overrideTTL <= 0 {
		s.overrideTTL = DefaultOverrideTTL
	}
	if s.minJustification <= 0 {
		s.minJustification = DefaultMinJustification
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s, nil
}

func (s *Service) clock() time.Time { return auditchain.NormalizeTime(s.now()) }

func (s *Service) startSpan(ctx context.Context, name, requestID string) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, name)
	if requestID != "" {
		span.SetAttributes(attribute.String("export.request_id", requestID))
	}
	return ctx, span
}

// finish records the outcome of an operation on its span and in metrics.
func (s *Service) finish(span trace.Span, action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(CodeOf(err))
		if outcome == "" {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("export.outcome", outcome))
	}
	s.metrics.ObserveTransition(action, outcome)
	span.End()
}

// CreateInput describes a new export request.
type CreateInput struct {
	ProjectID string
	Requester Actor
}

// Create gathers and scans the project and persists a new request, PENDING
// when the scan is clean and PHI_BLOCKED otherwise. A blocked request is a
// successful outcome; callers inspect State.
func (s *Service) Create(ctx context.Context, in CreateInput) (_ Request, err error) {
	ctx, span := s.startSpan(ctx, "gate.Create", "")
	defer func() { s.finish(span, "create", err) }()

	in.ProjectID = strings.TrimSpace(in.ProjectID)
	if in.ProjectID == "" {
		return Request{}, newError(CodeValidation, "projectId is required", "")
	}
	if in.Requester.ID == "" {
		return Request{}, newError(CodeForbidden, "requester identity is required", "")
	}

	snap, err := s.gatherer.Gather(ctx, in.ProjectID, 0)
	if err != nil {
		return Request{}, xerrors.Wrap(err, "gather project content")
	}
	summary, err := s.scanSnapshot(ctx, snap)
	if err != nil {
		return Request{}, err
	}

	now := s.clock()
	req := Request{
		ID:          s.newID(),
		BundleID:    s.newID(),
		ProjectID:   in.ProjectID,
		Requester:   in.Requester,
		State:       StatePending,
		RequestedAt: now,
		Counts:      snap.Counts(),
		Scan:        summary,
		Version:     1,
	}
	if summary.Blocked() {
		req.State = StatePHIBlocked
	}
	span.SetAttributes(attribute.String("export.request_id", req.ID), attribute.String("export.state", string(req.State)))

	err = s.store.Tx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertRequest(ctx, req); err != nil {
			return xerrors.Wrap(err, "insert request")
		}
		_, err := auditchain.Append(ctx, tx, auditchain.Draft{
			Action:    auditchain.ActionCreated,
			Actor:     in.Requester.audit(),
			Scope:     req.ID,
			ProjectID: req.ProjectID,
			Timestamp: now,
			Details: map[string]any{
				"bundleId": req.BundleID,
				"state":    req.State,
				"phiScan":  summary,
				"counts":   req.Counts,
			},
		})
		return err
	})
	if err != nil {
		return Request{}, err
	}

	s.logger.Info(ctx, "export request created",
		"request_id", req.ID,
		"project_id", req.ProjectID,
		"state", req.State,
		"risk", summary.Risk.String(),
		"findings", summary.FindingCount,
	)
	return req, nil
}

func (s *Service) scanSnapshot(ctx context.Context, snap gather.Snapshot) (classifier.Summary, error) {
	items, err := s.gatherer.ScanItems(ctx, snap)
	if err != nil {
		return classifier.Summary{}, xerrors.Wrap(err, "collect scan items")
	}
	results := make([]classifier.Result, 0, len(items))
	for _, it := range items {
		r, err := s.scanner.Scan(ctx, it.Text)
		if err != nil {
			return classifier.Summary{}, xerrors.Wrapf(err, "scan %s", it.Ref)
		}
		results = append(results, r)
	}
	return classifier.Aggregate(results...), nil
}

// OverrideInput carries a steward's justification for releasing a blocked request.
type OverrideInput struct {
	Justification string
	Conditions    []string
}

// RequestOverride moves a PHI_BLOCKED request to PENDING with a recorded,
// time-boxed justification.
func (s *Service) RequestOverride(ctx context.Context, id string, actor Actor, in OverrideInput) (_ Request, err error) {
	ctx, span := s.startSpan(ctx, "gate.RequestOverride", id)
	defer func() { s.finish(span, string(ActionOverride), err) }()

	if !actor.Role.Privileged() {
		return Request{}, newError(CodeForbidden, "phi override requires a steward or admin role", "")
	}
	justification := strings.TrimSpace(in.Justification)
	if len([]rune(justification)) < s.minJustification {
		return Request{}, newError(CodeValidation, "justification must be at least "+strconv.Itoa(s.minJustification)+" characters", "")
	}
	conditions := cleanConditions(in.Conditions)
	if len(conditions) == 0 {
		conditions = append([]string(nil), DefaultOverrideConditions...)
	}

	return s.transition(ctx, id, ActionOverride, func(r *Request, now time.Time) (auditchain.Draft, error) {
		r.Override = Override{
			Applied:         true,
			Justification:   justification,
			Conditions:      conditions,
			RequestedBy:     actor.ID,
			RequestedByRole: actor.Role,
			AppliedAt:       now,
			ExpiresAt:       now.Add(s.overrideTTL),
		}
		return auditchain.Draft{
			Action: auditchain.ActionEscalated,
			Actor:  actor.audit(),
			Details: map[string]any{
				"justification":     justification,
				"conditions":        conditions,
				"overrideExpiresAt": r.Override.ExpiresAt,
				"phiScan":           r.Scan,
			},
		}, nil
	})
}

// Approve moves a PENDING request to APPROVED and opens its download window.
func (s *Service) Approve(ctx context.Context, id string, actor Actor, reason string) (_ Request, err error) {
	ctx, span := s.startSpan(ctx, "gate.Approve", id)
	defer func() { s.finish(span, string(ActionApprove), err) }()

	if !actor.Role.Privileged() {
		return Request{}, newError(CodeForbidden, "approval requires a steward or admin role", "")
	}
	reason = strings.TrimSpace(reason)

	return s.transition(ctx, id, ActionApprove, func(r *Request, now time.Time) (auditchain.Draft, error) {
		if r.Override.Applied && !now.Before(r.Override.ExpiresAt) {
			return auditchain.Draft{}, newError(CodeExpired, "phi override window has closed; submit a new request", r.State)
		}
		r.ReviewedAt = now
		r.ReviewerID = actor.ID
		r.ReviewerRole = actor.Role
		r.DecisionReason = reason
		r.ExpiresAt = now.Add(s.approvalTTL)
		return auditchain.Draft{
			Action: auditchain.ActionApproved,
			Actor:  actor.audit(),
			Details: map[string]any{
				"reason":      reason,
				"expiresAt":   r.ExpiresAt,
				"phiOverride": r.Override.Applied,
			},
		}, nil
	})
}

// Deny rejects a PENDING or PHI_BLOCKED request. A reason is required.
func (s *Service) Deny(ctx context.Context, id string, actor Actor, reason string) (_ Request, err error) {
	ctx, span := s.startSpan(ctx, "gate.Deny", id)
	defer func() { s.finish(span, string(ActionDeny), err) }()

	if !actor.Role.Privileged() {
		return Request{}, newError(CodeForbidden, "denial requires a steward or admin role", "")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Request{}, newError(CodeValidation, "reason is required", "")
	}

	return s.transition(ctx, id, ActionDeny, func(r *Request, now time.Time) (auditchain.Draft, error) {
		r.ReviewedAt = now
		r.ReviewerID = actor.ID
		r.ReviewerRole = actor.Role
		r.DecisionReason = reason
		return auditchain.Draft{
			Action:  auditchain.ActionRejected,
			Actor:   actor.audit(),
			Details: map[string]any{"reason": reason, "fromState": r.State},
		}, nil
	})
}

// transition runs one state change atomically: lock, check the table, apply,
// append the audit entry, write with a version check. Nothing is written when
// any step fails.
func (s *Service) transition(ctx context.Context, id string, a Action, apply func(r *Request, now time.Time) (auditchain.Draft, error)) (Request, error) {
	var out Request
	err := s.store.Tx(ctx, func(ctx context.Context, tx Tx) error {
		r, err := tx.LockRequest(ctx, id)
		if err != nil {
			return lookupErr(err, id)
		}
		to, err := Next(r.State, a)
		if err != nil {
			return err
		}
		now := s.clock()
		from := r.State
		d, err := apply(&r, now)
		if err != nil {
			return err
		}
		d.Scope = r.ID
		d.ProjectID = r.ProjectID
		d.Timestamp = now
		if d.Details == nil {
			d.Details = map[string]any{}
		}
		if m, ok := d.Details.(map[string]any); ok {
			m["fromState"] = from
			m["toState"] = to
		}
		r.State = to

		entry, err := auditchain.Append(ctx, tx, d)
		if err != nil {
			return err
		}
		if a == ActionApprove {
			r.ApprovalSequence = entry.Sequence
		}
		prev := r.Version
		r.Version++
		if err := tx.UpdateRequest(ctx, r, prev); err != nil {
			return xerrors.Wrap(err, "update request")
		}
		out = r
		return nil
	})
	if err != nil {
		if isConflict(err) {
			// someone else won the race; report what they left behind
			cur, rerr := s.store.Request(ctx, id)
			if rerr == nil {
				return Request{}, newError(CodeInvalidStatus, "request changed concurrently", cur.State)
			}
			return Request{}, newError(CodeInvalidStatus, "request changed concurrently", "")
		}
		return Request{}, err
	}
	s.logger.Info(ctx, "export request transition",
		"request_id", out.ID,
		"action", string(a),
		"state", out.State,
	)
	return out, nil
}

// Status returns the client-facing projection of a request.
func (s *Service) Status(ctx context.Context, id string, actor Actor) (RequestStatus, error) {
	r, err := s.store.Request(ctx, id)
	if err != nil {
		return RequestStatus{}, lookupErr(err, id)
	}
	if !canRead(actor, r) {
		return RequestStatus{}, newError(CodeForbidden, "not permitted to view this request", "")
	}
	return statusOf(r, actor, s.clock()), nil
}

// VerifyChain walks the full audit chain.
func (s *Service) VerifyChain(ctx context.Context, actor Actor) (auditchain.Verification, error) {
	if !actor.Role.Privileged() {
		return auditchain.Verification{}, newError(CodeForbidden, "chain verification requires a steward or admin role", "")
	}
	entries, err := s.store.Entries(ctx, auditchain.Filter{})
	if err != nil {
		return auditchain.Verification{}, xerrors.Wrap(err, "read audit chain")
	}
	v := auditchain.Verify(entries)
	if !v.Valid {
		s.metrics.IncChainBroken()
		s.logger.Warn(ctx, "audit chain verification failed",
			"broken_at_sequence", v.BrokenAtSequence,
			"reason", v.Reason,
		)
	}
	return v, nil
}

// RecordExpired appends one EXPIRED entry for each approval whose download
// window has closed. The request state is not changed. It returns how many
// were recorded.
func (s *Service) RecordExpired(ctx context.Context, limit int) (int, error) {
	now := s.clock()
	ids, err := s.store.ExpiredApprovals(ctx, now, limit)
	if err != nil {
		return 0, xerrors.Wrap(err, "list expired approvals")
	}
	n := 0
	for _, id := range ids {
		recorded := false
		err := s.store.Tx(ctx, func(ctx context.Context, tx Tx) error {
			r, err := tx.LockRequest(ctx, id)
			if err != nil {
				return err
			}
			if !r.Expired(now) || !r.ExpiryRecordedAt.IsZero() {
				return nil
			}
			if _, err := auditchain.Append(ctx, tx, auditchain.Draft{
				Action:    auditchain.ActionExpired,
				Actor:     SystemActor.audit(),
				Scope:     r.ID,
				ProjectID: r.ProjectID,
				Timestamp: now,
				Details:   map[string]any{"expiresAt": r.ExpiresAt},
			}); err != nil {
				return err
			}
			prev := r.Version
			r.Version++
			r.ExpiryRecordedAt = now
			recorded = true
			return tx.UpdateRequest(ctx, r, prev)
		})
		if err != nil {
			if isConflict(err) {
				continue
			}
			return n, xerrors.Wrapf(err, "record expiry of %s", id)
		}
		if recorded {
			n++
			s.metrics.IncExpired()
		}
	}
	return n, nil
}

func lookupErr(err error, id string) error {
	if isNotFound(err) {
		return &Error{Code: CodeNotFound, Message: "export request " + id + " not found", Err: err}
	}
	return xerrors.Wrap(err, "load request")
}

func cleanConditions(in []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
