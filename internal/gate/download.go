package gate

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/keithlinneman/govexport/internal/auditchain"
	"github.com/keithlinneman/govexport/internal/bundle"
	"github.com/keithlinneman/govexport/internal/pathutil"
	"github.com/keithlinneman/govexport/internal/xerrors"
)

// Download is a built archive ready to stream. The caller must Close it.
type Download struct {
	File         *bundle.File
	FileName     string
	BundleHash   string
	ManifestHash string
	Size         int64
	// Signature is the raw signature over ManifestHash, nil without a signer.
	Signature []byte
	// ArchiveLocation is where the retention copy was stored, if anywhere.
	ArchiveLocation string
}

func (d *Download) Close() error {
	if d == nil || d.File == nil {
		return nil
	}
	return d.File.Close()
}

// Download builds the archive of an approved request and records the
// download. Content and audit entries are bounded by the approval, so every
// download of the same request produces the same bytes.
func (s *Service) Download(ctx context.Context, id string, actor Actor) (_ *Download, err error) {
	ctx, span := s.startSpan(ctx, "gate.Download", id)
	defer func() { s.finish(span, string(ActionDownload), err) }()

	r, err := s.store.Request(ctx, id)
	if err != nil {
		return nil, lookupErr(err, id)
	}
	if !canRead(actor, r) {
		return nil, newError(CodeForbidden, "not permitted to download this request", r.State)
	}
	// checked again when the download is recorded
	if _, err := Next(r.State, ActionDownload); err != nil {
		return nil, err
	}
	if r.Expired(s.clock()) {
		return nil, newError(CodeExpired, "download window has closed; submit a new request", r.State)
	}

	in, err := s.bundleInput(ctx, r)
	if err != nil {
		return nil, err
	}
	if !in.Chain.Valid {
		s.metrics.IncChainBroken()
		s.logger.Warn(ctx, "building archive over a broken audit chain",
			"request_id", r.ID,
			"broken_at_sequence", in.Chain.BrokenAtSequence,
			"reason", in.Chain.Reason,
		)
	}

	start := time.Now()
	f, err := s.buildArchive(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(ctx.Err(), "archive build cancelled")
		}
		return nil, &Error{Code: CodeArchiveFailed, Message: "archive could not be generated", State: r.State, Err: err}
	}
	res := f.Result
	s.metrics.ObserveBundle(time.Since(start), res.Size)
	span.SetAttributes(
		attribute.String("export.bundle_hash", res.BundleHash),
		attribute.Int64("export.bundle_size", res.Size),
	)

	d := &Download{
		File:         f,
		FileName:     pathutil.SafeName(r.BundleID, "bundle") + ".zip",
		BundleHash:   res.BundleHash,
		ManifestHash: res.ManifestHash,
		Size:         res.Size,
	}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	if s.archiver != nil {
		loc, err := s.putArchive(ctx, f, res)
		if err != nil {
			return nil, &Error{Code: CodeArchiveFailed, Message: "archive could not be stored", State: r.State, Err: err}
		}
		d.ArchiveLocation = loc
	}

	if err := s.recordDownload(ctx, r.ID, actor, d); err != nil {
		return nil, err
	}

	if s.signer != nil {
		sig, err := s.signer.Sign(ctx, []byte(res.ManifestHash))
		if err != nil {
			// the download is recorded; an unsigned archive is still valid
			s.logger.Error(ctx, err, "manifest signing failed", "request_id", r.ID)
		} else {
			d.Signature = sig
		}
	}

	s.logger.Info(ctx, "export archive downloaded",
		"request_id", r.ID,
		"actor", actor.ID,
		"bundle_hash", res.BundleHash,
		"size", res.Size,
	)
	return d, nil
}

type built struct {
	file *bundle.File
	err  error
}

// buildArchive runs the build on its own goroutine and returns as soon as
// ctx is done. A build that finishes after cancellation has its file removed.
func (s *Service) buildArchive(ctx context.Context, in bundle.Input) (*bundle.File, error) {
	done := make(chan built, 1)
	go func() {
		f, err := s.builder.BuildFile(ctx, s.tempDir, in)
		done <- built{file: f, err: err}
	}()
	select {
	case b := <-done:
		return b.file, b.err
	case <-ctx.Done():
		go func() {
			if b := <-done; b.file != nil {
				_ = b.file.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (s *Service) putArchive(ctx context.Context, f *bundle.File, res bundle.Result) (string, error) {
	rd, err := f.Open()
	if err != nil {
		return "", xerrors.Wrap(err, "open built archive")
	}
	defer rd.Close()
	return s.archiver.Put(ctx, res.BundleHash+".zip", rd, res.Size)
}

// bundleInput assembles the archive input for an approved request.
func (s *Service) bundleInput(ctx context.Context, r Request) (bundle.Input, error) {
	bound := r.ApprovalSequence
	if bound <= 0 {
		return bundle.Input{}, xerrors.Newf("request %s is approved without an approval sequence", r.ID)
	}
	snap, err := s.gatherer.Gather(ctx, r.ProjectID, bound)
	if err != nil {
		return bundle.Input{}, xerrors.Wrap(err, "gather project content")
	}
	global, err := s.store.Entries(ctx, auditchain.Filter{MaxSequence: bound})
	if err != nil {
		return bundle.Input{}, xerrors.Wrap(err, "read audit chain")
	}

	approval := bundle.Approval{
		RequestID:    r.ID,
		RequestedAt:  r.RequestedAt,
		ApprovedAt:   r.ReviewedAt,
		ApprovedBy:   r.ReviewerID,
		ApproverRole: string(r.ReviewerRole),
		ExpiresAt:    r.ExpiresAt,
		Reason:       r.DecisionReason,
	}
	if r.Override.Applied {
		approval.PHIOverride = &bundle.Override{
			Applied:       true,
			Justification: r.Override.Justification,
			Conditions:    r.Override.Conditions,
			AppliedBy:     r.Override.RequestedBy,
			AppliedByRole: string(r.Override.RequestedByRole),
			AppliedAt:     r.Override.AppliedAt,
			ExpiresAt:     r.Override.ExpiresAt,
		}
	}
	return bundle.Input{
		BundleID:  r.BundleID,
		CreatedAt: r.ReviewedAt,
		Requester: bundle.Party{
			ID:    r.Requester.ID,
			Role:  string(r.Requester.Role),
			Email: r.Requester.Email,
			Name:  r.Requester.Name,
		},
		Approval: approval,
		Snapshot: snap,
		Chain:    auditchain.Verify(global),
	}, nil
}

func (s *Service) recordDownload(ctx context.Context, id string, actor Actor, d *Download) error {
	return s.store.Tx(ctx, func(ctx context.Context, tx Tx) error {
		r, err := tx.LockRequest(ctx, id)
		if err != nil {
			return lookupErr(err, id)
		}
		if _, err := Next(r.State, ActionDownload); err != nil {
			return err
		}
		now := s.clock()
		if r.Expired(now) {
			return newError(CodeExpired, "download window closed while the archive was built; submit a new request", r.State)
		}
		if _, err := auditchain.Append(ctx, tx, auditchain.Draft{
			Action:    auditchain.ActionDownloaded,
			Actor:     actor.audit(),
			Scope:     r.ID,
			ProjectID: r.ProjectID,
			Timestamp: now,
			Details: map[string]any{
				"bundleHash":   d.BundleHash,
				"manifestHash": d.ManifestHash,
				"size":         d.Size,
			},
		}); err != nil {
			return err
		}
		prev := r.Version
		r.Version++
		r.CompletedAt = now
		r.BundleHash = d.BundleHash
		r.ManifestHash = d.ManifestHash
		err = tx.UpdateRequest(ctx, r, prev)
		if errors.Is(err, ErrConflict) {
			return newError(CodeInvalidStatus, "request changed concurrently", r.State)
		}
		return err
	})
}
