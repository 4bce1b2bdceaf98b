// Package exporthttp exposes the approval gate over REST.
package exporthttp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/govexport/internal/auditchain"
	"github.com/keithlinneman/govexport/internal/classifier"
	"github.com/keithlinneman/govexport/internal/gate"
	"github.com/keithlinneman/govexport/internal/httpmw"
	"github.com/keithlinneman/govexport/internal/log"
)

// Gate is the subset of *gate.Service the API calls.
type Gate interface {
	Create(ctx context.Context, in gate.CreateInput) (gate.Request, error)
	RequestOverride(ctx context.Context, id string, actor gate.Actor, in gate.OverrideInput) (gate.Request, error)
	Approve(ctx context.Context, id string, actor gate.Actor, reason string) (gate.Request, error)
	Deny(ctx context.Context, id string, actor gate.Actor, reason string) (gate.Request, error)
	Status(ctx context.Context, id string, actor gate.Actor) (gate.RequestStatus, error)
	Download(ctx context.Context, id string, actor gate.Actor) (*gate.Download, error)
	VerifyChain(ctx context.Context, actor gate.Actor) (auditchain.Verification, error)
}

type Options struct {
	Gate   Gate
	Logger log.Logger
	// Auth authenticates every route. Required.
	Auth func(http.Handler) http.Handler
	// DownloadLimit optionally throttles archive builds per caller.
	DownloadLimit func(http.Handler) http.Handler
}

type API struct {
	gate          Gate
	logger        log.Logger
	auth          func(http.Handler) http.Handler
	downloadLimit func(http.Handler) http.Handler
}

func NewAPI(opts Options) *API {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	return &API{gate: opts.Gate, logger: L, auth: opts.Auth, downloadLimit: opts.DownloadLimit}
}

// RegisterRoutes mounts the export endpoints under /bundle.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/bundle", func(r chi.Router) {
		if api.auth != nil {
			r.Use(api.auth)
		}
		r.With(httpmw.Scope("export.request")).Post("/request", api.HandleCreate)
		r.With(httpmw.Scope("export.approve")).Post("/approve/{requestId}", api.HandleApprove)
		r.With(httpmw.Scope("export.deny")).Post("/deny/{requestId}", api.HandleDeny)
		r.With(httpmw.Scope("export.override")).Post("/phi-override/{requestId}", api.HandleOverride)
		r.With(httpmw.Scope("export.status")).Get("/status/{requestId}", api.HandleStatus)
		dl := r.With(httpmw.Scope("export.download"))
		if api.downloadLimit != nil {
			dl = dl.With(api.downloadLimit)
		}
		dl.Get("/download/{requestId}", api.HandleDownload)
		r.With(httpmw.Scope("export.audit_verify")).Get("/audit/verify", api.HandleVerifyChain)
	})
}

type createBody struct {
	ProjectID string `json:"projectId"`
}

type decisionBody struct {
	Reason string `json:"reason"`
}

type overrideBody struct {
	Justification string   `json:"justification"`
	Conditions    []string `json:"conditions"`
}

// CreateResponse is returned for both outcomes of a create.
type CreateResponse struct {
	RequestID      string             `json:"requestId"`
	BundleID       string             `json:"bundleId"`
	Status         gate.State         `json:"status"`
	PHIScanSummary classifier.Summary `json:"phiScanSummary"`
}

type errorBody struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	State   gate.State `json:"state,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// blockedResponse is the 403 PHI_DETECTED body; the request was persisted.
type blockedResponse struct {
	Error errorBody `json:"error"`
	CreateResponse
}

func (api *API) HandleCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := api.actor(w, r)
	if !ok {
		return
	}
	var body createBody
	if !api.decode(w, r, &body, false) {
		return
	}
	req, err := api.gate.Create(r.Context(), gate.CreateInput{ProjectID: body.ProjectID, Requester: actor})
	if err != nil {
		api.writeErr(w, r, err)
		return
	}
	resp := CreateResponse{
		RequestID:      req.ID,
		BundleID:       req.BundleID,
		Status:         req.State,
		PHIScanSummary: req.Scan,
	}
	w.Header().Set("Location", "/bundle/status/"+req.ID)
	if req.State == gate.StatePHIBlocked {
		api.writeJSON(r.Context(), w, http.StatusForbidden, blockedResponse{
			Error: errorBody{
				Code:    "PHI_DETECTED",
				Message: "content scan found protected health information; a steward override is required",
				State:   req.State,
			},
			CreateResponse: resp,
		})
		return
	}
	api.writeJSON(r.Context(), w, http.StatusCreated, resp)
}

func (api *API) HandleApprove(w http.ResponseWriter, r *http.Request) {
	api.decide(w, r, func(ctx context.Context, id string, actor gate.Actor, reason string) error {
		_, err := api.gate.Approve(ctx, id, actor, reason)
		return err
	}, true)
}

func (api *API) HandleDeny(w http.ResponseWriter, r *http.Request) {
	api.decide(w, r, func(ctx context.Context, id string, actor gate.Actor, reason string) error {
		_, err := api.gate.Deny(ctx, id, actor, reason)
		return err
	}, false)
}

func (api *API) decide(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, gate.Actor, string) error, emptyOK bool) {
	actor, ok := api.actor(w, r)
	if !ok {
		return
	}
	var body decisionBody
	if !api.decode(w, r, &body, emptyOK) {
		return
	}
	id := chi.URLParam(r, "requestId")
	if err := fn(r.Context(), id, actor, body.Reason); err != nil {
		api.writeErr(w, r, err)
		return
	}
	api.writeStatus(w, r, id, actor)
}

func (api *API) HandleOverride(w http.ResponseWriter, r *http.Request) {
	actor, ok := api.actor(w, r)
	if !ok {
		return
	}
	var body overrideBody
	if !api.decode(w, r, &body, false) {
		return
	}
	id := chi.URLParam(r, "requestId")
	_, err := api.gate.RequestOverride(r.Context(), id, actor, gate.OverrideInput{
		Justification: body.Justification,
		Conditions:    body.Conditions,
	})
	if err != nil {
		api.writeErr(w, r, err)
		return
	}
	api.writeStatus(w, r, id, actor)
}

func (api *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := api.actor(w, r)
	if !ok {
		return
	}
	api.writeStatus(w, r, chi.URLParam(r, "requestId"), actor)
}

func (api *API) writeStatus(w http.ResponseWriter, r *http.Request, id string, actor gate.Actor) {
	st, err := api.gate.Status(r.Context(), id, actor)
	if err != nil {
		api.writeErr(w, r, err)
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, st)
}

func (api *API) HandleVerifyChain(w http.ResponseWriter, r *http.Request) {
	actor, ok := api.actor(w, r)
	if !ok {
		return
	}
	v, err := api.gate.VerifyChain(r.Context(), actor)
	if err != nil {
		api.writeErr(w, r, err)
		return
	}
	// a broken chain is reported as data, not as a failed request
	api.writeJSON(r.Context(), w, http.StatusOK, v)
}

func (api *API) HandleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := api.actor(w, r)
	if !ok {
		return
	}
	d, err := api.gate.Download(ctx, chi.URLParam(r, "requestId"), actor)
	if err != nil {
		api.writeErr(w, r, err)
		return
	}
	defer func() {
		if err := d.Close(); err != nil {
			api.logger.Warn(ctx, "failed to remove temp archive", "error", err)
		}
	}()

	f, err := d.File.Open()
	if err != nil {
		api.writeErr(w, r, err)
		return
	}
	defer f.Close()

	h := w.Header()
	h.Set("Content-Type", "application/zip")
	h.Set("Content-Disposition", `attachment; filename="`+d.FileName+`"`)
	h.Set("Content-Length", strconv.FormatInt(d.Size, 10))
	h.Set("X-Bundle-Hash", d.BundleHash)
	h.Set("X-Manifest-Hash", d.ManifestHash)
	if len(d.Signature) > 0 {
		h.Set("X-Manifest-Signature", base64.StdEncoding.EncodeToString(d.Signature))
	}
	w.WriteHeader(http.StatusOK)
	if n, err := io.Copy(w, f); err != nil {
		// headers are gone; the client sees a short body
		log.FromContext(ctx).Warn(ctx, "archive stream interrupted", "sent", n, "size", d.Size, "error", err)
	}
}

// actor maps the authenticated principal onto a gate actor.
func (api *API) actor(w http.ResponseWriter, r *http.Request) (gate.Actor, bool) {
	p, ok := httpmw.PrincipalFromContext(r.Context())
	if !ok {
		api.writeJSON(r.Context(), w, http.StatusUnauthorized, errorResponse{Error: errorBody{Code: "UNAUTHENTICATED", Message: "authentication required"}})
		return gate.Actor{}, false
	}
	role, ok := gate.ParseRole(p.Role)
	if !ok {
		api.writeJSON(r.Context(), w, http.StatusForbidden, errorResponse{Error: errorBody{Code: string(gate.CodeForbidden), Message: "unknown role"}})
		return gate.Actor{}, false
	}
	return gate.Actor{ID: p.ID, Role: role, Email: p.Email, Name: p.Name}, true
}

// decode reads a JSON body into v. Unknown fields are rejected. An empty
// body is accepted only when emptyOK.
func (api *API) decode(w http.ResponseWriter, r *http.Request, v any, emptyOK bool) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	switch {
	case err == nil:
		if dec.More() {
			api.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: errorBody{Code: string(gate.CodeValidation), Message: "body must be a single JSON object"}})
			return false
		}
		return true
	case errors.Is(err, io.EOF) && emptyOK:
		return true
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		api.writeJSON(r.Context(), w, http.StatusRequestEntityTooLarge, errorResponse{Error: errorBody{Code: string(gate.CodeValidation), Message: "request body too large"}})
		return false
	}
	msg := "malformed JSON body"
	if errors.Is(err, io.EOF) {
		msg = "request body is required"
	} else if strings.HasPrefix(err.Error(), "json: unknown field") {
		msg = err.Error()[len("json: "):]
	}
	api.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: errorBody{Code: string(gate.CodeValidation), Message: msg}})
	return false
}

func (api *API) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var ge *gate.Error
	if errors.As(err, &ge) {
		status := ge.Code.HTTPStatus()
		if status >= 500 {
			log.FromContext(ctx).Error(ctx, err, "export operation failed", "code", ge.Code)
		}
		api.writeJSON(ctx, w, status, errorResponse{Error: errorBody{Code: string(ge.Code), Message: ge.Message, State: ge.State}})
		return
	}
	if errors.Is(err, context.Canceled) {
		// client went away; nothing useful to send
		return
	}
	log.FromContext(ctx).Error(ctx, err, "export operation failed")
	api.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: errorBody{Code: "INTERNAL", Message: "internal error"}})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
