// Package site implements a federation site's REST surface (spec §6):
// asset retrieval, job submission, and a site-local policy source
// replication endpoint, composing the asset, policy, and runner packages
// behind gorilla/mux the way registry/server composes the registry.
package site

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ddm-net/ddm/internal/asset"
	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/httputil"
	"github.com/ddm-net/ddm/internal/identifier"
	"github.com/ddm-net/ddm/internal/logging"
	"github.com/ddm-net/ddm/internal/policy"
	"github.com/ddm-net/ddm/internal/runner"
	"github.com/ddm-net/ddm/internal/workflow"
)

// Site composes one federation site's local services behind its public
// REST surface.
type Site struct {
	ID     identifier.Identifier
	assets *asset.Service
	eval   *policy.Evaluator
	runner *runner.Runner
	policy *policy.StaticSource
	logger *logging.Logger
	Router *mux.Router
}

// New builds a Site and wires its routes.
func New(id identifier.Identifier, assets *asset.Service, eval *policy.Evaluator, r *runner.Runner,
	localPolicy *policy.StaticSource, logger *logging.Logger) *Site {
	s := &Site{
		ID:     id,
		assets: assets,
		eval:   eval,
		runner: r,
		policy: localPolicy,
		logger: logger,
		Router: mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Site) routes() {
	s.Router.HandleFunc("/assets/{id}", s.handleGetAsset).Methods(http.MethodGet)
	s.Router.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	s.Router.HandleFunc("/updates", s.handlePolicyUpdates).Methods(http.MethodGet)
	s.Router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

// permissionSetFor recomputes an asset's permission set from its stored
// provenance metadata (spec §3: "metadata is {job, item}") rather than
// from a cache populated at submission time. A primary asset (no
// producing job recorded) is evaluated directly against the namespace's
// rules; a derived asset is evaluated by re-running the evaluator over
// the sub-job that produced it and reading off its one recorded item.
// Recomputing here, instead of gating on whether some job happened to be
// submitted locally, is what lets a site serve an asset to a peer's
// runner even when no job was ever submitted to this site directly
// (spec.md's cross-site legal scenario).
func (s *Site) permissionSetFor(a asset.Asset) (policy.PermissionSet, error) {
	if a.Metadata.IsPrimary() {
		return s.eval.PrimaryPermissionSet(a.ID)
	}
	perm, err := s.eval.Evaluate(a.Metadata.Job)
	if err != nil {
		return policy.PermissionSet{}, err
	}
	p, ok := perm[a.Metadata.Item]
	if !ok {
		return policy.PermissionSet{}, ddmerrors.New(ddmerrors.UndefinedItem, "asset metadata item not found when recomputing its permission set").
			WithDetails("item", a.Metadata.Item)
	}
	return p, nil
}

// handleGetAsset serves GET /assets/{id}?requester={party_or_site}.
func (s *Site) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	id, err := identifier.Parse(mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteDDMError(w, r, err)
		return
	}
	requester, err := identifier.Parse(r.URL.Query().Get("requester"))
	if err != nil {
		httputil.WriteDDMError(w, r, ddmerrors.New(ddmerrors.MalformedId, "missing or malformed requester query parameter"))
		return
	}

	a, err := s.assets.Retrieve(id, func(fetched asset.Asset, who identifier.Identifier) (bool, error) {
		perm, err := s.permissionSetFor(fetched)
		if err != nil {
			return false, err
		}
		return s.eval.MayAccess(perm, who)
	}, requester)
	if err != nil {
		httputil.WriteDDMError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"id":           a.ID,
		"kind":         a.Kind,
		"content_type": a.ContentType,
		"payload":      a.Payload,
		"metadata":     a.Metadata,
	})
}

type submitJobRequest struct {
	RunID     string                `json:"run_id"`
	Job       workflow.Job          `json:"job"`
	Plan      workflow.Plan         `json:"plan"`
	Requester identifier.Identifier `json:"requester"`
}

// handleSubmitJob accepts a job submission and runs this site's share of
// it in a background goroutine, returning immediately (spec §5:
// concurrent jobs, sequential steps within a job).
func (s *Site) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}

	if err := s.runner.CheckLegality(req.Job, req.Plan); err != nil {
		httputil.WriteDDMError(w, r, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := s.runner.Run(ctx, req.RunID, req.Job, req.Plan, req.Requester); err != nil && s.logger != nil {
			s.logger.LogStepEvent(ctx, req.RunID, "*", "job_failed", err)
		}
	}()

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"run_id": req.RunID})
}

type policyUpdatesResponse struct {
	Namespace  string        `json:"namespace"`
	Rules      []policy.Rule `json:"rules"`
	ValidUntil time.Time     `json:"valid_until"`
}

// handlePolicyUpdates serves this site's local policy source, if it runs
// one, as a full-refresh snapshot rather than the registry's incremental
// event log — the rule count a single namespace authority publishes is
// small enough that there is no reason to build the same insert/delete
// log spec §4.4 defines for party/site registration.
func (s *Site) handlePolicyUpdates(w http.ResponseWriter, r *http.Request) {
	if s.policy == nil {
		httputil.WriteDDMError(w, r, ddmerrors.New(ddmerrors.NotFound, "this site does not run a policy source"))
		return
	}
	ns := r.URL.Query().Get("namespace")
	if ns == "" {
		httputil.WriteDDMError(w, r, ddmerrors.New(ddmerrors.MalformedRule, "namespace query parameter is required"))
		return
	}
	rules, err := s.policy.RulesFor(ns)
	if err != nil {
		httputil.WriteDDMError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, policyUpdatesResponse{
		Namespace:  ns,
		Rules:      rules,
		ValidUntil: time.Now().Add(30 * time.Second),
	})
}

func (s *Site) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "site": string(s.ID)})
}
