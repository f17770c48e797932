// Package server implements the Registry REST surface of spec §6 and the
// ReplicationServer of spec §4.4 on top of a registry.CanonicalStore.
package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/httputil"
	"github.com/ddm-net/ddm/internal/identifier"
	"github.com/ddm-net/ddm/internal/registry"
)

// ReplicationServer exposes Updates(since_seq) with a freshness lease, as
// specified in §4.4.
type ReplicationServer struct {
	archive registry.ArchiveStore
	lease   time.Duration
}

func NewReplicationServer(archive registry.ArchiveStore, lease time.Duration) *ReplicationServer {
	return &ReplicationServer{archive: archive, lease: lease}
}

// UpdatesResponse is the wire shape of GET /updates.
type UpdatesResponse struct {
	Events     []registry.Event `json:"events"`
	SinceSeq   int64            `json:"since_seq"`
	ValidUntil time.Time        `json:"valid_until"`
}

// Updates returns every event after sinceSeq plus a lease under which the
// caller may skip polling.
func (r *ReplicationServer) Updates(sinceSeq int64) (UpdatesResponse, error) {
	events, latest, err := r.archive.Since(sinceSeq)
	if err != nil {
		return UpdatesResponse{}, err
	}
	return UpdatesResponse{
		Events:     events,
		SinceSeq:   latest,
		ValidUntil: time.Now().Add(r.lease),
	}, nil
}

// Server wires a CanonicalStore and ReplicationServer behind gorilla/mux,
// following the teacher's service.Runner router-wiring pattern.
type Server struct {
	store  *registry.CanonicalStore
	repl   *ReplicationServer
	Router *mux.Router
}

func New(store *registry.CanonicalStore, repl *ReplicationServer) *Server {
	s := &Server{store: store, repl: repl, Router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.HandleFunc("/parties", s.handleRegisterParty).Methods(http.MethodPost)
	s.Router.HandleFunc("/parties/{id}", s.handleDeregisterParty).Methods(http.MethodDelete)
	s.Router.HandleFunc("/sites", s.handleRegisterSite).Methods(http.MethodPost)
	s.Router.HandleFunc("/sites/{id}", s.handleDeregisterSite).Methods(http.MethodDelete)
	s.Router.HandleFunc("/updates", s.handleUpdates).Methods(http.MethodGet)
	s.Router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerPartyRequest struct {
	ID        identifier.Identifier `json:"id"`
	PublicKey []byte                `json:"public_key"`
}

func (s *Server) handleRegisterParty(w http.ResponseWriter, r *http.Request) {
	var req registerPartyRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	p := registry.PartyDescription{ID: req.ID, PublicKey: req.PublicKey}
	if err := s.store.RegisterParty(p); err != nil {
		httputil.WriteDDMError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) handleDeregisterParty(w http.ResponseWriter, r *http.Request) {
	id, err := identifier.Parse(mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteDDMError(w, r, err)
		return
	}
	if err := s.store.DeregisterParty(id); err != nil {
		httputil.WriteDDMError(w, r, mapNotFound(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerSiteRequest struct {
	ID        identifier.Identifier `json:"id"`
	OwnerID   identifier.Identifier `json:"owner_id"`
	AdminID   identifier.Identifier `json:"admin_id"`
	Endpoint  string                `json:"endpoint"`
	HasRunner bool                  `json:"has_runner"`
	HasStore  bool                  `json:"has_store"`
	Namespace string                `json:"namespace,omitempty"`
}

func (s *Server) handleRegisterSite(w http.ResponseWriter, r *http.Request) {
	var req registerSiteRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	site := registry.SiteDescription{
		ID:        req.ID,
		OwnerID:   req.OwnerID,
		AdminID:   req.AdminID,
		Endpoint:  req.Endpoint,
		HasRunner: req.HasRunner,
		HasStore:  req.HasStore,
		Namespace: req.Namespace,
	}
	if err := s.store.RegisterSite(site); err != nil {
		httputil.WriteDDMError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, site)
}

func (s *Server) handleDeregisterSite(w http.ResponseWriter, r *http.Request) {
	id, err := identifier.Parse(mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteDDMError(w, r, err)
		return
	}
	if err := s.store.DeregisterSite(id); err != nil {
		httputil.WriteDDMError(w, r, mapNotFound(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// mapNotFound surfaces UnknownParty/UnknownSite from a failed deletion as
// the generic NotFound the REST surface promises for missing resources.
func mapNotFound(err error) error {
	if ddmerrors.Is(err, ddmerrors.UnknownParty) || ddmerrors.Is(err, ddmerrors.UnknownSite) {
		de := ddmerrors.As(err)
		return ddmerrors.New(ddmerrors.NotFound, de.Message).WithDetails("id", de.Details["id"])
	}
	return err
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	since := parseSince(r.URL.Query().Get("since"))
	resp, err := s.repl.Updates(since)
	if err != nil {
		httputil.WriteDDMError(w, r, ddmerrors.Wrap(ddmerrors.Internal, "compute updates", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func parseSince(raw string) int64 {
	if raw == "" {
		return 0
	}
	var n int64
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
