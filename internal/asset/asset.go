// Package asset implements the DataAsset/ComputeAsset model and a site's
// local asset store of spec §3/§4.3.
package asset

import (
	"bytes"
	"sync"

	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/identifier"
	"github.com/ddm-net/ddm/internal/workflow"
)

// Kind discriminates the two asset variants: a data payload, or a
// compute kernel that a step runner can execute against data inputs.
type Kind string

const (
	KindData    Kind = "data"
	KindCompute Kind = "compute"
)

// Metadata records a result asset's provenance: the sub-job that produced
// it and which of that sub-job's items it is (spec §3: "metadata is
// {job, item}"). The result identifier's id-hash is computed over exactly
// this pair (workflow.IDHash), so a site holding Metadata can recompute
// the asset's permission set from scratch at serve time rather than
// trusting a cache. The zero value (no steps in Job) means the asset is
// primary — uploaded directly, not derived by any step.
type Metadata struct {
	Job  workflow.Job `json:"job,omitempty"`
	Item string       `json:"item,omitempty"`
}

// IsPrimary reports whether the asset was never derived by a step.
func (m Metadata) IsPrimary() bool {
	return len(m.Job.Workflow.Steps) == 0
}

// Asset is a stored blob identified by an Identifier, either data or a
// compute kernel.
type Asset struct {
	ID          identifier.Identifier `json:"id"`
	Kind        Kind                  `json:"kind"`
	ContentType string                `json:"content_type,omitempty"`
	Payload     []byte                `json:"payload"`
	Metadata    Metadata              `json:"metadata,omitempty"`
}

// Store is the pluggable persistence layer a site keeps its assets in.
type Store interface {
	Get(id identifier.Identifier) (Asset, bool)
	Put(a Asset) error
	Delete(id identifier.Identifier) error
	List() []Asset
}

// MemoryStore is the default in-process Store, grounded on the teacher's
// pkg/storage/memory map+mutex pattern.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[identifier.Identifier]Asset
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[identifier.Identifier]Asset)}
}

func (m *MemoryStore) Get(id identifier.Identifier) (Asset, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.objects[id]
	return a, ok
}

func (m *MemoryStore) Put(a Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[a.ID] = a
	return nil
}

func (m *MemoryStore) Delete(id identifier.Identifier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, id)
	return nil
}

func (m *MemoryStore) List() []Asset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Asset, 0, len(m.objects))
	for _, a := range m.objects {
		out = append(out, a)
	}
	return out
}

// Service composes a Store with policy access control, implementing the
// store/retrieve operations of spec §4.3 invariants 5 and 7.
type Service struct {
	store Store
}

// NewService builds a Service over store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Store inserts a into the local store. Re-storing an asset under an id
// that already exists is a no-op when the payload is byte-identical
// (idempotent retry after a crash or duplicate delivery, invariant 7) and
// a DuplicateAsset error otherwise — ids are content-addressed, so two
// different payloads can never legitimately share one.
func (s *Service) Store(a Asset) error {
	existing, ok := s.store.Get(a.ID)
	if !ok {
		return s.store.Put(a)
	}
	if bytes.Equal(existing.Payload, a.Payload) && existing.Kind == a.Kind {
		return nil
	}
	return ddmerrors.New(ddmerrors.DuplicateAsset, "asset id already holds a different payload").
		WithDetails("id", string(a.ID))
}

// Has reports whether id is present in the local store, without any
// access check — used by the step runner's own legality and scheduling
// logic, which already has site-local standing.
func (s *Service) Has(id identifier.Identifier) bool {
	_, ok := s.store.Get(id)
	return ok
}

// GetRaw returns an asset's payload without a policy check, for use by
// the step runner when binding a step's own already-legality-checked
// inputs to its kernel.
func (s *Service) GetRaw(id identifier.Identifier) ([]byte, bool) {
	a, ok := s.store.Get(id)
	if !ok {
		return nil, false
	}
	return a.Payload, true
}

// MayAccessFunc evaluates whether requester may access the asset found at
// serve time, given its stored provenance metadata; callers recompute a
// permission set from a.Metadata (primary lookup or a fresh
// (*policy.Evaluator).Evaluate of a.Metadata.Job) and pass it through
// (*policy.Evaluator).MayAccess, keeping this package independent of the
// policy package's job-evaluation machinery.
type MayAccessFunc func(a Asset, requester identifier.Identifier) (bool, error)

// Retrieve returns the asset stored under id, gating on mayAccess.
// Absence at this site is NotYetAvailable (the step runner treats the
// input as not ready and asks the same site again after its scan backoff,
// spec §4.3); a denied
// policy check is AccessDenied. The access check is recomputed from the
// asset's own stored metadata on every call rather than served from a
// cache populated at submission time, so an asset another site fetches
// without ever having a job submitted against it locally (spec.md's
// cross-site legal scenario) is still gated correctly.
func (s *Service) Retrieve(id identifier.Identifier, mayAccess MayAccessFunc, requester identifier.Identifier) (Asset, error) {
	a, ok := s.store.Get(id)
	if !ok {
		return Asset{}, ddmerrors.New(ddmerrors.NotYetAvailable, "asset not present at this site").
			WithDetails("id", string(id))
	}
	allowed, err := mayAccess(a, requester)
	if err != nil {
		return Asset{}, err
	}
	if !allowed {
		return Asset{}, ddmerrors.New(ddmerrors.AccessDenied, "requester is not permitted to access this asset").
			WithDetails("id", string(id)).WithDetails("requester", string(requester))
	}
	return a, nil
}
