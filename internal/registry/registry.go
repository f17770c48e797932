// Package registry implements the canonical party/site catalog and its
// append-only replication log (spec §4.4).
package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/identifier"
)

// ObjectKind discriminates the two RegisteredObject variants.
type ObjectKind string

const (
	ObjectKindParty ObjectKind = "party"
	ObjectKindSite  ObjectKind = "site"
)

// RegisteredObject is the tagged-variant interface implemented by
// PartyDescription and SiteDescription, replacing runtime type tests on
// the source's dynamic-dispatch design with exhaustive discrimination on
// Kind at use sites.
type RegisteredObject interface {
	ObjectID() identifier.Identifier
	ObjectKind() ObjectKind
}

// PartyDescription is the canonical record of a federation party.
type PartyDescription struct {
	ID        identifier.Identifier `json:"id"`
	PublicKey []byte                `json:"public_key"`
}

func (p PartyDescription) ObjectID() identifier.Identifier { return p.ID }
func (p PartyDescription) ObjectKind() ObjectKind          { return ObjectKindParty }

// SiteDescription is the canonical record of a federation site.
type SiteDescription struct {
	ID        identifier.Identifier `json:"id"`
	OwnerID   identifier.Identifier `json:"owner_id"`
	AdminID   identifier.Identifier `json:"admin_id"`
	Endpoint  string                `json:"endpoint"`
	HasRunner bool                  `json:"has_runner"`
	HasStore  bool                  `json:"has_store"`
	Namespace string                `json:"namespace,omitempty"`
}

func (s SiteDescription) ObjectID() identifier.Identifier { return s.ID }
func (s SiteDescription) ObjectKind() ObjectKind          { return ObjectKindSite }

// Validate enforces the Site invariant has_runner ⇒ has_store.
func (s SiteDescription) Validate() error {
	if s.HasRunner && !s.HasStore {
		return ddmerrors.New(ddmerrors.MalformedRule, "a runner site must also be a store site").
			WithDetails("site", string(s.ID))
	}
	return nil
}

// Event is one entry of the append-only replication archive.
type Event struct {
	Seq  int64           `json:"seq"`
	Op   string          `json:"op"` // "insert" | "delete"
	Kind ObjectKind      `json:"kind"`
	Body json.RawMessage `json:"body"`
}

const (
	OpInsert = "insert"
	OpDelete = "delete"
)

// DecodeObject decodes an Event's body into the concrete RegisteredObject
// its Kind names.
func (e Event) DecodeObject() (RegisteredObject, error) {
	switch e.Kind {
	case ObjectKindParty:
		var p PartyDescription
		if err := json.Unmarshal(e.Body, &p); err != nil {
			return nil, err
		}
		return p, nil
	case ObjectKindSite:
		var s SiteDescription
		if err := json.Unmarshal(e.Body, &s); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, ddmerrors.New(ddmerrors.Internal, "unknown object kind in archive event").
			WithDetails("kind", string(e.Kind))
	}
}

// ArchiveStore is the pluggable append-only log backing CanonicalStore.
// Implementations: archivestore/memory (default), archivestore/postgres
// (durable).
type ArchiveStore interface {
	Append(op string, obj RegisteredObject) (Event, error)
	Since(seq int64) (events []Event, latestSeq int64, err error)
	All() ([]RegisteredObject, int64, error)
	Close() error
}

// CanonicalStore is the authoritative catalog of parties and sites. It
// owns PartyDescription and SiteDescription records; replicas only ever
// see immutable snapshots produced by the archive.
type CanonicalStore struct {
	mu      sync.RWMutex
	archive ArchiveStore
	objects map[identifier.Identifier]RegisteredObject
	used    map[string]bool // (kind,id) tombstone: never re-used within a run
}

// NewCanonicalStore replays archive's current contents and returns a
// CanonicalStore backed by it.
func NewCanonicalStore(archive ArchiveStore) (*CanonicalStore, error) {
	objs, _, err := archive.All()
	if err != nil {
		return nil, err
	}
	cs := &CanonicalStore{
		archive: archive,
		objects: make(map[identifier.Identifier]RegisteredObject, len(objs)),
		used:    make(map[string]bool),
	}
	for _, o := range objs {
		cs.objects[o.ObjectID()] = o
		cs.used[tombstoneKey(o.ObjectKind(), o.ObjectID())] = true
	}
	return cs, nil
}

func tombstoneKey(kind ObjectKind, id identifier.Identifier) string {
	return string(kind) + ":" + string(id)
}

func (cs *CanonicalStore) lookupParty(id identifier.Identifier) (PartyDescription, bool) {
	obj, ok := cs.objects[id]
	if !ok {
		return PartyDescription{}, false
	}
	p, ok := obj.(PartyDescription)
	return p, ok
}

// RegisterParty inserts a new party. Fails if the id is already in use
// (including previously deregistered within this run).
func (cs *CanonicalStore) RegisterParty(p PartyDescription) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.used[tombstoneKey(ObjectKindParty, p.ID)] {
		return ddmerrors.New(ddmerrors.DuplicateAsset, "party id already registered").
			WithDetails("id", string(p.ID))
	}
	ev, err := cs.archive.Append(OpInsert, p)
	if err != nil {
		return err
	}
	cs.objects[p.ID] = p
	cs.used[tombstoneKey(ObjectKindParty, p.ID)] = true
	_ = ev
	return nil
}

// DeregisterParty removes a party. Fails with UnknownParty if it does not
// exist.
func (cs *CanonicalStore) DeregisterParty(id identifier.Identifier) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	p, ok := cs.lookupParty(id)
	if !ok {
		return ddmerrors.New(ddmerrors.UnknownParty, "party not found").WithDetails("id", string(id))
	}
	if _, err := cs.archive.Append(OpDelete, p); err != nil {
		return err
	}
	delete(cs.objects, id)
	return nil
}

// RegisterSite inserts a new site, validating the has_runner invariant
// and that owner_id/admin_id resolve to registered parties.
func (cs *CanonicalStore) RegisterSite(s SiteDescription) error {
	if err := s.Validate(); err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.used[tombstoneKey(ObjectKindSite, s.ID)] {
		return ddmerrors.New(ddmerrors.DuplicateAsset, "site id already registered").
			WithDetails("id", string(s.ID))
	}
	if _, ok := cs.lookupParty(s.OwnerID); !ok {
		return ddmerrors.New(ddmerrors.UnknownParty, "owner_id does not resolve to a registered party").
			WithDetails("owner_id", string(s.OwnerID))
	}
	if _, ok := cs.lookupParty(s.AdminID); !ok {
		return ddmerrors.New(ddmerrors.UnknownParty, "admin_id does not resolve to a registered party").
			WithDetails("admin_id", string(s.AdminID))
	}
	if _, err := cs.archive.Append(OpInsert, s); err != nil {
		return err
	}
	cs.objects[s.ID] = s
	cs.used[tombstoneKey(ObjectKindSite, s.ID)] = true
	return nil
}

// DeregisterSite removes a site. Fails with UnknownSite if it does not
// exist.
func (cs *CanonicalStore) DeregisterSite(id identifier.Identifier) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	obj, ok := cs.objects[id]
	if !ok {
		return ddmerrors.New(ddmerrors.UnknownSite, "site not found").WithDetails("id", string(id))
	}
	s, ok := obj.(SiteDescription)
	if !ok {
		return ddmerrors.New(ddmerrors.UnknownSite, "identifier is not a site").WithDetails("id", string(id))
	}
	if _, err := cs.archive.Append(OpDelete, s); err != nil {
		return err
	}
	delete(cs.objects, id)
	return nil
}

// Snapshot returns every currently registered object.
func (cs *CanonicalStore) Snapshot() []RegisteredObject {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]RegisteredObject, 0, len(cs.objects))
	for _, o := range cs.objects {
		out = append(out, o)
	}
	return out
}

// LeaseDuration is how long a ReplicationServer promises a returned
// snapshot to remain current; a Replica skips polling while its lease is
// live.
type LeaseDuration = time.Duration
