package policy

import (
	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/identifier"
	"github.com/ddm-net/ddm/internal/registry"
)

// ReplicaSiteResolver implements SiteResolver against a registry
// snapshot, the same one the step runner and asset store already depend
// on for site and party lookups.
type ReplicaSiteResolver struct {
	snapshot func() []registry.RegisteredObject
}

// NewReplicaSiteResolver wraps a snapshot accessor such as
// (*registryclient.Replica).Snapshot.
func NewReplicaSiteResolver(snapshot func() []registry.RegisteredObject) *ReplicaSiteResolver {
	return &ReplicaSiteResolver{snapshot: snapshot}
}

// OwnerOf implements SiteResolver.
func (r *ReplicaSiteResolver) OwnerOf(site identifier.Identifier) (identifier.Identifier, error) {
	for _, obj := range r.snapshot() {
		sd, ok := obj.(registry.SiteDescription)
		if !ok {
			continue
		}
		if sd.ID == site {
			return sd.OwnerID, nil
		}
	}
	return "", ddmerrors.New(ddmerrors.UnknownSite, "no such site").WithDetails("site", string(site))
}
