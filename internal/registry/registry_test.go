package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/identifier"
	"github.com/ddm-net/ddm/internal/registry"
	"github.com/ddm-net/ddm/internal/registry/archivestore/memory"
)

func newStore(t *testing.T) *registry.CanonicalStore {
	t.Helper()
	cs, err := registry.NewCanonicalStore(memory.New())
	require.NoError(t, err)
	return cs
}

func TestRegisterPartyThenSite(t *testing.T) {
	cs := newStore(t)

	party := registry.PartyDescription{ID: identifier.MustParse("party:ns1:p1")}
	require.NoError(t, cs.RegisterParty(party))

	site := registry.SiteDescription{
		ID:        identifier.MustParse("site:ns1:s1"),
		OwnerID:   party.ID,
		AdminID:   party.ID,
		HasRunner: true,
		HasStore:  true,
	}
	require.NoError(t, cs.RegisterSite(site))

	snap := cs.Snapshot()
	assert.Len(t, snap, 2)
}

func TestRegisterSiteRejectsRunnerWithoutStore(t *testing.T) {
	cs := newStore(t)
	party := registry.PartyDescription{ID: identifier.MustParse("party:ns1:p1")}
	require.NoError(t, cs.RegisterParty(party))

	site := registry.SiteDescription{
		ID:        identifier.MustParse("site:ns1:s1"),
		OwnerID:   party.ID,
		AdminID:   party.ID,
		HasRunner: true,
		HasStore:  false,
	}
	err := cs.RegisterSite(site)
	require.Error(t, err)
	assert.True(t, ddmerrors.Is(err, ddmerrors.MalformedRule))
}

func TestRegisterSiteRejectsUnknownOwner(t *testing.T) {
	cs := newStore(t)
	site := registry.SiteDescription{
		ID:       identifier.MustParse("site:ns1:s1"),
		OwnerID:  identifier.MustParse("party:ns1:ghost"),
		AdminID:  identifier.MustParse("party:ns1:ghost"),
		HasStore: true,
	}
	err := cs.RegisterSite(site)
	require.Error(t, err)
	assert.True(t, ddmerrors.Is(err, ddmerrors.UnknownParty))
}

func TestIDNeverReusedAfterDeregistration(t *testing.T) {
	cs := newStore(t)
	party := registry.PartyDescription{ID: identifier.MustParse("party:ns1:p1")}
	require.NoError(t, cs.RegisterParty(party))
	require.NoError(t, cs.DeregisterParty(party.ID))

	err := cs.RegisterParty(party)
	require.Error(t, err)
	assert.True(t, ddmerrors.Is(err, ddmerrors.DuplicateAsset))
}

func TestDeregisterUnknownSiteIsUnknownSite(t *testing.T) {
	cs := newStore(t)
	err := cs.DeregisterSite(identifier.MustParse("site:ns1:ghost"))
	require.Error(t, err)
	assert.True(t, ddmerrors.Is(err, ddmerrors.UnknownSite))
}
