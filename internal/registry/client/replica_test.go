package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddm-net/ddm/internal/identifier"
	"github.com/ddm-net/ddm/internal/registry"
	"github.com/ddm-net/ddm/internal/registry/archivestore/memory"
	"github.com/ddm-net/ddm/internal/registry/client"
	"github.com/ddm-net/ddm/internal/registry/server"
)

func TestReplicaConvergesAfterLeaseExpires(t *testing.T) {
	archive := memory.New()
	cs, err := registry.NewCanonicalStore(archive)
	require.NoError(t, err)

	repl := server.NewReplicationServer(archive, time.Millisecond)
	srv := server.New(cs, repl)
	ts := httptest.NewServer(srv.Router)
	t.Cleanup(ts.Close)

	party := registry.PartyDescription{ID: identifier.MustParse("party:ns1:p1")}
	require.NoError(t, cs.RegisterParty(party))

	replica := client.NewReplica(ts.URL, http.DefaultClient, nil, nil)
	var gotCreated []registry.RegisteredObject
	replica.OnUpdate(func(created, deleted []registry.RegisteredObject) {
		gotCreated = append(gotCreated, created...)
	})

	require.NoError(t, replica.Update(context.Background()))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, replica.Update(context.Background()))

	assert.ElementsMatch(t, cs.Snapshot(), replica.Snapshot())
	assert.NotEmpty(t, gotCreated)
}

func TestReplicaNewSiteVisibleWithinOneLease(t *testing.T) {
	archive := memory.New()
	cs, err := registry.NewCanonicalStore(archive)
	require.NoError(t, err)
	repl := server.NewReplicationServer(archive, time.Millisecond)
	srv := server.New(cs, repl)
	ts := httptest.NewServer(srv.Router)
	t.Cleanup(ts.Close)

	replica := client.NewReplica(ts.URL, http.DefaultClient, nil, nil)
	require.NoError(t, replica.Update(context.Background()))

	party := registry.PartyDescription{ID: identifier.MustParse("party:ns1:p1")}
	require.NoError(t, cs.RegisterParty(party))
	site := registry.SiteDescription{
		ID: identifier.MustParse("site:ns1:s3"), OwnerID: party.ID, AdminID: party.ID,
		HasRunner: true, HasStore: true,
	}
	require.NoError(t, cs.RegisterSite(site))

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, replica.Update(context.Background()))

	_, ok := replica.Lookup(site.ID)
	assert.True(t, ok)
}
