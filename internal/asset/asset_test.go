package asset_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddm-net/ddm/internal/asset"
	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/identifier"
)

func TestStoreIsIdempotentForIdenticalPayload(t *testing.T) {
	svc := asset.NewService(asset.NewMemoryStore())
	a := asset.Asset{ID: identifier.MustParse("asset:ns1:x:ns1:s1"), Kind: asset.KindData, Payload: []byte("hello")}

	require.NoError(t, svc.Store(a))
	require.NoError(t, svc.Store(a))
}

func TestStoreRejectsConflictingPayload(t *testing.T) {
	svc := asset.NewService(asset.NewMemoryStore())
	id := identifier.MustParse("asset:ns1:x:ns1:s1")
	require.NoError(t, svc.Store(asset.Asset{ID: id, Kind: asset.KindData, Payload: []byte("hello")}))

	err := svc.Store(asset.Asset{ID: id, Kind: asset.KindData, Payload: []byte("goodbye")})
	require.Error(t, err)
	assert.True(t, ddmerrors.Is(err, ddmerrors.DuplicateAsset))
}

func TestRetrieveMissingIsNotYetAvailable(t *testing.T) {
	svc := asset.NewService(asset.NewMemoryStore())
	_, err := svc.Retrieve(identifier.MustParse("asset:ns1:x:ns1:s1"), func(asset.Asset, identifier.Identifier) (bool, error) { return true, nil }, identifier.MustParse("party:ns1:p1"))
	require.Error(t, err)
	assert.True(t, ddmerrors.Is(err, ddmerrors.NotYetAvailable))
}

func TestRetrieveDeniedByPolicy(t *testing.T) {
	svc := asset.NewService(asset.NewMemoryStore())
	id := identifier.MustParse("asset:ns1:x:ns1:s1")
	require.NoError(t, svc.Store(asset.Asset{ID: id, Kind: asset.KindData, Payload: []byte("hello")}))

	_, err := svc.Retrieve(id, func(asset.Asset, identifier.Identifier) (bool, error) { return false, nil }, identifier.MustParse("party:ns1:p2"))
	require.Error(t, err)
	assert.True(t, ddmerrors.Is(err, ddmerrors.AccessDenied))
}
