package identifier_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/identifier"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []string{
		"party:ns1:p1",
		"party_collection:ns1:c1",
		"site:ns1:s1",
		"asset:ns1:x:ns1:s1",
		"asset_collection:ns1:c1",
		"result:" + identifier.IDHash([]byte("payload")),
		"*",
	}
	for _, s := range cases {
		id, err := identifier.Parse(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, id.String())
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"party:ns1",
		"party:ns1:p1:extra",
		"asset:bad seg:x:ns1:s1",
		"result:NOTHEX",
		"unknown_kind:ns1:x",
	}
	for _, s := range cases {
		_, err := identifier.Parse(s)
		require.Error(t, err, s)
		assert.True(t, ddmerrors.Is(err, ddmerrors.MalformedId), s)
	}
}

func TestNamespace(t *testing.T) {
	id := identifier.MustParse("asset:ns1:x:ns1:s1")
	ns, err := id.Namespace()
	require.NoError(t, err)
	assert.Equal(t, "ns1", ns)

	result := identifier.MustParse("result:" + identifier.IDHash([]byte("x")))
	_, err = result.Namespace()
	assert.True(t, ddmerrors.Is(err, ddmerrors.NotNamespaced))
}

func TestLocation(t *testing.T) {
	id := identifier.MustParse("asset:ns1:x:ns2:s2")
	loc, err := id.Location()
	require.NoError(t, err)
	assert.Equal(t, identifier.MustParse("site:ns2:s2"), loc)

	collection := identifier.MustParse("asset_collection:ns1:c1")
	_, err = collection.Location()
	assert.True(t, ddmerrors.Is(err, ddmerrors.NotLocatable))
}

func TestFromIDHashRoundTrips(t *testing.T) {
	h := identifier.IDHash([]byte(`{"steps":["A"]}`))
	id := identifier.FromIDHash(h)
	assert.Equal(t, identifier.KindResult, id.Kind())

	parsed, err := identifier.Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestMatchesWildcards(t *testing.T) {
	pattern := identifier.MustParse("asset:ns1:*:*:*")
	id := identifier.MustParse("asset:ns1:x:ns2:s2")
	assert.True(t, identifier.Matches(pattern, id))

	other := identifier.MustParse("asset:ns2:x:ns2:s2")
	assert.False(t, identifier.Matches(pattern, other))

	assert.True(t, identifier.Matches(identifier.Identifier("*"), id))
}
