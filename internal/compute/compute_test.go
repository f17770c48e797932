package compute_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddm-net/ddm/internal/compute"
)

func enc(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestAnonymiseSubtractsOffset(t *testing.T) {
	out, err := compute.Anonymise(map[string][]byte{"x1": enc(t, []float64{12, 15, 9})})
	require.NoError(t, err)
	var got []float64
	require.NoError(t, json.Unmarshal(out["anonymised"], &got))
	assert.Equal(t, []float64{2, 5, -1}, got)
}

func TestAggregateComputesMean(t *testing.T) {
	out, err := compute.Aggregate(map[string][]byte{"x1": enc(t, []float64{2, 4, 6})})
	require.NoError(t, err)
	var got []float64
	require.NoError(t, json.Unmarshal(out["mean"], &got))
	assert.Equal(t, []float64{4}, got)
}

func TestAdditionSumsScalars(t *testing.T) {
	out, err := compute.Addition(map[string][]byte{"x1": enc(t, 3.0), "x2": enc(t, 4.5)})
	require.NoError(t, err)
	var got float64
	require.NoError(t, json.Unmarshal(out["sum"], &got))
	assert.Equal(t, 7.5, got)
}

func TestCombinePairsVectors(t *testing.T) {
	out, err := compute.Combine(map[string][]byte{"x1": enc(t, []float64{1, 2}), "x2": enc(t, []float64{10, 20})})
	require.NoError(t, err)
	var got [][2]float64
	require.NoError(t, json.Unmarshal(out["combined"], &got))
	assert.Equal(t, [][2]float64{{1, 10}, {2, 20}}, got)
}

func TestLookupUnknownKernel(t *testing.T) {
	_, err := compute.Lookup("nonexistent")
	require.Error(t, err)
}
