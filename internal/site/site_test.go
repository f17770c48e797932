package site_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddm-net/ddm/internal/asset"
	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/identifier"
	"github.com/ddm-net/ddm/internal/policy"
	"github.com/ddm-net/ddm/internal/registry"
	"github.com/ddm-net/ddm/internal/runner"
	"github.com/ddm-net/ddm/internal/site"
	"github.com/ddm-net/ddm/internal/siteclient"
	"github.com/ddm-net/ddm/internal/workflow"
)

type siteResolver struct{ owner identifier.Identifier }

func (r siteResolver) OwnerOf(identifier.Identifier) (identifier.Identifier, error) { return r.owner, nil }

// staticResolver implements siteclient.EndpointResolver against a fixed map,
// standing in for the registry replica in tests that wire two sites
// together over real HTTP without running a registry server.
type staticResolver map[identifier.Identifier]registry.SiteDescription

func (m staticResolver) GetSite(_ context.Context, id identifier.Identifier) (registry.SiteDescription, error) {
	sd, ok := m[id]
	if !ok {
		return registry.SiteDescription{}, ddmerrors.New(ddmerrors.UnknownSite, "no such site").WithDetails("site", string(id))
	}
	return sd, nil
}

var identityKernels = map[string]func(map[string][]byte) (map[string][]byte, error){
	"identity": func(in map[string][]byte) (map[string][]byte, error) {
		return map[string][]byte{"y": in["in"], "w": in["z"]}, nil
	},
}

// sharedRules is the rule set used by every federation test in this file:
// any asset is a member of c_ns1, the identity compute binding is too, and
// p1 is the only party granted access to c_ns1. Two-site tests register the
// identical rule set at each site's own StaticSource, mirroring how a real
// namespace authority publishes one rule set every site replicates.
func sharedRules() []policy.Rule {
	return []policy.Rule{
		{Kind: policy.ResultOfDataIn, Pattern: identifier.MustParse("asset:ns1:*:*:*"), Target: identifier.MustParse("asset_collection:ns1:c_ns1")},
		{Kind: policy.ResultOfComputeIn, Pattern: identifier.MustParse("asset:ns1:identity:*:*"), Target: identifier.MustParse("asset_collection:ns1:c_ns1")},
		{Kind: policy.MayAccessCollection, Pattern: identifier.MustParse("asset_collection:ns1:c_ns1"), Target: identifier.MustParse("party:ns1:p1")},
	}
}

// restrictedRules omits the MayAccessCollection grant, so no party may
// access anything: used by the S3 illegal-job test.
func restrictedRules() []policy.Rule {
	return []policy.Rule{
		{Kind: policy.ResultOfDataIn, Pattern: identifier.MustParse("asset:ns1:*:*:*"), Target: identifier.MustParse("asset_collection:ns1:c_ns1")},
		{Kind: policy.ResultOfComputeIn, Pattern: identifier.MustParse("asset:ns1:identity:*:*"), Target: identifier.MustParse("asset_collection:ns1:c_ns1")},
	}
}

func s1Setup(t *testing.T) *httptest.Server {
	t.Helper()
	siteID := identifier.MustParse("site:ns1:s1")
	p1 := identifier.MustParse("party:ns1:p1")

	src := policy.NewStaticSource()
	require.NoError(t, src.Set("ns1", sharedRules()))
	eval := policy.New(src, siteResolver{owner: p1})

	assets := asset.NewService(asset.NewMemoryStore())
	require.NoError(t, assets.Store(asset.Asset{
		ID:      identifier.MustParse("asset:ns1:x:ns1:s1"),
		Kind:    asset.KindData,
		Payload: []byte("[1,2,3]"),
	}))

	r := runner.New(siteID, assets, eval, nil, identityKernels, nil, nil)
	s := site.New(siteID, assets, eval, r, src, nil)
	return httptest.NewServer(s.Router)
}

// newSite builds one federation site backed by its own StaticSource, asset
// store and evaluator, wired to peers through resolver so its runner can
// fetch assets held by other test sites over real HTTP.
func newSite(t *testing.T, id identifier.Identifier, rules []policy.Rule, owner identifier.Identifier, resolver siteclient.EndpointResolver) (*httptest.Server, *asset.Service) {
	t.Helper()
	src := policy.NewStaticSource()
	require.NoError(t, src.Set("ns1", rules))
	eval := policy.New(src, siteResolver{owner: owner})
	assets := asset.NewService(asset.NewMemoryStore())
	var peers runner.PeerClient
	if resolver != nil {
		peers = siteclient.New(nil, resolver, nil)
	}
	r := runner.New(id, assets, eval, peers, identityKernels, nil, nil)
	s := site.New(id, assets, eval, r, src, nil)
	return httptest.NewServer(s.Router), assets
}

func TestS1SubmitJobThenRetrieveResult(t *testing.T) {
	ts := s1Setup(t)
	defer ts.Close()

	job := workflow.Job{
		Workflow: workflow.Workflow{
			InputKeys: []string{"in"},
			Steps: []workflow.WorkflowStep{
				{Name: "A", ComputeAssetID: identifier.MustParse("asset:ns1:identity:ns1:s1"),
					Inputs: map[string]string{"in": "in"}, Outputs: []string{"y"}},
			},
		},
		Inputs: map[string]identifier.Identifier{"in": identifier.MustParse("asset:ns1:x:ns1:s1")},
	}
	plan := workflow.Plan{StepSites: map[string]identifier.Identifier{"A": identifier.MustParse("site:ns1:s1")}}

	reqBody, _ := json.Marshal(map[string]interface{}{
		"run_id":    "run-s1",
		"job":       job,
		"plan":      plan,
		"requester": "party:ns1:p1",
	})
	resp, err := http.Post(ts.URL+"/jobs", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resultID, err := workflow.ResultIdentifier(job, "A", "y")
	require.NoError(t, err)

	var getResp *http.Response
	for i := 0; i < 20; i++ {
		getResp, err = http.Get(ts.URL + "/assets/" + string(resultID) + "?requester=party:ns1:p1")
		require.NoError(t, err)
		if getResp.StatusCode == http.StatusOK {
			break
		}
		getResp.Body.Close()
		time.Sleep(50 * time.Millisecond)
	}
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&body))
	assert.Equal(t, string(resultID), body["id"])
}

// TestGetAssetGatesOnRecomputedPolicyNotPriorSubmission exercises the
// serve-time recompute directly: a primary asset for which no job was ever
// submitted locally still denies a non-member and grants a genuine member,
// because access is recomputed from the asset's own metadata on every call
// rather than read from a cache only a local job submission would populate.
func TestGetAssetGatesOnRecomputedPolicyNotPriorSubmission(t *testing.T) {
	ts := s1Setup(t)
	defer ts.Close()

	denied, err := http.Get(ts.URL + "/assets/asset:ns1:x:ns1:s1?requester=party:ns1:p2")
	require.NoError(t, err)
	defer denied.Body.Close()
	assert.Equal(t, http.StatusForbidden, denied.StatusCode)

	allowed, err := http.Get(ts.URL + "/assets/asset:ns1:x:ns1:s1?requester=party:ns1:p1")
	require.NoError(t, err)
	defer allowed.Body.Close()
	assert.Equal(t, http.StatusOK, allowed.StatusCode)
}

// TestS2CrossSiteLegalJobFetchesPeerAsset is the mandatory cross-site-legal
// scenario: s1 is store-only and runs no step, s2 runs the job's one step
// and must fetch its input from s1 over RetrieveAsset. No job is ever
// submitted to s1, so this only passes because s1 recomputes the primary
// asset's permission set at serve time instead of gating on a submission
// cache.
func TestS2CrossSiteLegalJobFetchesPeerAsset(t *testing.T) {
	s1ID := identifier.MustParse("site:ns1:s1")
	s2ID := identifier.MustParse("site:ns1:s2")
	p1 := identifier.MustParse("party:ns1:p1")

	ts1, assets1 := newSite(t, s1ID, sharedRules(), p1, nil)
	defer ts1.Close()
	require.NoError(t, assets1.Store(asset.Asset{
		ID:      identifier.MustParse("asset:ns1:x:ns1:s1"),
		Kind:    asset.KindData,
		Payload: []byte("[1,2,3]"),
	}))

	resolver := staticResolver{s1ID: registry.SiteDescription{ID: s1ID, Endpoint: ts1.URL, HasStore: true}}
	ts2, _ := newSite(t, s2ID, sharedRules(), p1, resolver)
	defer ts2.Close()

	job := workflow.Job{
		Workflow: workflow.Workflow{
			InputKeys: []string{"in"},
			Steps: []workflow.WorkflowStep{
				{Name: "A", ComputeAssetID: identifier.MustParse("asset:ns1:identity:ns1:s1"),
					Inputs: map[string]string{"in": "in"}, Outputs: []string{"y"}},
			},
		},
		Inputs: map[string]identifier.Identifier{"in": identifier.MustParse("asset:ns1:x:ns1:s1")},
	}
	plan := workflow.Plan{StepSites: map[string]identifier.Identifier{"A": s2ID}}

	reqBody, _ := json.Marshal(map[string]interface{}{
		"run_id": "run-s2", "job": job, "plan": plan, "requester": "party:ns1:p1",
	})
	resp, err := http.Post(ts2.URL+"/jobs", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resultID, err := workflow.ResultIdentifier(job, "A", "y")
	require.NoError(t, err)

	var getResp *http.Response
	for i := 0; i < 40; i++ {
		getResp, err = http.Get(ts2.URL + "/assets/" + string(resultID) + "?requester=party:ns1:p1")
		require.NoError(t, err)
		if getResp.StatusCode == http.StatusOK {
			break
		}
		getResp.Body.Close()
		time.Sleep(50 * time.Millisecond)
	}
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&body))
	assert.Equal(t, string(resultID), body["id"])
}

// TestS3CrossSiteIllegalJobRejected is the mandatory cross-site-illegal
// scenario: the namespace grants no party access to anything, so s2's
// CheckLegality pre-check must reject the submission synchronously with
// IllegalJob rather than accepting it and failing later in the background
// run.
func TestS3CrossSiteIllegalJobRejected(t *testing.T) {
	s1ID := identifier.MustParse("site:ns1:s1")
	s2ID := identifier.MustParse("site:ns1:s2")
	p1 := identifier.MustParse("party:ns1:p1")

	ts1, assets1 := newSite(t, s1ID, restrictedRules(), p1, nil)
	defer ts1.Close()
	require.NoError(t, assets1.Store(asset.Asset{
		ID:      identifier.MustParse("asset:ns1:x:ns1:s1"),
		Kind:    asset.KindData,
		Payload: []byte("[1,2,3]"),
	}))

	resolver := staticResolver{s1ID: registry.SiteDescription{ID: s1ID, Endpoint: ts1.URL, HasStore: true}}
	ts2, _ := newSite(t, s2ID, restrictedRules(), p1, resolver)
	defer ts2.Close()

	job := workflow.Job{
		Workflow: workflow.Workflow{
			InputKeys: []string{"in"},
			Steps: []workflow.WorkflowStep{
				{Name: "A", ComputeAssetID: identifier.MustParse("asset:ns1:identity:ns1:s1"),
					Inputs: map[string]string{"in": "in"}, Outputs: []string{"y"}},
			},
		},
		Inputs: map[string]identifier.Identifier{"in": identifier.MustParse("asset:ns1:x:ns1:s1")},
	}
	plan := workflow.Plan{StepSites: map[string]identifier.Identifier{"A": s2ID}}

	reqBody, _ := json.Marshal(map[string]interface{}{
		"run_id": "run-s3", "job": job, "plan": plan, "requester": "party:ns1:p1",
	})
	resp, err := http.Post(ts2.URL+"/jobs", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(ddmerrors.IllegalJob), body.Code)
}

// TestS4DeferredInputEventuallyResolves covers the deferred-input scenario:
// step B at s2 consumes step A's output, and A runs at s1. B's first scan
// finds A's result not yet produced (RetrieveAsset returns NotYetAvailable)
// and must treat that as "not ready" rather than a failure, retrying until
// s1 finishes A and the fetch succeeds.
func TestS4DeferredInputEventuallyResolves(t *testing.T) {
	s1ID := identifier.MustParse("site:ns1:s1")
	s2ID := identifier.MustParse("site:ns1:s2")
	p1 := identifier.MustParse("party:ns1:p1")

	ts1, assets1 := newSite(t, s1ID, sharedRules(), p1, nil)
	defer ts1.Close()
	require.NoError(t, assets1.Store(asset.Asset{
		ID:      identifier.MustParse("asset:ns1:x:ns1:s1"),
		Kind:    asset.KindData,
		Payload: []byte("[1,2,3]"),
	}))

	resolver := staticResolver{s1ID: registry.SiteDescription{ID: s1ID, Endpoint: ts1.URL, HasStore: true}}
	ts2, _ := newSite(t, s2ID, sharedRules(), p1, resolver)
	defer ts2.Close()

	job := workflow.Job{
		Workflow: workflow.Workflow{
			InputKeys: []string{"in"},
			Steps: []workflow.WorkflowStep{
				{Name: "A", ComputeAssetID: identifier.MustParse("asset:ns1:identity:ns1:s1"),
					Inputs: map[string]string{"in": "in"}, Outputs: []string{"y"}},
				{Name: "B", ComputeAssetID: identifier.MustParse("asset:ns1:identity:ns1:s2"),
					Inputs: map[string]string{"z": "A.y"}, Outputs: []string{"w"}},
			},
		},
		Inputs: map[string]identifier.Identifier{"in": identifier.MustParse("asset:ns1:x:ns1:s1")},
	}
	plan := workflow.Plan{StepSites: map[string]identifier.Identifier{"A": s1ID, "B": s2ID}}

	reqBody, _ := json.Marshal(map[string]interface{}{
		"run_id": "run-s4", "job": job, "plan": plan, "requester": "party:ns1:p1",
	})

	// Submit B's share first: its first scan pass must find A's output
	// missing and keep retrying rather than fail outright.
	respB, err := http.Post(ts2.URL+"/jobs", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	defer respB.Body.Close()
	require.Equal(t, http.StatusAccepted, respB.StatusCode)

	respA, err := http.Post(ts1.URL+"/jobs", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	defer respA.Body.Close()
	require.Equal(t, http.StatusAccepted, respA.StatusCode)

	resultW, err := workflow.ResultIdentifier(job, "B", "w")
	require.NoError(t, err)

	var getResp *http.Response
	for i := 0; i < 60; i++ {
		getResp, err = http.Get(ts2.URL + "/assets/" + string(resultW) + "?requester=party:ns1:p1")
		require.NoError(t, err)
		if getResp.StatusCode == http.StatusOK {
			break
		}
		getResp.Body.Close()
		time.Sleep(50 * time.Millisecond)
	}
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&body))
	assert.Equal(t, string(resultW), body["id"])
}
