package runner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddm-net/ddm/internal/asset"
	"github.com/ddm-net/ddm/internal/compute"
	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/identifier"
	"github.com/ddm-net/ddm/internal/policy"
	"github.com/ddm-net/ddm/internal/runner"
	"github.com/ddm-net/ddm/internal/workflow"
)

type noopPeers struct{}

func (noopPeers) RetrieveAsset(context.Context, identifier.Identifier, identifier.Identifier, identifier.Identifier) (asset.Asset, error) {
	return asset.Asset{}, ddmerrors.New(ddmerrors.NotYetAvailable, "no peers in this test")
}

func allowAllPolicy() *policy.Evaluator {
	src := policy.NewStaticSource()
	_ = src.Set("ns1", []policy.Rule{
		{Kind: policy.MayAccess, Pattern: identifier.MustParse("asset:ns1:*:*:*"), Target: identifier.MustParse("party:ns1:*")},
		{Kind: policy.ResultOfDataIn, Pattern: identifier.MustParse("asset:ns1:*:*:*"), Target: identifier.MustParse("asset_collection:ns1:all")},
		{Kind: policy.ResultOfComputeIn, Pattern: identifier.MustParse("asset:ns1:*:*:*"), Target: identifier.MustParse("asset_collection:ns1:all")},
		{Kind: policy.MayAccessCollection, Pattern: identifier.MustParse("asset_collection:ns1:all"), Target: identifier.MustParse("party:ns1:*")},
	})
	return policy.New(src, staticSiteResolverAllowAll{})
}

type staticSiteResolverAllowAll struct{}

func (staticSiteResolverAllowAll) OwnerOf(identifier.Identifier) (identifier.Identifier, error) {
	return identifier.MustParse("party:ns1:p1"), nil
}

func singleStepJob() (workflow.Job, workflow.Plan) {
	job := workflow.Job{
		Workflow: workflow.Workflow{
			InputKeys: []string{"x1"},
			Steps: []workflow.WorkflowStep{
				{
					Name:           "agg",
					ComputeAssetID: identifier.MustParse("asset:ns1:aggregate:ns1:s1"),
					Inputs:         map[string]string{"x1": "x1"},
					Outputs:        []string{"mean"},
				},
			},
		},
		Inputs: map[string]identifier.Identifier{
			"x1": identifier.MustParse("asset:ns1:x1:ns1:s1"),
		},
	}
	plan := workflow.Plan{StepSites: map[string]identifier.Identifier{
		"agg": identifier.MustParse("site:ns1:s1"),
	}}
	return job, plan
}

func TestRunExecutesReadyStepAndStoresOutput(t *testing.T) {
	job, plan := singleStepJob()
	site := identifier.MustParse("site:ns1:s1")

	store := asset.NewMemoryStore()
	svc := asset.NewService(store)
	require.NoError(t, svc.Store(asset.Asset{
		ID:      job.Inputs["x1"],
		Kind:    asset.KindData,
		Payload: []byte("[2,4,6]"),
	}))

	r := runner.New(site, svc, allowAllPolicy(), noopPeers{}, compute.Registry, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Run(ctx, "run-1", job, plan, identifier.MustParse("party:ns1:p1")))

	resultID, err := workflow.ResultIdentifier(job, "agg", "mean")
	require.NoError(t, err)
	assert.True(t, svc.Has(resultID))
	assert.Equal(t, runner.StepDone, r.State("run-1", "agg"))
}

func TestCheckLegalityRejectsJobWithNoMatchingRules(t *testing.T) {
	job, plan := singleStepJob()
	site := identifier.MustParse("site:ns1:s1")

	src := policy.NewStaticSource()
	_ = src.Set("ns1", nil)
	eval := policy.New(src, staticSiteResolverAllowAll{})

	svc := asset.NewService(asset.NewMemoryStore())
	r := runner.New(site, svc, eval, noopPeers{}, compute.Registry, nil, nil)

	err := r.CheckLegality(job, plan)
	require.Error(t, err)
	assert.True(t, ddmerrors.Is(err, ddmerrors.IllegalJob))
}

type noRunnerSites map[identifier.Identifier]bool

func (s noRunnerSites) HasRunner(site identifier.Identifier) (bool, error) {
	return s[site], nil
}

func TestCheckLegalityRejectsPlanAssignedToSiteWithNoRunner(t *testing.T) {
	job, plan := singleStepJob()
	site := identifier.MustParse("site:ns1:s1")

	svc := asset.NewService(asset.NewMemoryStore())
	r := runner.New(site, svc, allowAllPolicy(), noopPeers{}, compute.Registry, nil, nil).
		WithPlanChecker(noRunnerSites{site: false})

	err := r.CheckLegality(job, plan)
	require.Error(t, err)
	assert.True(t, ddmerrors.Is(err, ddmerrors.InvalidPlan))
}
