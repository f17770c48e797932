package workflow_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddm-net/ddm/internal/identifier"
	"github.com/ddm-net/ddm/internal/workflow"
)

func twoStepJob(stepOrder []workflow.WorkflowStep) workflow.Job {
	return workflow.Job{
		Workflow: workflow.Workflow{
			Steps:     stepOrder,
			InputKeys: []string{"in"},
		},
		Inputs: map[string]identifier.Identifier{
			"in": identifier.MustParse("asset:ns1:x:ns1:s1"),
		},
	}
}

func TestIDHashStableUnderStepReordering(t *testing.T) {
	a := workflow.WorkflowStep{Name: "A", ComputeAssetID: identifier.MustParse("asset:ns1:identity:ns1:s1"),
		Inputs: map[string]string{"in": "in"}, Outputs: []string{"y"}}
	b := workflow.WorkflowStep{Name: "B", ComputeAssetID: identifier.MustParse("asset:ns1:identity:ns1:s1"),
		Inputs: map[string]string{"in": "in"}, Outputs: []string{"y"}}

	j1 := twoStepJob([]workflow.WorkflowStep{a, b})
	j2 := twoStepJob([]workflow.WorkflowStep{b, a})

	h1, err := workflow.IDHash(j1, "A", "y")
	require.NoError(t, err)
	h2, err := workflow.IDHash(j2, "A", "y")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestIDHashDependsOnlyOnSubJob(t *testing.T) {
	a := workflow.WorkflowStep{Name: "A", ComputeAssetID: identifier.MustParse("asset:ns1:identity:ns1:s1"),
		Inputs: map[string]string{"in": "in"}, Outputs: []string{"y"}}
	bIndependent := workflow.WorkflowStep{Name: "B", ComputeAssetID: identifier.MustParse("asset:ns1:other:ns1:s1"),
		Inputs: map[string]string{"in2": "in"}, Outputs: []string{"z"}}

	withB := twoStepJob([]workflow.WorkflowStep{a, bIndependent})
	withoutB := twoStepJob([]workflow.WorkflowStep{a})

	h1, err := workflow.IDHash(withB, "A", "y")
	require.NoError(t, err)
	h2, err := workflow.IDHash(withoutB, "A", "y")
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "adding an independent step must not change A.y's id-hash")
}

func TestSubJobIncludesTransitiveDependencies(t *testing.T) {
	a := workflow.WorkflowStep{Name: "A", ComputeAssetID: identifier.MustParse("asset:ns1:identity:ns1:s1"),
		Inputs: map[string]string{"in": "in"}, Outputs: []string{"y"}}
	b := workflow.WorkflowStep{Name: "B", ComputeAssetID: identifier.MustParse("asset:ns1:identity:ns1:s1"),
		Inputs: map[string]string{"in": "A.y"}, Outputs: []string{"z"}}

	j := workflow.Job{
		Workflow: workflow.Workflow{Steps: []workflow.WorkflowStep{a, b}, InputKeys: []string{"in"}},
		Inputs:   map[string]identifier.Identifier{"in": identifier.MustParse("asset:ns1:x:ns1:s1")},
	}

	sub, err := j.SubJob("B")
	require.NoError(t, err)
	assert.Len(t, sub.Workflow.Steps, 2)
}

func TestTopoOrderRejectsCycles(t *testing.T) {
	a := workflow.WorkflowStep{Name: "A", Inputs: map[string]string{"in": "B.y"}, Outputs: []string{"y"}}
	b := workflow.WorkflowStep{Name: "B", Inputs: map[string]string{"in": "A.y"}, Outputs: []string{"y"}}
	w := workflow.Workflow{Steps: []workflow.WorkflowStep{a, b}}
	_, err := w.TopoOrder()
	require.Error(t, err)
}
