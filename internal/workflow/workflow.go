// Package workflow implements the Workflow/WorkflowStep/Job/Plan data
// model of spec §3 and the id-hash that names every derived result.
package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/identifier"
)

// WorkflowStep is one node of a Workflow's DAG. Inputs maps an input name
// to its source, which is either "<upstream_step>.<output_name>" or a
// workflow input key (distinguished by the presence of a ".").
type WorkflowStep struct {
	Name           string
	ComputeAssetID identifier.Identifier
	Inputs         map[string]string
	Outputs        []string
}

// Workflow is a DAG of steps plus the input keys it declares; a Job binds
// each key to a concrete asset Identifier.
type Workflow struct {
	Steps       []WorkflowStep
	InputKeys   []string
	Outputs     []string // declared "<step>.<output>" selectors exposed by the job
}

// Job binds a Workflow's declared input keys to concrete primary assets.
type Job struct {
	Workflow Workflow
	Inputs   map[string]identifier.Identifier
}

func (w Workflow) stepByName() map[string]WorkflowStep {
	m := make(map[string]WorkflowStep, len(w.Steps))
	for _, s := range w.Steps {
		m[s.Name] = s
	}
	return m
}

// IsWorkflowInputSource reports whether source names a workflow input key
// rather than an upstream step's output.
func IsWorkflowInputSource(source string) bool {
	return !strings.Contains(source, ".")
}

// SplitStepOutput splits a "<step>.<output>" source into its parts.
func SplitStepOutput(source string) (step, output string, ok bool) {
	idx := strings.LastIndex(source, ".")
	if idx < 0 {
		return "", "", false
	}
	return source[:idx], source[idx+1:], true
}

// TopoOrder returns the workflow's steps ordered so that every step
// appears after all steps it depends on. Returns PolicyConflict-free
// ordering; a cycle is reported as MalformedRule since the source data
// model assumes a DAG.
func (w Workflow) TopoOrder() ([]WorkflowStep, error) {
	byName := w.stepByName()
	visited := make(map[string]int) // 0 unvisited, 1 in-progress, 2 done
	var order []WorkflowStep

	var visit func(name string) error
	visit = func(name string) error {
		switch visited[name] {
		case 2:
			return nil
		case 1:
			return ddmerrors.New(ddmerrors.MalformedRule, "workflow graph contains a cycle").WithDetails("step", name)
		}
		visited[name] = 1
		step, ok := byName[name]
		if !ok {
			return ddmerrors.New(ddmerrors.UndefinedItem, "workflow step references unknown step").WithDetails("step", name)
		}
		sources := make([]string, 0, len(step.Inputs))
		for _, src := range step.Inputs {
			sources = append(sources, src)
		}
		sort.Strings(sources)
		for _, src := range sources {
			if IsWorkflowInputSource(src) {
				continue
			}
			upstream, _, _ := SplitStepOutput(src)
			if err := visit(upstream); err != nil {
				return err
			}
		}
		visited[name] = 2
		order = append(order, step)
		return nil
	}

	names := make([]string, 0, len(w.Steps))
	for _, s := range w.Steps {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// SubJob returns the minimal job containing step and all its transitive
// dependencies, with only the workflow inputs those dependencies consume.
func (j Job) SubJob(stepName string) (Job, error) {
	byName := j.Workflow.stepByName()
	if _, ok := byName[stepName]; !ok {
		return Job{}, ddmerrors.New(ddmerrors.UndefinedItem, "unknown step").WithDetails("step", stepName)
	}

	included := make(map[string]bool)
	neededInputs := make(map[string]bool)

	var collect func(name string) error
	collect = func(name string) error {
		if included[name] {
			return nil
		}
		step, ok := byName[name]
		if !ok {
			return ddmerrors.New(ddmerrors.UndefinedItem, "unknown step").WithDetails("step", name)
		}
		included[name] = true
		for _, src := range step.Inputs {
			if IsWorkflowInputSource(src) {
				neededInputs[src] = true
				continue
			}
			upstream, _, _ := SplitStepOutput(src)
			if err := collect(upstream); err != nil {
				return err
			}
		}
		return nil
	}
	if err := collect(stepName); err != nil {
		return Job{}, err
	}

	var steps []WorkflowStep
	for _, s := range j.Workflow.Steps {
		if included[s.Name] {
			steps = append(steps, s)
		}
	}
	var inputKeys []string
	inputs := make(map[string]identifier.Identifier)
	for k := range neededInputs {
		inputKeys = append(inputKeys, k)
		if id, ok := j.Inputs[k]; ok {
			inputs[k] = id
		}
	}

	return Job{
		Workflow: Workflow{Steps: steps, InputKeys: inputKeys},
		Inputs:   inputs,
	}, nil
}

// canonicalStep and canonicalSubJob mirror WorkflowStep/Job with sorted,
// json-stable field ordering, used only to compute the id-hash. Map
// iteration order in Go is already randomized, so every field that was a
// map is flattened into a sorted slice here.
type canonicalStep struct {
	Name           string           `json:"name"`
	ComputeAssetID string           `json:"compute_asset_id"`
	Inputs         []canonicalMapKV `json:"inputs"`
	Outputs        []string         `json:"outputs"`
}

type canonicalMapKV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type canonicalSubJob struct {
	Steps  []canonicalStep  `json:"steps"`
	Inputs []canonicalMapKV `json:"inputs"`
	Output string           `json:"output"`
}

func canonicalize(sub Job, output string) ([]byte, error) {
	steps := make([]canonicalStep, 0, len(sub.Workflow.Steps))
	for _, s := range sub.Workflow.Steps {
		var kvs []canonicalMapKV
		for k, v := range s.Inputs {
			kvs = append(kvs, canonicalMapKV{Key: k, Value: v})
		}
		sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })

		outputs := append([]string(nil), s.Outputs...)
		sort.Strings(outputs)

		steps = append(steps, canonicalStep{
			Name:           s.Name,
			ComputeAssetID: string(s.ComputeAssetID),
			Inputs:         kvs,
			Outputs:        outputs,
		})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Name < steps[j].Name })

	var inputKVs []canonicalMapKV
	for k, v := range sub.Inputs {
		inputKVs = append(inputKVs, canonicalMapKV{Key: k, Value: string(v)})
	}
	sort.Slice(inputKVs, func(i, j int) bool { return inputKVs[i].Key < inputKVs[j].Key })

	return json.Marshal(canonicalSubJob{Steps: steps, Inputs: inputKVs, Output: output})
}

// IDHash computes the id-hash of item "<step>.<output>" in job j: SHA-256
// of the canonical JSON encoding of {sub-job steps sorted by name,
// sub-job workflow-inputs sorted by key, output selector}. Reordering
// independent steps in the in-memory representation never changes the
// result because every map and slice is sorted before encoding.
func IDHash(j Job, step, output string) (string, error) {
	sub, err := j.SubJob(step)
	if err != nil {
		return "", err
	}
	payload, err := canonicalize(sub, step+"."+output)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// ResultIdentifier returns the result: identifier naming the asset
// produced by step.output in job j.
func ResultIdentifier(j Job, step, output string) (identifier.Identifier, error) {
	h, err := IDHash(j, step, output)
	if err != nil {
		return "", err
	}
	return identifier.FromIDHash(h), nil
}

// Plan assigns each workflow step to the site that will execute it.
type Plan struct {
	StepSites map[string]identifier.Identifier
}

// SiteFor returns the site assigned to step, or UndefinedItem if the plan
// does not cover it.
func (p Plan) SiteFor(step string) (identifier.Identifier, error) {
	site, ok := p.StepSites[step]
	if !ok {
		return "", ddmerrors.New(ddmerrors.UndefinedItem, "plan does not assign a site to step").WithDetails("step", step)
	}
	return site, nil
}

// SiteRunnerChecker answers whether a site currently runs a step runner,
// consulted by Plan.Validate so an infeasible plan is rejected before any
// step executes rather than looping in backoff forever (spec.md Open
// Question 2: plan feasibility). Implemented by
// (*registry/client.Replica).HasRunner against the registry's site
// catalog.
type SiteRunnerChecker interface {
	HasRunner(site identifier.Identifier) (bool, error)
}

// Validate rejects a plan that assigns any of job's steps to a site with
// no step runner. A plan covering every step with runner-capable sites is
// otherwise accepted; feasibility of data placement is checked separately
// by the legality pre-check once the job is submitted to each site.
func (p Plan) Validate(job Job, sites SiteRunnerChecker) error {
	for _, step := range job.Workflow.Steps {
		site, err := p.SiteFor(step.Name)
		if err != nil {
			return ddmerrors.Wrap(ddmerrors.InvalidPlan, "resolving plan site assignment", err)
		}
		hasRunner, err := sites.HasRunner(site)
		if err != nil {
			return ddmerrors.Wrap(ddmerrors.InvalidPlan, "resolving assigned site's runner capability", err)
		}
		if !hasRunner {
			return ddmerrors.New(ddmerrors.InvalidPlan, "plan assigns step to a site with no step runner").
				WithDetails("step", step.Name).WithDetails("site", string(site))
		}
	}
	return nil
}
