// Package runner implements the distributed step runner of spec §4.3:
// the legality pre-check, the scan/execute/backoff loop, and the
// per-step state machine.
package runner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ddm-net/ddm/internal/asset"
	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/identifier"
	"github.com/ddm-net/ddm/internal/logging"
	"github.com/ddm-net/ddm/internal/metrics"
	"github.com/ddm-net/ddm/internal/policy"
	"github.com/ddm-net/ddm/internal/resilience"
	"github.com/ddm-net/ddm/internal/workflow"
)

// StepState is a step's position in the PENDING -> EXECUTING ->
// DONE/FAILED state machine.
type StepState string

const (
	StepPending   StepState = "pending"
	StepExecuting StepState = "executing"
	StepDone      StepState = "done"
	StepFailed    StepState = "failed"
)

// PeerClient retrieves an asset from a remote site, used when a step's
// data input was produced by an upstream step the plan assigned
// elsewhere. Implemented by internal/siteclient.
type PeerClient interface {
	RetrieveAsset(ctx context.Context, site, assetID identifier.Identifier, requester identifier.Identifier) (asset.Asset, error)
}

// JobRun tracks one job's step states in memory for observability; it is
// not persisted, so nothing resumes from it after a crash.
type JobRun struct {
	mu     sync.RWMutex
	states map[string]StepState
}

func newJobRun(steps []workflow.WorkflowStep) *JobRun {
	r := &JobRun{states: make(map[string]StepState, len(steps))}
	for _, s := range steps {
		r.states[s.Name] = StepPending
	}
	return r
}

func (r *JobRun) set(step string, state StepState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[step] = state
}

// State returns a step's current state.
func (r *JobRun) State(step string) StepState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[step]
}

// Runner executes the steps of jobs assigned to one site, one goroutine
// per job, steps within a job sequential.
type Runner struct {
	site    identifier.Identifier
	assets  *asset.Service
	eval    *policy.Evaluator
	peers   PeerClient
	kernels map[string]func(map[string][]byte) (map[string][]byte, error)
	logger  *logging.Logger
	metrics *metrics.Metrics
	backoff resilience.RetryConfig
	plans   workflow.SiteRunnerChecker

	mu   sync.RWMutex
	runs map[string]*JobRun
}

// New builds a Runner bound to one site.
func New(site identifier.Identifier, assets *asset.Service, eval *policy.Evaluator, peers PeerClient,
	kernels map[string]func(map[string][]byte) (map[string][]byte, error), logger *logging.Logger, m *metrics.Metrics) *Runner {
	return &Runner{
		site:    site,
		assets:  assets,
		eval:    eval,
		peers:   peers,
		kernels: kernels,
		logger:  logger,
		metrics: m,
		backoff: resilience.DefaultRetryConfig(),
		runs:    make(map[string]*JobRun),
	}
}

func stepsAssignedTo(job workflow.Job, plan workflow.Plan, site identifier.Identifier) []workflow.WorkflowStep {
	var out []workflow.WorkflowStep
	for _, s := range job.Workflow.Steps {
		if assigned, err := plan.SiteFor(s.Name); err == nil && assigned == site {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// sourceOf resolves an input's concrete source: the asset identifier it
// ultimately names and the site currently responsible for holding it.
func sourceOf(job workflow.Job, plan workflow.Plan, src string) (assetID identifier.Identifier, site identifier.Identifier, err error) {
	if workflow.IsWorkflowInputSource(src) {
		id, ok := job.Inputs[src]
		if !ok {
			return "", "", ddmerrors.New(ddmerrors.UndefinedItem, "workflow input has no bound asset").WithDetails("key", src)
		}
		loc, err := id.Location()
		if err != nil {
			return "", "", err
		}
		return id, loc, nil
	}
	upstreamStep, output, _ := workflow.SplitStepOutput(src)
	resultID, err := workflow.ResultIdentifier(job, upstreamStep, output)
	if err != nil {
		return "", "", err
	}
	upstreamSite, err := plan.SiteFor(upstreamStep)
	if err != nil {
		return "", "", err
	}
	return resultID, upstreamSite, nil
}

// CheckLegality implements spec §4.3's legality pre-check: the plan must
// be feasible (every step assigned to a runner-capable site), and every
// step assigned to this site must pass input access, compute-binding
// access, and output access, or the whole job is rejected before any
// step runs.
func (r *Runner) CheckLegality(job workflow.Job, plan workflow.Plan) error {
	if r.plans != nil {
		if err := plan.Validate(job, r.plans); err != nil {
			return err
		}
	}

	perm, err := r.eval.Evaluate(job)
	if err != nil {
		return err
	}
	for _, step := range stepsAssignedTo(job, plan, r.site) {
		inputNames := make([]string, 0, len(step.Inputs))
		for name := range step.Inputs {
			inputNames = append(inputNames, name)
		}
		sort.Strings(inputNames)
		for _, name := range inputNames {
			edgeLabel := step.Name + "." + name
			edgePerm, ok := perm[edgeLabel]
			if !ok {
				return ddmerrors.New(ddmerrors.IllegalJob, "no permission set computed for input").WithDetails("input", edgeLabel)
			}
			_, srcSite, err := sourceOf(job, plan, step.Inputs[name])
			if err != nil {
				return ddmerrors.Wrap(ddmerrors.IllegalJob, "resolving input source", err)
			}
			okThis, err := r.eval.MayAccess(edgePerm, r.site)
			if err != nil {
				return err
			}
			okSrc, err := r.eval.MayAccess(edgePerm, srcSite)
			if err != nil {
				return err
			}
			if !okThis || !okSrc {
				return ddmerrors.New(ddmerrors.IllegalJob, "input access denied").
					WithDetails("step", step.Name).WithDetails("input", name)
			}
		}

		computePerm, ok := perm[step.Name]
		if !ok {
			return ddmerrors.New(ddmerrors.IllegalJob, "no permission set computed for compute binding").WithDetails("step", step.Name)
		}
		okCompute, err := r.eval.MayAccess(computePerm, r.site)
		if err != nil {
			return err
		}
		if !okCompute {
			return ddmerrors.New(ddmerrors.IllegalJob, "compute binding access denied").WithDetails("step", step.Name)
		}

		for _, output := range step.Outputs {
			outLabel := step.Name + "." + output
			outPerm, ok := perm[outLabel]
			if !ok {
				return ddmerrors.New(ddmerrors.IllegalJob, "no permission set computed for output").WithDetails("output", outLabel)
			}
			okOut, err := r.eval.MayAccess(outPerm, r.site)
			if err != nil {
				return err
			}
			if !okOut {
				return ddmerrors.New(ddmerrors.IllegalJob, "output access denied").WithDetails("output", outLabel)
			}
		}
	}
	return nil
}

// Run executes runID's local steps to completion or until ctx is
// cancelled. It is safe to call concurrently for distinct runIDs; steps
// within one runID execute sequentially.
func (r *Runner) Run(ctx context.Context, runID string, job workflow.Job, plan workflow.Plan, requester identifier.Identifier) error {
	if err := r.CheckLegality(job, plan); err != nil {
		return err
	}

	local := stepsAssignedTo(job, plan, r.site)
	run := newJobRun(local)
	r.mu.Lock()
	r.runs[runID] = run
	r.mu.Unlock()

	perm, err := r.eval.Evaluate(job)
	if err != nil {
		return err
	}

	todo := make(map[string]workflow.WorkflowStep, len(local))
	for _, s := range local {
		todo[s.Name] = s
	}

	delay := r.backoff.InitialDelay
	for len(todo) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		progressed := false

		names := make([]string, 0, len(todo))
		for n := range todo {
			names = append(names, n)
		}
		sort.Strings(names)

		for _, name := range names {
			step := todo[name]
			ready, err := r.inputsReady(ctx, job, plan, perm, step, requester)
			if err != nil {
				run.set(step.Name, StepFailed)
				return err
			}
			if !ready {
				continue
			}

			run.set(step.Name, StepExecuting)
			if r.logger != nil {
				r.logger.LogStepEvent(ctx, runID, step.Name, string(StepExecuting), nil)
			}
			if err := r.execute(job, step); err != nil {
				run.set(step.Name, StepFailed)
				if r.logger != nil {
					r.logger.LogStepEvent(ctx, runID, step.Name, string(StepFailed), err)
				}
				if r.metrics != nil {
					r.metrics.StepsExecutedTotal.WithLabelValues(string(StepFailed)).Inc()
				}
				return err
			}
			run.set(step.Name, StepDone)
			if r.logger != nil {
				r.logger.LogStepEvent(ctx, runID, step.Name, string(StepDone), nil)
			}
			if r.metrics != nil {
				r.metrics.StepsExecutedTotal.WithLabelValues(string(StepDone)).Inc()
			}
			delete(todo, name)
			progressed = true
		}

		if progressed {
			delay = r.backoff.InitialDelay
			continue
		}

		next, ok := resilience.ScanBackoff(ctx, delay, r.backoff)
		if !ok {
			return ctx.Err()
		}
		if r.metrics != nil {
			r.metrics.StepBackoffSleeps.Inc()
		}
		delay = next
	}
	return nil
}

// inputsReady fetches every data input of step that is not yet present
// locally, returning false (not an error) when an upstream step hasn't
// produced its output yet — the scan loop retries later.
func (r *Runner) inputsReady(ctx context.Context, job workflow.Job, plan workflow.Plan, perm map[string]policy.PermissionSet,
	step workflow.WorkflowStep, requester identifier.Identifier) (bool, error) {
	for name, src := range step.Inputs {
		assetID, srcSite, err := sourceOf(job, plan, src)
		if err != nil {
			return false, err
		}
		if r.assets.Has(assetID) {
			continue
		}
		if srcSite == r.site {
			// Produced locally by an upstream step that hasn't finished.
			return false, nil
		}

		edgeLabel := step.Name + "." + name
		edgePerm, ok := perm[edgeLabel]
		if !ok {
			return false, ddmerrors.New(ddmerrors.IllegalJob, "no permission set computed for input").WithDetails("input", edgeLabel)
		}
		// CheckLegality already verified this edge before Run started; this
		// repeats the check immediately before the remote fetch so a policy
		// source update mid-run can't let a now-illegal fetch through.
		okThis, err := r.eval.MayAccess(edgePerm, r.site)
		if err != nil {
			return false, err
		}
		if !okThis {
			return false, ddmerrors.New(ddmerrors.AccessDenied, "input access revoked since legality check").WithDetails("input", edgeLabel)
		}

		fetched, err := r.peers.RetrieveAsset(ctx, srcSite, assetID, requester)
		if err != nil {
			if ddmerrors.Is(err, ddmerrors.NotYetAvailable) {
				return false, nil
			}
			return false, err
		}
		if err := r.assets.Store(fetched); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (r *Runner) execute(job workflow.Job, step workflow.WorkflowStep) error {
	subJob, err := job.SubJob(step.Name)
	if err != nil {
		return err
	}
	name, err := step.ComputeAssetID.Name()
	if err != nil {
		return err
	}
	kernel, ok := r.kernels[name]
	if !ok {
		return ddmerrors.New(ddmerrors.UndefinedItem, "no kernel bound to compute asset").WithDetails("compute_asset", string(step.ComputeAssetID))
	}

	inputs := make(map[string][]byte, len(step.Inputs))
	for name, src := range step.Inputs {
		assetID, err := localAssetID(job, src)
		if err != nil {
			return err
		}
		a, ok := r.assets.GetRaw(assetID)
		if !ok {
			return ddmerrors.New(ddmerrors.NotYetAvailable, "input asset missing at execution time").WithDetails("input", name)
		}
		inputs[name] = a
	}

	outputs, err := kernel(inputs)
	if err != nil {
		return ddmerrors.Wrap(ddmerrors.Internal, "kernel execution failed", err)
	}

	for _, output := range step.Outputs {
		resultID, err := workflow.ResultIdentifier(job, step.Name, output)
		if err != nil {
			return err
		}
		payload, ok := outputs[output]
		if !ok {
			return ddmerrors.New(ddmerrors.Internal, "kernel did not produce declared output").WithDetails("output", output)
		}
		if err := r.assets.Store(asset.Asset{
			ID:      resultID,
			Kind:    asset.KindData,
			Payload: payload,
			Metadata: asset.Metadata{
				Job:  subJob,
				Item: step.Name + "." + output,
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

func localAssetID(job workflow.Job, src string) (identifier.Identifier, error) {
	if workflow.IsWorkflowInputSource(src) {
		id, ok := job.Inputs[src]
		if !ok {
			return "", ddmerrors.New(ddmerrors.UndefinedItem, "workflow input has no bound asset").WithDetails("key", src)
		}
		return id, nil
	}
	upstreamStep, output, _ := workflow.SplitStepOutput(src)
	return workflow.ResultIdentifier(job, upstreamStep, output)
}

// WithBackoff overrides the scan/backoff timing used while waiting on
// remote step inputs, set from the site's `step_backoff_initial` /
// `step_backoff_max` configuration (spec §6).
func (r *Runner) WithBackoff(initial, max time.Duration) *Runner {
	if initial > 0 {
		r.backoff.InitialDelay = initial
	}
	if max > 0 {
		r.backoff.MaxDelay = max
	}
	return r
}

// WithPlanChecker enables the plan-feasibility pre-check in CheckLegality,
// rejecting a plan that assigns a step to a site with no step runner
// (spec.md Open Question 2) instead of silently accepting it and looping
// in backoff forever.
func (r *Runner) WithPlanChecker(checker workflow.SiteRunnerChecker) *Runner {
	r.plans = checker
	return r
}

// State returns step's current state within runID, or "" if runID is
// unknown.
func (r *Runner) State(runID, step string) StepState {
	r.mu.RLock()
	run, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return ""
	}
	return run.State(step)
}
