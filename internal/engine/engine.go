// Package engine walks a stage tree honoring dependency order: sequential
// children run in declared order, parallel and matrix siblings run
// concurrently in their own execution contexts, gates and approvals
// suspend or abort per policy, and the finalizer runs exactly once on
// every exit path.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/conveyorci/conveyor/internal/deploy"
	"github.com/conveyorci/conveyor/internal/errors"
	"github.com/conveyorci/conveyor/internal/events"
	"github.com/conveyorci/conveyor/internal/gate"
	"github.com/conveyorci/conveyor/internal/notify"
	"github.com/conveyorci/conveyor/internal/pipeline"
	"github.com/conveyorci/conveyor/internal/runner"
)

// Options wires the engine's collaborators.
type Options struct {
	Provider  runner.Provider
	Steps     runner.StepRunner
	Quality   *gate.Evaluator
	Approvals *gate.Coordinator
	Deployer  *deploy.Controller
	Publisher events.Publisher
	Notifier  notify.Notifier
	Logger    *slog.Logger

	// WorkspaceRoot and CleanupGlobs drive the finalizer's best-effort
	// workspace cleanup.
	WorkspaceRoot string
	CleanupGlobs  []string
}

// Engine executes one pipeline run. The aggregate run status is mutated
// only through the engine's own methods under a single mutex; branch
// goroutines never write it directly, so concurrent branch completions
// cannot lose a Failed transition.
type Engine struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	run     *pipeline.Run
	failure *errors.PipeError
	failed  bool
	aborted bool

	finalized sync.Once
}

// New creates an engine.
func New(opts Options) *Engine {
	if opts.Publisher == nil {
		opts.Publisher = events.NewNopPublisher()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewSlogNotifier(opts.Logger)
	}
	return &Engine{opts: opts, log: opts.Logger}
}

// Run executes the run's stage tree to a terminal status. The finalizer
// runs exactly once on every exit path, including external interruption.
func (e *Engine) Run(ctx context.Context, run *pipeline.Run) pipeline.Status {
	e.mu.Lock()
	e.run = run
	run.Status = pipeline.StatusRunning
	run.StartedAt = now()
	e.mu.Unlock()

	e.log.Info("run started", "run_id", run.ID, "pipeline", run.Pipeline, "branch", run.Branch)
	e.opts.Publisher.Publish(events.NewEvent(events.EventRunStarted, run.ID, nil))

	defer e.finalize(run)

	err := e.execNode(ctx, run.Root)

	e.mu.Lock()
	switch {
	case e.failed:
		run.Status = pipeline.StatusFailed
	case e.aborted:
		run.Status = pipeline.StatusAborted
	case err != nil && ctx.Err() != nil:
		run.Status = pipeline.StatusAborted
	case err != nil:
		run.Status = pipeline.StatusFailed
	default:
		run.Status = pipeline.StatusSucceeded
	}
	if e.failure != nil {
		run.FailingStage = e.failure.Stage
		run.ErrorKind = string(e.failure.Code)
	} else if run.Status == pipeline.StatusAborted {
		run.ErrorKind = string(errors.CodeRunAborted)
	}
	status := run.Status
	e.mu.Unlock()

	return status
}

// execNode executes one node to a terminal status. It returns an error
// only when this subtree failed; a node skipped because the run already
// failed returns nil and keeps its Pending status.
func (e *Engine) execNode(ctx context.Context, node *pipeline.StageNode) error {
	if e.shouldSkip(node) {
		return nil
	}
	if ctx.Err() != nil && !node.AlwaysRun {
		e.setStatus(node, pipeline.StatusAborted, nil)
		return errors.ErrRunAborted(ctx.Err().Error()).WithStage(node.Name)
	}

	e.setStatus(node, pipeline.StatusRunning, nil)

	var err error
	switch node.Kind {
	case pipeline.KindSequential:
		err = e.execSequential(ctx, node)
	case pipeline.KindParallel, pipeline.KindMatrix:
		err = e.execConcurrent(ctx, node)
	case pipeline.KindApproval:
		err = e.execApproval(ctx, node)
	case pipeline.KindGate:
		err = e.execGate(ctx, node)
	case pipeline.KindLeaf, pipeline.KindMatrixCell:
		err = e.execLeaf(ctx, node)
	default:
		err = errors.ErrConfigInvalid(node.Name, fmt.Sprintf("unknown stage kind %q", node.Kind))
	}

	status := resolveStatus(ctx, err, node)

	// Composite nodes run their hooks without an execution context; leaf
	// hooks already ran inside the context before it was released.
	if node.Kind != pipeline.KindLeaf && node.Kind != pipeline.KindMatrixCell && node.Kind != pipeline.KindGate {
		e.runHooks(ctx, node, nil, status)
	}

	e.setStatus(node, status, err)
	return err
}

func resolveStatus(ctx context.Context, err error, node *pipeline.StageNode) pipeline.Status {
	if err == nil {
		return pipeline.StatusSucceeded
	}
	perr := errors.AsPipeError(err)
	if perr != nil && perr.Code == errors.CodeRunAborted {
		return pipeline.StatusAborted
	}
	if ctx.Err() != nil && (perr == nil || perr.Code == errors.CodeStepFailed) {
		// A step interrupted by cancellation is an abort, not a failure.
		return pipeline.StatusAborted
	}
	// Only the rejection itself aborts; a step failing inside an already
	// approved subtree bubbles out as an ordinary failure.
	if node.Kind == pipeline.KindApproval && node.Approval.AbortOnReject &&
		perr != nil && perr.Code == errors.CodeApprovalRejected {
		return pipeline.StatusAborted
	}
	return pipeline.StatusFailed
}

// execSequential runs children in declared order. Child N+1 starts only
// after child N reached a terminal status. A failed child does not end
// the walk: recording the failure makes the skip check leave every
// later non-always child Pending, while always-run children (report
// collection and the like) still execute.
func (e *Engine) execSequential(ctx context.Context, node *pipeline.StageNode) error {
	var firstErr error
	for _, child := range node.Children {
		err := e.execNode(ctx, child)
		if err == nil {
			continue
		}
		if child.ContinueOnError {
			e.warn(child.Name, fmt.Sprintf("stage failed but is marked continue_on_error: %v", err))
			continue
		}
		e.recordFailure(err, child.Name)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// execConcurrent dispatches all children concurrently and joins on every
// child reaching a terminal status. A failed child does not preempt its
// running siblings; it only prevents not-yet-started nodes from starting
// through the global status check at dispatch time.
func (e *Engine) execConcurrent(ctx context.Context, node *pipeline.StageNode) error {
	var g errgroup.Group
	for _, child := range node.Children {
		g.Go(func() error {
			err := e.execNode(ctx, child)
			if err == nil {
				return nil
			}
			if child.ContinueOnError {
				e.warn(child.Name, fmt.Sprintf("branch failed but is marked continue_on_error: %v", err))
				return nil
			}
			// Record immediately so independent subtrees stop starting
			// new nodes while siblings here are still in flight.
			e.recordFailure(err, child.Name)
			return err
		})
	}
	return g.Wait()
}

// execApproval suspends the branch without an execution context until an
// external decision, timeout, or cancellation resolves the request, then
// runs the guarded subtree only on approval.
func (e *Engine) execApproval(ctx context.Context, node *pipeline.StageNode) error {
	spec := node.Approval
	prompt := e.bindings().Expand(spec.Prompt)

	if e.opts.Approvals == nil {
		return errors.ErrConfigMissing("approvals coordinator").WithStage(node.Name)
	}

	out := e.opts.Approvals.Await(ctx, e.runID(), node.Name, prompt, spec.Responders, spec.Timeout)

	switch out.Decision {
	case gate.DecisionApproved:
		e.log.Info("approval granted", "run_id", e.runID(), "stage", node.Name, "responder", out.Responder)
		return e.execSequential(ctx, node)
	case gate.DecisionTimedOut:
		return errors.ErrApprovalTimeout(node.Name, spec.Timeout.String())
	default:
		perr := errors.ErrApprovalRejected(node.Name, out.Responder)
		if spec.AbortOnReject {
			e.markAborted(perr)
		}
		return perr
	}
}

// execGate runs the gate's body, then inspects the quality service's
// verdict. An unsuccessful verdict transitions the run to Failed
// immediately, regardless of the body's exit codes: this is the one
// place a stage's status is set by policy rather than derived.
func (e *Engine) execGate(ctx context.Context, node *pipeline.StageNode) error {
	ec, err := e.acquire(ctx, node)
	if err != nil {
		return err
	}

	if e.opts.Quality == nil {
		e.release(ec)
		return errors.ErrConfigMissing("quality service").WithStage(node.Name)
	}

	bodyErr := e.runSteps(ctx, node, ec, node.Steps)
	if bodyErr == nil {
		res, gerr := e.opts.Quality.Evaluate(ctx, e.bindings().Expand(node.Gate.ProjectKey))
		switch {
		case gerr != nil:
			bodyErr = errors.Wrap(gerr, "quality gate evaluation failed").WithStage(node.Name)
		case !res.Passed:
			bodyErr = errors.ErrGateRejected(node.Name, string(res.Verdict))
			// Hard stop: the run is Failed from this instant, so no
			// later stage starts even while this node unwinds.
			e.recordFailure(bodyErr, node.Name)
		}
	}

	status := resolveStatus(ctx, bodyErr, node)
	e.runHooks(ctx, node, ec, status)
	e.release(ec)
	return bodyErr
}

// execLeaf runs the node's steps (and deployment, if declared) inside an
// acquired execution context, runs the post-hooks, then releases the
// context.
func (e *Engine) execLeaf(ctx context.Context, node *pipeline.StageNode) error {
	ec, err := e.acquire(ctx, node)
	if err != nil {
		return err
	}

	bodyErr := e.runSteps(ctx, node, ec, node.Steps)

	if bodyErr == nil && node.Deploy != nil {
		bodyErr = e.execDeploy(ctx, node)
	}

	status := resolveStatus(ctx, bodyErr, node)
	e.runHooks(ctx, node, ec, status)
	e.release(ec)
	return bodyErr
}

func (e *Engine) execDeploy(ctx context.Context, node *pipeline.StageNode) error {
	if e.opts.Deployer == nil {
		return errors.ErrConfigMissing("deployment target").WithStage(node.Name)
	}
	b := e.bindings()
	spec := node.Deploy
	_, err := e.opts.Deployer.Deploy(ctx, e.runID(), node.Name,
		b.Expand(spec.Deployment), b.Expand(spec.Namespace), b.Expand(spec.ImageRef), spec.Rollback)
	return err
}

// runSteps executes steps in order. A non-zero exit fails the node
// unless the step is best-effort, in which case the outcome is recorded
// and execution continues.
func (e *Engine) runSteps(ctx context.Context, node *pipeline.StageNode, ec *runner.ExecutionContext, steps []pipeline.Step) error {
	b := e.bindings()
	for _, step := range steps {
		if ctx.Err() != nil {
			return errors.ErrRunAborted(ctx.Err().Error()).WithStage(node.Name)
		}

		command := b.Expand(step.Command)
		res, err := e.opts.Steps.Execute(ctx, ec, command, b.Environ())
		if err != nil {
			if ctx.Err() != nil {
				return errors.ErrRunAborted(ctx.Err().Error()).WithStage(node.Name)
			}
			return errors.ErrStepFailed(node.Name, command, -1).WithCause(err)
		}

		e.opts.Publisher.Publish(events.NewEvent(events.EventStep, e.runID(), events.StepUpdate{
			Stage:     node.Name,
			Command:   command,
			ExitCode:  res.ExitCode,
			Tolerated: res.ExitCode != 0 && step.BestEffort,
		}))

		if res.ExitCode == 0 {
			continue
		}
		if step.BestEffort {
			tolerated := errors.ErrStepTolerated(node.Name, command, res.ExitCode)
			e.warn(node.Name, tolerated.Error())
			continue
		}
		return errors.ErrStepFailed(node.Name, command, res.ExitCode)
	}
	return nil
}

// runHooks runs the always hook, then exactly one of success/failure
// matching the resolved status. Hooks run even under cancellation and
// are never retried; a hook failure is logged, not propagated.
func (e *Engine) runHooks(ctx context.Context, node *pipeline.StageNode, ec *runner.ExecutionContext, status pipeline.Status) {
	if node.Hooks.Empty() {
		return
	}
	hctx := context.WithoutCancel(ctx)

	e.runHookSteps(hctx, node, ec, node.Hooks.Always, "always")
	if status == pipeline.StatusSucceeded {
		e.runHookSteps(hctx, node, ec, node.Hooks.Success, "success")
	} else {
		e.runHookSteps(hctx, node, ec, node.Hooks.Failure, "failure")
	}
}

func (e *Engine) runHookSteps(ctx context.Context, node *pipeline.StageNode, ec *runner.ExecutionContext, steps []pipeline.Step, outcome string) {
	b := e.bindings()
	for _, step := range steps {
		command := b.Expand(step.Command)
		res, err := e.opts.Steps.Execute(ctx, ec, command, b.Environ())
		if err != nil || res.ExitCode != 0 {
			e.warn(node.Name, fmt.Sprintf("%s hook step %q failed", outcome, command))
		}
	}
}

// acquire provisions the node's execution context, blocking on the
// provider budget. Nodes without a context requirement run unconfined.
func (e *Engine) acquire(ctx context.Context, node *pipeline.StageNode) (*runner.ExecutionContext, error) {
	if node.Context == nil || e.opts.Provider == nil {
		return nil, nil
	}
	b := e.bindings()
	ec, err := e.opts.Provider.Acquire(ctx, runner.ContextSpec{
		Label: node.Context.Label,
		Image: b.Expand(node.Context.Image),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.ErrRunAborted(ctx.Err().Error()).WithStage(node.Name)
		}
		return nil, errors.Wrap(err, "acquire execution context").WithStage(node.Name)
	}
	return ec, nil
}

func (e *Engine) release(ec *runner.ExecutionContext) {
	if ec != nil && e.opts.Provider != nil {
		e.opts.Provider.Release(ec)
	}
}

// shouldSkip reports whether the node must not start because the run has
// already failed or aborted. Always-run nodes are exempt.
func (e *Engine) shouldSkip(node *pipeline.StageNode) bool {
	if node.AlwaysRun {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed || e.aborted
}

// recordFailure registers the first failure of the run. Later failures
// from concurrently finishing branches keep their node status but do not
// overwrite the stage name surfaced in the notification.
func (e *Engine) recordFailure(err error, stage string) {
	perr := errors.AsPipeError(err)
	if perr == nil {
		perr = errors.Wrap(err, "stage failed")
	}
	perr = perr.WithStage(stage)

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case perr.Code == errors.CodeRunAborted:
		e.aborted = true
	case e.aborted:
		// An abort already in effect outranks failures observed while
		// branches unwind.
	default:
		e.failed = true
	}
	if e.failure == nil {
		e.failure = perr
	} else if perr.Severity() > e.failure.Severity() {
		// A fatal rollback failure outranks whatever failed first.
		e.failure = perr
	}
}

// markAborted transitions the run to aborting without counting a
// failure, used when a rejected approval is declared abort_on_reject.
func (e *Engine) markAborted(perr *errors.PipeError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborted = true
	if e.failure == nil {
		e.failure = perr
	}
}

func (e *Engine) setStatus(node *pipeline.StageNode, status pipeline.Status, err error) {
	e.mu.Lock()
	node.Status = status
	runID := int64(0)
	if e.run != nil {
		runID = e.run.ID
	}
	e.mu.Unlock()

	update := events.StageUpdate{Stage: node.Name, Status: string(status)}
	if err != nil {
		update.Error = err.Error()
	}
	e.opts.Publisher.Publish(events.NewEvent(events.EventStage, runID, update))

	if status != pipeline.StatusRunning {
		e.log.Info("stage finished", "run_id", runID, "stage", node.Name, "status", status)
	}
}

func (e *Engine) warn(stage, msg string) {
	e.log.Warn(msg, "run_id", e.runID(), "stage", stage)
	e.opts.Publisher.Publish(events.NewEvent(events.EventWarning, e.runID(), events.WarningData{
		Stage:   stage,
		Message: msg,
	}))
}

func (e *Engine) runID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil {
		return 0
	}
	return e.run.ID
}

func (e *Engine) bindings() pipeline.Bindings {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil {
		return pipeline.Bindings{}
	}
	return e.run.Bindings
}
