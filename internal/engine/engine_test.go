package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conveyorci/conveyor/internal/deploy"
	"github.com/conveyorci/conveyor/internal/errors"
	"github.com/conveyorci/conveyor/internal/events"
	"github.com/conveyorci/conveyor/internal/gate"
	"github.com/conveyorci/conveyor/internal/notify"
	"github.com/conveyorci/conveyor/internal/pipeline"
	"github.com/conveyorci/conveyor/internal/runner"
)

// fakeRunner scripts exit codes and delays by command substring and
// records every executed command.
type fakeRunner struct {
	mu     sync.Mutex
	exits  map[string]int
	delays map[string]time.Duration
	calls  []string
}

func (f *fakeRunner) Execute(ctx context.Context, ec *runner.ExecutionContext, command string, env []string) (runner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, command)
	code := 0
	var delay time.Duration
	for sub, exit := range f.exits {
		if strings.Contains(command, sub) {
			code = exit
		}
	}
	for sub, d := range f.delays {
		if strings.Contains(command, sub) {
			delay = d
		}
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return runner.Result{}, ctx.Err()
		}
	}
	return runner.Result{ExitCode: code}, nil
}

func (f *fakeRunner) ran(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c, sub) {
			n++
		}
	}
	return n
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeProvider struct {
	mu          sync.Mutex
	acquired    int
	released    int
	releasedAll int
}

func (f *fakeProvider) Acquire(ctx context.Context, spec runner.ContextSpec) (*runner.ExecutionContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	return &runner.ExecutionContext{ID: spec.Label, Label: spec.Label, Image: spec.Image}, nil
}

func (f *fakeProvider) Release(ec *runner.ExecutionContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakeProvider) ReleaseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releasedAll++
}

type fakeQuality struct {
	verdict gate.Verdict
}

func (f *fakeQuality) Submit(ctx context.Context, projectKey string) (gate.Verdict, error) {
	return f.verdict, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (n *recordingNotifier) Send(ctx context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *recordingNotifier) sent() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Message(nil), n.msgs...)
}

type fakeTarget struct {
	mu            sync.Mutex
	revision      string
	rolloutStatus deploy.RolloutStatus
	revertErr     error
	rollbackCalls int
}

func (f *fakeTarget) CurrentRevision(ctx context.Context, deployment, namespace string) (string, error) {
	return f.revision, nil
}

func (f *fakeTarget) SetImage(ctx context.Context, deployment, namespace, image string) error {
	return nil
}

func (f *fakeTarget) WaitRolloutStatus(ctx context.Context, deployment, namespace string) (deploy.RolloutStatus, error) {
	return f.rolloutStatus, nil
}

func (f *fakeTarget) RollbackToPrevious(ctx context.Context, deployment, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbackCalls++
	return f.revertErr
}

func buildTree(t *testing.T, source string) *pipeline.StageNode {
	t.Helper()
	decl, err := pipeline.ParseDeclaration([]byte(source))
	if err != nil {
		t.Fatalf("parse declaration: %v", err)
	}
	root, err := pipeline.Build(decl)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return root
}

func newTestEngine(fr *fakeRunner, opts Options) (*Engine, *recordingNotifier) {
	notifier := &recordingNotifier{}
	opts.Steps = fr
	opts.Notifier = notifier
	return New(opts), notifier
}

func startRun(root *pipeline.StageNode) *pipeline.Run {
	return pipeline.NewRun(1, "demo", pipeline.Bindings{App: "myapp", Branch: "main"}, root)
}

func TestRunSucceeds(t *testing.T) {
	root := buildTree(t, `
name: demo
stages:
  - name: checkout
    steps:
      - run: git clone
  - name: test
    steps:
      - run: make test
`)
	fr := &fakeRunner{}
	e, notifier := newTestEngine(fr, Options{})

	run := startRun(root)
	status := e.Run(context.Background(), run)

	if status != pipeline.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", status)
	}
	if run.FinishedAt.IsZero() {
		t.Error("FinishedAt not set")
	}
	if got := fr.commands(); len(got) != 2 || got[0] != "git clone" || got[1] != "make test" {
		t.Errorf("commands = %v, want sequential order", got)
	}
	msgs := notifier.sent()
	if len(msgs) != 1 {
		t.Fatalf("notifications = %d, want exactly 1", len(msgs))
	}
	if msgs[0].Status != "succeeded" || msgs[0].FailingStage != "" {
		t.Errorf("notification = %+v", msgs[0])
	}
	if _, err := time.ParseDuration(msgs[0].Duration); err != nil {
		t.Errorf("notification duration %q not a duration string", msgs[0].Duration)
	}
}

func TestMatrixFanout(t *testing.T) {
	root := buildTree(t, `
name: demo
stages:
  - name: test
    matrix:
      axes:
        node: ["16", "18", "20"]
        db: [postgres, sqlite]
    steps:
      - run: make test NODE={{node}} DB={{db}}
`)
	fr := &fakeRunner{}
	e, _ := newTestEngine(fr, Options{})

	status := e.Run(context.Background(), startRun(root))
	if status != pipeline.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", status)
	}

	got := fr.commands()
	if len(got) != 6 {
		t.Fatalf("ran %d commands, want 6 matrix cells", len(got))
	}
	seen := map[string]bool{}
	for _, c := range got {
		if seen[c] {
			t.Errorf("duplicate cell command %q", c)
		}
		seen[c] = true
	}
	if !seen["make test NODE=18 DB=postgres"] {
		t.Errorf("missing parameterized cell, got %v", got)
	}
}

func TestStepFailureStopsLaterStages(t *testing.T) {
	root := buildTree(t, `
name: demo
stages:
  - name: build
    steps:
      - run: make build
  - name: test
    steps:
      - run: make test
  - name: publish
    steps:
      - run: make publish
`)
	fr := &fakeRunner{exits: map[string]int{"make test": 2}}
	e, notifier := newTestEngine(fr, Options{})

	run := startRun(root)
	status := e.Run(context.Background(), run)

	if status != pipeline.StatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	if run.FailingStage != "test" {
		t.Errorf("failing stage = %q, want test", run.FailingStage)
	}
	if run.ErrorKind != string(errors.CodeStepFailed) {
		t.Errorf("error kind = %q, want STEP_FAILED", run.ErrorKind)
	}
	if fr.ran("make publish") != 0 {
		t.Error("publish ran after the run failed")
	}
	if publish := root.Find("publish"); publish.Status != pipeline.StatusPending {
		t.Errorf("publish status = %s, want pending (never started)", publish.Status)
	}
	if msgs := notifier.sent(); len(msgs) != 1 || msgs[0].FailingStage != "test" {
		t.Errorf("notification = %+v", msgs)
	}
}

func TestBestEffortStepTolerated(t *testing.T) {
	root := buildTree(t, `
name: demo
stages:
  - name: scans
    steps:
      - run: trivy scan
        best_effort: true
      - run: npm audit
`)
	fr := &fakeRunner{exits: map[string]int{"trivy scan": 1}}
	e, _ := newTestEngine(fr, Options{})

	status := e.Run(context.Background(), startRun(root))
	if status != pipeline.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded despite tolerated failure", status)
	}
	if fr.ran("npm audit") != 1 {
		t.Error("step after tolerated failure did not run")
	}
}

func TestContinueOnErrorStage(t *testing.T) {
	root := buildTree(t, `
name: demo
stages:
  - name: flaky
    continue_on_error: true
    steps:
      - run: make flaky
  - name: next
    steps:
      - run: make next
`)
	fr := &fakeRunner{exits: map[string]int{"make flaky": 1}}
	e, _ := newTestEngine(fr, Options{})

	status := e.Run(context.Background(), startRun(root))
	if status != pipeline.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", status)
	}
	if fr.ran("make next") != 1 {
		t.Error("stage after continue_on_error failure did not run")
	}
}

func TestAlwaysStageRunsAfterFailure(t *testing.T) {
	root := buildTree(t, `
name: demo
stages:
  - name: test
    steps:
      - run: make test
  - name: reports
    always: true
    steps:
      - run: collect reports
`)
	fr := &fakeRunner{exits: map[string]int{"make test": 1}}
	e, _ := newTestEngine(fr, Options{})

	status := e.Run(context.Background(), startRun(root))
	if status != pipeline.StatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	if fr.ran("collect reports") != 1 {
		t.Error("always stage skipped after failure")
	}
}

func TestParallelSiblingNotInterrupted(t *testing.T) {
	root := buildTree(t, `
name: demo
stages:
  - name: verify
    parallel:
      - name: lint
        steps:
          - run: make lint
      - name: slow-build
        steps:
          - run: make slow-build
  - name: publish
    steps:
      - run: make publish
`)
	fr := &fakeRunner{
		exits:  map[string]int{"make lint": 1},
		delays: map[string]time.Duration{"make slow-build": 100 * time.Millisecond},
	}
	e, _ := newTestEngine(fr, Options{})

	run := startRun(root)
	status := e.Run(context.Background(), run)

	if status != pipeline.StatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	if slow := root.Find("slow-build"); slow.Status != pipeline.StatusSucceeded {
		t.Errorf("in-flight sibling status = %s, want succeeded (must run to completion)", slow.Status)
	}
	if run.FailingStage != "lint" {
		t.Errorf("failing stage = %q, want lint", run.FailingStage)
	}
	if fr.ran("make publish") != 0 {
		t.Error("stage after failed parallel group ran")
	}
}

func TestGateUnsuccessfulVerdictFailsRun(t *testing.T) {
	root := buildTree(t, `
name: demo
stages:
  - name: quality-gate
    gate:
      project: ${APP}
    steps:
      - run: sonar-scanner
  - name: publish
    steps:
      - run: make publish
`)
	fr := &fakeRunner{}
	e, _ := newTestEngine(fr, Options{
		Quality: gate.NewEvaluator(&fakeQuality{verdict: gate.VerdictUnsuccessful}),
	})

	run := startRun(root)
	status := e.Run(context.Background(), run)

	if status != pipeline.StatusFailed {
		t.Fatalf("status = %s, want failed on unsuccessful verdict", status)
	}
	if run.ErrorKind != string(errors.CodeGateRejected) {
		t.Errorf("error kind = %q, want GATE_REJECTED", run.ErrorKind)
	}
	if fr.ran("sonar-scanner") != 1 {
		t.Error("gate body did not run")
	}
	if fr.ran("make publish") != 0 {
		t.Error("stage after rejected gate ran")
	}
}

func TestGatePassAllowsContinuation(t *testing.T) {
	root := buildTree(t, `
name: demo
stages:
  - name: quality-gate
    gate:
      project: ${APP}
    steps:
      - run: sonar-scanner
  - name: publish
    steps:
      - run: make publish
`)
	fr := &fakeRunner{}
	e, _ := newTestEngine(fr, Options{
		Quality: gate.NewEvaluator(&fakeQuality{verdict: gate.VerdictPass}),
	})

	if status := e.Run(context.Background(), startRun(root)); status != pipeline.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", status)
	}
	if fr.ran("make publish") != 1 {
		t.Error("stage after passing gate did not run")
	}
}

func TestApprovalApprovedRunsGuardedStages(t *testing.T) {
	root := buildTree(t, `
name: demo
stages:
  - name: promote
    approval:
      prompt: ship it?
      timeout: 5s
      stages:
        - name: deploy-production
          steps:
            - run: make deploy
`)
	fr := &fakeRunner{}
	coord := gate.NewCoordinator(events.NewNopPublisher())
	e, _ := newTestEngine(fr, Options{Approvals: coord})

	go func() {
		for i := 0; i < 100; i++ {
			if pending := coord.Pending(); len(pending) == 1 {
				coord.Resolve(pending[0].ID, true, "release-manager", "")
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	if status := e.Run(context.Background(), startRun(root)); status != pipeline.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", status)
	}
	if fr.ran("make deploy") != 1 {
		t.Error("guarded stage did not run after approval")
	}
}

func TestApprovalTimeoutSkipsGuardedStages(t *testing.T) {
	root := buildTree(t, `
name: demo
stages:
  - name: promote
    approval:
      prompt: ship it?
      timeout: 30ms
      stages:
        - name: deploy-production
          steps:
            - run: make deploy
`)
	fr := &fakeRunner{}
	e, _ := newTestEngine(fr, Options{Approvals: gate.NewCoordinator(events.NewNopPublisher())})

	run := startRun(root)
	status := e.Run(context.Background(), run)

	if status != pipeline.StatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	if run.ErrorKind != string(errors.CodeApprovalTimeout) {
		t.Errorf("error kind = %q, want APPROVAL_TIMEOUT", run.ErrorKind)
	}
	if fr.ran("make deploy") != 0 {
		t.Error("guarded stage ran despite timeout")
	}
}

func TestApprovalRejectedWithAbortOnReject(t *testing.T) {
	root := buildTree(t, `
name: demo
stages:
  - name: promote
    approval:
      prompt: ship it?
      timeout: 5s
      abort_on_reject: true
      stages:
        - name: deploy-production
          steps:
            - run: make deploy
`)
	fr := &fakeRunner{}
	coord := gate.NewCoordinator(events.NewNopPublisher())
	e, _ := newTestEngine(fr, Options{Approvals: coord})

	go func() {
		for i := 0; i < 100; i++ {
			if pending := coord.Pending(); len(pending) == 1 {
				coord.Resolve(pending[0].ID, false, "release-manager", "not this week")
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	run := startRun(root)
	status := e.Run(context.Background(), run)

	if status != pipeline.StatusAborted {
		t.Fatalf("status = %s, want aborted", status)
	}
	if run.ErrorKind != string(errors.CodeApprovalRejected) {
		t.Errorf("error kind = %q, want APPROVAL_REJECTED", run.ErrorKind)
	}
	if fr.ran("make deploy") != 0 {
		t.Error("guarded stage ran despite rejection")
	}
}

func TestApprovedSubtreeFailureIsNotAbort(t *testing.T) {
	root := buildTree(t, `
name: demo
stages:
  - name: promote
    approval:
      prompt: ship it?
      timeout: 5s
      abort_on_reject: true
      stages:
        - name: deploy-production
          steps:
            - run: make deploy
`)
	fr := &fakeRunner{exits: map[string]int{"make deploy": 1}}
	coord := gate.NewCoordinator(events.NewNopPublisher())
	e, _ := newTestEngine(fr, Options{Approvals: coord})

	go func() {
		for i := 0; i < 100; i++ {
			if pending := coord.Pending(); len(pending) == 1 {
				coord.Resolve(pending[0].ID, true, "release-manager", "")
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	run := startRun(root)
	status := e.Run(context.Background(), run)

	if status != pipeline.StatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	if run.ErrorKind != string(errors.CodeStepFailed) {
		t.Errorf("error kind = %q, want STEP_FAILED", run.ErrorKind)
	}
}

func TestDeployFailureRevertsExactlyOnce(t *testing.T) {
	root := buildTree(t, `
name: demo
stages:
  - name: deploy-production
    deploy:
      deployment: myapp
      namespace: production
      image: reg/myapp:42
      rollback: true
`)
	fr := &fakeRunner{}
	target := &fakeTarget{revision: "7", rolloutStatus: deploy.RolloutFailed}
	e, _ := newTestEngine(fr, Options{Deployer: deploy.NewController(target, nil, nil)})

	run := startRun(root)
	status := e.Run(context.Background(), run)

	if status != pipeline.StatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	if target.rollbackCalls != 1 {
		t.Errorf("rollback calls = %d, want exactly 1", target.rollbackCalls)
	}
	if run.ErrorKind != string(errors.CodeDeployFailed) {
		t.Errorf("error kind = %q, want DEPLOY_FAILED (revert succeeded)", run.ErrorKind)
	}
	if run.FailingStage != "deploy-production" {
		t.Errorf("failing stage = %q", run.FailingStage)
	}
}

func TestRevertFailureEscalates(t *testing.T) {
	root := buildTree(t, `
name: demo
stages:
  - name: deploy-production
    deploy:
      deployment: myapp
      namespace: production
      image: reg/myapp:42
      rollback: true
`)
	fr := &fakeRunner{}
	target := &fakeTarget{
		revision:      "7",
		rolloutStatus: deploy.RolloutFailed,
		revertErr:     context.DeadlineExceeded,
	}
	e, _ := newTestEngine(fr, Options{Deployer: deploy.NewController(target, nil, nil)})

	run := startRun(root)
	if status := e.Run(context.Background(), run); status != pipeline.StatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	if run.ErrorKind != string(errors.CodeRollbackFailed) {
		t.Errorf("error kind = %q, want ROLLBACK_FAILED", run.ErrorKind)
	}
}

func TestHooksRunOnFailure(t *testing.T) {
	root := buildTree(t, `
name: demo
stages:
  - name: test
    steps:
      - run: make test
    post:
      always:
        - run: archive logs
      success:
        - run: report success
      failure:
        - run: report failure
`)
	fr := &fakeRunner{exits: map[string]int{"make test": 1}}
	e, _ := newTestEngine(fr, Options{})

	e.Run(context.Background(), startRun(root))

	if fr.ran("archive logs") != 1 {
		t.Errorf("always hook ran %d times, want 1", fr.ran("archive logs"))
	}
	if fr.ran("report failure") != 1 {
		t.Error("failure hook did not run")
	}
	if fr.ran("report success") != 0 {
		t.Error("success hook ran on failure")
	}
}

func TestAlwaysHookRunsOnAbort(t *testing.T) {
	root := buildTree(t, `
name: demo
stages:
  - name: test
    steps:
      - run: make slow-test
    post:
      always:
        - run: archive logs
`)
	fr := &fakeRunner{delays: map[string]time.Duration{"make slow-test": time.Second}}
	e, notifier := newTestEngine(fr, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	run := startRun(root)
	status := e.Run(ctx, run)

	if status != pipeline.StatusAborted {
		t.Fatalf("status = %s, want aborted", status)
	}
	if fr.ran("archive logs") != 1 {
		t.Errorf("always hook ran %d times on abort, want 1", fr.ran("archive logs"))
	}
	if msgs := notifier.sent(); len(msgs) != 1 || msgs[0].Status != "aborted" {
		t.Errorf("notifications = %+v, want exactly 1 aborted", msgs)
	}
}

func TestFinalizerReleasesContextsOnAbort(t *testing.T) {
	root := buildTree(t, `
name: demo
stages:
  - name: test
    context:
      label: linux
      image: node:18
    steps:
      - run: make slow-test
`)
	fr := &fakeRunner{delays: map[string]time.Duration{"make slow-test": time.Second}}
	provider := &fakeProvider{}
	e, notifier := newTestEngine(fr, Options{Provider: provider})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	if status := e.Run(ctx, startRun(root)); status != pipeline.StatusAborted {
		t.Fatalf("status = %s, want aborted", status)
	}
	if provider.releasedAll != 1 {
		t.Errorf("ReleaseAll calls = %d, want 1", provider.releasedAll)
	}
	if len(notifier.sent()) != 1 {
		t.Errorf("notifications = %d, want exactly 1", len(notifier.sent()))
	}
}

func TestCleanupGlobs(t *testing.T) {
	workspace := t.TempDir()
	sub := filepath.Join(workspace, "build")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	tmp := filepath.Join(sub, "cache.tmp")
	keep := filepath.Join(sub, "artifact.tar")
	for _, p := range []string{tmp, keep} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	root := buildTree(t, `
name: demo
stages:
  - name: noop
    steps:
      - run: "true"
`)
	fr := &fakeRunner{}
	e, _ := newTestEngine(fr, Options{
		WorkspaceRoot: workspace,
		CleanupGlobs:  []string{"**/*.tmp"},
	})
	e.Run(context.Background(), startRun(root))

	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("tmp file survived cleanup")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("non-matching file was removed")
	}
}

func TestRunCompleteEventPublished(t *testing.T) {
	root := buildTree(t, `
name: demo
stages:
  - name: build
    steps:
      - run: make build
`)
	pub := events.NewMemoryPublisher()
	defer pub.Close()
	sub := pub.Subscribe(1)

	fr := &fakeRunner{}
	e, _ := newTestEngine(fr, Options{Publisher: pub})
	e.Run(context.Background(), startRun(root))

	var complete bool
	deadline := time.After(time.Second)
	for !complete {
		select {
		case ev := <-sub:
			if ev.Type == events.EventRunComplete {
				data := ev.Data.(events.RunCompleteData)
				if data.Status != "succeeded" {
					t.Errorf("run_complete status = %s", data.Status)
				}
				complete = true
			}
		case <-deadline:
			t.Fatal("no run_complete event")
		}
	}
}
