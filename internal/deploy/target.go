// Package deploy provides deployment targets and the rollback controller
// that guards production rollouts.
package deploy

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/conveyorci/conveyor/internal/runner"
)

// RolloutStatus is the terminal state of a rollout wait.
type RolloutStatus string

const (
	RolloutSucceeded RolloutStatus = "success"
	RolloutFailed    RolloutStatus = "failure"
)

// Target abstracts the deployment system. RollbackToPrevious is
// synchronous: it returns only once the revert reached a terminal state.
type Target interface {
	CurrentRevision(ctx context.Context, deployment, namespace string) (string, error)
	SetImage(ctx context.Context, deployment, namespace, image string) error
	WaitRolloutStatus(ctx context.Context, deployment, namespace string) (RolloutStatus, error)
	RollbackToPrevious(ctx context.Context, deployment, namespace string) error
}

// CommandTarget drives deployments through kubectl-style commands run by
// a step runner.
type CommandTarget struct {
	Runner runner.StepRunner
	Env    []string
}

// NewCommandTarget creates a kubectl-backed deployment target.
func NewCommandTarget(r runner.StepRunner, env []string) *CommandTarget {
	return &CommandTarget{Runner: r, Env: env}
}

// CurrentRevision reads the deployment's live revision annotation.
func (t *CommandTarget) CurrentRevision(ctx context.Context, deployment, namespace string) (string, error) {
	cmd := fmt.Sprintf("kubectl -n %s get deployment %s -o json", namespace, deployment)
	res, err := t.Runner.Execute(ctx, nil, cmd, t.Env)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("read deployment %s/%s: exit %d", namespace, deployment, res.ExitCode)
	}
	rev := gjson.Get(res.Output, `metadata.annotations.deployment\.kubernetes\.io/revision`).String()
	if rev == "" {
		return "", fmt.Errorf("deployment %s/%s has no revision annotation", namespace, deployment)
	}
	return rev, nil
}

// SetImage updates the deployment's container image.
func (t *CommandTarget) SetImage(ctx context.Context, deployment, namespace, image string) error {
	cmd := fmt.Sprintf("kubectl -n %s set image deployment/%s %s=%s", namespace, deployment, deployment, image)
	res, err := t.Runner.Execute(ctx, nil, cmd, t.Env)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("set image on %s/%s: exit %d: %s", namespace, deployment, res.ExitCode, strings.TrimSpace(res.Output))
	}
	return nil
}

// WaitRolloutStatus blocks until the rollout reaches a terminal state.
func (t *CommandTarget) WaitRolloutStatus(ctx context.Context, deployment, namespace string) (RolloutStatus, error) {
	cmd := fmt.Sprintf("kubectl -n %s rollout status deployment/%s", namespace, deployment)
	res, err := t.Runner.Execute(ctx, nil, cmd, t.Env)
	if err != nil {
		return RolloutFailed, err
	}
	if res.ExitCode != 0 {
		return RolloutFailed, nil
	}
	return RolloutSucceeded, nil
}

// RollbackToPrevious reverts to the previous revision and waits for the
// revert to reach a terminal state.
func (t *CommandTarget) RollbackToPrevious(ctx context.Context, deployment, namespace string) error {
	undo := fmt.Sprintf("kubectl -n %s rollout undo deployment/%s", namespace, deployment)
	res, err := t.Runner.Execute(ctx, nil, undo, t.Env)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("rollout undo %s/%s: exit %d: %s", namespace, deployment, res.ExitCode, strings.TrimSpace(res.Output))
	}

	status, err := t.WaitRolloutStatus(ctx, deployment, namespace)
	if err != nil {
		return err
	}
	if status != RolloutSucceeded {
		return fmt.Errorf("revert of %s/%s did not reach a successful rollout", namespace, deployment)
	}
	return nil
}
