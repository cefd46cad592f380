package deploy

import (
	"context"
	"log/slog"

	"github.com/conveyorci/conveyor/internal/errors"
	"github.com/conveyorci/conveyor/internal/events"
)

// Attempt records one deployment attempt. The previous known-good
// revision is captured before the rollout so the controller knows what
// to revert to. Attempts are scoped to the controller; they are never
// shared elsewhere.
type Attempt struct {
	Deployment       string
	Namespace        string
	Image            string
	PreviousRevision string
	Outcome          RolloutStatus
}

// Controller wraps a deployment stage with the rollback contract: on any
// rollout failure, a compensating revert to the previous known-good
// revision runs to a terminal state before the original failure is
// re-raised. A failed revert escalates as ROLLBACK_FAILED, the most
// severe run-level error, and is never swallowed.
type Controller struct {
	target    Target
	publisher events.Publisher
	logger    *slog.Logger
}

// NewController creates a rollback controller for the given target.
func NewController(target Target, publisher events.Publisher, logger *slog.Logger) *Controller {
	if publisher == nil {
		publisher = events.NewNopPublisher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{target: target, publisher: publisher, logger: logger}
}

// Deploy rolls the deployment to the image. When rollback is enabled the
// previous revision is captured first and restored on any failure.
func (c *Controller) Deploy(ctx context.Context, runID int64, stage, deployment, namespace, image string, rollback bool) (*Attempt, error) {
	attempt := &Attempt{
		Deployment: deployment,
		Namespace:  namespace,
		Image:      image,
	}

	if rollback {
		prev, err := c.target.CurrentRevision(ctx, deployment, namespace)
		if err != nil {
			// Without a known-good revision the rollback contract cannot
			// be honored; refuse to start the rollout.
			attempt.Outcome = RolloutFailed
			return attempt, errors.ErrDeployFailed(stage, deployment, namespace).WithCause(err)
		}
		attempt.PreviousRevision = prev
	}

	c.logger.Info("rolling out deployment",
		"run_id", runID,
		"stage", stage,
		"deployment", deployment,
		"namespace", namespace,
		"image", image)

	if err := c.target.SetImage(ctx, deployment, namespace, image); err != nil {
		attempt.Outcome = RolloutFailed
		return attempt, c.compensate(ctx, runID, stage, attempt, rollback,
			errors.ErrDeployFailed(stage, deployment, namespace).WithCause(err))
	}

	status, err := c.target.WaitRolloutStatus(ctx, deployment, namespace)
	if err != nil || status != RolloutSucceeded {
		attempt.Outcome = RolloutFailed
		failure := errors.ErrDeployFailed(stage, deployment, namespace)
		if err != nil {
			failure = failure.WithCause(err)
		}
		return attempt, c.compensate(ctx, runID, stage, attempt, rollback, failure)
	}

	attempt.Outcome = RolloutSucceeded
	return attempt, nil
}

// compensate issues the revert and re-raises the original failure. The
// revert runs synchronously: the live system is back at the previous
// known-good revision before the engine proceeds to finalization.
func (c *Controller) compensate(ctx context.Context, runID int64, stage string, attempt *Attempt, rollback bool, failure *errors.PipeError) error {
	if !rollback {
		return failure
	}

	c.logger.Warn("rollout failed, reverting to previous revision",
		"run_id", runID,
		"stage", stage,
		"deployment", attempt.Deployment,
		"namespace", attempt.Namespace,
		"revision", attempt.PreviousRevision)

	err := c.target.RollbackToPrevious(ctx, attempt.Deployment, attempt.Namespace)

	c.publisher.Publish(events.NewEvent(events.EventRollback, runID, events.RollbackData{
		Stage:      stage,
		Deployment: attempt.Deployment,
		Namespace:  attempt.Namespace,
		Revision:   attempt.PreviousRevision,
		Succeeded:  err == nil,
	}))

	if err != nil {
		return errors.ErrRollbackFailed(stage, attempt.Deployment, attempt.Namespace, err)
	}
	return failure
}
