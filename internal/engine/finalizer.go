package engine

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/conveyorci/conveyor/internal/events"
	"github.com/conveyorci/conveyor/internal/notify"
	"github.com/conveyorci/conveyor/internal/pipeline"
)

// finalizeTimeout bounds the notification send so a hung webhook cannot
// keep a finished run's process alive.
const finalizeTimeout = 30 * time.Second

// finalize releases all execution contexts, cleans the workspace, and
// sends exactly one notification. It is guarded by sync.Once so the
// success path, failure path, and panic unwinding cannot each trigger
// it. Every action inside is best-effort: a cleanup error is logged and
// must not mask the run's terminal status.
func (e *Engine) finalize(run *pipeline.Run) {
	e.finalized.Do(func() {
		e.mu.Lock()
		if !run.Status.Terminal() {
			// Reached the finalizer without a terminal status, which
			// happens only when the run goroutine panicked.
			run.Status = pipeline.StatusFailed
		}
		run.FinishedAt = now()
		status := run.Status
		e.mu.Unlock()

		if e.opts.Provider != nil {
			e.opts.Provider.ReleaseAll()
		}

		e.cleanupWorkspace(run)

		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()

		msg := notify.Message{
			RunID:        run.ID,
			Pipeline:     run.Pipeline,
			Branch:       run.Branch,
			Status:       string(status),
			FailingStage: run.FailingStage,
			ErrorKind:    run.ErrorKind,
			Duration:     run.Duration().String(),
		}
		if err := e.opts.Notifier.Send(ctx, msg); err != nil {
			e.log.Warn("notification delivery failed", "run_id", run.ID, "error", err)
		}

		e.opts.Publisher.Publish(events.NewEvent(events.EventRunComplete, run.ID, events.RunCompleteData{
			Status:       string(status),
			FailingStage: run.FailingStage,
			ErrorKind:    run.ErrorKind,
			Duration:     run.Duration().String(),
		}))

		e.log.Info("run finished",
			"run_id", run.ID,
			"pipeline", run.Pipeline,
			"status", status,
			"failing_stage", run.FailingStage,
			"duration", run.Duration())
	})
}

// cleanupWorkspace removes files matching the configured glob patterns
// under the workspace root. Matches outside the root are never removed.
func (e *Engine) cleanupWorkspace(run *pipeline.Run) {
	if e.opts.WorkspaceRoot == "" || len(e.opts.CleanupGlobs) == 0 {
		return
	}
	root := os.DirFS(e.opts.WorkspaceRoot)
	for _, pattern := range e.opts.CleanupGlobs {
		matches, err := doublestar.Glob(root, pattern)
		if err != nil {
			e.log.Warn("cleanup glob failed", "run_id", run.ID, "pattern", pattern, "error", err)
			continue
		}
		for _, match := range matches {
			path := filepath.Join(e.opts.WorkspaceRoot, match)
			if err := os.RemoveAll(path); err != nil {
				e.log.Warn("cleanup failed", "run_id", run.ID, "path", path, "error", err)
			}
		}
	}
}

func now() time.Time {
	return time.Now()
}
