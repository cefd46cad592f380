package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/internal/api"
	"github.com/conveyorci/conveyor/internal/config"
	"github.com/conveyorci/conveyor/internal/deploy"
	"github.com/conveyorci/conveyor/internal/engine"
	"github.com/conveyorci/conveyor/internal/errors"
	"github.com/conveyorci/conveyor/internal/events"
	"github.com/conveyorci/conveyor/internal/gate"
	"github.com/conveyorci/conveyor/internal/notify"
	"github.com/conveyorci/conveyor/internal/pipeline"
	"github.com/conveyorci/conveyor/internal/runner"
	"github.com/conveyorci/conveyor/internal/store"
)

const timeRound = 100 * time.Millisecond

// newRunCmd creates the run command
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [pipeline-file]",
		Short: "Execute a pipeline",
		Long: `Execute a pipeline declaration to a terminal status.

Stages run in declared order; parallel groups and matrix cells fan out
concurrently. Quality gates, approvals, and rollback-guarded deployments
behave as declared. Interrupting the run (Ctrl-C) aborts it at the next
step boundary; post-condition hooks and the finalizer still run.

Example:
  conveyor run
  conveyor run ci/pipeline.yaml --branch release/1.4 --build 321
  conveyor run --serve          # expose approvals over the local API`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger()

			decl, err := loadPipeline(args)
			if err != nil {
				return err
			}
			root, err := pipeline.Build(decl)
			if err != nil {
				return err
			}

			bindings, err := buildBindings(cmd, cfg)
			if err != nil {
				return err
			}

			archive, err := store.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("open run archive: %w", err)
			}
			defer func() { _ = archive.Close() }()

			runID, err := archive.CreateRun(cmd.Context(), decl.Name, bindings.Branch)
			if err != nil {
				return fmt.Errorf("register run: %w", err)
			}
			bindings = defaultBuildNumber(bindings, runID)
			run := pipeline.NewRun(runID, decl.Name, bindings, root)

			publisher := events.NewMemoryPublisher()
			defer publisher.Close()

			steps := runner.NewExecRunner()
			provider := runner.NewLocalProvider(cfg.Workspace.Root, int64(cfg.Workspace.MaxContexts))
			coordinator := gate.NewCoordinator(publisher)

			var evaluator *gate.Evaluator
			if cfg.Quality.URL != "" {
				svc := gate.NewHTTPQualityService(cfg.Quality.URL)
				svc.Token = cfg.Quality.Token
				if cfg.Quality.VerdictPath != "" {
					svc.VerdictPath = cfg.Quality.VerdictPath
				}
				if cfg.Quality.PollInterval > 0 {
					svc.PollInterval = cfg.Quality.PollInterval
				}
				evaluator = gate.NewEvaluator(svc)
			}

			deployer := deploy.NewController(
				deploy.NewCommandTarget(steps, bindings.Environ()), publisher, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if deadline, _ := cmd.Flags().GetDuration("deadline"); deadline > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, deadline)
				defer cancel()
			} else if cfg.Workspace.RunDeadline > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.Workspace.RunDeadline)
				defer cancel()
			}

			if serve, _ := cmd.Flags().GetBool("serve"); serve {
				addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
				apiServer := api.New(api.Config{Addr: addr, Logger: logger}, coordinator, archive, publisher)
				go func() {
					if err := apiServer.Start(ctx); err != nil {
						logger.Warn("api server stopped", "error", err)
					}
				}()
			}

			eng := engine.New(engine.Options{
				Provider:      provider,
				Steps:         steps,
				Quality:       evaluator,
				Approvals:     coordinator,
				Deployer:      deployer,
				Publisher:     publisher,
				Notifier:      buildNotifier(cfg),
				Logger:        logger,
				WorkspaceRoot: cfg.Workspace.Root,
				CleanupGlobs:  cfg.Workspace.CleanupGlobs,
			})

			status := eng.Run(ctx, run)

			// Record with a fresh context: the run context may already be
			// cancelled by the interrupt that aborted the run.
			if err := archive.RecordResult(context.Background(), run); err != nil {
				logger.Warn("failed to archive run result", "run_id", runID, "error", err)
			}

			switch status {
			case pipeline.StatusSucceeded:
				fmt.Printf("✅ Run %d succeeded in %s\n", runID, run.Duration().Round(timeRound))
				return nil
			case pipeline.StatusAborted:
				return fmt.Errorf("run %d aborted (stage %s)", runID, orDash(run.FailingStage))
			default:
				return fmt.Errorf("run %d failed at stage %s (%s)", runID, orDash(run.FailingStage), run.ErrorKind)
			}
		},
	}

	cmd.Flags().String("branch", "", "branch under delivery")
	cmd.Flags().Int64("build", 0, "build number binding")
	cmd.Flags().String("registry", "", "image registry binding")
	cmd.Flags().String("image", "", "image reference binding")
	cmd.Flags().String("namespace", "", "deployment namespace binding")
	cmd.Flags().String("app", "", "application name binding")
	cmd.Flags().StringArray("set", nil, "extra binding as NAME=value (repeatable)")
	cmd.Flags().Bool("serve", false, "serve the approvals API while the run is active")
	cmd.Flags().Duration("deadline", 0, "abort the run after this duration (0 disables)")
	return cmd
}

// loadPipeline resolves the pipeline declaration: an explicit argument,
// then .conveyor/pipeline.yaml, then pipeline.yaml.
func loadPipeline(args []string) (*pipeline.Declaration, error) {
	if len(args) == 1 {
		return pipeline.LoadDeclaration(args[0])
	}
	candidates := []string{
		filepath.Join(config.ConveyorDir, config.PipelineFileName),
		config.PipelineFileName,
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return pipeline.LoadDeclaration(path)
		}
	}
	return nil, errors.ErrConfigMissing("pipeline declaration")
}

func buildBindings(cmd *cobra.Command, cfg *config.Config) (pipeline.Bindings, error) {
	branch, _ := cmd.Flags().GetString("branch")
	build, _ := cmd.Flags().GetInt64("build")
	registry, _ := cmd.Flags().GetString("registry")
	image, _ := cmd.Flags().GetString("image")
	namespace, _ := cmd.Flags().GetString("namespace")
	app, _ := cmd.Flags().GetString("app")
	extras, _ := cmd.Flags().GetStringArray("set")

	b := pipeline.Bindings{
		BuildNumber: build,
		Branch:      branch,
		Registry:    firstOf(registry, cfg.Bindings.Registry),
		Image:       image,
		Namespace:   firstOf(namespace, cfg.Bindings.Namespace),
		App:         firstOf(app, cfg.Bindings.App),
	}
	if len(extras) > 0 {
		b.Extra = make(map[string]string, len(extras))
		for _, kv := range extras {
			name, value, ok := strings.Cut(kv, "=")
			if !ok || name == "" {
				return b, errors.ErrConfigInvalid("--set", fmt.Sprintf("%q is not NAME=value", kv))
			}
			b.Extra[name] = value
		}
	}
	return b, nil
}

// defaultBuildNumber keeps BUILD_NUMBER and the run identifier one value:
// unless --build set it explicitly, the archive-assigned run ID is the
// build number seen by step commands and image tags.
func defaultBuildNumber(b pipeline.Bindings, runID int64) pipeline.Bindings {
	if b.BuildNumber == 0 {
		b.BuildNumber = runID
	}
	return b
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	if cfg.Notify.Mode == "webhook" {
		return notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Channel)
	}
	return nil // engine falls back to the slog notifier
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
