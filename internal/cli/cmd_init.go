package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/internal/config"
	"github.com/conveyorci/conveyor/internal/pipeline"
)

// newInitCmd creates the init command
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize conveyor in the current project",
		Long: `Create .conveyor/ with a default config and a starter pipeline.

Existing files are left untouched unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")

			configPath := filepath.Join(config.ConveyorDir, config.ConfigFileName)
			pipelinePath := filepath.Join(config.ConveyorDir, config.PipelineFileName)

			if err := writeIfAbsent(configPath, force, func() error {
				return config.Default().SaveTo(configPath)
			}); err != nil {
				return err
			}

			if err := writeIfAbsent(pipelinePath, force, func() error {
				return os.WriteFile(pipelinePath, []byte(pipeline.DefaultDeclarationYAML()), 0o644)
			}); err != nil {
				return err
			}

			fmt.Println("Initialized conveyor project:")
			fmt.Printf("  %s\n", configPath)
			fmt.Printf("  %s\n", pipelinePath)
			fmt.Println("\nNext: edit the pipeline, then run: conveyor run")
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite existing files")
	return cmd
}

func writeIfAbsent(path string, force bool, write func() error) error {
	if _, err := os.Stat(path); err == nil && !force {
		fmt.Printf("  %s already exists, skipping (use --force to overwrite)\n", path)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := write(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
