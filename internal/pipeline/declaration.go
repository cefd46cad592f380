package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conveyorci/conveyor/internal/errors"
)

// Declaration is the parsed form of a pipeline YAML file. It is a nested
// structure of sequential stages, parallel groups, and matrix specs that
// the builder expands into an executable StageNode tree.
type Declaration struct {
	Name   string      `yaml:"name"`
	Stages []StageDecl `yaml:"stages"`
}

// StageDecl declares one stage. Exactly one body form applies: steps,
// parallel, matrix, gate, or approval. Deploy stages carry steps plus a
// deploy block describing the rollout target.
type StageDecl struct {
	Name            string        `yaml:"name"`
	Context         *ContextDecl  `yaml:"context,omitempty"`
	Steps           []StepDecl    `yaml:"steps,omitempty"`
	Parallel        []StageDecl   `yaml:"parallel,omitempty"`
	Matrix          *MatrixDecl   `yaml:"matrix,omitempty"`
	Gate            *GateDecl     `yaml:"gate,omitempty"`
	Approval        *ApprovalDecl `yaml:"approval,omitempty"`
	Deploy          *DeployDecl   `yaml:"deploy,omitempty"`
	Post            *PostDecl     `yaml:"post,omitempty"`
	ContinueOnError bool          `yaml:"continue_on_error,omitempty"`
	// Always marks the stage as runnable even after the run has failed,
	// e.g. report collection stages.
	Always bool `yaml:"always,omitempty"`
}

// ContextDecl declares the execution context requirement for a stage.
type ContextDecl struct {
	Label string `yaml:"label"`
	Image string `yaml:"image,omitempty"`
}

// StepDecl declares a single step. best_effort tolerates non-zero exit.
type StepDecl struct {
	Run        string `yaml:"run"`
	BestEffort bool   `yaml:"best_effort,omitempty"`
}

// MatrixDecl declares a matrix expansion: the stage body runs once per
// combination in the cartesian product of the axis values.
type MatrixDecl struct {
	Axes map[string][]string `yaml:"axes"`
}

// GateDecl declares a quality gate stage.
type GateDecl struct {
	Project string `yaml:"project"`
}

// ApprovalDecl declares a manual promotion gate.
type ApprovalDecl struct {
	Prompt        string   `yaml:"prompt"`
	Responders    []string `yaml:"responders,omitempty"`
	Timeout       string   `yaml:"timeout,omitempty"`
	AbortOnReject bool     `yaml:"abort_on_reject,omitempty"`
	// Stages guarded by the approval; they run only on Approved.
	Stages []StageDecl `yaml:"stages,omitempty"`
}

// DeployDecl declares a rollout target for a deploy stage.
type DeployDecl struct {
	Deployment string `yaml:"deployment"`
	Namespace  string `yaml:"namespace"`
	Image      string `yaml:"image"`
	Rollback   bool   `yaml:"rollback,omitempty"`
}

// PostDecl declares post-condition hooks for a stage.
type PostDecl struct {
	Always  []StepDecl `yaml:"always,omitempty"`
	Success []StepDecl `yaml:"success,omitempty"`
	Failure []StepDecl `yaml:"failure,omitempty"`
}

// LoadDeclaration reads and parses a pipeline declaration file.
func LoadDeclaration(path string) (*Declaration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ErrConfigInvalid(path, fmt.Sprintf("read declaration: %v", err))
	}
	return ParseDeclaration(data)
}

// ParseDeclaration parses a pipeline declaration from YAML bytes. Unknown
// keys are rejected so a misplaced or misspelled field surfaces as a
// configuration error instead of silently dropping part of the pipeline.
func ParseDeclaration(data []byte) (*Declaration, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var decl Declaration
	if err := dec.Decode(&decl); err != nil {
		return nil, errors.ErrConfigInvalid("pipeline", fmt.Sprintf("parse declaration: %v", err)).WithCause(err)
	}
	if decl.Name == "" {
		return nil, errors.ErrConfigInvalid("name", "pipeline name is required")
	}
	if len(decl.Stages) == 0 {
		return nil, errors.ErrConfigInvalid("stages", "pipeline declares no stages")
	}
	return &decl, nil
}

// parseTimeout parses an approval timeout, defaulting when unset.
func parseTimeout(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return d, nil
}
