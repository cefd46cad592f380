package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/conveyorci/conveyor/internal/errors"
)

// DefaultApprovalTimeout applies when an approval stage declares no timeout.
const DefaultApprovalTimeout = 30 * time.Minute

// Build expands a declaration into an executable stage tree. The root is
// a sequential node named after the pipeline; declared stage order is the
// execution order. Build fails with a configuration error before any
// execution context is acquired: duplicate stage names within a scope and
// empty matrix axis sets are rejected here.
func Build(decl *Declaration) (*StageNode, error) {
	children, err := buildScope(decl.Stages)
	if err != nil {
		return nil, err
	}
	return &StageNode{
		Name:     decl.Name,
		Kind:     KindSequential,
		Children: children,
		Status:   StatusPending,
	}, nil
}

// buildScope builds the stages of one scope, enforcing name uniqueness
// within it. Names may repeat across scopes.
func buildScope(decls []StageDecl) ([]*StageNode, error) {
	seen := make(map[string]bool, len(decls))
	nodes := make([]*StageNode, 0, len(decls))
	for i := range decls {
		d := &decls[i]
		if d.Name == "" {
			return nil, errors.ErrConfigInvalid("stage.name", "every stage requires a name")
		}
		if seen[d.Name] {
			return nil, errors.ErrConfigInvalid("stage.name", fmt.Sprintf("duplicate stage name %q in one scope", d.Name))
		}
		seen[d.Name] = true

		node, err := buildStage(d)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func buildStage(d *StageDecl) (*StageNode, error) {
	if err := checkBodyForms(d); err != nil {
		return nil, err
	}

	node := &StageNode{
		Name:            d.Name,
		Status:          StatusPending,
		ContinueOnError: d.ContinueOnError,
		AlwaysRun:       d.Always,
		Hooks:           buildHooks(d.Post),
	}
	if d.Context != nil {
		node.Context = &ContextSpec{Label: d.Context.Label, Image: d.Context.Image}
	}

	switch {
	case d.Gate != nil:
		if d.Gate.Project == "" {
			return nil, errors.ErrConfigInvalid(d.Name+".gate.project", "gate requires a project key")
		}
		node.Kind = KindGate
		node.Gate = &GateSpec{ProjectKey: d.Gate.Project}
		node.Steps = buildSteps(d.Steps)

	case d.Approval != nil:
		timeout, err := parseTimeout(d.Approval.Timeout, DefaultApprovalTimeout)
		if err != nil {
			return nil, errors.ErrConfigInvalid(d.Name+".approval.timeout", err.Error())
		}
		if len(d.Approval.Stages) == 0 {
			return nil, errors.ErrConfigInvalid(d.Name+".approval.stages", "approval guards no stages")
		}
		guarded, err := buildScope(d.Approval.Stages)
		if err != nil {
			return nil, err
		}
		node.Kind = KindApproval
		node.Approval = &ApprovalSpec{
			Prompt:        d.Approval.Prompt,
			Responders:    append([]string(nil), d.Approval.Responders...),
			Timeout:       timeout,
			AbortOnReject: d.Approval.AbortOnReject,
		}
		node.Children = guarded

	case d.Matrix != nil:
		cells, err := expandMatrix(d)
		if err != nil {
			return nil, err
		}
		node.Kind = KindMatrix
		node.Children = cells

	case len(d.Parallel) > 0:
		children, err := buildScope(d.Parallel)
		if err != nil {
			return nil, err
		}
		node.Kind = KindParallel
		node.Children = children

	default:
		if len(d.Steps) == 0 && d.Deploy == nil {
			return nil, errors.ErrConfigInvalid(d.Name, "stage has no steps and no nested body")
		}
		node.Kind = KindLeaf
		node.Steps = buildSteps(d.Steps)
	}

	if d.Deploy != nil {
		if d.Deploy.Deployment == "" || d.Deploy.Namespace == "" {
			return nil, errors.ErrConfigInvalid(d.Name+".deploy", "deploy requires deployment and namespace")
		}
		node.Deploy = &DeploySpec{
			Deployment: d.Deploy.Deployment,
			Namespace:  d.Deploy.Namespace,
			ImageRef:   d.Deploy.Image,
			Rollback:   d.Deploy.Rollback,
		}
	}

	return node, nil
}

// checkBodyForms rejects stages declaring more than one body form.
func checkBodyForms(d *StageDecl) error {
	forms := 0
	if len(d.Parallel) > 0 {
		forms++
	}
	if d.Matrix != nil {
		forms++
	}
	if d.Gate != nil {
		forms++
	}
	if d.Approval != nil {
		forms++
	}
	if forms > 1 {
		return errors.ErrConfigInvalid(d.Name, "stage declares more than one of parallel, matrix, gate, approval")
	}
	return nil
}

// expandMatrix expands a matrix stage into one fully independent cell per
// combination in the cartesian product of the axis values. Cell count
// equals the product of axis cardinalities; no two cells share a
// combination because combinations are enumerated positionally over
// sorted axis names.
func expandMatrix(d *StageDecl) ([]*StageNode, error) {
	if len(d.Matrix.Axes) == 0 {
		return nil, errors.ErrConfigInvalid(d.Name+".matrix.axes", "matrix requires at least one axis")
	}
	if len(d.Steps) == 0 {
		return nil, errors.ErrConfigInvalid(d.Name, "matrix stage requires steps to parameterize")
	}

	names := make([]string, 0, len(d.Matrix.Axes))
	for name, values := range d.Matrix.Axes {
		if len(values) == 0 {
			return nil, errors.ErrConfigInvalid(
				fmt.Sprintf("%s.matrix.axes.%s", d.Name, name), "axis has no values")
		}
		names = append(names, name)
	}
	sort.Strings(names)

	combos := []map[string]string{{}}
	for _, name := range names {
		next := make([]map[string]string, 0, len(combos)*len(d.Matrix.Axes[name]))
		for _, combo := range combos {
			for _, value := range d.Matrix.Axes[name] {
				c := make(map[string]string, len(combo)+1)
				for k, v := range combo {
					c[k] = v
				}
				c[name] = value
				next = append(next, c)
			}
		}
		combos = next
	}

	cells := make([]*StageNode, 0, len(combos))
	for _, combo := range combos {
		cell := &StageNode{
			Name:   d.Name + CellSuffix(combo),
			Kind:   KindMatrixCell,
			Steps:  parameterizeSteps(d.Steps, combo),
			Combo:  combo,
			Status: StatusPending,
		}
		if d.Context != nil {
			cell.Context = &ContextSpec{
				Label: d.Context.Label,
				Image: expandCombo(d.Context.Image, combo),
			}
		}
		cells = append(cells, cell)
	}
	return cells, nil
}

func buildSteps(decls []StepDecl) []Step {
	steps := make([]Step, 0, len(decls))
	for _, sd := range decls {
		steps = append(steps, Step{Command: sd.Run, BestEffort: sd.BestEffort})
	}
	return steps
}

func buildHooks(post *PostDecl) Hooks {
	if post == nil {
		return Hooks{}
	}
	return Hooks{
		Always:  buildSteps(post.Always),
		Success: buildSteps(post.Success),
		Failure: buildSteps(post.Failure),
	}
}

// parameterizeSteps substitutes {{axis}} references in step commands with
// the cell's combination values.
func parameterizeSteps(decls []StepDecl, combo map[string]string) []Step {
	steps := make([]Step, 0, len(decls))
	for _, sd := range decls {
		steps = append(steps, Step{
			Command:    expandCombo(sd.Run, combo),
			BestEffort: sd.BestEffort,
		})
	}
	return steps
}

// expandCombo replaces {{name}} placeholders with axis values.
func expandCombo(s string, combo map[string]string) string {
	for name, value := range combo {
		s = strings.ReplaceAll(s, "{{"+name+"}}", value)
	}
	return s
}
