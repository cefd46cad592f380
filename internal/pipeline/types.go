// Package pipeline provides the stage graph model for conveyor runs.
// A pipeline run owns a tree of stage nodes built from a declarative
// YAML document; the engine walks the tree honoring dependency order.
package pipeline

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Status represents the lifecycle state of a run or stage node.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAborted
}

// Kind identifies the stage node variant. A single generic engine walks
// the tree switching on kind; there is no per-kind type hierarchy.
type Kind string

const (
	KindLeaf       Kind = "leaf"
	KindSequential Kind = "sequential"
	KindParallel   Kind = "parallel"
	KindMatrix     Kind = "matrix"
	KindMatrixCell Kind = "matrix_cell"
	KindGate       Kind = "gate"
	KindApproval   Kind = "approval"
)

// Bindings holds the read-only run environment resolved once at run
// creation. No concurrent writer exists, so branches read it freely.
type Bindings struct {
	BuildNumber int64
	Branch      string
	Registry    string
	Image       string
	Namespace   string
	App         string
	Extra       map[string]string
}

// Lookup resolves a binding name. Axis values are handled separately by
// the matrix expansion; this covers only the global run environment.
func (b Bindings) Lookup(name string) (string, bool) {
	switch name {
	case "REGISTRY":
		return b.Registry, true
	case "IMAGE":
		return b.Image, true
	case "NAMESPACE":
		return b.Namespace, true
	case "APP":
		return b.App, true
	case "BRANCH":
		return b.Branch, true
	case "BUILD_NUMBER":
		return formatInt(b.BuildNumber), true
	}
	v, ok := b.Extra[name]
	return v, ok
}

// Expand substitutes ${NAME} references against the bindings. Unknown
// names are left intact so step commands can still reference shell vars.
func (b Bindings) Expand(s string) string {
	return os.Expand(s, func(name string) string {
		if v, ok := b.Lookup(name); ok {
			return v
		}
		return "${" + name + "}"
	})
}

// Environ returns the bindings as KEY=VALUE pairs for step execution.
func (b Bindings) Environ() []string {
	env := []string{
		"REGISTRY=" + b.Registry,
		"IMAGE=" + b.Image,
		"NAMESPACE=" + b.Namespace,
		"APP=" + b.App,
		"BRANCH=" + b.Branch,
		"BUILD_NUMBER=" + formatInt(b.BuildNumber),
	}
	keys := make([]string, 0, len(b.Extra))
	for k := range b.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+b.Extra[k])
	}
	return env
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

// Step is an atomic external action. Non-zero exit from a must-succeed
// step fails the owning stage; a best-effort step's failure is recorded
// but never propagates.
type Step struct {
	Command    string
	BestEffort bool
}

// Hooks are post-condition actions keyed by outcome. They run after the
// node's body terminates: always first, then exactly one of success or
// failure matching the resolved status. Hooks are never retried.
type Hooks struct {
	Always  []Step
	Success []Step
	Failure []Step
}

// Empty reports whether the node declares no hooks at all.
func (h Hooks) Empty() bool {
	return len(h.Always) == 0 && len(h.Success) == 0 && len(h.Failure) == 0
}

// ContextSpec describes the execution context a stage requires. Image may
// reference matrix axis values (e.g. node:${node}) and is resolved per cell.
type ContextSpec struct {
	Label string
	Image string
}

// GateSpec configures a quality gate stage. The evaluator inspects the
// quality service's verdict for the project key, not the step exit code.
type GateSpec struct {
	ProjectKey string
}

// ApprovalSpec configures a manual promotion gate.
type ApprovalSpec struct {
	Prompt        string
	Responders    []string
	Timeout       time.Duration
	AbortOnReject bool
}

// DeploySpec configures a deployment stage. When Rollback is set the
// engine wraps the stage in the rollback controller: the previous
// known-good revision is captured before the rollout and restored on any
// rollout failure before the failure is re-raised.
type DeploySpec struct {
	Deployment string
	Namespace  string
	ImageRef   string
	Rollback   bool
}

// StageNode is a named unit of pipeline work, possibly composite.
//
// Status is owned by the engine's status writer; components other than
// the engine must treat it as read-only. A node's status is derived from
// its body and children except for gate and approval nodes, where policy
// sets it directly.
type StageNode struct {
	Name            string
	Kind            Kind
	Context         *ContextSpec
	Steps           []Step
	Children        []*StageNode
	Hooks           Hooks
	ContinueOnError bool
	AlwaysRun       bool

	Gate     *GateSpec
	Approval *ApprovalSpec
	Deploy   *DeploySpec

	// Combo holds the axis-name to value mapping for matrix cells.
	Combo map[string]string

	Status Status
}

// CellSuffix renders a matrix cell's combination as a stable suffix,
// e.g. [node=18]. Axis names are sorted so no two cells collide.
func CellSuffix(combo map[string]string) string {
	keys := make([]string, 0, len(combo))
	for k := range combo {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('[')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(combo[k])
	}
	b.WriteByte(']')
	return b.String()
}

// Walk visits the node and all descendants depth-first.
func (n *StageNode) Walk(fn func(*StageNode)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Find returns the first descendant (or the node itself) with the name.
func (n *StageNode) Find(name string) *StageNode {
	var found *StageNode
	n.Walk(func(sn *StageNode) {
		if found == nil && sn.Name == name {
			found = sn
		}
	})
	return found
}

// Run is the top-level execution instance of a pipeline.
type Run struct {
	ID       int64 // monotonic build number
	Pipeline string
	Branch   string
	Bindings Bindings
	Root     *StageNode

	Status     Status
	StartedAt  time.Time
	FinishedAt time.Time

	// FailingStage and ErrorKind record the first failure for the
	// run-level notification; empty on success.
	FailingStage string
	ErrorKind    string
}

// NewRun creates a pending run owning the given stage tree.
func NewRun(id int64, name string, bindings Bindings, root *StageNode) *Run {
	return &Run{
		ID:       id,
		Pipeline: name,
		Branch:   bindings.Branch,
		Bindings: bindings,
		Root:     root,
		Status:   StatusPending,
	}
}

// Duration returns the wall-clock duration of a finished run.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
