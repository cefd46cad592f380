package gate

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorci/conveyor/internal/events"
)

// Decision is the state of an approval request.
// State machine: Created -> Pending -> {Approved, Rejected, TimedOut}.
// All three terminal states are final; there are no retries.
type Decision string

const (
	DecisionCreated  Decision = "created"
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionTimedOut Decision = "timed_out"
)

// Terminal reports whether the decision is final.
func (d Decision) Terminal() bool {
	return d == DecisionApproved || d == DecisionRejected || d == DecisionTimedOut
}

// Request is a pending approval awaiting an external actor's decision.
type Request struct {
	ID         string
	RunID      int64
	Stage      string
	Prompt     string
	Responders []string
	Timeout    time.Duration
	CreatedAt  time.Time
	Deadline   time.Time
}

type resolution struct {
	decision  Decision
	responder string
	reason    string
}

type pendingEntry struct {
	req *Request
	ch  chan resolution
}

// Coordinator suspends pipeline branches on approval gates without
// holding compute resources. The engine goroutine parks on Await; an
// external actor resumes it through Resolve, or the timeout fires, or
// run cancellation rejects every pending request before teardown.
type Coordinator struct {
	publisher events.Publisher
	store     *PendingStore
}

// NewCoordinator creates an approval coordinator.
func NewCoordinator(publisher events.Publisher) *Coordinator {
	if publisher == nil {
		publisher = events.NewNopPublisher()
	}
	return &Coordinator{
		publisher: publisher,
		store:     NewPendingStore(),
	}
}

// Outcome is the resolved decision for an approval request.
type Outcome struct {
	Decision  Decision
	Responder string
	Reason    string
}

// Await creates the request, transitions it to Pending, emits the prompt
// to the approver channel, and parks until a decision, the timeout, or
// ctx cancellation. Cancellation resolves the request to Rejected.
// The caller must not hold an execution context while awaiting.
func (c *Coordinator) Await(ctx context.Context, runID int64, stage, prompt string, responders []string, timeout time.Duration) Outcome {
	now := time.Now()
	req := &Request{
		ID:         uuid.NewString(),
		RunID:      runID,
		Stage:      stage,
		Prompt:     prompt,
		Responders: append([]string(nil), responders...),
		Timeout:    timeout,
		CreatedAt:  now,
		Deadline:   now.Add(timeout),
	}

	entry := &pendingEntry{req: req, ch: make(chan resolution, 1)}
	c.store.add(entry)
	defer c.store.remove(req.ID)

	c.publisher.Publish(events.NewEvent(events.EventApprovalRequired, runID, events.ApprovalData{
		RequestID:  req.ID,
		Stage:      stage,
		Prompt:     prompt,
		Deadline:   req.Deadline,
		Responders: req.Responders,
	}))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out Outcome
	select {
	case res := <-entry.ch:
		out = Outcome{Decision: res.decision, Responder: res.responder, Reason: res.reason}
	case <-timer.C:
		out = Outcome{Decision: DecisionTimedOut, Reason: "no decision before deadline"}
	case <-ctx.Done():
		// A pending approval under cancellation resolves to Rejected
		// before teardown.
		out = Outcome{Decision: DecisionRejected, Reason: "run cancelled while approval pending"}
	}

	c.publisher.Publish(events.NewEvent(events.EventApprovalResolved, runID, events.ApprovalData{
		RequestID: req.ID,
		Stage:     stage,
		Decision:  string(out.Decision),
		Responder: out.Responder,
	}))

	return out
}

// Resolve submits an external decision for a pending request. It reports
// whether a pending request with the ID existed; resolving an already
// terminal request is a no-op returning false.
func (c *Coordinator) Resolve(id string, approved bool, responder, reason string) bool {
	entry, ok := c.store.take(id)
	if !ok {
		return false
	}
	decision := DecisionRejected
	if approved {
		decision = DecisionApproved
	}
	entry.ch <- resolution{decision: decision, responder: responder, reason: reason}
	return true
}

// Pending lists all requests still awaiting a decision.
func (c *Coordinator) Pending() []*Request {
	return c.store.list()
}
