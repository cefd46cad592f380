package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/conveyorci/conveyor/internal/gate"
)

// approvalView is the JSON shape of a pending approval.
type approvalView struct {
	ID         string    `json:"id"`
	RunID      int64     `json:"run_id"`
	Stage      string    `json:"stage"`
	Prompt     string    `json:"prompt,omitempty"`
	Responders []string  `json:"responders,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Deadline   time.Time `json:"deadline"`
}

// decisionRequest is the body of approve/reject posts.
type decisionRequest struct {
	Responder string `json:"responder"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if s.approvals == nil {
		JSONResponse(w, []approvalView{})
		return
	}
	pending := s.approvals.Pending()
	views := make([]approvalView, 0, len(pending))
	for _, req := range pending {
		views = append(views, toApprovalView(req))
	}
	JSONResponse(w, views)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, false)
}

func (s *Server) resolveApproval(w http.ResponseWriter, r *http.Request, approved bool) {
	if s.approvals == nil {
		JSONError(w, "approvals not enabled", http.StatusNotFound)
		return
	}
	id := r.PathValue("id")

	var body decisionRequest
	if r.Body != nil {
		// Empty or malformed body resolves anonymously.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	if !s.approvals.Resolve(id, approved, body.Responder, body.Reason) {
		JSONError(w, "no pending approval with id "+id, http.StatusNotFound)
		return
	}

	decision := "rejected"
	if approved {
		decision = "approved"
	}
	s.logger.Info("approval resolved via api",
		"request_id", id, "decision", decision, "responder", body.Responder)
	JSONResponse(w, map[string]string{"id": id, "decision": decision})
}

func toApprovalView(req *gate.Request) approvalView {
	return approvalView{
		ID:         req.ID,
		RunID:      req.RunID,
		Stage:      req.Stage,
		Prompt:     req.Prompt,
		Responders: req.Responders,
		CreatedAt:  req.CreatedAt,
		Deadline:   req.Deadline,
	}
}
