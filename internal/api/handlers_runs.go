package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/conveyorci/conveyor/internal/store"
)

// runView is the JSON shape of an archived run.
type runView struct {
	ID           int64     `json:"id"`
	Pipeline     string    `json:"pipeline"`
	Branch       string    `json:"branch,omitempty"`
	Status       string    `json:"status"`
	FailingStage string    `json:"failing_stage,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
	Duration     string    `json:"duration,omitempty"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		JSONError(w, "run archive not enabled", http.StatusNotFound)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			JSONError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := s.archive.ListRuns(r.Context(), limit)
	if err != nil {
		HandleError(w, err)
		return
	}
	views := make([]runView, 0, len(records))
	for _, rec := range records {
		views = append(views, toRunView(rec))
	}
	JSONResponse(w, views)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		JSONError(w, "run archive not enabled", http.StatusNotFound)
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		JSONError(w, "run id must be an integer", http.StatusBadRequest)
		return
	}

	rec, err := s.archive.GetRun(r.Context(), id)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, toRunView(*rec))
}

func toRunView(rec store.RunRecord) runView {
	v := runView{
		ID:           rec.ID,
		Pipeline:     rec.Pipeline,
		Branch:       rec.Branch,
		Status:       rec.Status,
		FailingStage: rec.FailingStage,
		ErrorKind:    rec.ErrorKind,
		StartedAt:    rec.StartedAt,
		FinishedAt:   rec.FinishedAt,
	}
	if d := rec.Duration(); d > 0 {
		v.Duration = d.Round(time.Millisecond).String()
	}
	return v
}
