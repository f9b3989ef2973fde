package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/basket/conductor/internal/controller"
	"github.com/basket/conductor/internal/integrity"
	"github.com/basket/conductor/internal/locks"
	"github.com/basket/conductor/internal/pipeline"
	"github.com/basket/conductor/internal/shared"
	"github.com/basket/conductor/internal/state"
)

func (s *Server) handleTerminalize(w http.ResponseWriter, r *http.Request) {
	var req integrity.Request
	if !s.decode(w, r, "terminalize", &req) {
		return
	}
	res, err := s.cfg.Gate.Terminalize(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	var req integrity.RepairRequest
	if !s.decode(w, r, "repair", &req) {
		return
	}
	rep, err := s.cfg.Gate.Repair(r.Context(), req)
	if err != nil {
		writeInternal(w, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Locks.Status(r.Context())
	if err != nil {
		writeInternal(w, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var ev pipeline.Event
	if !s.decode(w, r, "event", &ev) {
		return
	}
	// created_at orders the log and is always stamped on arrival. The
	// sender's own timestamp survives as metadata.occurred_at.
	if !ev.CreatedAt.IsZero() {
		if ev.Metadata == nil {
			ev.Metadata = map[string]any{}
		}
		if _, ok := ev.Metadata["occurred_at"]; !ok {
			ev.Metadata["occurred_at"] = ev.CreatedAt.UTC().Format(time.RFC3339Nano)
		}
		ev.CreatedAt = time.Time{}
	}
	stored, err := s.cfg.Store.AppendEvent(r.Context(), ev)
	if err != nil {
		writeInternal(w, s.cfg.Logger, err)
		return
	}
	s.cfg.Logger.DebugContext(r.Context(), "event ingested",
		"event_id", stored.ID, "task_id", stored.TaskID, "topic", stored.Topic)
	writeJSON(w, http.StatusAccepted, stored)
}

// RunView is the body of GET /api/runs/{task_id}.
type RunView struct {
	Run      *pipeline.Run      `json:"run"`
	Snapshot *pipeline.Snapshot `json:"snapshot,omitempty"`
	Evidence integrity.Evidence `json:"evidence"`
	Missing  []integrity.Stage  `json:"missing_stages"`
	Events   []pipeline.Event   `json:"events,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := strings.TrimSpace(r.PathValue("task_id"))
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "task_id required")
		return
	}
	run, err := s.cfg.Store.GetRun(ctx, taskID)
	if errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no run for task "+taskID)
		return
	}
	if err != nil {
		writeInternal(w, s.cfg.Logger, err)
		return
	}
	view := RunView{Run: run}
	snap, err := s.cfg.Store.LoadSnapshot(ctx, taskID)
	switch {
	case err == nil:
		view.Snapshot = snap
	case !errors.Is(err, pipeline.ErrNotFound):
		writeInternal(w, s.cfg.Logger, err)
		return
	}
	if view.Evidence, err = s.cfg.Gate.Evidence(ctx, run); err != nil {
		writeInternal(w, s.cfg.Logger, err)
		return
	}
	view.Missing = view.Evidence.Missing()
	if r.URL.Query().Get("events") == "true" {
		if view.Events, err = s.cfg.Store.ListEvents(ctx, pipeline.EventFilter{TaskID: taskID}); err != nil {
			writeInternal(w, s.cfg.Logger, err)
			return
		}
		for i := range view.Events {
			view.Events[i].Metadata = shared.RedactMetadata(view.Events[i].Metadata)
		}
	}
	writeJSON(w, http.StatusOK, view)
}

type governanceRequest struct {
	Armed  bool   `json:"armed"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type governanceResponse struct {
	Armed   bool `json:"armed"`
	Changed bool `json:"changed"`
}

func (s *Server) handleGetGovernance(w http.ResponseWriter, r *http.Request) {
	armed, err := s.cfg.Governance.Armed(r.Context())
	if err != nil {
		writeInternal(w, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, governanceResponse{Armed: armed})
}

func (s *Server) handleSetGovernance(w http.ResponseWriter, r *http.Request) {
	var req governanceRequest
	if !s.decode(w, r, "governance", &req) {
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	changed, err := s.cfg.Governance.SetArmed(r.Context(), req.Armed, req.Actor, req.Reason)
	if err != nil {
		writeInternal(w, s.cfg.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, governanceResponse{Armed: req.Armed, Changed: changed})
}

// decode writes a 400 and returns false when the body is invalid.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	if err := s.schemas.decode(schema, r.Body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return false
	}
	return true
}

// writeDomainError maps the error taxonomy onto status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var gateErr *integrity.GateError
	var blocked *locks.BlockedError
	switch {
	case errors.As(err, &gateErr):
		writeJSON(w, http.StatusConflict, ErrorBody{
			Error:         err.Error(),
			Code:          "MISSING_EVIDENCE",
			MissingStages: gateErr.MissingStages,
		})
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusConflict, ErrorBody{
			Error:  err.Error(),
			Code:   "BLOCKED_BY_LOCK",
			Key:    blocked.Key,
			Holder: blocked.Holder,
		})
	case errors.Is(err, state.ErrLocked):
		writeError(w, http.StatusConflict, "TASK_BUSY", err.Error())
	case errors.Is(err, integrity.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, controller.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, controller.ErrIllegalTransition), errors.Is(err, controller.ErrPrecondition), errors.Is(err, controller.ErrTerminal):
		writeError(w, http.StatusConflict, "ILLEGAL_TRANSITION", err.Error())
	default:
		s.cfg.Logger.ErrorContext(r.Context(), "terminalize failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
