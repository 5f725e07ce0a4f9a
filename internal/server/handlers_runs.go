package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/user/aigrid/internal/statestore"
	"github.com/user/aigrid/internal/tablestore"
)

// @Summary Start a run
// @Description Loads the stored table and queries the cells in scope on the hosted engine. Results are saved back to the table state as they arrive.
// @Tags Runs
// @Accept json
// @Produce json
// @Param id path string true "Table ID"
// @Param body body RunRequest false "Cells to run; defaults to the whole table"
// @Success 202 {object} runTask
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/v1/table-state/{id}/runs [post]
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	task, err := s.runs.start(r.Context(), chi.URLParam(r, "id"), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, task)
	case errors.Is(err, statestore.ErrNotFound):
		writeError(w, http.StatusNotFound, "table state not found", "NOT_FOUND")
	case errors.Is(err, tablestore.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error(), "RUN_IN_PROGRESS")
	case errors.Is(err, tablestore.ErrNothingToRun):
		writeError(w, http.StatusUnprocessableEntity, "no cells in scope can be queried", "NOTHING_TO_RUN")
	default:
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
	}
}

// @Summary Get run status
// @Tags Runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} runTask
// @Failure 404 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/v1/runs/{id} [get]
func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	task, ok := s.runs.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found", "NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// @Summary Cancel a run
// @Description Cells answered before cancellation keep their values.
// @Tags Runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 202 {object} StatusResponse
// @Success 200 {object} StatusResponse
// @Failure 404 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/v1/runs/{id}/cancel [post]
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	known, running := s.runs.cancel(chi.URLParam(r, "id"))
	switch {
	case !known:
		writeError(w, http.StatusNotFound, "run not found", "NOT_FOUND")
	case running:
		writeJSON(w, http.StatusAccepted, StatusResponse{Status: "cancelling"})
	default:
		writeJSON(w, http.StatusOK, StatusResponse{Status: "finished"})
	}
}

// @Summary Stream run progress
// @Description SSE stream of progress events for a run, ending with a run.completed, run.failed or run.cancelled event.
// @Tags Runs
// @Produce text/event-stream
// @Param id path string true "Run ID"
// @Success 200 "SSE progress stream"
// @Failure 404 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/v1/runs/{id}/progress [get]
func (s *Server) handleRunProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, ok := s.runs.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found", "NOT_FOUND")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "SSE_UNSUPPORTED")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if task.Status.Terminal() {
		writeRunTerminalEvent(w, task)
		flusher.Flush()
		return
	}

	ch, ok := s.runs.eventsFor(id)
	if !ok {
		if latest, found := s.runs.get(id); found {
			writeRunTerminalEvent(w, latest)
			flusher.Flush()
		}
		return
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ":keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeRunTerminalEvent(w http.ResponseWriter, task *runTask) {
	writeSSE(w, task.event(terminalEventType(task.Status)))
}

func writeSSE(w http.ResponseWriter, ev runEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, body)
}
