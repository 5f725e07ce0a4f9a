package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/user/aigrid/internal/auth"
	"github.com/user/aigrid/internal/grid"
	"github.com/user/aigrid/internal/statestore"
	"github.com/user/aigrid/internal/tablestore"
)

// @Summary Create table state
// @Tags TableState
// @Accept json
// @Produce json
// @Param body body TableStateRequest true "Table state"
// @Success 201 {object} statestore.Record
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/v1/table-state/ [post]
func (s *Server) handleCreateState(w http.ResponseWriter, r *http.Request) {
	var req TableStateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	if req.ID == "" {
		req.ID = grid.NewID()
	}
	if err := grid.ValidateID(req.ID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}
	data, err := checkStateData(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}
	rec := statestore.Record{ID: req.ID, Data: data}
	if req.Name != nil {
		rec.Name = *req.Name
	}
	if p := auth.PrincipalFromContext(r.Context()); p.Method != "anonymous" {
		rec.UserID = p.Subject
	}

	created, err := s.states.Create(r.Context(), rec)
	if errors.Is(err, statestore.ErrConflict) {
		writeError(w, http.StatusConflict, "table state already exists", "CONFLICT")
		return
	}
	if err != nil {
		slog.Error("create table state", "table_id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create table state", "INTERNAL_ERROR")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// @Summary List table states
// @Description Most recently updated first.
// @Tags TableState
// @Produce json
// @Success 200 {object} map[string][]statestore.Record
// @Security BearerAuth
// @Router /api/v1/table-state/ [get]
func (s *Server) handleListStates(w http.ResponseWriter, r *http.Request) {
	items, err := s.states.List(r.Context())
	if err != nil {
		slog.Error("list table states", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list table states", "INTERNAL_ERROR")
		return
	}
	if items == nil {
		items = []statestore.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// @Summary Get table state
// @Tags TableState
// @Produce json
// @Param id path string true "Table ID"
// @Success 200 {object} statestore.Record
// @Failure 404 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/v1/table-state/{id} [get]
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	rec, err := s.states.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// @Summary Update table state
// @Description Replaces the name and/or data. A table with a hosted run in progress cannot be updated.
// @Tags TableState
// @Accept json
// @Produce json
// @Param id path string true "Table ID"
// @Param body body TableStateRequest true "Fields to replace"
// @Success 200 {object} statestore.Record
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/v1/table-state/{id} [put]
func (s *Server) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req TableStateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	patch := statestore.Patch{Name: req.Name}
	if len(req.Data) > 0 {
		data, err := checkStateData(req.Data)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
			return
		}
		patch.Data = data
	}
	if s.engine != nil {
		if _, running := s.engine.ActiveRun(id); running {
			writeError(w, http.StatusConflict, tablestore.ErrRunInProgress.Error(), "RUN_IN_PROGRESS")
			return
		}
	}

	rec, err := s.states.Update(r.Context(), id, patch)
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// @Summary Delete table state
// @Description Cancels any hosted run on the table.
// @Tags TableState
// @Param id path string true "Table ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/v1/table-state/{id} [delete]
func (s *Server) handleDeleteState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.engine != nil {
		if err := s.engine.DeleteTable(id); err != nil && !errors.Is(err, tablestore.ErrTableNotFound) {
			slog.Warn("drop hosted table", "table_id", id, "error", err)
		}
	}
	if err := s.states.Delete(r.Context(), id); err != nil {
		writeStateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeStateError(w http.ResponseWriter, err error) {
	if errors.Is(err, statestore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "table state not found", "NOT_FOUND")
		return
	}
	slog.Error("table state", "error", err)
	writeError(w, http.StatusInternalServerError, "table state storage failed", "INTERNAL_ERROR")
}

// checkStateData verifies that raw decodes as table data. Absent or null
// data is stored as an empty object.
func checkStateData(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if _, err := decodeStateData(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func decodeStateData(raw json.RawMessage) (grid.StateData, error) {
	var data grid.StateData
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return grid.StateData{}, fmt.Errorf("invalid table data: %w", err)
	}
	return data, nil
}
