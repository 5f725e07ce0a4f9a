package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/user/aigrid/internal/backup"
)

func (s *Server) backupCounter() backup.Counter {
	if s.metrics == nil {
		return nil
	}
	return s.metrics
}

// @Summary Back up every table state
// @Tags Admin
// @Produce json
// @Success 200 {object} BackupResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/v1/admin/backup [post]
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	n, err := s.backup.Export(r.Context(), s.states, s.backupCounter())
	if err != nil {
		slog.Error("backup failed", "error", err)
		writeError(w, http.StatusBadGateway, "backup failed: "+err.Error(), "BACKUP_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, BackupResponse{Status: "exported", Tables: n})
}

// @Summary Restore table states from backup
// @Description Restores every backed-up table state, or only the listed ids. Existing states with the same id are replaced.
// @Tags Admin
// @Accept json
// @Produce json
// @Param body body RestoreRequest false "Tables to restore"
// @Success 200 {object} BackupResponse
// @Failure 404 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/v1/admin/restore [post]
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "PARSE_ERROR")
		return
	}
	n, err := s.backup.Restore(r.Context(), s.states, req.IDs, s.backupCounter())
	switch {
	case errors.Is(err, backup.ErrNotFound):
		writeError(w, http.StatusNotFound, "backup not found", "NOT_FOUND")
	case err != nil:
		slog.Error("restore failed", "error", err)
		writeError(w, http.StatusBadGateway, "restore failed: "+err.Error(), "RESTORE_FAILED")
	default:
		writeJSON(w, http.StatusOK, BackupResponse{Status: "restored", Tables: n})
	}
}
