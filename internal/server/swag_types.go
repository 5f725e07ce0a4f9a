package server

import (
	"encoding/json"

	"github.com/user/aigrid/internal/tablestore"
)

// ErrorResponse is the standard API error response shape.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// StatusResponse is a generic status response.
type StatusResponse struct {
	Status string `json:"status"`
}

// LoginRequest is the request body for POST /auth/login.
type LoginRequest struct {
	Password string `json:"password"`
}

// VerifyResponse is the response for POST /auth/verify.
type VerifyResponse struct {
	Status  string `json:"status"`
	Subject string `json:"subject"`
	Method  string `json:"method"`
}

// TableStateRequest is the request body for creating and updating table
// states. On update, omitted fields are kept.
type TableStateRequest struct {
	ID   string          `json:"id,omitempty"`
	Name *string         `json:"name,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RunRequest is the request body for POST /table-state/{id}/runs. Scope is
// one of "table" (default), "columns", "rows" or "cells".
type RunRequest struct {
	Scope     string               `json:"scope,omitempty"`
	ColumnIDs []string             `json:"column_ids,omitempty"`
	RowIDs    []string             `json:"row_ids,omitempty"`
	Cells     []tablestore.CellRef `json:"cells,omitempty"`
}

// RestoreRequest is the optional body for POST /admin/restore.
type RestoreRequest struct {
	IDs []string `json:"ids,omitempty"`
}

// BackupResponse reports how many table states were copied.
type BackupResponse struct {
	Status string `json:"status"`
	Tables int    `json:"tables"`
}
