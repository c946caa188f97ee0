package client

import (
	"fmt"
	"time"
)

// StatusRecord is one client's open record.
type StatusRecord struct {
	ID         string    `json:"id"`
	ClientName string    `json:"client_name"`
	Opened     bool      `json:"opened"`
	Timestamp  time.Time `json:"timestamp"`
}

// OpenRequest is the body of POST /status.
type OpenRequest struct {
	ClientName string `json:"client_name"`
}

// OpenResponse is returned by POST /status.
type OpenResponse struct {
	AlreadyOpened bool         `json:"already_opened"`
	Message       string       `json:"message"`
	Data          StatusRecord `json:"data"`
}

// ResetResponse is returned by DELETE /status/reset.
type ResetResponse struct {
	Message      string `json:"message"`
	DeletedCount int64  `json:"deleted_count"`
}

// HealthResponse is returned by GET /health with either 200 or 503.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}
