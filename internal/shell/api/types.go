package api

import (
	"time"

	"github.com/quayside/stackd/internal/shell/orchestrator"
)

// =============================================================================
// Request Types
// =============================================================================

// ApplyStackRequest is the request body for declaring a stack.
type ApplyStackRequest struct {
	Name        string `json:"name"`
	Declaration string `json:"declaration"`
}

// =============================================================================
// Response Types
// =============================================================================

// StackResponse is the response for stack operations.
type StackResponse struct {
	Name       string                       `json:"name"`
	ApplyID    string                       `json:"apply_id"`
	StartOrder []string                     `json:"start_order"`
	Services   []orchestrator.ServiceStatus `json:"services"`
	Networks   []orchestrator.EntityStatus  `json:"networks,omitempty"`
	Volumes    []orchestrator.EntityStatus  `json:"volumes,omitempty"`
}

// StackSummary is one entry in a stack listing.
type StackSummary struct {
	Name      string    `json:"name"`
	ApplyID   string    `json:"apply_id"`
	Managed   bool      `json:"managed"` // under live orchestration in this process
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PhaseResponse is one phase transition in a service's history.
type PhaseResponse struct {
	Phase  string    `json:"phase"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error      string   `json:"error"`
	Code       string   `json:"code"`
	Violations []string `json:"violations,omitempty"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
