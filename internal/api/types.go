package api

import (
	"github.com/obsidianstack/datasync/internal/scheduler"
	"github.com/obsidianstack/datasync/pkg/types"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	// State is "ok" when every widget has data and no error, "degraded"
	// otherwise, and "unknown" with no widgets mounted.
	State        string                `json:"state"`
	WidgetCount  int                   `json:"widget_count"`
	LoadingCount int                   `json:"loading_count"`
	ErrorCount   int                   `json:"error_count"`
	Connection   types.ConnectionState `json:"connection"`
}

// JobsResponse is the payload for GET /api/v1/jobs.
type JobsResponse struct {
	Jobs  []scheduler.Job `json:"jobs"`
	Stats scheduler.Stats `json:"stats"`
}

// ConnectionResponse is the payload for GET /api/v1/connection.
type ConnectionResponse struct {
	Status     types.ConnectionState `json:"status"`
	Received   uint64                `json:"received"`
	Dropped    uint64                `json:"dropped"`
	Reconnects uint64                `json:"reconnects"`
}

type errorResponse struct {
	Error string `json:"error"`
}
