package api

import "github.com/spinspeeder/spinspeeder/internal/display"

// SessionResponse is the payload for GET and POST /api/v1/session.
type SessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	StartedAt string `json:"started_at"` // RFC3339

	Live    display.Live  `json:"live"`
	Summary display.Final `json:"summary"`
}

// SummaryResponse is one finalized session in DELETE /api/v1/session,
// POST /api/v1/session/finalize and GET /api/v1/sessions.
type SummaryResponse struct {
	display.Final
	StartedAt string `json:"started_at"` // RFC3339
	Frames    uint64 `json:"frames"`
}

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	State         string `json:"state"`
	SessionID     string `json:"session_id,omitempty"`
	SessionStatus string `json:"session_status"`
	Clients       int    `json:"clients"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
