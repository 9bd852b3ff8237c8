package rest

import (
	"yqhp/dispatcher/internal/console"
	"yqhp/dispatcher/internal/master"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// WorkerResponse represents one registered worker.
type WorkerResponse struct {
	ID         int    `json:"id"`
	Address    string `json:"address"`
	State      string `json:"state"`
	Live       bool   `json:"live"`
	AcceptedAt string `json:"accepted_at"`
	RangeStart *int64 `json:"range_start,omitempty"`
	RangeEnd   *int64 `json:"range_end,omitempty"`
	Received   int64  `json:"received"`
}

// WorkersResponse represents the worker list.
type WorkersResponse struct {
	Workers []WorkerResponse `json:"workers"`
	Total   int              `json:"total"`
	Live    int              `json:"live"`
}

// StatusResponse represents the master status and recent status text.
type StatusResponse struct {
	master.Status
	Lines []console.StatusLine `json:"lines"`
}

// DistributeRequest represents a request to start the round.
type DistributeRequest struct {
	TotalUnits *int64 `json:"total_units"`
}

// AssignmentResponse represents one worker's delivered range.
type AssignmentResponse struct {
	WorkerID int    `json:"worker_id"`
	Address  string `json:"address"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
}

// DistributeResponse represents the result of a distribute request.
type DistributeResponse struct {
	TotalUnits  int64                `json:"total_units"`
	Assignments []AssignmentResponse `json:"assignments"`
	Collecting  bool                 `json:"collecting"`
	Report      *master.Report       `json:"report,omitempty"`
}
