package simulation

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patientflow/internal/sim"
)

var (
	// ErrNotFound is returned when no run has the requested id.
	ErrNotFound = errors.New("run not found")
	// ErrInvalidRequest marks request problems the caller can fix.
	ErrInvalidRequest = errors.New("invalid run request")
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is one stored simulation run.
type Run struct {
	ID             uuid.UUID      `json:"id"`
	BatchID        *uuid.UUID     `json:"batch_id,omitempty"`
	Status         Status         `json:"status"`
	Seed           int64          `json:"seed"`
	HorizonHours   float64        `json:"horizon_hours"`
	Parameters     sim.Parameters `json:"parameters"`
	ParametersHash string         `json:"parameters_hash"`
	Results        *sim.Results   `json:"results,omitempty"`
	Error          string         `json:"error,omitempty"`
	Cached         bool           `json:"cached,omitempty"`
	CreatedBy      string         `json:"created_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Finished reports whether the run reached a terminal state.
func (r *Run) Finished() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// RunRequest is the body of POST /runs. Omitted fields take the server
// defaults; parameters are applied on top of sim.DefaultParameters so a
// request only needs the keys it changes.
type RunRequest struct {
	HorizonHours *float64        `json:"horizon_hours"`
	Seed         *int64          `json:"seed"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Trace        bool            `json:"trace"`
}

// BatchRequest is the body of POST /runs/batch: Count independent runs with
// seeds Seed, Seed+1, ...
type BatchRequest struct {
	HorizonHours *float64        `json:"horizon_hours"`
	Seed         *int64          `json:"seed"`
	Count        int             `json:"count"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
}

// runSummary is the payload of a run.completed event.
type runSummary struct {
	Status              Status  `json:"status"`
	Seed                int64   `json:"seed"`
	HorizonHours        float64 `json:"horizon_hours"`
	CompletedPatients   int     `json:"completed_patients"`
	AverageTimeInSystem float64 `json:"average_time_in_system"`
	Cached              bool    `json:"cached,omitempty"`
	Error               string  `json:"error,omitempty"`
}

func (r *Run) summary() runSummary {
	s := runSummary{
		Status:       r.Status,
		Seed:         r.Seed,
		HorizonHours: r.HorizonHours,
		Cached:       r.Cached,
		Error:        r.Error,
	}
	if r.Results != nil {
		s.CompletedPatients = r.Results.CompletedPatients
		s.AverageTimeInSystem = r.Results.AverageTimeInSystem
	}
	return s
}
