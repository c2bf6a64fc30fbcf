package api

import "time"

// v0 contains public types for early SDK usage.

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunSummary is the persisted record of one scheduler run.
type RunSummary struct {
	ID         int64     `json:"id" yaml:"id"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
	Status     RunStatus `json:"status" yaml:"status"`
	Total      int       `json:"total" yaml:"total"`
	Succeeded  int       `json:"succeeded" yaml:"succeeded"`
	Failed     int       `json:"failed" yaml:"failed"`
}

// TaskOutcome records the fate of a single submitted workflow.
type TaskOutcome struct {
	RunID    int64  `json:"run_id" yaml:"run_id"`
	Name     string `json:"name" yaml:"name"`
	Handle   string `json:"handle" yaml:"handle"`
	Attempts int    `json:"attempts" yaml:"attempts"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}
