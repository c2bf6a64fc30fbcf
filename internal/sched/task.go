package sched

import (
	"fmt"

	"github.com/comfyq/comfyq/internal/comfy"
)

// Task is one unit of work handed to the scheduler. The workflow blob is
// passed to the backend unchanged. Once submitted via Run the scheduler owns
// the task exclusively until it reaches a terminal Result.
type Task struct {
	Name       string
	Workflow   map[string]any
	MaxRetries int

	retries int // resubmissions consumed
}

// NewTask builds a task with the given retry budget.
func NewTask(name string, workflow map[string]any, maxRetries int) *Task {
	return &Task{Name: name, Workflow: workflow, MaxRetries: maxRetries}
}

// Attempts returns the number of submission attempts made so far (at least 1
// once the task has been submitted).
func (t *Task) Attempts() int { return t.retries + 1 }

// FailureKind labels the cause a task ultimately failed with.
type FailureKind string

const (
	FailSubmission FailureKind = "submission" // backend rejected or response lacked a handle
	FailRemote     FailureKind = "remote"     // backend reported error/interrupted
	FailTimeout    FailureKind = "timeout"    // hard age ceiling eviction
	FailCanceled   FailureKind = "canceled"   // run context canceled
)

// TaskError is the terminal error attached to a failed Result. Attempts
// counts every submission made before the retry budget ran out; Err is the
// last underlying cause observed.
type TaskError struct {
	Kind     FailureKind
	Attempts int
	Err      error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s after %d attempt(s)", e.Kind, e.Attempts)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Result is the terminal record for one task. A nil Err means success.
// Record carries the backend's history record when one was available at
// completion time.
type Result struct {
	Task   *Task
	Handle string
	Record comfy.HistoryRecord
	Err    error
}

// Aggregator collects terminal Results in completion order.
type Aggregator struct {
	results   []Result
	succeeded int
	failed    int
}

func NewAggregator() *Aggregator { return &Aggregator{} }

func (a *Aggregator) Add(r Result) {
	a.results = append(a.results, r)
	if r.Err == nil {
		a.succeeded++
	} else {
		a.failed++
	}
}

func (a *Aggregator) Len() int          { return len(a.results) }
func (a *Aggregator) Results() []Result { return a.results }

// Summary holds the aggregate counts for reporting.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
}

func (a *Aggregator) Summary() Summary {
	return Summary{Total: len(a.results), Succeeded: a.succeeded, Failed: a.failed}
}
