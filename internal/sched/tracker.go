package sched

import (
	"time"

	"github.com/comfyq/comfyq/internal/status"
)

// entry is the in-flight bookkeeping for one submitted handle.
type entry struct {
	task         *Task
	handle       string
	enqueuedAt   time.Time
	lastStatus   status.Status
	lastChangeAt time.Time
	noChange     int
}

func newEntry(t *Task, handle string, now time.Time) *entry {
	return &entry{
		task:         t,
		handle:       handle,
		enqueuedAt:   now,
		lastStatus:   status.Queued,
		lastChangeAt: now,
	}
}

// observe folds a polled status into the entry. The no-change counter resets
// on every transition and increments otherwise. Returns true when the status
// changed.
func (e *entry) observe(s status.Status, now time.Time) bool {
	if s == e.lastStatus {
		e.noChange++
		return false
	}
	e.lastStatus = s
	e.lastChangeAt = now
	e.noChange = 0
	return true
}

func (e *entry) age(now time.Time) time.Duration         { return now.Sub(e.enqueuedAt) }
func (e *entry) sinceChange(now time.Time) time.Duration { return now.Sub(e.lastChangeAt) }

// tracker owns the bounded in-flight set. It is mutated only by the single
// scheduling goroutine, so no locking is involved.
type tracker struct {
	entries []*entry
}

func (tr *tracker) add(e *entry)  { tr.entries = append(tr.entries, e) }
func (tr *tracker) size() int     { return len(tr.entries) }
func (tr *tracker) empty() bool   { return len(tr.entries) == 0 }
func (tr *tracker) all() []*entry { return tr.entries }

// removeAt drops the entry at index i, preserving order of the rest.
func (tr *tracker) removeAt(i int) {
	tr.entries = append(tr.entries[:i], tr.entries[i+1:]...)
}
