package sched

import (
	"errors"
	"testing"
	"time"

	"github.com/comfyq/comfyq/internal/status"
)

func TestEntryObserve(t *testing.T) {
	now := time.Now()
	e := newEntry(NewTask("t", nil, 0), "h1", now)
	if e.lastStatus != status.Queued {
		t.Fatalf("fresh entry must start queued")
	}

	later := now.Add(time.Second)
	if !e.observe(status.Running, later) {
		t.Fatalf("transition must report a change")
	}
	if e.noChange != 0 || !e.lastChangeAt.Equal(later) {
		t.Fatalf("transition must reset the no-change state")
	}

	if e.observe(status.Running, later.Add(time.Second)) {
		t.Fatalf("same status must not report a change")
	}
	if e.noChange != 1 {
		t.Fatalf("expected no-change counter 1, got %d", e.noChange)
	}
	if got := e.sinceChange(later.Add(3 * time.Second)); got != 3*time.Second {
		t.Fatalf("sinceChange expected 3s, got %s", got)
	}
	if got := e.age(now.Add(5 * time.Second)); got != 5*time.Second {
		t.Fatalf("age expected 5s, got %s", got)
	}
}

func TestTrackerRemoveAt(t *testing.T) {
	tr := &tracker{}
	now := time.Now()
	for _, h := range []string{"a", "b", "c"} {
		tr.add(newEntry(NewTask(h, nil, 0), h, now))
	}
	tr.removeAt(1)
	if tr.size() != 2 {
		t.Fatalf("expected 2 entries, got %d", tr.size())
	}
	if tr.entries[0].handle != "a" || tr.entries[1].handle != "c" {
		t.Fatalf("removeAt must preserve order of the rest")
	}
}

func TestAggregatorSummary(t *testing.T) {
	agg := NewAggregator()
	agg.Add(Result{Task: NewTask("ok", nil, 0), Handle: "h1"})
	agg.Add(Result{Task: NewTask("bad", nil, 0), Err: &TaskError{Kind: FailRemote, Attempts: 1, Err: errors.New("x")}})
	sum := agg.Summary()
	if sum.Total != 2 || sum.Succeeded != 1 || sum.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestTaskErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	te := &TaskError{Kind: FailTimeout, Attempts: 2, Err: cause}
	if !errors.Is(te, cause) {
		t.Fatalf("TaskError must unwrap to its cause")
	}
	if te.Error() == "" {
		t.Fatalf("empty error string")
	}
}
