package status

import (
	"context"
	"fmt"

	"github.com/comfyq/comfyq/internal/comfy"
)

// Backend is the read side of the remote execution service.
type Backend interface {
	Queue(ctx context.Context) (*comfy.QueueSnapshot, error)
	History(ctx context.Context, handle string) (comfy.HistoryRecord, error)
}

// ProbeError reports that a read call itself failed. It is never attributed
// to the task being polled; the observation simply degrades to Unknown and
// is re-attempted on the next tick.
type ProbeError struct {
	Surface string // "queue" or "history"
	Err     error
}

func (e *ProbeError) Error() string { return fmt.Sprintf("probe %s: %v", e.Surface, e.Err) }
func (e *ProbeError) Unwrap() error { return e.Err }

// Oracle resolves a handle's normalized status against a Backend.
type Oracle struct {
	backend Backend
}

func NewOracle(backend Backend) *Oracle { return &Oracle{backend: backend} }

// Resolve fetches both read surfaces and normalizes them. On a probe error
// it returns Unknown together with a *ProbeError so the caller can log it.
func (o *Oracle) Resolve(ctx context.Context, handle string) (Status, error) {
	q, err := o.backend.Queue(ctx)
	if err != nil {
		return Unknown, &ProbeError{Surface: "queue", Err: err}
	}
	if entriesContain(q.Running, handle) {
		return Running, nil
	}
	if entriesContain(q.Pending, handle) {
		return Queued, nil
	}
	rec, err := o.backend.History(ctx, handle)
	if err != nil {
		return Unknown, &ProbeError{Surface: "history", Err: err}
	}
	return FromSnapshots(handle, q, rec), nil
}

// InQueue re-checks live-queue membership only. The scheduler uses it to
// confirm that a nominally active handle really left the queue before
// promoting it.
func (o *Oracle) InQueue(ctx context.Context, handle string) (bool, error) {
	q, err := o.backend.Queue(ctx)
	if err != nil {
		return false, &ProbeError{Surface: "queue", Err: err}
	}
	return entriesContain(q.Running, handle) || entriesContain(q.Pending, handle), nil
}
