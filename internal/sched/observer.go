package sched

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/comfyq/comfyq/internal/status"
	"github.com/comfyq/comfyq/internal/telemetry"
)

// Observer receives scheduling events. Implementations must not influence
// decisions; the scheduler behaves identically under NopObserver.
type Observer interface {
	// Transition fires on every observed status change for an in-flight
	// handle. from is empty on first submission.
	Transition(task, handle string, from, to status.Status, age time.Duration)
	// Heartbeat fires once per tick with the current queue counts.
	Heartbeat(pending, inflight, done int)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) Transition(string, string, status.Status, status.Status, time.Duration) {}
func (NopObserver) Heartbeat(int, int, int)                                               {}

// LogObserver reports events through zerolog and the telemetry collector.
type LogObserver struct {
	Logger zerolog.Logger
}

func (o LogObserver) Transition(task, handle string, from, to status.Status, age time.Duration) {
	o.Logger.Info().
		Str("task", task).
		Str("handle", short(handle)).
		Str("from", string(from)).
		Str("to", string(to)).
		Dur("age", age).
		Msg("task transition")
	telemetry.CounterGlobal("comfyq_task_transitions", 1, map[string]string{
		"to": string(to),
	})
}

func (o LogObserver) Heartbeat(pending, inflight, done int) {
	o.Logger.Debug().
		Int("pending", pending).
		Int("inflight", inflight).
		Int("done", done).
		Msg("heartbeat")
	telemetry.GaugeGlobal("comfyq_inflight", float64(inflight), nil)
	telemetry.GaugeGlobal("comfyq_pending", float64(pending), nil)
}

func short(handle string) string {
	if len(handle) > 8 {
		return handle[:8]
	}
	return handle
}
