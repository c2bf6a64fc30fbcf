// Package sched drives a batch of workflow tasks against an asynchronous
// remote backend that offers no await primitive. Completion is inferred by
// polling, with retry, timeout, and heuristic-promotion policy applied per
// task. The whole loop runs on the calling goroutine; remote calls are
// blocking and the only suspension point is the sleep between ticks.
package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/comfyq/comfyq/internal/comfy"
	"github.com/comfyq/comfyq/internal/status"
)

// Backend is everything the scheduler needs from the remote execution
// service: one write surface and the two read surfaces consumed by the
// status oracle. *comfy.Client satisfies it.
type Backend interface {
	SubmitPrompt(ctx context.Context, workflow map[string]any) (string, error)
	Queue(ctx context.Context) (*comfy.QueueSnapshot, error)
	History(ctx context.Context, handle string) (comfy.HistoryRecord, error)
}

// Config is the scheduler's numeric policy. Zero fields take the defaults,
// except RetryBudget: zero there is a valid policy (no resubmissions) and is
// used as given.
type Config struct {
	Concurrency    int           // in-flight ceiling
	PollInterval   time.Duration // sleep between ticks
	RetryBudget    int           // resubmissions per task; zero disables retries
	UnknownTimeout time.Duration // sustained unknown promoted to success
	StaleThreshold int           // consecutive no-change polls before re-verify
	StaleElapsed   time.Duration // minimum no-change duration before re-verify
	HardAgeCeiling time.Duration // absolute in-flight age limit
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		Concurrency:    4,
		PollInterval:   750 * time.Millisecond,
		RetryBudget:    2,
		UnknownTimeout: 30 * time.Second,
		StaleThreshold: 3,
		StaleElapsed:   10 * time.Second,
		HardAgeCeiling: 300 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.UnknownTimeout <= 0 {
		c.UnknownTimeout = d.UnknownTimeout
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = d.StaleThreshold
	}
	if c.StaleElapsed <= 0 {
		c.StaleElapsed = d.StaleElapsed
	}
	if c.HardAgeCeiling <= 0 {
		c.HardAgeCeiling = d.HardAgeCeiling
	}
	return c
}

// Scheduler runs tasks to terminal Results under the configured policy. It
// never returns an error from Run: every failure mode becomes a Result.
type Scheduler struct {
	backend Backend
	oracle  *status.Oracle
	cfg     Config
	obs     Observer
}

func New(backend Backend, cfg Config, obs Observer) *Scheduler {
	if obs == nil {
		obs = NopObserver{}
	}
	return &Scheduler{
		backend: backend,
		oracle:  status.NewOracle(backend),
		cfg:     cfg.withDefaults(),
		obs:     obs,
	}
}

// Run blocks until every task reaches a terminal Result and returns them in
// completion order. Cancelling ctx drains all remaining tasks into failed
// Results; no task is ever silently dropped.
func (s *Scheduler) Run(ctx context.Context, tasks []*Task) []Result {
	pending := make([]*Task, len(tasks))
	copy(pending, tasks)
	flight := &tracker{}
	agg := NewAggregator()

	for len(pending) > 0 || !flight.empty() {
		if ctx.Err() != nil {
			s.drain(ctx, pending, flight, agg)
			break
		}
		pending = s.admit(ctx, pending, flight, agg)
		pending = s.tick(ctx, pending, flight, agg)
		s.obs.Heartbeat(len(pending), flight.size(), agg.Len())
		if len(pending) == 0 && flight.empty() {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(s.cfg.PollInterval):
		}
	}
	return agg.Results()
}

// admit pops pending tasks into the in-flight set while below the ceiling.
// A failed submission consumes retry budget; an exhausted task fails
// terminally right away.
func (s *Scheduler) admit(ctx context.Context, pending []*Task, flight *tracker, agg *Aggregator) []*Task {
	for len(pending) > 0 && flight.size() < s.cfg.Concurrency {
		t := pending[0]
		pending = pending[1:]

		handle, err := s.backend.SubmitPrompt(ctx, t.Workflow)
		if err != nil {
			log.Warn().Str("task", t.Name).Err(err).Msg("submission failed")
			if t.retries < t.MaxRetries {
				t.retries++
				pending = append(pending, t)
				continue
			}
			agg.Add(Result{Task: t, Err: &TaskError{Kind: FailSubmission, Attempts: t.Attempts(), Err: err}})
			continue
		}
		now := time.Now()
		flight.add(newEntry(t, handle, now))
		s.obs.Transition(t.Name, handle, "", status.Queued, 0)
	}
	return pending
}

// tick polls every in-flight handle once and applies, in order: terminal
// handling, unknown-timeout promotion, stale re-verification, and the hard
// age ceiling.
func (s *Scheduler) tick(ctx context.Context, pending []*Task, flight *tracker, agg *Aggregator) []*Task {
	i := 0
	for i < len(flight.entries) {
		e := flight.entries[i]
		now := time.Now()

		st, perr := s.oracle.Resolve(ctx, e.handle)
		if perr != nil {
			// A failed probe is not a failed task; observation degrades
			// to unknown and the next tick tries again.
			log.Debug().Str("handle", short(e.handle)).Err(perr).Msg("probe degraded to unknown")
		}
		prev := e.lastStatus
		if e.observe(st, now) {
			s.obs.Transition(e.task.Name, e.handle, prev, st, e.age(now))
		}

		removed := false
		switch {
		case st == status.Done:
			agg.Add(Result{Task: e.task, Handle: e.handle, Record: s.fetchRecord(ctx, e.handle)})
			removed = true

		case st == status.Failed:
			pending = s.retryOrFail(e, pending, agg, FailRemote,
				fmt.Errorf("backend reported failure for %s", e.handle))
			removed = true

		case st == status.Unknown && e.sinceChange(now) > s.cfg.UnknownTimeout:
			// A handle that never surfaces in queue or history is, per
			// policy, a sink-less workflow that finished. This can
			// misreport genuinely stuck work as success.
			log.Info().Str("task", e.task.Name).Str("handle", short(e.handle)).
				Msg("sustained unknown, promoting to done")
			agg.Add(Result{Task: e.task, Handle: e.handle})
			removed = true

		case (st == status.Queued || st == status.Running) &&
			e.noChange > s.cfg.StaleThreshold && e.sinceChange(now) > s.cfg.StaleElapsed:
			if in, err := s.oracle.InQueue(ctx, e.handle); err == nil && !in {
				// The backend does not silently drop running work, so a
				// stale entry gone from the queue has finished.
				log.Info().Str("task", e.task.Name).Str("handle", short(e.handle)).
					Msg("stale entry left the queue, promoting to done")
				agg.Add(Result{Task: e.task, Handle: e.handle, Record: s.fetchRecord(ctx, e.handle)})
				removed = true
			}
		}

		if !removed && e.age(now) > s.cfg.HardAgeCeiling {
			log.Warn().Str("task", e.task.Name).Str("handle", short(e.handle)).
				Dur("age", e.age(now)).Msg("hard age ceiling reached, evicting")
			pending = s.retryOrFail(e, pending, agg, FailTimeout,
				fmt.Errorf("no terminal state within %s", s.cfg.HardAgeCeiling))
			removed = true
		}

		if removed {
			flight.removeAt(i)
		} else {
			i++
		}
	}
	return pending
}

// retryOrFail re-queues the entry's task at the tail of pending if budget
// remains, otherwise records a terminal failure of the given kind.
func (s *Scheduler) retryOrFail(e *entry, pending []*Task, agg *Aggregator, kind FailureKind, cause error) []*Task {
	t := e.task
	if t.retries < t.MaxRetries {
		t.retries++
		log.Info().Str("task", t.Name).Int("attempt", t.Attempts()).Str("kind", string(kind)).
			Msg("re-queueing task")
		return append(pending, t)
	}
	agg.Add(Result{
		Task:   t,
		Handle: e.handle,
		Err:    &TaskError{Kind: kind, Attempts: t.Attempts(), Err: cause},
	})
	return pending
}

// drain converts every remaining task to a canceled failure Result so the
// conservation property holds even on early exit.
func (s *Scheduler) drain(ctx context.Context, pending []*Task, flight *tracker, agg *Aggregator) {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = errors.New("run canceled")
	}
	for _, e := range flight.all() {
		agg.Add(Result{Task: e.task, Handle: e.handle,
			Err: &TaskError{Kind: FailCanceled, Attempts: e.task.Attempts(), Err: cause}})
	}
	flight.entries = nil
	for _, t := range pending {
		agg.Add(Result{Task: t, Err: &TaskError{Kind: FailCanceled, Attempts: t.retries, Err: cause}})
	}
}

// fetchRecord grabs the final history record for a completed handle,
// best-effort.
func (s *Scheduler) fetchRecord(ctx context.Context, handle string) comfy.HistoryRecord {
	rec, err := s.backend.History(ctx, handle)
	if err != nil {
		return nil
	}
	return rec
}
