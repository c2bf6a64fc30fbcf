package telemetry

import (
	"sync"
	"testing"
	"time"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector(true)
	c.Counter("tasks_done", 1, map[string]string{"kind": "ok"})
	c.Gauge("inflight", 4, nil)
	c.Timer("poll", 250*time.Millisecond, nil)

	snap := c.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 metrics, got %d", len(snap))
	}
	if snap[0].Type != Counter || snap[0].Name != "tasks_done" {
		t.Errorf("unexpected first metric: %+v", snap[0])
	}
	if snap[2].Type != Timer || snap[2].Value != 250 || snap[2].Unit != "ms" {
		t.Errorf("timer must record milliseconds: %+v", snap[2])
	}
}

func TestDisabledCollectorDrops(t *testing.T) {
	c := NewCollector(false)
	c.Counter("x", 1, nil)
	if len(c.Snapshot()) != 0 {
		t.Fatalf("disabled collector must drop metrics")
	}
}

func TestFlushDrains(t *testing.T) {
	c := NewCollector(true)
	c.Counter("x", 1, nil)
	c.Flush()
	if len(c.Snapshot()) != 0 {
		t.Fatalf("flush must empty the buffer")
	}
}

func TestGlobalCollector(t *testing.T) {
	InitGlobal(true)
	CounterGlobal("g", 1, nil)
	GaugeGlobal("g2", 2, nil)
	if len(GetGlobal().Snapshot()) != 2 {
		t.Fatalf("global metrics not recorded")
	}
	InitGlobal(false)
	CounterGlobal("g", 1, nil)
	if len(GetGlobal().Snapshot()) != 0 {
		t.Fatalf("re-init must replace the collector")
	}
}

func TestCollectorConcurrentUse(t *testing.T) {
	c := NewCollector(true)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Counter("n", 1, nil)
			}
		}()
	}
	wg.Wait()
	if got := len(c.Snapshot()); got != 800 {
		t.Fatalf("expected 800 metrics, got %d", got)
	}
}
