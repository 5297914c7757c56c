package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeProber keys probe outcomes by server URL and records which URLs were
// probed.
type fakeProber struct {
	mu        sync.Mutex
	reachErr  map[string]error
	modelsErr map[string]error
	probed    map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		reachErr:  make(map[string]error),
		modelsErr: make(map[string]error),
		probed:    make(map[string]int),
	}
}

func (p *fakeProber) CheckReachable(_ context.Context, rawURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed[rawURL]++
	return p.reachErr[rawURL]
}

func (p *fakeProber) CheckModels(_ context.Context, rawURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modelsErr[rawURL]
}

func (p *fakeProber) fail(rawURL string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modelsErr[rawURL] = err
}

func (p *fakeProber) probeCount(rawURL string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probed[rawURL]
}

func newTestMonitor(reg *Registry, prober Prober) *Monitor {
	return NewMonitor(reg, prober, time.Hour, time.Second)
}

func TestMonitor_ReactivatesInactiveServer(t *testing.T) {
	reg := newTestRegistry(t, "a")
	entry := reg.Entries()[0]
	for i := 0; i < 5; i++ {
		entry.RecordFailure()
	}
	if entry.Active() {
		t.Fatal("setup: entry should be inactive")
	}

	m := newTestMonitor(reg, newFakeProber())
	m.CheckAll(context.Background())

	status := entry.Status()
	if !status.Active {
		t.Fatal("clean probe should reactivate the server")
	}
	if status.ConsecutiveErrors != 0 {
		t.Fatalf("expected error counter reset, got %d", status.ConsecutiveErrors)
	}
	if status.LastChecked.IsZero() {
		t.Fatal("probe should record the check time")
	}
}

func TestMonitor_DeactivatesAfterRepeatedProbeFailures(t *testing.T) {
	reg := newTestRegistry(t, "a")
	entry := reg.Entries()[0]

	prober := newFakeProber()
	prober.fail(entry.URL, errors.New("model list unavailable"))
	m := newTestMonitor(reg, prober)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		m.CheckAll(ctx)
		if !entry.Active() {
			t.Fatalf("deactivated after %d failed probes, threshold is 5", i+1)
		}
	}
	m.CheckAll(ctx)
	if entry.Active() {
		t.Fatal("expected deactivation after 5 failed probes")
	}
}

func TestMonitor_ProbeFailuresShareRequestFailurePath(t *testing.T) {
	reg := newTestRegistry(t, "a")
	entry := reg.Entries()[0]

	// Three request failures plus two probe failures cross the threshold.
	entry.RecordFailure()
	entry.RecordFailure()
	entry.RecordFailure()

	prober := newFakeProber()
	prober.fail(entry.URL, errors.New("boom"))
	m := newTestMonitor(reg, prober)

	m.CheckAll(context.Background())
	if !entry.Active() {
		t.Fatal("deactivated one probe early")
	}
	m.CheckAll(context.Background())
	if entry.Active() {
		t.Fatal("mixed request and probe failures should deactivate at the shared threshold")
	}
}

func TestMonitor_CheckInactiveOnlyProbesInactive(t *testing.T) {
	reg := newTestRegistry(t, "a", "b")
	reg.Lookup("b").SetActive(false)

	prober := newFakeProber()
	m := newTestMonitor(reg, prober)

	reactivated := m.CheckInactive(context.Background())
	if reactivated != 1 {
		t.Fatalf("expected 1 reactivation, got %d", reactivated)
	}
	if !reg.Lookup("b").Active() {
		t.Fatal("b should be back online")
	}
	if n := prober.probeCount(reg.Lookup("a").URL); n != 0 {
		t.Fatalf("active server a was probed %d times by CheckInactive", n)
	}
}

func TestMonitor_StartRunsImmediateSweep(t *testing.T) {
	reg := newTestRegistry(t, "a")
	prober := newFakeProber()

	m := NewMonitor(reg, prober, time.Hour, time.Second)
	m.Start(context.Background())
	defer m.Stop()

	deadline := time.After(2 * time.Second)
	for prober.probeCount(reg.Entries()[0].URL) == 0 {
		select {
		case <-deadline:
			t.Fatal("monitor did not sweep on start")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMonitor_StopTerminatesLoop(t *testing.T) {
	reg := newTestRegistry(t, "a")
	m := NewMonitor(reg, newFakeProber(), 10*time.Millisecond, time.Second)
	m.Start(context.Background())

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
