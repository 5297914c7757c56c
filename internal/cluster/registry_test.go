package cluster

import (
	"errors"
	"testing"
	"time"

	"github.com/Kineviz/pdf-km-server/internal/config"
)

func newTestRegistry(t *testing.T, names ...string) *Registry {
	t.Helper()
	cfgs := make([]config.ServerConfig, 0, len(names))
	for _, name := range names {
		cfgs = append(cfgs, config.ServerConfig{
			Name:       name,
			URL:        "http://" + name + ":11434",
			Model:      "gemma3",
			Timeout:    30,
			MaxRetries: 3,
		})
	}
	reg, err := NewRegistry(cfgs, 5)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestNewRegistry_RequiresServers(t *testing.T) {
	if _, err := NewRegistry(nil, 5); !errors.Is(err, ErrNoServers) {
		t.Fatalf("expected ErrNoServers, got %v", err)
	}
}

func TestEntry_DeactivatesAtThreshold(t *testing.T) {
	reg := newTestRegistry(t, "a")
	entry := reg.Entries()[0]

	for i := 0; i < 4; i++ {
		if deactivated := entry.RecordFailure(); deactivated {
			t.Fatalf("deactivated after %d failures, threshold is 5", i+1)
		}
	}
	if !entry.Active() {
		t.Fatal("entry inactive before threshold")
	}

	if deactivated := entry.RecordFailure(); !deactivated {
		t.Fatal("expected fifth failure to deactivate the entry")
	}
	if entry.Active() {
		t.Fatal("entry still active after threshold crossed")
	}
	if got := reg.ActiveCount(); got != 0 {
		t.Fatalf("expected 0 active servers, got %d", got)
	}
}

func TestEntry_SuccessResetsCounterWithoutReactivating(t *testing.T) {
	reg := newTestRegistry(t, "a")
	entry := reg.Entries()[0]

	for i := 0; i < 5; i++ {
		entry.RecordFailure()
	}
	if entry.Active() {
		t.Fatal("expected entry inactive")
	}

	entry.RecordSuccess(120 * time.Millisecond)

	status := entry.Status()
	if status.ConsecutiveErrors != 0 {
		t.Fatalf("expected error counter reset, got %d", status.ConsecutiveErrors)
	}
	if status.Active {
		t.Fatal("a lucky request success must not reactivate a deactivated server")
	}
}

func TestEntry_ResponseTimeAverage(t *testing.T) {
	reg := newTestRegistry(t, "a")
	entry := reg.Entries()[0]

	entry.RecordSuccess(100 * time.Millisecond)
	if got := entry.Status().AvgResponseMs; got != 100 {
		t.Fatalf("first observation should seed the average, got %dms", got)
	}

	entry.RecordSuccess(200 * time.Millisecond)
	// 0.2*200 + 0.8*100 = 120
	if got := entry.Status().AvgResponseMs; got != 120 {
		t.Fatalf("expected smoothed average 120ms, got %dms", got)
	}
}

func TestRegistry_RoundRobinFairness(t *testing.T) {
	reg := newTestRegistry(t, "a", "b", "c")

	counts := map[string]int{}
	for i := 0; i < 10; i++ {
		entry := reg.NextActive(nil)
		if entry == nil {
			t.Fatalf("expected a server on pick %d", i)
		}
		counts[entry.Name]++
	}

	// 10 picks over 3 servers: one gets 4, the rest get 3.
	for name, n := range counts {
		if n < 3 || n > 4 {
			t.Fatalf("unfair distribution: %s got %d picks (counts=%v)", name, n, counts)
		}
	}
	if counts["a"]+counts["b"]+counts["c"] != 10 {
		t.Fatalf("lost picks: %v", counts)
	}
}

func TestRegistry_NextActiveSkipsInactive(t *testing.T) {
	reg := newTestRegistry(t, "a", "b")
	reg.Lookup("a").SetActive(false)

	for i := 0; i < 4; i++ {
		entry := reg.NextActive(nil)
		if entry == nil || entry.Name != "b" {
			t.Fatalf("expected b, got %v", entry)
		}
	}

	reg.Lookup("b").SetActive(false)
	if entry := reg.NextActive(nil); entry != nil {
		t.Fatalf("expected nil with no active servers, got %s", entry.Name)
	}
}

func TestRegistry_NextActiveExclusion(t *testing.T) {
	reg := newTestRegistry(t, "a", "b", "c")
	exclude := map[string]bool{"a": true, "c": true}

	for i := 0; i < 3; i++ {
		entry := reg.NextActive(exclude)
		if entry == nil || entry.Name != "b" {
			t.Fatalf("expected b with a and c excluded, got %v", entry)
		}
	}

	exclude["b"] = true
	if entry := reg.NextActive(exclude); entry != nil {
		t.Fatalf("expected nil with all servers excluded, got %s", entry.Name)
	}
}

func TestRegistry_ListActiveKeepsConfigOrder(t *testing.T) {
	reg := newTestRegistry(t, "a", "b", "c")
	reg.Lookup("b").SetActive(false)

	active := reg.ListActive()
	if len(active) != 2 || active[0].Name != "a" || active[1].Name != "c" {
		names := make([]string, 0, len(active))
		for _, e := range active {
			names = append(names, e.Name)
		}
		t.Fatalf("expected [a c], got %v", names)
	}
}

func TestRegistry_SetActiveResetsCounter(t *testing.T) {
	reg := newTestRegistry(t, "a")
	entry := reg.Entries()[0]

	for i := 0; i < 5; i++ {
		entry.RecordFailure()
	}
	entry.SetActive(true)

	status := entry.Status()
	if !status.Active || status.ConsecutiveErrors != 0 {
		t.Fatalf("expected reactivated entry with clean counter, got %+v", status)
	}
}
