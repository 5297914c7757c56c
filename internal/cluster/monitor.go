package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Kineviz/pdf-km-server/internal/metrics"
)

// Prober performs the two health probes against a server endpoint: a
// low-level reachability check and a protocol-level capability check
// (listing available models). Both must succeed for a server to be
// considered healthy.
type Prober interface {
	CheckReachable(ctx context.Context, rawURL string) error
	CheckModels(ctx context.Context, rawURL string) error
}

// Monitor periodically probes every registered server and updates its health
// state. Probes run concurrently across servers with an individual timeout so
// one hung endpoint never delays evaluation of the others. Reactivating a
// deactivated server is exclusively the monitor's job.
type Monitor struct {
	registry     *Registry
	prober       Prober
	interval     time.Duration
	probeTimeout time.Duration

	doneCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a health monitor for the given registry.
func NewMonitor(registry *Registry, prober Prober, interval, probeTimeout time.Duration) *Monitor {
	return &Monitor{
		registry:     registry,
		prober:       prober,
		interval:     interval,
		probeTimeout: probeTimeout,
		doneCh:       make(chan struct{}),
	}
}

// Start runs an immediate sweep of all servers, then probes on the
// configured interval until Stop is called or the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.CheckAll(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.CheckAll(ctx)
			case <-ctx.Done():
				return
			case <-m.doneCh:
				return
			}
		}
	}()
}

// Stop terminates the background sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.doneCh) })
	m.wg.Wait()
}

// CheckAll probes every registered server, active or not, concurrently.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.checkEntries(ctx, m.registry.Entries())
}

// CheckInactive probes only currently inactive servers and reports how many
// came back online. This backs the manual reconnect endpoint.
func (m *Monitor) CheckInactive(ctx context.Context) int {
	inactive := make([]*Entry, 0)
	for _, e := range m.registry.Entries() {
		if !e.Active() {
			inactive = append(inactive, e)
		}
	}
	if len(inactive) == 0 {
		return 0
	}
	return m.checkEntries(ctx, inactive)
}

func (m *Monitor) checkEntries(ctx context.Context, entries []*Entry) int {
	var wg sync.WaitGroup
	reactivations := make([]bool, len(entries))

	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry *Entry) {
			defer wg.Done()
			reactivations[i] = m.probe(ctx, entry)
		}(i, entry)
	}
	wg.Wait()

	reactivated := 0
	for _, r := range reactivations {
		if r {
			reactivated++
		}
	}

	active := m.registry.ActiveCount()
	metrics.ServersActive.Set(float64(active))
	logrus.WithFields(logrus.Fields{
		"active": active,
		"total":  len(m.registry.Entries()),
	}).Debug("health sweep complete")

	return reactivated
}

// probe evaluates a single server and reports whether this probe brought a
// previously inactive server back online.
func (m *Monitor) probe(ctx context.Context, entry *Entry) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	if err := m.prober.CheckReachable(probeCtx, entry.URL); err != nil {
		m.recordProbeFailure(entry, "unreachable", err)
		return false
	}

	start := time.Now()
	if err := m.prober.CheckModels(probeCtx, entry.URL); err != nil {
		m.recordProbeFailure(entry, "capability", err)
		return false
	}
	latency := time.Since(start)

	reactivated, _ := entry.markProbed(true, latency)
	metrics.ProbeTotal.WithLabelValues(entry.Name, "ok").Inc()
	if reactivated {
		logrus.WithFields(logrus.Fields{
			"server":      entry.Name,
			"response_ms": latency.Milliseconds(),
		}).Info("server is back online")
	}
	return reactivated
}

func (m *Monitor) recordProbeFailure(entry *Entry, kind string, err error) {
	_, deactivated := entry.markProbed(false, 0)
	metrics.ProbeTotal.WithLabelValues(entry.Name, kind).Inc()

	fields := logrus.Fields{"server": entry.Name, "kind": kind, "error": err}
	if deactivated {
		logrus.WithFields(fields).Warn("server deactivated after failed probes")
	} else {
		logrus.WithFields(fields).Debug("health probe failed")
	}
}
