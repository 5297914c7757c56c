package cluster

import (
	"sync"
	"time"

	"github.com/Kineviz/pdf-km-server/internal/config"
)

// responseTimeAlpha is the exponential-moving-average smoothing factor for
// per-server response time.
const responseTimeAlpha = 0.2

// Entry is one configured inference server plus its live health state.
// Identity and tunables are immutable after construction; the mutable health
// fields are guarded by the entry's own mutex so that mutations on different
// servers never serialize against each other.
type Entry struct {
	Name       string
	URL        string
	Model      string
	Timeout    time.Duration
	MaxRetries int

	maxErrors int

	mu                sync.Mutex
	active            bool
	consecutiveErrors int
	lastChecked       time.Time
	avgResponseTime   time.Duration
}

// EntryStatus is a point-in-time copy of a server's state.
type EntryStatus struct {
	Name              string    `json:"name"`
	URL               string    `json:"url"`
	Model             string    `json:"model"`
	Active            bool      `json:"is_active"`
	ConsecutiveErrors int       `json:"error_count"`
	MaxErrors         int       `json:"max_errors"`
	AvgResponseMs     int64     `json:"response_time_ms"`
	LastChecked       time.Time `json:"last_check"`
}

func newEntry(cfg config.ServerConfig, maxErrors int) *Entry {
	return &Entry{
		Name:       cfg.Name,
		URL:        cfg.URL,
		Model:      cfg.Model,
		Timeout:    cfg.RequestTimeout(),
		MaxRetries: cfg.MaxRetries,
		maxErrors:  maxErrors,
		active:     true,
	}
}

// Active reports whether the server is currently believed healthy.
func (e *Entry) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// RecordSuccess resets the consecutive error counter and folds the observed
// latency into the response-time average. It never reactivates a deactivated
// server; only a clean health probe does that.
func (e *Entry) RecordSuccess(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveErrors = 0
	e.observeLatency(latency)
}

// RecordFailure increments the consecutive error counter and, atomically with
// the increment, deactivates the server once the threshold is crossed. It
// reports whether this call deactivated the server.
func (e *Entry) RecordFailure() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveErrors++
	if e.active && e.consecutiveErrors >= e.maxErrors {
		e.active = false
		return true
	}
	return false
}

// SetActive forces the activation state. Activation also resets the error
// counter so a reactivated server starts with a clean slate.
func (e *Entry) SetActive(active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = active
	if active {
		e.consecutiveErrors = 0
	}
}

// markProbed records the outcome of a health probe. A clean probe activates
// the entry and resets its error counter; a failed probe goes through the
// same threshold rule as request failures.
func (e *Entry) markProbed(ok bool, latency time.Duration) (reactivated, deactivated bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastChecked = time.Now()
	if ok {
		reactivated = !e.active
		e.active = true
		e.consecutiveErrors = 0
		e.observeLatency(latency)
		return reactivated, false
	}
	e.consecutiveErrors++
	if e.active && e.consecutiveErrors >= e.maxErrors {
		e.active = false
		deactivated = true
	}
	return false, deactivated
}

// observeLatency must be called with e.mu held.
func (e *Entry) observeLatency(latency time.Duration) {
	if latency <= 0 {
		return
	}
	if e.avgResponseTime == 0 {
		e.avgResponseTime = latency
		return
	}
	e.avgResponseTime = time.Duration(
		responseTimeAlpha*float64(latency) + (1-responseTimeAlpha)*float64(e.avgResponseTime),
	)
}

// Status returns a consistent copy of the entry's state.
func (e *Entry) Status() EntryStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EntryStatus{
		Name:              e.Name,
		URL:               e.URL,
		Model:             e.Model,
		Active:            e.active,
		ConsecutiveErrors: e.consecutiveErrors,
		MaxErrors:         e.maxErrors,
		AvgResponseMs:     e.avgResponseTime.Milliseconds(),
		LastChecked:       e.lastChecked,
	}
}
