package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"github.com/Kineviz/pdf-km-server/internal/cluster"
	"github.com/Kineviz/pdf-km-server/internal/metrics"
)

// ErrNoActiveServers reports that a job could not proceed because every
// configured server was inactive. It is surfaced once per job, not per chunk.
var ErrNoActiveServers = errors.New("dispatch: no active servers available")

// hardAttemptCap bounds per-chunk attempts regardless of how many servers
// and retries are configured.
const hardAttemptCap = 10

// Extractor executes one chunk against one server.
type Extractor interface {
	Extract(ctx context.Context, server *cluster.Entry, model string, chunk string) (string, error)
}

// Result is the terminal outcome of a single chunk. Err is nil on success;
// a permanently failed chunk carries its last error so downstream can tell a
// failure apart from a successful-but-empty extraction.
type Result struct {
	Index    int           `json:"chunk_index"`
	Content  string        `json:"content,omitempty"`
	Server   string        `json:"server,omitempty"`
	Attempts int           `json:"attempts"`
	Latency  time.Duration `json:"-"`
	Err      error         `json:"-"`
}

// Failed reports whether the chunk permanently failed.
func (r Result) Failed() bool { return r.Err != nil }

// Dispatcher fans a job's chunks out over a shared bounded worker pool,
// selecting a target server per attempt by round robin over the live active
// set, with failover to a different server on error.
type Dispatcher struct {
	registry  *cluster.Registry
	pool      *ants.Pool
	extractor Extractor
}

// New creates a dispatcher. The pool is shared across jobs; its size is the
// global concurrency budget, independent of the server count.
func New(registry *cluster.Registry, pool *ants.Pool, extractor Extractor) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		pool:      pool,
		extractor: extractor,
	}
}

// Dispatch processes all chunks and blocks until every one has resolved or
// the job is aborted. The returned slice is ordered by chunk index and always
// has exactly len(chunks) entries; onResolved, when non-nil, fires exactly
// once per chunk in completion order. The returned error is ErrNoActiveServers
// when the job was aborted for lack of capacity, or the context error when the
// caller cancelled; per-chunk failures alone produce no top-level error.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string, model string, chunks []string, onResolved func(Result)) ([]Result, error) {
	results := make([]Result, len(chunks))
	onces := make([]sync.Once, len(chunks))

	resolve := func(res Result) {
		onces[res.Index].Do(func() {
			results[res.Index] = res
			outcome := "success"
			if res.Failed() {
				outcome = "failed"
			}
			metrics.ChunksResolvedTotal.WithLabelValues(outcome).Inc()
			if onResolved != nil {
				onResolved(res)
			}
		})
	}

	// Abort shared by all of this job's chunks: the first worker to find the
	// active set empty cancels its siblings so the condition is reported once.
	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	var abortOnce sync.Once
	var abortErr error
	abort := func() {
		abortOnce.Do(func() {
			abortErr = ErrNoActiveServers
			cancelJob()
		})
	}

	if d.registry.ActiveCount() == 0 {
		logrus.WithField("job_id", jobID).Error("no active servers, failing job before dispatch")
		for i := range chunks {
			resolve(Result{Index: i, Err: ErrNoActiveServers})
		}
		return results, ErrNoActiveServers
	}

	var wg sync.WaitGroup
	for i, chunk := range chunks {
		i, chunk := i, chunk
		wg.Add(1)
		err := d.pool.Submit(func() {
			defer wg.Done()
			resolve(d.runChunk(jobCtx, jobID, model, i, chunk, abort))
		})
		if err != nil {
			wg.Done()
			resolve(Result{Index: i, Err: fmt.Errorf("submit chunk %d: %w", i, err)})
		}
	}
	wg.Wait()

	if abortErr != nil {
		return results, abortErr
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// runChunk drives one chunk to a terminal outcome: round-robin server
// selection, bounded retries, failover to servers not yet tried.
func (d *Dispatcher) runChunk(ctx context.Context, jobID string, model string, idx int, chunk string, abort func()) Result {
	tried := make(map[string]bool)
	attempts := 0
	attemptCap := 0
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return Result{Index: idx, Attempts: attempts, Err: fmt.Errorf("chunk %d cancelled: %w", idx, err)}
		}

		// Prefer a server this chunk has not failed on; if every active
		// server has been tried, fall back to the full active set.
		server := d.registry.NextActive(tried)
		if server == nil {
			server = d.registry.NextActive(nil)
		}
		if server == nil {
			abort()
			return Result{Index: idx, Attempts: attempts, Err: ErrNoActiveServers}
		}

		if attemptCap == 0 {
			attemptCap = d.attemptCap(server)
		}

		attempts++
		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, server.Timeout)
		content, err := d.extractor.Extract(callCtx, server, model, chunk)
		cancel()
		latency := time.Since(start)

		if err == nil {
			server.RecordSuccess(latency)
			metrics.ChunkAttemptsTotal.WithLabelValues(server.Name, "ok").Inc()
			metrics.ChunkDurationSeconds.WithLabelValues(server.Name).Observe(latency.Seconds())
			return Result{
				Index:    idx,
				Content:  content,
				Server:   server.Name,
				Attempts: attempts,
				Latency:  latency,
			}
		}

		if ctx.Err() != nil {
			// The job was cancelled while the request was in flight. The
			// abandoned call is the caller's doing, not the server's, so it
			// must not count against the server's health. A per-call timeout
			// leaves ctx intact and still falls through to the failure path.
			return Result{Index: idx, Attempts: attempts, Err: fmt.Errorf("chunk %d cancelled: %w", idx, ctx.Err())}
		}

		lastErr = err
		tried[server.Name] = true
		metrics.ChunkAttemptsTotal.WithLabelValues(server.Name, "error").Inc()
		if deactivated := server.RecordFailure(); deactivated {
			metrics.ServersActive.Set(float64(d.registry.ActiveCount()))
			logrus.WithFields(logrus.Fields{
				"server": server.Name,
				"job_id": jobID,
			}).Warn("server deactivated after consecutive request failures")
		}

		logrus.WithFields(logrus.Fields{
			"job_id":  jobID,
			"chunk":   idx,
			"server":  server.Name,
			"attempt": attempts,
			"error":   err,
		}).Debug("chunk attempt failed")

		if attempts >= attemptCap {
			return Result{
				Index:    idx,
				Server:   server.Name,
				Attempts: attempts,
				Err:      fmt.Errorf("chunk %d exhausted %d attempts: %w", idx, attempts, lastErr),
			}
		}
	}
}

// attemptCap fixes the total attempt budget for one chunk when its first
// attempt starts: active servers at that moment times the per-server retry
// limit, never more than hardAttemptCap. Later membership changes do not
// grow the budget.
func (d *Dispatcher) attemptCap(first *cluster.Entry) int {
	budget := d.registry.ActiveCount() * first.MaxRetries
	if budget < 1 {
		budget = 1
	}
	if budget > hardAttemptCap {
		budget = hardAttemptCap
	}
	return budget
}
