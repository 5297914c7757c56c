package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Kineviz/pdf-km-server/internal/dispatch"
	"github.com/Kineviz/pdf-km-server/internal/metrics"
)

var (
	ErrJobNotFound    = errors.New("job: not found")
	ErrJobNotFinished = errors.New("job: not finished")
)

// Tracker owns all job state. Every read goes through the tracker's lock so
// a status snapshot can never observe a torn update, and terminal states are
// frozen: callbacks arriving after a job finished are dropped.
type Tracker struct {
	mu   sync.Mutex
	jobs map[string]*jobState

	// failureTolerance is the fraction of a job's chunks allowed to fail
	// permanently while the job still completes.
	failureTolerance float64

	mirror Mirror
}

// NewTracker creates a tracker. mirror may be nil.
func NewTracker(failureTolerance float64, mirror Mirror) *Tracker {
	return &Tracker{
		jobs:             make(map[string]*jobState),
		failureTolerance: failureTolerance,
		mirror:           mirror,
	}
}

// Create registers a new queued job and returns its ID.
func (t *Tracker) Create(chunks []string, model string) string {
	id := uuid.New().String()

	t.mu.Lock()
	t.jobs[id] = &jobState{
		id:        id,
		model:     model,
		chunks:    chunks,
		status:    StatusQueued,
		message:   "Job queued",
		createdAt: time.Now(),
	}
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"job_id": id,
		"chunks": len(chunks),
		"model":  model,
	}).Info("job created")

	return id
}

// MarkProcessing transitions a job to processing and attaches its cancel
// function. It reports false when the job was cancelled while still queued,
// in which case the caller should finish it without dispatching.
func (t *Tracker) MarkProcessing(id string, cancel context.CancelFunc) bool {
	t.mu.Lock()
	j, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if j.cancelled {
		t.mu.Unlock()
		return false
	}
	j.status = StatusProcessing
	j.startedAt = time.Now()
	j.message = "Extracting observations"
	j.cancel = cancel
	snap := j.snapshot()
	t.mu.Unlock()

	t.publish(snap)
	return true
}

// Payload returns the chunks and model for a job.
func (t *Tracker) Payload(id string) ([]string, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return nil, "", ErrJobNotFound
	}
	return j.chunks, j.model, nil
}

// OnChunkResolved folds one chunk outcome into the job's counters. The
// dispatcher guarantees at most one resolution per chunk; a resolution
// arriving after the job reached a terminal state is ignored so the frozen
// final snapshot never changes.
func (t *Tracker) OnChunkResolved(id string, res dispatch.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	if !ok || j.status.Terminal() {
		return
	}
	if j.completed+j.failed >= len(j.chunks) {
		return
	}

	if res.Failed() {
		j.failed++
	} else {
		j.completed++
	}
	j.message = fmt.Sprintf("Processed %d/%d chunks", j.completed+j.failed, len(j.chunks))
}

// Finish moves a job into its terminal state based on the dispatch outcome
// and the configured failure tolerance.
func (t *Tracker) Finish(id string, results []dispatch.Result, dispatchErr error) {
	t.mu.Lock()
	j, ok := t.jobs[id]
	if !ok || j.status.Terminal() {
		t.mu.Unlock()
		return
	}

	j.results = results
	j.completedAt = time.Now()
	if j.startedAt.IsZero() {
		j.startedAt = j.completedAt
	}

	switch {
	case j.cancelled:
		j.status = StatusFailed
		j.errDetail = "cancelled by caller"
		j.message = "Job cancelled"
	case errors.Is(dispatchErr, dispatch.ErrNoActiveServers):
		j.status = StatusFailed
		j.errDetail = dispatch.ErrNoActiveServers.Error()
		j.message = "Processing failed: no active servers"
	case dispatchErr != nil:
		j.status = StatusFailed
		j.errDetail = dispatchErr.Error()
		j.message = "Processing failed"
	case float64(j.failed) <= t.failureTolerance*float64(len(j.chunks)):
		j.status = StatusCompleted
		if j.failed > 0 {
			j.message = fmt.Sprintf("Completed with %d/%d chunks failed", j.failed, len(j.chunks))
		} else {
			j.message = "Processing completed successfully"
		}
	default:
		j.status = StatusFailed
		j.errDetail = fmt.Sprintf("%d of %d chunks permanently failed", j.failed, len(j.chunks))
		j.message = "Processing failed: too many chunk failures"
	}

	snap := j.snapshot()
	t.mu.Unlock()

	metrics.JobsFinishedTotal.WithLabelValues(string(snap.Status)).Inc()
	logrus.WithFields(logrus.Fields{
		"job_id":    snap.ID,
		"status":    snap.Status,
		"completed": snap.CompletedChunks,
		"failed":    snap.FailedChunks,
		"total":     snap.TotalChunks,
	}).Info("job finished")

	t.publish(snap)
}

// Status returns a consistent snapshot of a job. Terminal jobs return their
// frozen final snapshot indefinitely.
func (t *Tracker) Status(id string) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return Snapshot{}, ErrJobNotFound
	}
	return j.snapshot(), nil
}

// Results returns the index-ordered chunk results of a terminal job.
func (t *Tracker) Results(id string) ([]dispatch.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !j.status.Terminal() {
		return nil, ErrJobNotFinished
	}
	out := make([]dispatch.Result, len(j.results))
	copy(out, j.results)
	return out, nil
}

// Cancel requests a best-effort stop of a job. Queued jobs are finished
// immediately; processing jobs stop issuing new dispatches via their
// context, and in-flight requests drain.
func (t *Tracker) Cancel(id string) error {
	t.mu.Lock()
	j, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return ErrJobNotFound
	}
	if j.status.Terminal() {
		t.mu.Unlock()
		return nil
	}
	j.cancelled = true
	if j.status == StatusQueued {
		// Still waiting for admission; let pollers see the cancellation
		// before the queue pops the job and finishes it.
		j.message = "Cancellation requested"
	}
	cancel := j.cancel
	t.mu.Unlock()

	logrus.WithField("job_id", id).Info("job cancellation requested")
	if cancel != nil {
		cancel()
	}
	return nil
}

// Cancelled reports whether cancellation was requested for a job.
func (t *Tracker) Cancelled(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	return ok && j.cancelled
}

// List returns snapshots of all known jobs, oldest first.
func (t *Tracker) List() []Snapshot {
	t.mu.Lock()
	snaps := make([]Snapshot, 0, len(t.jobs))
	for _, j := range t.jobs {
		snaps = append(snaps, j.snapshot())
	}
	t.mu.Unlock()

	sort.Slice(snaps, func(i, k int) bool { return snaps[i].CreatedAt.Before(snaps[k].CreatedAt) })
	return snaps
}

// Remove discards a job. Only terminal jobs can be removed.
func (t *Tracker) Remove(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !j.status.Terminal() {
		return ErrJobNotFinished
	}
	delete(t.jobs, id)
	return nil
}

func (t *Tracker) publish(snap Snapshot) {
	if t.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.mirror.Publish(ctx, snap); err != nil {
		logrus.WithFields(logrus.Fields{"job_id": snap.ID, "error": err}).Warn("job mirror publish failed")
	}
}
