package job

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Kineviz/pdf-km-server/internal/dispatch"
	"github.com/Kineviz/pdf-km-server/internal/metrics"
)

// ErrQueueFull is returned when the pending backlog is at capacity.
var ErrQueueFull = errors.New("job: queue full")

// pendingCapacity bounds the submission backlog.
const pendingCapacity = 256

// ChunkDispatcher is the dispatch operation the queue drives for each
// admitted job.
type ChunkDispatcher interface {
	Dispatch(ctx context.Context, jobID string, model string, chunks []string, onResolved func(dispatch.Result)) ([]dispatch.Result, error)
}

// Queue serializes job admission: at most maxConcurrent jobs run at once and
// excess jobs wait in arrival order. Admitted jobs share the dispatcher's
// worker pool, so their chunks interleave.
type Queue struct {
	tracker    *Tracker
	dispatcher ChunkDispatcher

	pending chan string
	sem     chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewQueue creates an admission queue over the given tracker and dispatcher.
func NewQueue(tracker *Tracker, dispatcher ChunkDispatcher, maxConcurrent int) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue{
		tracker:    tracker,
		dispatcher: dispatcher,
		pending:    make(chan string, pendingCapacity),
		sem:        make(chan struct{}, maxConcurrent),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the admission loop. Jobs are admitted strictly in arrival
// order: a capacity slot is acquired for the head of the queue before the
// next job is even considered.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			case id := <-q.pending:
				select {
				case q.sem <- struct{}{}:
				case <-ctx.Done():
					return
				case <-q.stopCh:
					return
				}
				q.wg.Add(1)
				go q.process(ctx, id)
			}
		}
	}()
}

// Stop halts admission of new jobs and waits for running jobs to finish.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

// Submit registers a job for the given pre-chunked document and enqueues it
// for admission. It returns the job ID immediately; progress is observed via
// the tracker.
func (q *Queue) Submit(chunks []string, model string) (string, error) {
	id := q.tracker.Create(chunks, model)

	select {
	case q.pending <- id:
	default:
		q.tracker.Finish(id, nil, ErrQueueFull)
		return "", ErrQueueFull
	}

	metrics.JobsSubmittedTotal.Inc()
	metrics.JobsQueued.Set(float64(len(q.pending)))
	return id, nil
}

func (q *Queue) process(ctx context.Context, id string) {
	defer q.wg.Done()
	defer func() { <-q.sem }()

	metrics.JobsQueued.Set(float64(len(q.pending)))
	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !q.tracker.MarkProcessing(id, cancel) {
		// Cancelled while still queued, or unknown.
		q.tracker.Finish(id, nil, nil)
		return
	}

	chunks, model, err := q.tracker.Payload(id)
	if err != nil {
		logrus.WithFields(logrus.Fields{"job_id": id, "error": err}).Error("job payload lookup failed")
		return
	}

	results, dispatchErr := q.dispatcher.Dispatch(jobCtx, id, model, chunks, func(res dispatch.Result) {
		q.tracker.OnChunkResolved(id, res)
	})
	q.tracker.Finish(id, results, dispatchErr)
}
