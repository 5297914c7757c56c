package job

import (
	"context"
	"time"

	"github.com/Kineviz/pdf-km-server/internal/dispatch"
)

// Status is a job lifecycle state. Transitions are monotonic:
// queued -> processing -> completed | failed.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Snapshot is a consistent point-in-time view of one job, safe to hand to
// callers while chunk callbacks keep mutating the underlying state.
type Snapshot struct {
	ID                   string    `json:"id"`
	Status               Status    `json:"status"`
	Model                string    `json:"model"`
	TotalChunks          int       `json:"chunks_count"`
	CompletedChunks      int       `json:"chunks_processed"`
	FailedChunks         int       `json:"chunks_failed"`
	Message              string    `json:"message"`
	Error                string    `json:"error,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	StartedAt            time.Time `json:"started_at,omitempty"`
	CompletedAt          time.Time `json:"completed_at,omitempty"`
	ProcessingSeconds    float64   `json:"processing_time,omitempty"`
	EstimatedRemainingMs int64     `json:"estimated_remaining_ms,omitempty"`
}

// Mirror receives job snapshots for out-of-process visibility. Publishing is
// best effort and never blocks job progress on failure.
type Mirror interface {
	Publish(ctx context.Context, snap Snapshot) error
}

// jobState is the tracker-owned record of one job.
type jobState struct {
	id     string
	model  string
	chunks []string

	status    Status
	completed int
	failed    int
	message   string
	errDetail string

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	cancelled bool
	cancel    context.CancelFunc

	results []dispatch.Result
}

func (j *jobState) snapshot() Snapshot {
	snap := Snapshot{
		ID:              j.id,
		Status:          j.status,
		Model:           j.model,
		TotalChunks:     len(j.chunks),
		CompletedChunks: j.completed,
		FailedChunks:    j.failed,
		Message:         j.message,
		Error:           j.errDetail,
		CreatedAt:       j.createdAt,
		StartedAt:       j.startedAt,
		CompletedAt:     j.completedAt,
	}

	switch {
	case j.status.Terminal() && !j.startedAt.IsZero():
		snap.ProcessingSeconds = j.completedAt.Sub(j.startedAt).Seconds()
	case j.status == StatusProcessing && j.completed > 0:
		elapsed := time.Since(j.startedAt)
		perChunk := elapsed / time.Duration(j.completed)
		remaining := len(j.chunks) - j.completed - j.failed
		snap.EstimatedRemainingMs = (perChunk * time.Duration(remaining)).Milliseconds()
	}
	return snap
}
