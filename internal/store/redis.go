package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Kineviz/pdf-km-server/internal/job"
)

// Mirror publishes job status snapshots into redis hashes so external
// dashboards can observe progress without talking to the engine. Keys follow
// the job:<id> layout. The mirror is purely observational: job state of
// record stays in memory.
type Mirror struct {
	rdb *redis.Client
}

// NewMirror wraps an already-connected redis client.
func NewMirror(rdb *redis.Client) *Mirror {
	return &Mirror{rdb: rdb}
}

// Publish writes one snapshot. Fields mirror the tracker's snapshot; writes
// for one job are pipelined so readers never see a half-written update set.
func (m *Mirror) Publish(ctx context.Context, snap job.Snapshot) error {
	jobKey := fmt.Sprintf("job:%s", snap.ID)

	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey, map[string]interface{}{
		"status":           string(snap.Status),
		"model":            snap.Model,
		"chunks_count":     snap.TotalChunks,
		"chunks_processed": snap.CompletedChunks,
		"chunks_failed":    snap.FailedChunks,
		"message":          snap.Message,
		"error":            snap.Error,
		"created_at":       snap.CreatedAt.Unix(),
	})
	if !snap.CompletedAt.IsZero() {
		pipe.HSet(ctx, jobKey,
			"completed_at", snap.CompletedAt.Unix(),
			"processing_time", fmt.Sprintf("%.2f", snap.ProcessingSeconds),
		)
	}
	pipe.ZAdd(ctx, "jobs:by_created", redis.Z{
		Score:  float64(snap.CreatedAt.Unix()),
		Member: snap.ID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror job %s: %w", snap.ID, err)
	}
	return nil
}

// Ping verifies connectivity at startup.
func (m *Mirror) Ping(ctx context.Context) error {
	if err := m.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
