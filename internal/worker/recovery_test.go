package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/comfy-queue/internal/domain"
)

func newRecovery(r *rig) *Recovery {
	return &Recovery{
		Jobs:       r.jobs,
		Broker:     r.broker,
		JobTimeout: 5 * time.Minute,
		Interval:   time.Minute,
	}
}

func TestRecovery_RemovesMarkerWithoutRecord(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	ctx := context.Background()

	require.NoError(t, r.jobs.MarkInProgress(ctx, "j_deadbeef0000"))
	require.NoError(t, newRecovery(r).RunOnce(ctx))

	ids, err := r.jobs.ListInProgress(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRecovery_ClearsStaleMarkerOnFinalizedJob(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	ctx := context.Background()

	j := r.seedJob(t, domain.JobSucceeded)
	require.NoError(t, r.jobs.MarkInProgress(ctx, j.ID))
	require.NoError(t, newRecovery(r).RunOnce(ctx))

	ids, err := r.jobs.ListInProgress(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	got, err := r.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, got.Status, "finalized job untouched")
}

func TestRecovery_FailsOrphanPastTimeout(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	ctx := context.Background()

	j := r.seedJob(t, domain.JobQueued)
	started := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, r.jobs.UpdateStatus(ctx, j.ID, domain.StatusUpdate{
		Status:    domain.JobRunning,
		StartedAt: &started,
	}))
	require.NoError(t, r.jobs.MarkInProgress(ctx, j.ID))

	require.NoError(t, newRecovery(r).RunOnce(ctx))

	got, err := r.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Contains(t, got.ErrorJSON, "worker crashed or timed out")
	assert.Contains(t, got.ErrorJSON, `"type":"timeout"`)
	assert.Contains(t, got.ErrorJSON, "age_seconds")
	require.NotNil(t, got.FinishedAt)

	ids, err := r.jobs.ListInProgress(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRecovery_LeavesYoungRunningJob(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	ctx := context.Background()

	j := r.seedJob(t, domain.JobQueued)
	started := time.Now().UTC().Add(-30 * time.Second)
	require.NoError(t, r.jobs.UpdateStatus(ctx, j.ID, domain.StatusUpdate{
		Status:    domain.JobRunning,
		StartedAt: &started,
	}))
	require.NoError(t, r.jobs.MarkInProgress(ctx, j.ID))

	require.NoError(t, newRecovery(r).RunOnce(ctx))

	got, err := r.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, got.Status)

	ids, err := r.jobs.ListInProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{j.ID}, ids)
}

func TestRecovery_AgeFallsBackToQueuedAt(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	ctx := context.Background()

	req := domain.GenerationRequest{Prompt: "a fox", Seed: 1}
	req.ApplyDefaults()
	j := domain.Job{
		ID:              domain.NewJobID(),
		Status:          domain.JobQueued,
		OwnerToken:      "owner-a",
		IdempotencyKey:  "k-old",
		ParamsJSON:      req.CanonicalJSON(),
		QueuedAt:        time.Now().UTC().Add(-20 * time.Minute),
		ProtocolVersion: domain.ProtocolVersion,
	}
	require.NoError(t, r.jobs.Create(ctx, j))
	// Running without a started_at, as left by a worker that died mid-transition.
	require.NoError(t, r.jobs.UpdateStatus(ctx, j.ID, domain.StatusUpdate{Status: domain.JobRunning}))
	require.NoError(t, r.jobs.MarkInProgress(ctx, j.ID))

	require.NoError(t, newRecovery(r).RunOnce(ctx))

	got, err := r.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
}

func TestRecovery_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())

	rec := newRecovery(r)
	rec.Interval = 10 * time.Millisecond
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recovery loop did not stop")
	}
}
