package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/comfy-queue/internal/adapter/observability"
	"github.com/fairyhunter13/comfy-queue/internal/domain"
)

// recoveryGrace is added to the per-job timeout before a job is declared
// orphaned, so a worker finishing right at the deadline is not double-failed.
const recoveryGrace = 60 * time.Second

// Recovery reaps jobs left in the in-progress set by a crashed worker. It is
// safe to run alongside live workers: only jobs past timeout plus grace are
// touched, everything younger is left for its owner slot.
type Recovery struct {
	Jobs   domain.JobRepository
	Broker domain.ProgressBroker

	JobTimeout time.Duration
	Interval   time.Duration
}

// Run sweeps once immediately, then on every Interval tick until ctx is done.
func (r *Recovery) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	if err := r.RunOnce(ctx); err != nil {
		slog.Error("recovery sweep failed", slog.Any("error", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				slog.Error("recovery sweep failed", slog.Any("error", err))
			}
		}
	}
}

// RunOnce performs a single recovery pass over the in-progress set.
func (r *Recovery) RunOnce(ctx context.Context) error {
	tracer := otel.Tracer("worker.recovery")
	ctx, span := tracer.Start(ctx, "recovery.sweep")
	defer span.End()

	ids, err := r.Jobs.ListInProgress(ctx)
	if err != nil {
		return err
	}
	var reaped int
	for _, id := range ids {
		action, err := r.inspect(ctx, id)
		if err != nil {
			slog.Error("recovery inspect failed", slog.String("job_id", id), slog.Any("error", err))
			continue
		}
		if action != "" {
			observability.RecoveredJobsTotal.WithLabelValues(action).Inc()
			reaped++
		}
	}
	span.SetAttributes(attribute.Int("recovery.inspected", len(ids)), attribute.Int("recovery.reaped", reaped))
	if reaped > 0 {
		slog.Info("recovery sweep done", slog.Int("inspected", len(ids)), slog.Int("reaped", reaped))
	}
	return nil
}

// inspect decides the fate of one in-progress entry and returns the action
// taken ("removed", "stale", "failed") or "" when the job is left alone.
func (r *Recovery) inspect(ctx context.Context, id string) (string, error) {
	j, err := r.Jobs.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		// Record expired or was deleted; the marker is all that is left.
		if err := r.Jobs.UnmarkInProgress(ctx, id); err != nil {
			return "", err
		}
		return "removed", nil
	}
	if err != nil {
		return "", err
	}

	if j.Status != domain.JobRunning && j.Status != domain.JobCanceling {
		// Already finalized elsewhere; the marker just never got cleared.
		if err := r.Jobs.UnmarkInProgress(ctx, id); err != nil {
			return "", err
		}
		return "stale", nil
	}

	ref := j.QueuedAt
	if j.StartedAt != nil {
		ref = *j.StartedAt
	}
	age := time.Since(ref)
	if age <= r.JobTimeout+recoveryGrace {
		return "", nil
	}

	jerr := domain.JobError{
		Message:    "worker crashed or timed out",
		Type:       "timeout",
		AgeSeconds: age.Seconds(),
	}
	raw, _ := json.Marshal(jerr)
	errJSON := string(raw)
	now := time.Now().UTC()
	if err := r.Jobs.UpdateStatus(ctx, id, domain.StatusUpdate{
		Status:     domain.JobFailed,
		ErrorJSON:  &errJSON,
		FinishedAt: &now,
	}); err != nil {
		return "", err
	}
	if err := r.Broker.Publish(ctx, id, domain.ProgressEvent{Type: "done", Status: domain.JobFailed, Error: &jerr}); err != nil {
		slog.Warn("recovery publish failed", slog.String("job_id", id), slog.Any("error", err))
	}
	if err := r.Jobs.UnmarkInProgress(ctx, id); err != nil {
		return "", err
	}
	slog.Warn("recovered orphaned job", slog.String("job_id", id), slog.Float64("age_seconds", age.Seconds()))
	return "failed", nil
}
