package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/comfy-queue/internal/adapter/observability"
	"github.com/fairyhunter13/comfy-queue/internal/domain"
)

// CancelFlagTTL bounds how long an unconsumed cancel flag lingers.
const CancelFlagTTL = time.Hour

// CancelService handles cancellation for queued and running jobs.
type CancelService struct {
	Jobs   domain.JobRepository
	Queue  domain.Queue
	Broker domain.ProgressBroker
}

func NewCancelService(j domain.JobRepository, q domain.Queue, b domain.ProgressBroker) CancelService {
	return CancelService{Jobs: j, Queue: q, Broker: b}
}

// Cancel requests cancellation of a job the caller owns. A queued job is
// canceled immediately; a running one transitions to canceling and the worker
// finishes the hand-off at its next poll tick.
func (s CancelService) Cancel(ctx domain.Context, id, owner, role string) (domain.Job, error) {
	j, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if role != domain.RoleInternal && j.OwnerToken != owner {
		return domain.Job{}, fmt.Errorf("op=usecase.Cancel: %w: job %s", domain.ErrNotFound, id)
	}

	switch {
	case j.Status.Terminal():
		return domain.Job{}, fmt.Errorf("op=usecase.Cancel: %w: job %s is already %s", domain.ErrConflict, id, j.Status)

	case j.Status == domain.JobQueued:
		now := time.Now().UTC()
		upd := domain.StatusUpdate{Status: domain.JobCanceled, FinishedAt: &now}
		if err := s.Jobs.UpdateStatus(ctx, id, upd); err != nil {
			return domain.Job{}, err
		}
		// Best effort: the worker drops non-queued handles it pops anyway.
		handle := domain.JobHandle{JobID: j.ID, OwnerToken: j.OwnerToken, EnqueuedAt: j.QueuedAt}
		if err := s.Queue.Remove(ctx, handle); err != nil {
			slog.Warn("queued handle removal failed", slog.String("job_id", id), slog.Any("error", err))
		}
		observability.JobsFinishedTotal.WithLabelValues(string(domain.JobCanceled)).Inc()
		s.publish(ctx, id, domain.ProgressEvent{Type: "done", Status: domain.JobCanceled})
		j.Status = domain.JobCanceled
		j.FinishedAt = &now
		return j, nil

	default:
		// running or already canceling
		if err := s.Jobs.RequestCancel(ctx, id, CancelFlagTTL); err != nil {
			return domain.Job{}, err
		}
		if j.Status == domain.JobRunning {
			if err := s.Jobs.UpdateStatus(ctx, id, domain.StatusUpdate{Status: domain.JobCanceling}); err != nil {
				return domain.Job{}, err
			}
			s.publish(ctx, id, domain.ProgressEvent{Type: "status", Status: domain.JobCanceling})
		}
		j.Status = domain.JobCanceling
		return j, nil
	}
}

func (s CancelService) publish(ctx domain.Context, id string, ev domain.ProgressEvent) {
	if err := s.Broker.Publish(ctx, id, ev); err != nil {
		slog.Warn("cancel event publish failed", slog.String("job_id", id), slog.Any("error", err))
	}
}
