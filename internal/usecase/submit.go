// Package usecase contains application business logic services.
package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/comfy-queue/internal/adapter/observability"
	"github.com/fairyhunter13/comfy-queue/internal/domain"
	"github.com/fairyhunter13/comfy-queue/internal/service/ratelimiter"
)

// SubmitService orchestrates idempotent job creation and queueing.
type SubmitService struct {
	Jobs    domain.JobRepository
	Queue   domain.Queue
	Broker  domain.ProgressBroker
	Limiter *ratelimiter.Limiter
}

// NewSubmitService constructs a SubmitService with its dependencies.
func NewSubmitService(j domain.JobRepository, q domain.Queue, b domain.ProgressBroker, l *ratelimiter.Limiter) SubmitService {
	return SubmitService{Jobs: j, Queue: q, Broker: b, Limiter: l}
}

// SubmitInput is a validated request plus the submitting principal.
type SubmitInput struct {
	Request        domain.GenerationRequest
	Owner          string
	Role           string
	IdempotencyKey string
}

// SubmitOutput reports the created or replayed job.
type SubmitOutput struct {
	Job      domain.Job
	Existing bool
}

// DeriveIdempotencyKey builds the implicit submission key for clients that
// send no explicit one: equal payloads from the same principal coalesce.
func DeriveIdempotencyKey(req domain.GenerationRequest, owner string) string {
	h := sha256.Sum256([]byte(req.CanonicalJSON() + owner + domain.ProtocolVersion))
	return hex.EncodeToString(h[:])[:16]
}

// Submit creates a job for a validated request, binds its idempotency key,
// and enqueues it. A replayed key returns the previously bound job without
// consuming quota.
func (s SubmitService) Submit(ctx domain.Context, in SubmitInput) (SubmitOutput, error) {
	key := in.IdempotencyKey
	if key == "" {
		key = DeriveIdempotencyKey(in.Request, in.Owner)
	}

	if id, ok, err := s.Jobs.LookupIdempotency(ctx, in.Owner, key); err == nil && ok {
		if j, err := s.Jobs.Get(ctx, id); err == nil {
			return SubmitOutput{Job: j, Existing: true}, nil
		}
		// Binding outlived the record; fall through and create afresh.
	}

	q := ratelimiter.QuotaFor(in.Role)
	if q.Concurrent > 0 {
		active, err := s.Jobs.CountActive(ctx, in.Owner)
		if err != nil {
			return SubmitOutput{}, err
		}
		if active >= q.Concurrent {
			observability.RateLimitedTotal.WithLabelValues("concurrent").Inc()
			return SubmitOutput{}, fmt.Errorf("op=usecase.Submit: %w: concurrent job limit %d reached", domain.ErrQuotaExceeded, q.Concurrent)
		}
	}
	if d := s.Limiter.ConsumeDaily(ctx, in.Owner, in.Role); !d.Allowed {
		observability.RateLimitedTotal.WithLabelValues("daily").Inc()
		return SubmitOutput{}, fmt.Errorf("op=usecase.Submit: %w: daily quota of %d jobs exhausted", domain.ErrQuotaExceeded, d.Limit)
	}

	params, err := json.Marshal(in.Request)
	if err != nil {
		return SubmitOutput{}, fmt.Errorf("op=usecase.Submit: %w: %v", domain.ErrInternal, err)
	}
	job := domain.Job{
		ID:              domain.NewJobID(),
		Status:          domain.JobQueued,
		OwnerToken:      in.Owner,
		IdempotencyKey:  key,
		ParamsJSON:      string(params),
		QueuedAt:        time.Now().UTC(),
		ProtocolVersion: domain.ProtocolVersion,
	}
	if err := s.Jobs.Create(ctx, job); err != nil {
		return SubmitOutput{}, err
	}

	boundID, err := s.Jobs.BindIdempotency(ctx, in.Owner, key, job.ID)
	if err != nil {
		return SubmitOutput{}, err
	}
	if boundID != job.ID {
		// Lost a concurrent bind for the same key; unwind and replay.
		_ = s.Jobs.Delete(ctx, job.ID)
		existing, err := s.Jobs.Get(ctx, boundID)
		if err != nil {
			return SubmitOutput{}, err
		}
		return SubmitOutput{Job: existing, Existing: true}, nil
	}

	handle := domain.JobHandle{JobID: job.ID, OwnerToken: in.Owner, EnqueuedAt: job.QueuedAt}
	if err := s.Queue.Push(ctx, handle); err != nil {
		errJSON := `{"message":"enqueue failed"}`
		now := time.Now().UTC()
		_ = s.Jobs.UpdateStatus(ctx, job.ID, domain.StatusUpdate{
			Status:     domain.JobFailed,
			ErrorJSON:  &errJSON,
			FinishedAt: &now,
		})
		return SubmitOutput{}, err
	}

	observability.EnqueueJob()
	if err := s.Broker.Publish(ctx, job.ID, domain.ProgressEvent{Type: "status", Status: domain.JobQueued}); err != nil {
		slog.Warn("queued event publish failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	return SubmitOutput{Job: job}, nil
}
