// Package worker runs the execution slots that drain the queue, drive the
// generation backend, transfer artifacts, and finalize job records. It also
// hosts the recovery pass that reaps jobs orphaned by a dead worker.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/comfy-queue/internal/adapter/observability"
	"github.com/fairyhunter13/comfy-queue/internal/domain"
)

// Worker runs N concurrent execution slots against one queue.
type Worker struct {
	Jobs    domain.JobRepository
	Queue   domain.Queue
	Store   domain.ArtifactStore
	Backend domain.GenerationBackend
	Broker  domain.ProgressBroker

	Slots       int
	PopTimeout  time.Duration
	JobTimeout  time.Duration
	ArtifactTTL time.Duration

	// PollDelay paces backend completion polling; nil uses the default
	// 300 ms doubling schedule capped at 2 s. The cancel flag is read once
	// per tick, so the cap bounds cancel latency.
	PollDelay func(attempt int) time.Duration
}

const (
	defaultPollBase = 300 * time.Millisecond
	defaultPollCap  = 2 * time.Second
)

func defaultPollDelay(attempt int) time.Duration {
	d := defaultPollBase
	for i := 0; i < attempt && d < defaultPollCap; i++ {
		d *= 2
	}
	if d > defaultPollCap {
		d = defaultPollCap
	}
	return d
}

// Run starts the slot pool and blocks until ctx is done and every in-flight
// job has drained.
func (w *Worker) Run(ctx context.Context) {
	slots := w.Slots
	if slots <= 0 {
		slots = 2
	}
	var wg sync.WaitGroup
	for i := 0; i < slots; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.runSlot(ctx, slot)
		}(i)
	}
	go w.sampleQueueDepth(ctx)
	wg.Wait()
}

func (w *Worker) sampleQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := w.Queue.Len(ctx); err == nil {
				observability.QueueDepth.Set(float64(n))
			}
		}
	}
}

func (w *Worker) runSlot(ctx context.Context, slot int) {
	lg := slog.With(slog.Int("slot", slot))
	for {
		if ctx.Err() != nil {
			return
		}
		h, ok, err := w.Queue.PopBlocking(ctx, w.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			lg.Error("queue pop failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}
		w.process(ctx, lg, h)
	}
}

// process executes one job. Shutdown does not abort an in-flight job: the
// execution context is detached from the slot's and bounded by the per-job
// deadline instead.
func (w *Worker) process(ctx context.Context, lg *slog.Logger, h domain.JobHandle) {
	ctx = context.WithoutCancel(ctx)
	lg = lg.With(slog.String("job_id", h.JobID))

	j, err := w.Jobs.Get(ctx, h.JobID)
	if err != nil {
		lg.Warn("handle without record, dropping", slog.Any("error", err))
		return
	}
	if j.Status != domain.JobQueued {
		lg.Info("dropping non-queued handle", slog.String("status", string(j.Status)))
		return
	}

	if err := w.Jobs.MarkInProgress(ctx, j.ID); err != nil {
		lg.Error("mark in-progress failed", slog.Any("error", err))
		return
	}
	defer func() {
		if err := w.Jobs.UnmarkInProgress(ctx, j.ID); err != nil {
			lg.Error("unmark in-progress failed", slog.Any("error", err))
		}
	}()
	observability.StartProcessingJob()

	started := time.Now().UTC()
	initial := 0.1
	if err := w.Jobs.UpdateStatus(ctx, j.ID, domain.StatusUpdate{
		Status:    domain.JobRunning,
		Progress:  &initial,
		StartedAt: &started,
	}); err != nil {
		lg.Error("transition to running failed", slog.Any("error", err))
		observability.FinishJob(string(domain.JobFailed), started)
		return
	}
	zero := 0.0
	w.publish(ctx, j.ID, domain.ProgressEvent{Type: "status", Status: domain.JobRunning, Progress: &zero})

	var req domain.GenerationRequest
	if err := json.Unmarshal([]byte(j.ParamsJSON), &req); err != nil {
		w.finalizeFailed(ctx, lg, j.ID, started, domain.JobError{Message: "stored params unreadable", Type: "internal"})
		return
	}
	req.ResolveSeed()

	deadline := started.Add(w.JobTimeout)
	promptID, err := w.Backend.Submit(ctx, req)
	if err != nil {
		w.finalizeFailed(ctx, lg, j.ID, started, backendError(err))
		return
	}
	lg.Info("submitted to backend", slog.String("prompt_id", promptID))

	if canceled := w.pollToCompletion(ctx, lg, j.ID, promptID, started, deadline); canceled {
		return
	}

	artifacts, err := w.transferArtifacts(ctx, j.ID, promptID, req)
	if err != nil {
		w.finalizeFailed(ctx, lg, j.ID, started, storageError(err))
		return
	}
	w.finalizeSucceeded(ctx, lg, j.ID, started, artifacts)
}

// pollToCompletion drives the backend until the prompt is terminal. It
// returns true when the job was finalized on this path (cancel, timeout, or
// backend failure); false means the caller proceeds to artifact transfer.
func (w *Worker) pollToCompletion(ctx context.Context, lg *slog.Logger, jobID, promptID string, started, deadline time.Time) bool {
	delay := w.PollDelay
	if delay == nil {
		delay = defaultPollDelay
	}
	lastProgress := 0.1
	for attempt := 0; ; attempt++ {
		flagged, err := w.Jobs.CancelRequested(ctx, jobID)
		if err != nil {
			lg.Warn("cancel flag read failed", slog.Any("error", err))
		}
		if flagged {
			w.finalizeCanceled(ctx, lg, jobID, started)
			return true
		}
		if time.Now().After(deadline) {
			w.finalizeFailed(ctx, lg, jobID, started, domain.JobError{
				Message:    "timeout",
				Type:       "timeout",
				AgeSeconds: time.Since(started).Seconds(),
			})
			return true
		}

		done, err := w.Backend.Completed(ctx, promptID)
		if err != nil {
			w.finalizeFailed(ctx, lg, jobID, started, backendError(err))
			return true
		}
		if done {
			return false
		}

		if est := w.estimateProgress(started, deadline); est >= lastProgress+0.05 {
			lastProgress = est
			p := est
			if err := w.Jobs.UpdateStatus(ctx, jobID, domain.StatusUpdate{Status: domain.JobRunning, Progress: &p}); err != nil {
				lg.Warn("progress update failed", slog.Any("error", err))
			}
			w.publish(ctx, jobID, domain.ProgressEvent{Type: "progress", Progress: &p, Message: "generating"})
		}

		select {
		case <-ctx.Done():
			return true
		case <-time.After(delay(attempt)):
		}
	}
}

// estimateProgress maps elapsed wall clock onto (0.1, 0.9]; the backend does
// not expose step-level progress through the history endpoint.
func (w *Worker) estimateProgress(started, deadline time.Time) float64 {
	total := deadline.Sub(started)
	if total <= 0 {
		return 0.1
	}
	frac := float64(time.Since(started)) / float64(total)
	est := 0.1 + 0.8*frac
	if est > 0.9 {
		est = 0.9
	}
	return est
}

func (w *Worker) transferArtifacts(ctx context.Context, jobID, promptID string, req domain.GenerationRequest) ([]domain.Artifact, error) {
	images, err := w.Backend.Artifacts(ctx, promptID, req)
	if err != nil {
		return nil, err
	}
	artifacts := make([]domain.Artifact, 0, len(images))
	for i, img := range images {
		key := domain.ArtifactObjectKey(jobID, i)
		if _, err := w.Store.Put(ctx, key, img.Data, "image/png"); err != nil {
			return nil, err
		}
		url, err := w.Store.PresignGet(ctx, key, w.ArtifactTTL)
		if err != nil {
			return nil, err
		}
		seed := req.Seed
		artifacts = append(artifacts, domain.Artifact{
			URL:    url,
			Width:  img.Width,
			Height: img.Height,
			Seed:   &seed,
		})
	}
	return artifacts, nil
}

func (w *Worker) finalizeSucceeded(ctx context.Context, lg *slog.Logger, jobID string, started time.Time, artifacts []domain.Artifact) {
	result := domain.JobResult{Artifacts: artifacts}
	raw, err := json.Marshal(result)
	if err != nil {
		w.finalizeFailed(ctx, lg, jobID, started, domain.JobError{Message: "result encoding failed", Type: "internal"})
		return
	}
	resJSON := string(raw)
	one := 1.0
	now := time.Now().UTC()
	if err := w.Jobs.UpdateStatus(ctx, jobID, domain.StatusUpdate{
		Status:     domain.JobSucceeded,
		Progress:   &one,
		ResultJSON: &resJSON,
		FinishedAt: &now,
	}); err != nil {
		lg.Error("finalize succeeded failed", slog.Any("error", err))
		return
	}
	w.publish(ctx, jobID, domain.ProgressEvent{Type: "done", Status: domain.JobSucceeded, Result: &result})
	observability.FinishJob(string(domain.JobSucceeded), started)
	lg.Info("job succeeded", slog.Int("artifacts", len(artifacts)), slog.Duration("took", time.Since(started)))
}

func (w *Worker) finalizeFailed(ctx context.Context, lg *slog.Logger, jobID string, started time.Time, jerr domain.JobError) {
	raw, _ := json.Marshal(jerr)
	errJSON := string(raw)
	now := time.Now().UTC()
	if err := w.Jobs.UpdateStatus(ctx, jobID, domain.StatusUpdate{
		Status:     domain.JobFailed,
		ErrorJSON:  &errJSON,
		FinishedAt: &now,
	}); err != nil {
		lg.Error("finalize failed failed", slog.Any("error", err))
		return
	}
	w.publish(ctx, jobID, domain.ProgressEvent{Type: "done", Status: domain.JobFailed, Error: &jerr})
	observability.FinishJob(string(domain.JobFailed), started)
	lg.Warn("job failed", slog.String("reason", jerr.Message), slog.String("type", jerr.Type))
}

func (w *Worker) finalizeCanceled(ctx context.Context, lg *slog.Logger, jobID string, started time.Time) {
	now := time.Now().UTC()
	if err := w.Jobs.UpdateStatus(ctx, jobID, domain.StatusUpdate{
		Status:     domain.JobCanceled,
		FinishedAt: &now,
	}); err != nil {
		lg.Error("finalize canceled failed", slog.Any("error", err))
		return
	}
	w.publish(ctx, jobID, domain.ProgressEvent{Type: "done", Status: domain.JobCanceled})
	observability.FinishJob(string(domain.JobCanceled), started)
	lg.Info("job canceled")
}

func (w *Worker) publish(ctx context.Context, jobID string, ev domain.ProgressEvent) {
	if err := w.Broker.Publish(ctx, jobID, ev); err != nil {
		slog.Warn("progress publish failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

func backendError(err error) domain.JobError {
	t := "backend_unavailable"
	if errors.Is(err, domain.ErrBackendRejected) {
		t = "backend_rejected"
	}
	return domain.JobError{Message: err.Error(), Type: t}
}

func storageError(err error) domain.JobError {
	if errors.Is(err, domain.ErrStorageUnavailable) || errors.Is(err, domain.ErrStorageDenied) {
		return domain.JobError{Message: "artifact upload failed", Type: "storage"}
	}
	return backendError(err)
}
