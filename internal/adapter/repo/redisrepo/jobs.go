// Package redisrepo persists job records, the idempotency mapping, the
// in-progress set, and API key records in the key/value store.
package redisrepo

import (
	"fmt"
	"strconv"
	"time"

	"github.com/fairyhunter13/comfy-queue/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/comfy-queue/internal/domain"
)

// RecordTTL is the floor retention for job records and idempotency bindings.
// The TTL is refreshed on every transition.
const RecordTTL = 24 * time.Hour

// JobRepo implements domain.JobRepository on the KV adapter.
type JobRepo struct {
	kv     *rediskv.Client
	prefix string
}

// NewJobRepo constructs a JobRepo with the deployment key prefix.
func NewJobRepo(kv *rediskv.Client, prefix string) *JobRepo {
	return &JobRepo{kv: kv, prefix: prefix}
}

func (r *JobRepo) jobKey(id string) string    { return fmt.Sprintf("%s:jobs:%s", r.prefix, id) }
func (r *JobRepo) cancelKey(id string) string { return fmt.Sprintf("%s:jobs:%s:cancel", r.prefix, id) }
func (r *JobRepo) inProgressKey() string      { return r.prefix + ":jobs:inprogress" }
func (r *JobRepo) idempKey(owner, key string) string {
	return fmt.Sprintf("%s:idemp:%s:%s", r.prefix, owner, key)
}
func (r *JobRepo) ownerKey(owner string) string {
	return fmt.Sprintf("%s:jobs:owner:%s", r.prefix, owner)
}

// Create writes a fresh job record. Job IDs are generated by the caller and
// globally unique by construction, so a plain hash write suffices.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) error {
	fields := map[string]string{
		"job_id":           j.ID,
		"status":           string(j.Status),
		"progress":         formatProgress(j.Progress),
		"owner_token":      j.OwnerToken,
		"idempotency_key":  j.IdempotencyKey,
		"params_json":      j.ParamsJSON,
		"queued_at":        j.QueuedAt.UTC().Format(time.RFC3339Nano),
		"protocol_version": j.ProtocolVersion,
	}
	key := r.jobKey(j.ID)
	if err := r.kv.HashSet(ctx, key, fields); err != nil {
		return err
	}
	if err := r.kv.Expire(ctx, key, RecordTTL); err != nil {
		return err
	}
	// Owner index backs the principal-scoped listing; same retention as records.
	ownerKey := r.ownerKey(j.OwnerToken)
	if err := r.kv.SortedAdd(ctx, ownerKey, float64(j.QueuedAt.UnixNano()), j.ID); err != nil {
		return err
	}
	return r.kv.Expire(ctx, ownerKey, RecordTTL)
}

// Get reads a job record; domain.ErrNotFound when absent or expired.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	m, err := r.kv.HashGetAll(ctx, r.jobKey(id))
	if err != nil {
		return domain.Job{}, err
	}
	if len(m) == 0 {
		return domain.Job{}, fmt.Errorf("op=redisrepo.Get: %w: job %s", domain.ErrNotFound, id)
	}
	return jobFromFields(m)
}

// UpdateStatus applies a transition at field granularity and refreshes the
// record TTL. The worker slot is the sole writer during execution, so
// last-writer-wins per field preserves the per-job total order.
func (r *JobRepo) UpdateStatus(ctx domain.Context, id string, upd domain.StatusUpdate) error {
	fields := map[string]string{"status": string(upd.Status)}
	if upd.Progress != nil {
		fields["progress"] = formatProgress(*upd.Progress)
	}
	if upd.ResultJSON != nil {
		fields["result_json"] = *upd.ResultJSON
	}
	if upd.ErrorJSON != nil {
		fields["error_json"] = *upd.ErrorJSON
	}
	if upd.StartedAt != nil {
		fields["started_at"] = upd.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if upd.FinishedAt != nil {
		fields["finished_at"] = upd.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	key := r.jobKey(id)
	if err := r.kv.HashSet(ctx, key, fields); err != nil {
		return err
	}
	return r.kv.Expire(ctx, key, RecordTTL)
}

// Delete removes a record (used to unwind an idempotency race loser).
func (r *JobRepo) Delete(ctx domain.Context, id string) error {
	return r.kv.Delete(ctx, r.jobKey(id))
}

// BindIdempotency binds (owner, key) to jobID with SETNX and returns the
// bound id. A pre-existing binding is returned without mutation.
func (r *JobRepo) BindIdempotency(ctx domain.Context, owner, key, jobID string) (string, error) {
	k := r.idempKey(owner, key)
	ok, err := r.kv.SetIfAbsent(ctx, k, jobID, RecordTTL)
	if err != nil {
		return "", err
	}
	if ok {
		return jobID, nil
	}
	existing, found, err := r.kv.Get(ctx, k)
	if err != nil {
		return "", err
	}
	if !found {
		// Binding expired between SETNX and GET; treat ours as won.
		_, err := r.kv.SetIfAbsent(ctx, k, jobID, RecordTTL)
		if err != nil {
			return "", err
		}
		return jobID, nil
	}
	return existing, nil
}

// LookupIdempotency returns the job id bound to (owner, key), if any.
func (r *JobRepo) LookupIdempotency(ctx domain.Context, owner, key string) (string, bool, error) {
	return r.kv.Get(ctx, r.idempKey(owner, key))
}

// MarkInProgress adds the job to the in-progress set (crash-visibility contract).
func (r *JobRepo) MarkInProgress(ctx domain.Context, id string) error {
	return r.kv.SetAdd(ctx, r.inProgressKey(), id)
}

// UnmarkInProgress removes the job from the in-progress set.
func (r *JobRepo) UnmarkInProgress(ctx domain.Context, id string) error {
	return r.kv.SetRemove(ctx, r.inProgressKey(), id)
}

// ListInProgress returns the ids currently owned by some worker slot.
func (r *JobRepo) ListInProgress(ctx domain.Context) ([]string, error) {
	return r.kv.SetMembers(ctx, r.inProgressKey())
}

// ListByOwner returns the owner's jobs newest-first. Index entries whose
// record already expired are skipped.
func (r *JobRepo) ListByOwner(ctx domain.Context, owner string, limit, offset int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := r.kv.SortedRevRange(ctx, r.ownerKey(owner), int64(offset), int64(limit))
	if err != nil {
		return nil, err
	}
	jobs := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		j, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// CountActive counts the owner's jobs in {queued, running, canceling}. The
// rate limiter serializes submissions per principal, so a derived scan is
// race-free enough for the concurrent-quota check.
func (r *JobRepo) CountActive(ctx domain.Context, owner string) (int, error) {
	ids, err := r.kv.SortedRevRange(ctx, r.ownerKey(owner), 0, -1)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		j, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		switch j.Status {
		case domain.JobQueued, domain.JobRunning, domain.JobCanceling:
			n++
		}
	}
	return n, nil
}

// RequestCancel arms the cancel flag read by the worker between poll ticks.
func (r *JobRepo) RequestCancel(ctx domain.Context, id string, ttl time.Duration) error {
	return r.kv.Set(ctx, r.cancelKey(id), "1", ttl)
}

// CancelRequested reports whether the cancel flag is set.
func (r *JobRepo) CancelRequested(ctx domain.Context, id string) (bool, error) {
	return r.kv.Exists(ctx, r.cancelKey(id))
}

func formatProgress(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

func jobFromFields(m map[string]string) (domain.Job, error) {
	j := domain.Job{
		ID:              m["job_id"],
		Status:          domain.JobStatus(m["status"]),
		OwnerToken:      m["owner_token"],
		IdempotencyKey:  m["idempotency_key"],
		ParamsJSON:      m["params_json"],
		ResultJSON:      m["result_json"],
		ErrorJSON:       m["error_json"],
		ProtocolVersion: m["protocol_version"],
	}
	if v := m["progress"]; v != "" {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=redisrepo.jobFromFields: %w: bad progress %q", domain.ErrInternal, v)
		}
		j.Progress = p
	}
	if v := m["queued_at"]; v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=redisrepo.jobFromFields: %w: bad queued_at %q", domain.ErrInternal, v)
		}
		j.QueuedAt = ts
	}
	if v := m["started_at"]; v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			j.StartedAt = &ts
		}
	}
	if v := m["finished_at"]; v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			j.FinishedAt = &ts
		}
	}
	return j, nil
}

var _ domain.JobRepository = (*JobRepo)(nil)
