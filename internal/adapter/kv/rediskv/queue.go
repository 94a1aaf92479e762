package rediskv

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/comfy-queue/internal/domain"
)

// WorkQueue is the FIFO job-handle queue at {prefix}:queue:{name}.
// Single producer per handle; any one worker slot consumes it.
type WorkQueue struct {
	kv  *Client
	key string
}

// NewWorkQueue constructs the queue adapter.
func NewWorkQueue(kv *Client, prefix, name string) *WorkQueue {
	return &WorkQueue{kv: kv, key: fmt.Sprintf("%s:queue:%s", prefix, name)}
}

// Push enqueues a handle.
func (q *WorkQueue) Push(ctx domain.Context, h domain.JobHandle) error {
	payload, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("op=rediskv.WorkQueue.Push: %w: %v", domain.ErrInternal, err)
	}
	return q.kv.QueuePush(ctx, q.key, string(payload))
}

// PopBlocking waits up to timeout for a handle; ok is false on an empty queue.
func (q *WorkQueue) PopBlocking(ctx domain.Context, timeout time.Duration) (domain.JobHandle, bool, error) {
	payload, ok, err := q.kv.QueuePopBlocking(ctx, q.key, timeout)
	if err != nil || !ok {
		return domain.JobHandle{}, false, err
	}
	var h domain.JobHandle
	if err := json.Unmarshal([]byte(payload), &h); err != nil {
		return domain.JobHandle{}, false, fmt.Errorf("op=rediskv.WorkQueue.PopBlocking: %w: %v", domain.ErrInternal, err)
	}
	return h, true, nil
}

// Remove deletes a queued handle best-effort. The worker drops stale handles
// on dequeue regardless, so a miss here is harmless.
func (q *WorkQueue) Remove(ctx domain.Context, h domain.JobHandle) error {
	payload, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("op=rediskv.WorkQueue.Remove: %w: %v", domain.ErrInternal, err)
	}
	return q.kv.QueueRemove(ctx, q.key, string(payload))
}

// Len returns the queue depth (exposed as a gauge for backpressure decisions).
func (q *WorkQueue) Len(ctx domain.Context) (int64, error) {
	return q.kv.QueueLen(ctx, q.key)
}

var _ domain.Queue = (*WorkQueue)(nil)
