// Package domain holds the core entities, error taxonomy, and ports of the
// job gateway. Adapters depend on this package; it depends on nothing but std.
package domain

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrRateLimited        = errors.New("rate limited")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrBackendRejected    = errors.New("backend rejected")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrKVUnavailable      = errors.New("kv unavailable")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrStorageDenied      = errors.New("storage denied")
	ErrInternal           = errors.New("internal error")
)

// ProtocolVersion is stamped on every job record so future readers can tell
// which request schema produced it.
const ProtocolVersion = "v1"

// AnonymousToken is the principal used when authentication is disabled.
const AnonymousToken = "anonymous"

// Roles are fixed; quota triples per role live in the ratelimiter service.
const (
	RoleFree     = "free"
	RolePro      = "pro"
	RoleInternal = "internal"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
	JobCanceling JobStatus = "canceling"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCanceled
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobSucceeded, JobFailed, JobCanceled, JobCanceling:
		return true
	}
	return false
}

// Job is the persistent job record. ParamsJSON holds the validated generation
// request verbatim; ResultJSON/ErrorJSON are set only on terminal transitions.
type Job struct {
	ID              string
	Status          JobStatus
	Progress        float64
	OwnerToken      string
	IdempotencyKey  string
	ParamsJSON      string
	ResultJSON      string
	ErrorJSON       string
	QueuedAt        time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	ProtocolVersion string
}

// NewJobID returns a fresh job identifier: "j_" + 12 lowercase hex chars.
func NewJobID() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return "j_" + hex.EncodeToString(b[:])
}

// Artifact is one output image of a succeeded job. URL is a presigned GET.
type Artifact struct {
	URL    string            `json:"url"`
	Width  int               `json:"width,omitempty"`
	Height int               `json:"height,omitempty"`
	Seed   *int64            `json:"seed,omitempty"`
	Meta   map[string]string `json:"meta,omitempty"`
}

// JobResult is the payload stored in result_json.
type JobResult struct {
	Artifacts []Artifact `json:"artifacts"`
}

// JobError is the payload stored in error_json.
type JobError struct {
	Message    string  `json:"message"`
	Type       string  `json:"type,omitempty"`
	AgeSeconds float64 `json:"age_seconds,omitempty"`
}

// ProgressEvent is one frame on a job's progress channel.
type ProgressEvent struct {
	Type     string     `json:"type"` // status | progress | done
	Status   JobStatus  `json:"status,omitempty"`
	Progress *float64   `json:"progress,omitempty"`
	Message  string     `json:"message,omitempty"`
	Result   *JobResult `json:"result,omitempty"`
	Error    *JobError  `json:"error,omitempty"`
}

// JobHandle is the minimal payload pushed on the work queue.
type JobHandle struct {
	JobID      string    `json:"job_id"`
	OwnerToken string    `json:"owner_token"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// StatusUpdate carries the fields mutated by a status transition. Nil fields
// are left untouched (last-writer-wins at field granularity).
type StatusUpdate struct {
	Status     JobStatus
	Progress   *float64
	ResultJSON *string
	ErrorJSON  *string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Repositories (ports)

type JobRepository interface {
	Create(ctx Context, j Job) error
	Get(ctx Context, id string) (Job, error)
	UpdateStatus(ctx Context, id string, upd StatusUpdate) error
	Delete(ctx Context, id string) error
	// BindIdempotency atomically binds (owner, key) to jobID and returns the
	// bound id, which is a pre-existing one when the binding already existed.
	BindIdempotency(ctx Context, owner, key, jobID string) (string, error)
	// LookupIdempotency returns the job id bound to (owner, key), if any.
	LookupIdempotency(ctx Context, owner, key string) (string, bool, error)
	MarkInProgress(ctx Context, id string) error
	UnmarkInProgress(ctx Context, id string) error
	ListInProgress(ctx Context) ([]string, error)
	ListByOwner(ctx Context, owner string, limit, offset int) ([]Job, error)
	CountActive(ctx Context, owner string) (int, error)
	RequestCancel(ctx Context, id string, ttl time.Duration) error
	CancelRequested(ctx Context, id string) (bool, error)
}

// Queue (port)

type Queue interface {
	Push(ctx Context, h JobHandle) error
	// PopBlocking waits up to timeout for a handle; ok is false on empty queue.
	PopBlocking(ctx Context, timeout time.Duration) (h JobHandle, ok bool, err error)
	// Remove deletes a queued handle best-effort (cancel-while-queued).
	Remove(ctx Context, h JobHandle) error
	Len(ctx Context) (int64, error)
}

// ArtifactStore (port)

// ArtifactObjectKey names the object holding one output image of a job.
// The layout is fixed; nothing else is written to the store.
func ArtifactObjectKey(jobID string, index int) string {
	return fmt.Sprintf("jobs/%s/image_%d.png", jobID, index)
}

type ArtifactStore interface {
	EnsureBucket(ctx Context) error
	// Put stores data under key and returns the logical location "bucket/key".
	Put(ctx Context, key string, data []byte, contentType string) (string, error)
	PresignGet(ctx Context, key string, ttl time.Duration) (string, error)
	Delete(ctx Context, key string) error
}

// ProgressBroker (port)

type ProgressBroker interface {
	Publish(ctx Context, jobID string, ev ProgressEvent) error
	// Subscribe returns a channel of events for jobID and a cancel func that
	// releases the subscription. The channel closes after cancel.
	Subscribe(ctx Context, jobID string) (<-chan ProgressEvent, func(), error)
}

// GenerationBackend (port)

// BackendImage is one output image fetched from the backend: raw bytes plus
// the dimensions declared by the originating request.
type BackendImage struct {
	Data   []byte
	Width  int
	Height int
}

type GenerationBackend interface {
	// Submit composes and posts a workflow, returning the backend's prompt id.
	// Deterministic 4xx surfaces as ErrBackendRejected, transport/5xx as
	// ErrBackendUnavailable.
	Submit(ctx Context, req GenerationRequest) (string, error)
	// Completed reports whether the prompt has a terminal history record.
	Completed(ctx Context, promptID string) (bool, error)
	// Artifacts downloads the output images of a completed prompt.
	Artifacts(ctx Context, promptID string, req GenerationRequest) ([]BackendImage, error)
	// Health probes the backend; false only after all attempts are exhausted.
	Health(ctx Context) bool
}

// APIKeyStore (port; consulted only when auth is enabled)

type APIKey struct {
	UserID   string
	Role     string
	IsActive bool
}

type APIKeyStore interface {
	// GetAPIKey looks up a key record by the SHA-256 hex of the presented key.
	GetAPIKey(ctx Context, hash string) (APIKey, error)
}

// Context is an alias so the domain stays import-light; adapters pass
// context.Context straight through.
type Context = context.Context
