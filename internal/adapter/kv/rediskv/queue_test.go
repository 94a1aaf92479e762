package rediskv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/comfy-queue/internal/domain"
)

func TestWorkQueue_PushPop(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	q := NewWorkQueue(c, "cq", "generate")

	h := domain.JobHandle{JobID: "j_0123456789ab", OwnerToken: "anonymous", EnqueuedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, q.Push(ctx, h))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, ok, err := q.PopBlocking(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, h.JobID, got.JobID)
	assert.Equal(t, h.OwnerToken, got.OwnerToken)
}

func TestWorkQueue_EmptyPop(t *testing.T) {
	c, _ := newTestClient(t)
	q := NewWorkQueue(c, "cq", "generate")

	_, ok, err := q.PopBlocking(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorkQueue_Remove(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	q := NewWorkQueue(c, "cq", "generate")

	h := domain.JobHandle{JobID: "j_0123456789ab", OwnerToken: "anonymous", EnqueuedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, q.Push(ctx, h))
	require.NoError(t, q.Remove(ctx, h))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
