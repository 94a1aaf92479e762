package domain

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus_Terminal(t *testing.T) {
	t.Parallel()
	assert.True(t, JobSucceeded.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.True(t, JobCanceled.Terminal())
	assert.False(t, JobQueued.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.False(t, JobCanceling.Terminal())
}

func TestJobStatus_Valid(t *testing.T) {
	t.Parallel()
	assert.True(t, JobQueued.Valid())
	assert.False(t, JobStatus("done").Valid())
}

func TestNewJobID_Format(t *testing.T) {
	t.Parallel()
	re := regexp.MustCompile(`^j_[0-9a-f]{12}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewJobID()
		assert.Regexp(t, re, id)
		assert.False(t, seen[id], "job id collision")
		seen[id] = true
	}
}

func TestArtifactObjectKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "jobs/j_0123456789ab/image_0.png", ArtifactObjectKey("j_0123456789ab", 0))
	assert.Equal(t, "jobs/j_0123456789ab/image_3.png", ArtifactObjectKey("j_0123456789ab", 3))
}
