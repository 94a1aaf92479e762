package miniostore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_BadEndpoint(t *testing.T) {
	t.Parallel()
	_, err := New(Options{Endpoint: "http://not a host", Bucket: "b"})
	require.Error(t, err)
}

func TestNew_OK(t *testing.T) {
	t.Parallel()
	s, err := New(Options{Endpoint: "localhost:9000", AccessKey: "ak", SecretKey: "sk", Bucket: "artifacts"})
	require.NoError(t, err)
	assert.NotNil(t, s)
}
