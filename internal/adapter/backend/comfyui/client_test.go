package comfyui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/comfy-queue/internal/domain"
)

// fakeBackend imitates the subset of the generation API the client uses.
type fakeBackend struct {
	mux       *http.ServeMux
	submitted map[string]any
	history   map[string]any
	images    map[string][]byte
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()
	fb := &fakeBackend{
		mux:     http.NewServeMux(),
		history: map[string]any{},
		images:  map[string][]byte{},
	}
	fb.mux.HandleFunc("POST /prompt", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fb.submitted = body
		_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p-1"})
	})
	fb.mux.HandleFunc("GET /history/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(fb.history)
	})
	fb.mux.HandleFunc("GET /view", func(w http.ResponseWriter, r *http.Request) {
		data, ok := fb.images[r.URL.Query().Get("filename")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	})
	fb.mux.HandleFunc("GET /queue", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(fb.mux)
	t.Cleanup(srv.Close)
	return fb, srv
}

func completedEntry(files ...string) map[string]any {
	imgs := make([]map[string]string, 0, len(files))
	for _, f := range files {
		imgs = append(imgs, map[string]string{"filename": f, "subfolder": "", "type": "output"})
	}
	return map[string]any{
		"status":  map[string]any{"completed": true, "status_str": "success"},
		"outputs": map[string]any{"9": map[string]any{"images": imgs}},
	}
}

func TestSubmit_PostsWorkflow(t *testing.T) {
	t.Parallel()
	fb, srv := newFakeBackend(t)
	c := New(srv.URL)

	id, err := c.Submit(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, "p-1", id)

	prompt, ok := fb.submitted["prompt"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, prompt, nodeKSampler)
	assert.Contains(t, prompt, nodeSaveImage)
}

func TestSubmit_BadRequestIsRejected(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid node"}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	_, err := New(srv.URL).Submit(context.Background(), baseRequest())
	require.ErrorIs(t, err, domain.ErrBackendRejected)
	assert.Contains(t, err.Error(), "invalid node")
}

func TestSubmit_ServerErrorIsUnavailable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	_, err := New(srv.URL).Submit(context.Background(), baseRequest())
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestSubmit_ConnectionRefused(t *testing.T) {
	t.Parallel()
	_, err := New("http://127.0.0.1:1").Submit(context.Background(), baseRequest())
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestSubmit_BreakerOpensOnRepeatedOutage(t *testing.T) {
	t.Parallel()
	c := New("http://127.0.0.1:1")
	for i := 0; i < 5; i++ {
		_, err := c.Submit(context.Background(), baseRequest())
		require.ErrorIs(t, err, domain.ErrBackendUnavailable)
	}
	assert.True(t, c.cb.IsOpen())

	start := time.Now()
	_, err := c.Submit(context.Background(), baseRequest())
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "open breaker fails fast")
}

func TestCompleted(t *testing.T) {
	t.Parallel()
	fb, srv := newFakeBackend(t)
	c := New(srv.URL)

	done, err := c.Completed(context.Background(), "p-1")
	require.NoError(t, err)
	assert.False(t, done, "no history entry yet")

	fb.history["p-1"] = completedEntry("out.png")
	done, err = c.Completed(context.Background(), "p-1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestCompleted_BackendError(t *testing.T) {
	t.Parallel()
	fb, srv := newFakeBackend(t)
	fb.history["p-1"] = map[string]any{
		"status": map[string]any{"completed": false, "status_str": "error"},
	}
	_, err := New(srv.URL).Completed(context.Background(), "p-1")
	require.ErrorIs(t, err, domain.ErrBackendRejected)
}

func TestArtifacts(t *testing.T) {
	t.Parallel()
	fb, srv := newFakeBackend(t)
	fb.history["p-1"] = completedEntry("a.png", "b.png")
	fb.images["a.png"] = []byte("png-a")
	fb.images["b.png"] = []byte("png-b")

	req := baseRequest()
	imgs, err := New(srv.URL).Artifacts(context.Background(), "p-1", req)
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	assert.Equal(t, req.Width, imgs[0].Width)
	assert.Equal(t, req.Height, imgs[0].Height)
	got := map[string]bool{string(imgs[0].Data): true, string(imgs[1].Data): true}
	assert.True(t, got["png-a"] && got["png-b"])
}

func TestArtifacts_NoImages(t *testing.T) {
	t.Parallel()
	fb, srv := newFakeBackend(t)
	fb.history["p-1"] = completedEntry()
	_, err := New(srv.URL).Artifacts(context.Background(), "p-1", baseRequest())
	require.ErrorIs(t, err, domain.ErrBackendRejected)
}

func TestArtifacts_EmptyImageBody(t *testing.T) {
	t.Parallel()
	fb, srv := newFakeBackend(t)
	fb.history["p-1"] = completedEntry("empty.png")
	fb.images["empty.png"] = []byte{}
	_, err := New(srv.URL).Artifacts(context.Background(), "p-1", baseRequest())
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	_, srv := newFakeBackend(t)
	assert.True(t, New(srv.URL).Health(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, New("http://127.0.0.1:1").Health(ctx))
}

func TestPollInterval(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 300*time.Millisecond, PollInterval(0))
	assert.Equal(t, 600*time.Millisecond, PollInterval(1))
	assert.Equal(t, 1200*time.Millisecond, PollInterval(2))
	for i := 3; i < 10; i++ {
		assert.Equal(t, 2*time.Second, PollInterval(i), fmt.Sprintf("attempt %d", i))
	}
}
