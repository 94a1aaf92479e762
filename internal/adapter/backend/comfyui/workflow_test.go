package comfyui

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/comfy-queue/internal/domain"
)

func baseRequest() domain.GenerationRequest {
	r := domain.GenerationRequest{Prompt: "a lighthouse at dusk"}
	r.ApplyDefaults()
	r.Seed = 42
	return r
}

func TestComposeWorkflow_Shape(t *testing.T) {
	t.Parallel()
	r := baseRequest()
	r.NumImages = 3
	g := ComposeWorkflow(r)

	require.Len(t, g, 7)
	sampler, ok := g[nodeKSampler].(map[string]any)
	require.True(t, ok)
	inputs := sampler["inputs"].(map[string]any)
	assert.Equal(t, int64(42), inputs["seed"])
	assert.Equal(t, r.Sampler, inputs["sampler_name"])

	latent := g[nodeEmptyLatent].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, 3, latent["batch_size"])
	assert.Equal(t, r.Width, latent["width"])

	pos := g[nodePositive].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, "a lighthouse at dusk", pos["text"])
}

func TestComposeWorkflow_Deterministic(t *testing.T) {
	t.Parallel()
	r := baseRequest()
	a, err := json.Marshal(ComposeWorkflow(r))
	require.NoError(t, err)
	b, err := json.Marshal(ComposeWorkflow(r))
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func TestComposeWorkflow_CarriesResolvedSeed(t *testing.T) {
	t.Parallel()
	r := baseRequest()
	r.Seed = domain.RandomSeed
	r.ResolveSeed()
	g := ComposeWorkflow(r)
	inputs := g[nodeKSampler].(map[string]any)["inputs"].(map[string]any)
	seed := inputs["seed"].(int64)
	assert.GreaterOrEqual(t, seed, int64(0))
	assert.LessOrEqual(t, seed, int64(1<<31-1))
}
