package comfyui

import (
	"github.com/fairyhunter13/comfy-queue/internal/domain"
)

// Node ids of the text-to-image graph. Fixed so composition is deterministic
// and the output node is known when reading history.
const (
	nodeKSampler    = "3"
	nodeCheckpoint  = "4"
	nodeEmptyLatent = "5"
	nodePositive    = "6"
	nodeNegative    = "7"
	nodeVAEDecode   = "8"
	nodeSaveImage   = "9"
)

// ComposeWorkflow builds the backend node graph for a validated request.
// Given the same request it produces the same graph; the caller resolves the
// seed first.
func ComposeWorkflow(r domain.GenerationRequest) map[string]any {
	return map[string]any{
		nodeCheckpoint: map[string]any{
			"class_type": "CheckpointLoaderSimple",
			"inputs": map[string]any{
				"ckpt_name": r.Model,
			},
		},
		nodePositive: map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs": map[string]any{
				"text": r.Prompt,
				"clip": []any{nodeCheckpoint, 1},
			},
		},
		nodeNegative: map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs": map[string]any{
				"text": r.NegativePrompt,
				"clip": []any{nodeCheckpoint, 1},
			},
		},
		nodeEmptyLatent: map[string]any{
			"class_type": "EmptyLatentImage",
			"inputs": map[string]any{
				"width":      r.Width,
				"height":     r.Height,
				"batch_size": r.NumImages,
			},
		},
		nodeKSampler: map[string]any{
			"class_type": "KSampler",
			"inputs": map[string]any{
				"seed":         r.Seed,
				"steps":        r.Steps,
				"cfg":          r.CFGScale,
				"sampler_name": r.Sampler,
				"scheduler":    "normal",
				"denoise":      1.0,
				"model":        []any{nodeCheckpoint, 0},
				"positive":     []any{nodePositive, 0},
				"negative":     []any{nodeNegative, 0},
				"latent_image": []any{nodeEmptyLatent, 0},
			},
		},
		nodeVAEDecode: map[string]any{
			"class_type": "VAEDecode",
			"inputs": map[string]any{
				"samples": []any{nodeKSampler, 0},
				"vae":     []any{nodeCheckpoint, 2},
			},
		},
		nodeSaveImage: map[string]any{
			"class_type": "SaveImage",
			"inputs": map[string]any{
				"filename_prefix": "comfy-queue",
				"images":          []any{nodeVAEDecode, 0},
			},
		},
	}
}
