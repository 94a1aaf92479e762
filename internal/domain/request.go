package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Samplers accepted by the backend. The public field name is "sampler".
var AllowedSamplers = []string{
	"euler", "euler_ancestral", "heun", "dpm_2", "dpm_2_ancestral",
	"lms", "dpm_fast", "dpm_adaptive", "dpmpp_2s_ancestral", "dpmpp_2m",
	"dpmpp_sde", "ddim", "plms", "uni_pc",
}

// MaxPixelArea caps width*height for a single image.
const MaxPixelArea = 4_000_000

// Request defaults.
const (
	DefaultWidth    = 512
	DefaultHeight   = 512
	DefaultSteps    = 20
	DefaultCFGScale = 7.0
	DefaultSampler  = "euler_ancestral"
	DefaultModel    = "v1-5-pruned-emaonly.ckpt"
	RandomSeed      = -1
)

// GenerationRequest is the validated image-generation request. Zero-valued
// optional fields are filled by ApplyDefaults before validation.
type GenerationRequest struct {
	Prompt         string  `json:"prompt" validate:"required,min=1,max=4000"`
	NegativePrompt string  `json:"negative_prompt,omitempty" validate:"max=4000"`
	Width          int     `json:"width" validate:"min=64,max=2048"`
	Height         int     `json:"height" validate:"min=64,max=2048"`
	Steps          int     `json:"steps" validate:"min=1,max=150"`
	CFGScale       float64 `json:"cfg_scale" validate:"min=1,max=30"`
	Sampler        string  `json:"sampler"`
	Seed           int64   `json:"seed"`
	Model          string  `json:"model"`
	NumImages      int     `json:"num_images" validate:"min=1"`
}

var requestValidator = validator.New()

// ApplyDefaults fills unset optional fields in place.
func (r *GenerationRequest) ApplyDefaults() {
	if r.Width == 0 {
		r.Width = DefaultWidth
	}
	if r.Height == 0 {
		r.Height = DefaultHeight
	}
	if r.Steps == 0 {
		r.Steps = DefaultSteps
	}
	if r.CFGScale == 0 {
		r.CFGScale = DefaultCFGScale
	}
	if r.Sampler == "" {
		r.Sampler = DefaultSampler
	}
	if r.Model == "" {
		r.Model = DefaultModel
	}
	if r.NumImages == 0 {
		r.NumImages = 1
	}
}

// ResolveSeed replaces the random-seed sentinel with a concrete 32-bit
// non-negative value so the choice is persisted and reported to the client.
func (r *GenerationRequest) ResolveSeed() {
	if r.Seed == RandomSeed {
		r.Seed = int64(rand.Int31())
	}
}

// FieldViolation names one offending field and the constraint it broke.
type FieldViolation struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
}

// Validate checks the request against the schema. maxBatch is the caller
// role's batch ceiling. On failure the returned error wraps
// ErrInvalidArgument and the violations list the offending fields.
func (r GenerationRequest) Validate(maxBatch int) ([]FieldViolation, error) {
	var out []FieldViolation
	if err := requestValidator.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok {
			for _, fe := range verrs {
				out = append(out, FieldViolation{Field: jsonField(fe.Field()), Constraint: fe.Tag()})
			}
		} else {
			return nil, fmt.Errorf("op=domain.Validate: %w: %v", ErrInternal, err)
		}
	}
	if r.Width%8 != 0 {
		out = append(out, FieldViolation{Field: "width", Constraint: "multiple_of_8"})
	}
	if r.Height%8 != 0 {
		out = append(out, FieldViolation{Field: "height", Constraint: "multiple_of_8"})
	}
	if r.Width*r.Height > MaxPixelArea {
		out = append(out, FieldViolation{Field: "width", Constraint: "area_exceeds_4000000"})
	}
	if !samplerAllowed(r.Sampler) {
		out = append(out, FieldViolation{Field: "sampler", Constraint: "oneof"})
	}
	if r.Seed < RandomSeed || r.Seed > math.MaxInt32 {
		out = append(out, FieldViolation{Field: "seed", Constraint: "int32_range"})
	}
	if maxBatch > 0 && r.NumImages > maxBatch {
		out = append(out, FieldViolation{Field: "num_images", Constraint: fmt.Sprintf("max=%d", maxBatch)})
	}
	if len(out) > 0 {
		return out, fmt.Errorf("%w: request validation failed", ErrInvalidArgument)
	}
	return nil, nil
}

func samplerAllowed(s string) bool {
	for _, a := range AllowedSamplers {
		if a == s {
			return true
		}
	}
	return false
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	ve, ok := err.(validator.ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}

// jsonField maps a Go field name to its json tag name.
func jsonField(goName string) string {
	switch goName {
	case "Prompt":
		return "prompt"
	case "NegativePrompt":
		return "negative_prompt"
	case "Width":
		return "width"
	case "Height":
		return "height"
	case "Steps":
		return "steps"
	case "CFGScale":
		return "cfg_scale"
	case "Sampler":
		return "sampler"
	case "Seed":
		return "seed"
	case "Model":
		return "model"
	case "NumImages":
		return "num_images"
	}
	return strings.ToLower(goName)
}

// CanonicalJSON renders the request with sorted keys so that equal requests
// hash identically regardless of client field order.
func (r GenerationRequest) CanonicalJSON() string {
	b, _ := json.Marshal(r)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(m[k])
		sb.Write(kb)
		sb.WriteByte(':')
		sb.Write(vb)
	}
	sb.WriteByte('}')
	return sb.String()
}
