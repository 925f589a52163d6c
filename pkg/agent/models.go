package agent

import (
	"sort"
	"strings"
	"sync"
)

// ModelSpec describes a model's context window and pricing.
type ModelSpec struct {
	MaxInputTokens      int     `json:"max_input_tokens"`
	MaxOutputTokens     int     `json:"max_output_tokens"`
	DefaultOutputTokens int     `json:"default_output_tokens"`
	InputPerMTok        float64 `json:"input_per_mtok"`  // USD per million input tokens
	OutputPerMTok       float64 `json:"output_per_mtok"` // USD per million output tokens
}

// DefaultModelSpec is used for models the registry does not know.
var DefaultModelSpec = ModelSpec{
	MaxInputTokens:      128000,
	MaxOutputTokens:     8192,
	DefaultOutputTokens: 4096,
}

var builtinModels = map[string]ModelSpec{
	"claude-opus-4":     {200000, 32000, 8192, 15, 75},
	"claude-sonnet-4":   {200000, 64000, 8192, 3, 15},
	"claude-3-7-sonnet": {200000, 64000, 8192, 3, 15},
	"claude-3-5-sonnet": {200000, 8192, 8192, 3, 15},
	"claude-haiku-4":    {200000, 64000, 8192, 1, 5},
	"claude-3-5-haiku":  {200000, 8192, 4096, 0.8, 4},
	"gpt-4o":            {128000, 16384, 4096, 2.5, 10},
	"gpt-4o-mini":       {128000, 16384, 4096, 0.15, 0.6},
	"gpt-4.1":           {1047576, 32768, 8192, 2, 8},
	"gpt-4.1-mini":      {1047576, 32768, 8192, 0.4, 1.6},
	"o3":                {200000, 100000, 8192, 2, 8},
	"o4-mini":           {200000, 100000, 8192, 1.1, 4.4},
}

// ModelRegistry resolves model ids to specs. Lookup accepts provider
// prefixes ("anthropic/") and dated suffixes by longest-prefix match.
type ModelRegistry struct {
	mu    sync.RWMutex
	specs map[string]ModelSpec
	keys  []string // sorted longest first
}

// NewModelRegistry returns a registry seeded with the built-in models.
func NewModelRegistry() *ModelRegistry {
	r := &ModelRegistry{specs: make(map[string]ModelSpec, len(builtinModels))}
	for name, spec := range builtinModels {
		r.specs[name] = spec
	}
	r.reindex()
	return r
}

// Register adds or replaces a model spec.
func (r *ModelRegistry) Register(name string, spec ModelSpec) {
	r.mu.Lock()
	r.specs[name] = spec
	r.reindex()
	r.mu.Unlock()
}

func (r *ModelRegistry) reindex() {
	r.keys = r.keys[:0]
	for k := range r.specs {
		r.keys = append(r.keys, k)
	}
	sort.Slice(r.keys, func(i, j int) bool {
		if len(r.keys[i]) != len(r.keys[j]) {
			return len(r.keys[i]) > len(r.keys[j])
		}
		return r.keys[i] < r.keys[j]
	})
}

// Lookup returns the spec for model, falling back to DefaultModelSpec.
func (r *ModelRegistry) Lookup(model string) ModelSpec {
	_, bare := SplitModel(model)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if spec, ok := r.specs[bare]; ok {
		return spec
	}
	for _, k := range r.keys {
		if strings.HasPrefix(bare, k) {
			return r.specs[k]
		}
	}
	return DefaultModelSpec
}

// CapOutputTokens returns the output token count to request: requested (or
// the model default when zero), capped by the model maximum and by what is
// left of the context window after promptTokens.
func (r *ModelRegistry) CapOutputTokens(model string, promptTokens, requested int) int {
	spec := r.Lookup(model)
	out := requested
	if out <= 0 {
		out = spec.DefaultOutputTokens
	}
	if out > spec.MaxOutputTokens {
		out = spec.MaxOutputTokens
	}
	if room := spec.MaxInputTokens - promptTokens; out > room {
		out = room
	}
	return max(out, 1)
}

// Cost estimates USD spend for one call.
func (r *ModelRegistry) Cost(model string, inputTokens, outputTokens int) float64 {
	spec := r.Lookup(model)
	return float64(inputTokens)*spec.InputPerMTok/1e6 + float64(outputTokens)*spec.OutputPerMTok/1e6
}

// SplitModel separates an optional "provider/" prefix from the model name.
func SplitModel(model string) (provider, name string) {
	if i := strings.Index(model, "/"); i > 0 {
		return model[:i], model[i+1:]
	}
	return "", model
}
