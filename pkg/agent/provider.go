package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/ironsail-llc/robothor/pkg/tools"
	"github.com/openai/openai-go"
)

var (
	// ErrAllModelsFailed is returned when every model in the chain failed.
	ErrAllModelsFailed = errors.New("all models failed")
	// ErrEmptyResponse is returned when a backend answers with no choices.
	ErrEmptyResponse = errors.New("model returned an empty response")
	// ErrNoModels is returned when an agent has no usable model configured.
	ErrNoModels = errors.New("no models configured")
	// ErrAgentNotFound is returned when an agent id does not resolve.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrNoProvider is returned when no backend serves a model.
	ErrNoProvider = errors.New("no provider for model")
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	Messages     []AgentMessage
	Tools        []tools.Schema
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     TokenUsage
}

// ModelError carries the HTTP status of a failed model call.
type ModelError struct {
	Model      string
	StatusCode int
	Err        error
}

func (e *ModelError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("model %s: status %d: %v", e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// StatusCode extracts an HTTP status from a model error chain, or 0.
func StatusCode(err error) int {
	var me *ModelError
	if errors.As(err, &me) && me.StatusCode > 0 {
		return me.StatusCode
	}
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	var oe *openai.Error
	if errors.As(err, &oe) {
		return oe.StatusCode
	}
	return 0
}

var brokenMarkers = []string{
	"authentication_error",
	"permission_error",
	"rate_limit_error",
	"insufficient_quota",
	"invalid_api_key",
}

// IsBrokenModelError reports whether err is an auth, quota or rate-limit
// failure. Such a model is skipped for the rest of the run.
func IsBrokenModelError(err error) bool {
	if err == nil {
		return false
	}
	switch StatusCode(err) {
	case 401, 403, 429:
		return true
	case 0:
	default:
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range brokenMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Router dispatches a request to the provider that serves its model. Model
// ids may carry an explicit "anthropic/" or "openai/" prefix; bare names are
// resolved by family.
type Router struct {
	providers map[string]LLMProvider
}

// NewRouter returns a router over the given providers, keyed by Provider().
func NewRouter(providers ...LLMProvider) *Router {
	r := &Router{providers: make(map[string]LLMProvider, len(providers))}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Provider()] = p
		}
	}
	return r
}

// Provider returns the provider name
func (r *Router) Provider() string {
	return "router"
}

// Resolve returns the provider name and bare model for a model id.
func (r *Router) Resolve(model string) (string, string) {
	prefix, name := SplitModel(model)
	if prefix != "" {
		return prefix, name
	}
	switch {
	case strings.HasPrefix(name, "claude"):
		return "anthropic", name
	case strings.HasPrefix(name, "gpt"), strings.HasPrefix(name, "o1"),
		strings.HasPrefix(name, "o3"), strings.HasPrefix(name, "o4"):
		return "openai", name
	}
	return "", name
}

// Call routes request to the owning provider.
func (r *Router) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	providerName, name := r.Resolve(request.Model)
	p, ok := r.providers[providerName]
	if !ok {
		return nil, &ModelError{Model: request.Model, Err: ErrNoProvider}
	}
	request.Model = name
	resp, err := p.Call(ctx, request)
	if err != nil {
		var me *ModelError
		if errors.As(err, &me) {
			return nil, err
		}
		return nil, &ModelError{Model: request.Model, StatusCode: StatusCode(err), Err: err}
	}
	return resp, nil
}
