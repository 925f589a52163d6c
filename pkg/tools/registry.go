package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ironsail-llc/robothor/internal/observability"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultMaxOutput = 32000
)

// Parameter defines one argument of a tool
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Items       string `json:"items,omitempty"` // element type for arrays
}

// Invocation is one tool call as issued by an agent run.
type Invocation struct {
	Name      string
	Args      map[string]any
	AgentID   string
	TenantID  string
	Workspace string
	RunID     string
}

// Handler executes a tool call.
type Handler func(ctx context.Context, inv Invocation) (any, error)

// Definition defines a tool's metadata and handler
type Definition struct {
	Name        string
	Description string
	Parameters  []Parameter
	Handler     Handler
	Timeout     time.Duration
}

// Result is the outcome of a tool call. Error is empty on success.
type Result struct {
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Unknown   bool          `json:"unknown,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"-"`
}

// Failed reports whether the call produced an error.
func (r Result) Failed() bool {
	return r.Error != ""
}

// Content is what the model sees for this result.
func (r Result) Content() string {
	if r.Error == "" {
		return r.Output
	}
	data, _ := json.Marshal(map[string]string{"error": r.Error})
	return string(data)
}

// Schema is the model-facing description of a tool.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Policy filters tools per agent. An empty Allow list permits every tool;
// Deny always wins. Entries may use path.Match globs ("crm_*").
type Policy struct {
	Allow []string
	Deny  []string
}

// Allowed reports whether name passes the policy.
func (p Policy) Allowed(name string) bool {
	for _, pattern := range p.Deny {
		if matches(pattern, name) {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, pattern := range p.Allow {
		if matches(pattern, name) {
			return true
		}
	}
	return false
}

func matches(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

type registered struct {
	def        Definition
	schemaMap  map[string]any
	jsonSchema *gojsonschema.Schema
}

// Registry manages and executes tools
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*registered
	maxOutput int
	logger    zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxOutput caps the number of bytes of tool output returned to the model.
func WithMaxOutput(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxOutput = n
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger.With().Str("component", "tools").Logger()
	}
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		tools:     make(map[string]*registered),
		maxOutput: defaultMaxOutput,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates def and adds it, replacing any tool with the same name.
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := buildSchema(def)
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	r.tools[def.Name] = &registered{def: def, schemaMap: schemaMap, jsonSchema: compiled}
	r.mu.Unlock()

	r.logger.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Unregister removes a tool
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Schemas returns the model-facing schemas of every tool the policy allows,
// sorted by name.
func (r *Registry) Schemas(policy Policy) []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Schema, 0, len(r.tools))
	for name, t := range r.tools {
		if !policy.Allowed(name) {
			continue
		}
		out = append(out, Schema{
			Name:        name,
			Description: t.def.Description,
			InputSchema: t.schemaMap,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs one tool call. It never returns an error: failures are
// reported through Result.Error.
func (r *Registry) Execute(ctx context.Context, inv Invocation) Result {
	start := time.Now()

	r.mu.RLock()
	t := r.tools[inv.Name]
	r.mu.RUnlock()

	if t == nil {
		return Result{Unknown: true, Error: fmt.Sprintf("unknown tool: %s", inv.Name)}
	}

	if inv.Args == nil {
		inv.Args = map[string]any{}
	}
	if err := validateArgs(t.jsonSchema, inv.Args); err != nil {
		observability.RecordToolExecution(inv.Name, time.Since(start), false)
		return Result{Error: fmt.Sprintf("invalid arguments: %v", err), Duration: time.Since(start)}
	}

	timeout := t.def.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		v, err := t.def.Handler(callCtx, inv)
		done <- outcome{value: v, err: err}
	}()

	var res Result
	select {
	case o := <-done:
		if o.err != nil {
			res = Result{Error: o.err.Error()}
		} else {
			res.Output, res.Truncated = r.render(o.value)
		}
	case <-callCtx.Done():
		if ctx.Err() != nil {
			res = Result{Error: fmt.Sprintf("tool cancelled: %v", ctx.Err())}
		} else {
			res = Result{Error: fmt.Sprintf("tool execution timeout after %v", timeout)}
		}
	}
	res.Duration = time.Since(start)

	observability.RecordToolExecution(inv.Name, res.Duration, !res.Failed())
	r.logger.Debug().
		Str("tool", inv.Name).
		Str("agent_id", inv.AgentID).
		Dur("duration", res.Duration).
		Bool("failed", res.Failed()).
		Msg("Tool executed")

	return res
}

func (r *Registry) render(v any) (string, bool) {
	var s string
	switch val := v.(type) {
	case nil:
		s = ""
	case string:
		s = val
	case []byte:
		s = string(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			s = fmt.Sprintf("%v", val)
		} else {
			s = string(data)
		}
	}
	if len(s) <= r.maxOutput {
		return s, false
	}
	return s[:r.maxOutput] + "\n...[truncated]", true
}

var validTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

func validateDefinition(def Definition) error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	seen := make(map[string]bool, len(def.Parameters))
	for _, p := range def.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %s", p.Name)
		}
		seen[p.Name] = true
		if !validTypes[p.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", p.Type, p.Name)
		}
		if p.Items != "" && !validTypes[p.Items] {
			return fmt.Errorf("invalid items type %q for %s", p.Items, p.Name)
		}
	}
	return nil
}

func buildSchema(def Definition) map[string]any {
	properties := make(map[string]any, len(def.Parameters))
	required := []string{}

	for _, p := range def.Parameters {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if p.Type == "array" && p.Items != "" {
			prop["items"] = map[string]any{"type": p.Items}
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateArgs(schema *gojsonschema.Schema, args map[string]any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
