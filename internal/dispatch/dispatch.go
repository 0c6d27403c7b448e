// Package dispatch routes named tool calls to store operations. The catalog
// is static; layers select which subset is advertised and callable at any
// moment.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"membank/internal/logging"
	"membank/internal/memcore"
)

// DefaultTimeout is the soft per-call deadline. The store operation runs to
// completion either way; only the caller gets the timeout error.
const DefaultTimeout = 30 * time.Second

// Layer names. Core is always active.
const (
	LayerCore    = "core"
	LayerBatch   = "batch"
	LayerEnhance = "enhance"
)

var knownLayers = []string{LayerCore, LayerBatch, LayerEnhance}

var toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "membank_tool_calls_total",
	Help: "Tool calls by name and outcome.",
}, []string{"tool", "outcome"})

// Handler executes one tool call with validated arguments.
type Handler func(ctx context.Context, args map[string]any) (*Result, error)

// Result is a tool response: a short human-facing status line plus the
// machine record.
type Result struct {
	Text string `json:"text"`
	Data any    `json:"data,omitempty"`
}

// Tool is one catalog entry. Timeout, when set, overrides the dispatcher's
// soft deadline for this tool only.
type Tool struct {
	Name        string
	Description string
	Layer       string
	InputSchema json.RawMessage
	Timeout     time.Duration

	compiled *jsonschema.Schema
	handler  Handler
}

// Descriptor is the advertised shape of a tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Dispatcher validates and routes calls against the active tool set.
type Dispatcher struct {
	logger   logging.Logger
	timeout  time.Duration
	maxTools int

	mu     sync.RWMutex
	tools  map[string]*Tool
	order  []string
	active map[string]struct{}
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout overrides the soft call deadline.
func WithTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// WithMaxTools caps the advertised catalog (0 means uncapped).
func WithMaxTools(n int) Option {
	return func(dp *Dispatcher) { dp.maxTools = n }
}

// WithDefaultLayers pre-activates layers besides core.
func WithDefaultLayers(layers []string) Option {
	return func(dp *Dispatcher) {
		for _, l := range layers {
			dp.active[l] = struct{}{}
		}
	}
}

// New builds a dispatcher over the given tools. Schemas are compiled up
// front; a bad schema is a programming error surfaced at startup.
func New(logger logging.Logger, tools []*Tool, opts ...Option) (*Dispatcher, error) {
	dp := &Dispatcher{
		logger:  logging.OrNop(logger),
		timeout: DefaultTimeout,
		tools:   make(map[string]*Tool, len(tools)),
		active:  map[string]struct{}{LayerCore: {}},
	}
	for _, opt := range opts {
		opt(dp)
	}
	for _, tool := range tools {
		if _, dup := dp.tools[tool.Name]; dup {
			return nil, memcore.Internal("catalog", fmt.Errorf("duplicate tool %q", tool.Name))
		}
		if len(tool.InputSchema) > 0 {
			compiled, err := compileSchema(tool.Name, tool.InputSchema)
			if err != nil {
				return nil, err
			}
			tool.compiled = compiled
		}
		if tool.Layer == "" {
			tool.Layer = LayerCore
		}
		dp.tools[tool.Name] = tool
		dp.order = append(dp.order, tool.Name)
	}
	return dp, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, memcore.Internal("schema "+name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, memcore.Internal("schema "+name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, memcore.Internal("schema "+name, err)
	}
	return compiled, nil
}

// List returns the advertised catalog: active-layer tools in registration
// order, capped by max_tools.
func (dp *Dispatcher) List() []Descriptor {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	out := make([]Descriptor, 0, len(dp.order))
	for _, name := range dp.order {
		tool := dp.tools[name]
		if !dp.layerActiveLocked(tool.Layer) {
			continue
		}
		out = append(out, Descriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
		if dp.maxTools > 0 && len(out) >= dp.maxTools {
			break
		}
	}
	return out
}

func (dp *Dispatcher) layerActiveLocked(layer string) bool {
	_, ok := dp.active[layer]
	return ok
}

// ActiveLayers reports active layer names, sorted.
func (dp *Dispatcher) ActiveLayers() []string {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	out := make([]string, 0, len(dp.active))
	for l := range dp.active {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// AvailableLayers reports every known layer with its activation state.
func (dp *Dispatcher) AvailableLayers() map[string]bool {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	out := make(map[string]bool, len(knownLayers))
	for _, l := range knownLayers {
		out[l] = dp.layerActiveLocked(l)
	}
	return out
}

// ActivateLayer turns a layer on. Core is always on; unknown layers are
// invalid-input.
func (dp *Dispatcher) ActivateLayer(layer string) error {
	if !isKnownLayer(layer) {
		return memcore.Invalid("layer", fmt.Sprintf("unknown layer %q", layer))
	}
	dp.mu.Lock()
	dp.active[layer] = struct{}{}
	dp.mu.Unlock()
	dp.logger.Info("layer %q activated", layer)
	return nil
}

// DeactivateLayer turns a layer off. Core cannot be deactivated.
func (dp *Dispatcher) DeactivateLayer(layer string) error {
	if !isKnownLayer(layer) {
		return memcore.Invalid("layer", fmt.Sprintf("unknown layer %q", layer))
	}
	if layer == LayerCore {
		return memcore.Invalid("layer", "the core layer cannot be deactivated")
	}
	dp.mu.Lock()
	delete(dp.active, layer)
	dp.mu.Unlock()
	dp.logger.Info("layer %q deactivated", layer)
	return nil
}

func isKnownLayer(layer string) bool {
	for _, l := range knownLayers {
		if l == layer {
			return true
		}
	}
	return false
}

// Dispatch validates arguments and runs the named tool. Layer gating wins
// over every other advertisement rule: a tool in an inactive layer is
// tool-not-found even if other settings would allow it.
func (dp *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (*Result, error) {
	dp.mu.RLock()
	tool, ok := dp.tools[name]
	var active bool
	if ok {
		active = dp.layerActiveLocked(tool.Layer)
	}
	dp.mu.RUnlock()
	if !ok || !active {
		toolCalls.WithLabelValues(name, "not_found").Inc()
		return nil, memcore.ToolNotFound(name)
	}

	if args == nil {
		args = map[string]any{}
	}
	if tool.compiled != nil {
		if err := tool.compiled.Validate(normalizeForSchema(args)); err != nil {
			toolCalls.WithLabelValues(name, "invalid").Inc()
			return nil, memcore.Invalid(schemaErrorField(err), err.Error())
		}
	}

	result, err := dp.run(ctx, tool, args)
	switch {
	case err == nil:
		toolCalls.WithLabelValues(name, "ok").Inc()
	case memcore.IsKind(err, memcore.KindTimeout):
		toolCalls.WithLabelValues(name, "timeout").Inc()
	default:
		toolCalls.WithLabelValues(name, "error").Inc()
	}
	return result, err
}

// run executes the handler with the soft timeout. On timeout the handler
// keeps running; its result is discarded.
func (dp *Dispatcher) run(ctx context.Context, tool *Tool, args map[string]any) (*Result, error) {
	if tool.handler == nil {
		return nil, memcore.Internal(tool.Name, fmt.Errorf("tool has no handler bound"))
	}
	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				dp.logger.Error("tool %s panicked: %v", tool.Name, r)
				done <- outcome{err: memcore.Internal(tool.Name, fmt.Errorf("panic: %v", r))}
			}
		}()
		result, err := tool.handler(ctx, args)
		done <- outcome{result: result, err: err}
	}()

	timeout := dp.timeout
	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, memcore.Timeout(tool.Name, timeout)
	case <-timer.C:
		dp.logger.Warn("tool %s exceeded soft timeout %s", tool.Name, timeout)
		return nil, memcore.Timeout(tool.Name, timeout)
	}
}

// normalizeForSchema reparses arguments through JSON so numeric types match
// what the validator expects regardless of how the transport decoded them.
func normalizeForSchema(args map[string]any) any {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return args
	}
	return out
}

// schemaErrorField digs the offending field out of a validation error, best
// effort.
func schemaErrorField(err error) string {
	var ve *jsonschema.ValidationError
	if ok := asValidationError(err, &ve); ok && len(ve.InstanceLocation) > 0 {
		return ve.InstanceLocation[len(ve.InstanceLocation)-1]
	}
	return ""
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}
