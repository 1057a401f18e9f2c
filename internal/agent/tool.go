package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/kragentic/orchestrator/internal/llm"
)

// Tool dispatch errors.
var (
	// ErrUnknownTool indicates the model asked for a tool that is not
	// registered.
	ErrUnknownTool = errors.New("agent: unknown tool")

	// ErrInvalidArgs indicates the model's arguments failed schema
	// validation.
	ErrInvalidArgs = errors.New("agent: invalid tool arguments")
)

// Handler executes a tool call. The returned string is fed back to the model
// verbatim as the tool result.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool pairs a schema-described declaration with its handler.
type Tool struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
	Handler     Handler
}

// Registry holds the tools available to a loop. Registration happens at
// setup; after that the registry is read-only and safe for concurrent use.
type Registry struct {
	tools map[string]registeredTool
}

type registeredTool struct {
	def      llm.ToolDef
	resolved *jsonschema.Resolved
	handler  Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registeredTool)}
}

// Register adds a tool, resolving its schema for validation.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", t.Name)
	}
	if t.Schema == nil {
		return fmt.Errorf("tool %q: schema is required", t.Name)
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Name)
	}

	resolved, err := t.Schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolving schema for %q: %w", t.Name, err)
	}

	r.tools[t.Name] = registeredTool{
		def: llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Schema,
		},
		resolved: resolved,
		handler:  t.Handler,
	}
	return nil
}

// Defs returns the tool declarations in stable name order.
func (r *Registry) Defs() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Dispatch validates args against the tool's schema and runs the handler
// under the given timeout.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall, timeout time.Duration) (string, error) {
	t, ok := r.tools[call.Name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	if err := t.resolved.Validate(args); err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidArgs, call.Name, err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return t.handler(ctx, args)
}
