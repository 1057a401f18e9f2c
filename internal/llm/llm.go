// Package llm defines the model-facing contracts used by the agent loop and
// the retrieval pipeline.
//
// Consumers depend on the small Client and Embedder interfaces; the genai
// adapter in this package is the production implementation and the stubs in
// testing.go serve tests. A Completion carries either final text or a
// structured tool call, never both.
package llm

import (
	"context"
	"errors"

	"github.com/google/jsonschema-go/jsonschema"
)

// Sentinel errors for upstream model failures. Adapters wrap transport
// errors with these so callers can branch with errors.Is.
var (
	// ErrUpstreamUnavailable indicates the model endpoint could not be
	// reached or refused the request.
	ErrUpstreamUnavailable = errors.New("llm: upstream unavailable")

	// ErrMalformedOutput indicates the model produced output that does not
	// fit the expected shape (for example a tool call naming no tool).
	ErrMalformedOutput = errors.New("llm: malformed model output")
)

// Role identifies the author of a turn in model terms.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
	RoleTool  Role = "tool"
)

// ToolCall is a structured request from the model to run a tool.
type ToolCall struct {
	Name string
	Args map[string]any
}

// ToolResult is the outcome of a dispatched tool call, fed back to the model.
type ToolResult struct {
	Name    string
	Content string
	IsError bool
}

// Turn is one entry in the model-visible transcript. Exactly one of Text,
// Call, or Result is populated depending on Role.
type Turn struct {
	Role   Role
	Text   string
	Call   *ToolCall
	Result *ToolResult
}

// ToolDef describes a tool the model may call.
type ToolDef struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
}

// Request is one completion request to the model.
type Request struct {
	System  string
	History []Turn
	Tools   []ToolDef
}

// Completion is the model's answer: final text, or a tool call to dispatch.
type Completion struct {
	Text     string
	ToolCall *ToolCall
}

// Client produces completions. Implementations must honor ctx cancellation.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// Embedder produces one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
