package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/kragentic/orchestrator/internal/llm"
)

func echoSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"text": {Type: "string"},
		},
		Required: []string{"text"},
	}
}

func TestRegistry_RegisterAndDispatch(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	err := r.Register(Tool{
		Name:        "echo",
		Description: "Echo the input text",
		Schema:      echoSchema(),
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	out, err := r.Dispatch(context.Background(),
		llm.ToolCall{Name: "echo", Args: map[string]any{"text": "hi"}}, time.Second)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out != "hi" {
		t.Errorf("got %q, want %q", out, "hi")
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.Dispatch(context.Background(), llm.ToolCall{Name: "nope"}, time.Second)
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("got %v, want ErrUnknownTool", err)
	}
}

func TestRegistry_InvalidArgs(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(Tool{
		Name:        "echo",
		Description: "Echo the input text",
		Schema:      echoSchema(),
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			return "", nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing required", map[string]any{}},
		{"wrong type", map[string]any{"text": 42}},
		{"nil args", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := r.Dispatch(context.Background(),
				llm.ToolCall{Name: "echo", Args: tt.args}, time.Second)
			if !errors.Is(err, ErrInvalidArgs) {
				t.Errorf("got %v, want ErrInvalidArgs", err)
			}
		})
	}
}

func TestRegistry_DuplicateName(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	tool := Tool{
		Name:   "echo",
		Schema: echoSchema(),
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			return "", nil
		},
	}
	if err := r.Register(tool); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(tool); err == nil {
		t.Error("expected error on duplicate registration")
	}
}

func TestRegistry_DefsSorted(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(Tool{
			Name:   name,
			Schema: echoSchema(),
			Handler: func(_ context.Context, _ map[string]any) (string, error) {
				return "", nil
			},
		}); err != nil {
			t.Fatalf("register %q: %v", name, err)
		}
	}

	defs := r.Defs()
	want := []string{"alpha", "mid", "zeta"}
	if len(defs) != len(want) {
		t.Fatalf("got %d defs, want %d", len(defs), len(want))
	}
	for i, w := range want {
		if defs[i].Name != w {
			t.Errorf("defs[%d] = %q, want %q", i, defs[i].Name, w)
		}
	}
}

func TestRegistry_DispatchTimeout(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(Tool{
		Name:   "slow",
		Schema: &jsonschema.Schema{Type: "object"},
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "done", nil
			}
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := r.Dispatch(context.Background(), llm.ToolCall{Name: "slow"}, 10*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
}
