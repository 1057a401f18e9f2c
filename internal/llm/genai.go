package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAI adapts the Gemini API to the Client and Embedder interfaces.
type GenAI struct {
	client        *genai.Client
	model         string
	embedderModel string
	embedDim      int32
}

// GenAIConfig configures the adapter.
type GenAIConfig struct {
	APIKey        string
	Model         string // e.g. "gemini-2.5-flash"
	EmbedderModel string // e.g. "text-embedding-004"
	EmbedDim      int32  // output dimensionality, e.g. 768
}

// NewGenAI creates a Gemini-backed adapter.
func NewGenAI(ctx context.Context, cfg GenAIConfig) (*GenAI, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &GenAI{
		client:        client,
		model:         cfg.Model,
		embedderModel: cfg.EmbedderModel,
		embedDim:      cfg.EmbedDim,
	}, nil
}

// Complete sends the transcript and tool declarations to the model. A tool
// call in the response takes precedence over any accompanying text.
func (g *GenAI) Complete(ctx context.Context, req Request) (*Completion, error) {
	contents := make([]*genai.Content, 0, len(req.History))
	for _, turn := range req.History {
		c, err := toContent(turn)
		if err != nil {
			return nil, err
		}
		contents = append(contents, c)
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Schema,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	if calls := resp.FunctionCalls(); len(calls) > 0 {
		call := calls[0]
		if call.Name == "" {
			return nil, fmt.Errorf("%w: function call without a name", ErrMalformedOutput)
		}
		return &Completion{ToolCall: &ToolCall{Name: call.Name, Args: call.Args}}, nil
	}

	return &Completion{Text: resp.Text()}, nil
}

func toContent(turn Turn) (*genai.Content, error) {
	switch turn.Role {
	case RoleUser:
		return genai.NewContentFromText(turn.Text, genai.RoleUser), nil
	case RoleModel:
		if turn.Call != nil {
			part := genai.NewPartFromFunctionCall(turn.Call.Name, turn.Call.Args)
			return genai.NewContentFromParts([]*genai.Part{part}, genai.RoleModel), nil
		}
		return genai.NewContentFromText(turn.Text, genai.RoleModel), nil
	case RoleTool:
		if turn.Result == nil {
			return nil, fmt.Errorf("tool turn without a result")
		}
		payload := map[string]any{"content": turn.Result.Content}
		if turn.Result.IsError {
			payload["error"] = true
		}
		part := genai.NewPartFromFunctionResponse(turn.Result.Name, payload)
		return genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser), nil
	default:
		return nil, fmt.Errorf("unknown turn role %q", turn.Role)
	}
}

// Embed generates one vector per text with the configured dimensionality.
func (g *GenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if g.embedderModel == "" {
		return nil, fmt.Errorf("embedder model not configured")
	}

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	var cfg *genai.EmbedContentConfig
	if g.embedDim > 0 {
		dim := g.embedDim
		cfg = &genai.EmbedContentConfig{OutputDimensionality: &dim}
	}

	resp, err := g.client.Models.EmbedContent(ctx, g.embedderModel, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts",
			ErrMalformedOutput, len(resp.Embeddings), len(texts))
	}

	vecs := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if len(e.Values) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at index %d", ErrMalformedOutput, i)
		}
		vecs[i] = e.Values
	}
	return vecs, nil
}
