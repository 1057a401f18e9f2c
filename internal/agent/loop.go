// Package agent runs the bounded planning loop behind every conversational
// turn.
//
// A turn loads the conversation history, augments the system prompt with
// retrieved knowledge, and lets the model plan with tools for a bounded
// number of steps. Upstream failures never escape a turn: the caller always
// gets a response, falling back to an apology when the model is unreachable.
// Exactly one history append happens per completed turn.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/kragentic/orchestrator/internal/conversation"
	"github.com/kragentic/orchestrator/internal/llm"
	"github.com/kragentic/orchestrator/internal/log"
)

// FallbackResponse is returned when the model cannot be reached at all.
const FallbackResponse = "I apologize, but I'm having trouble processing your request. Please try again."

// boundResponse is returned when the loop exhausts its planning budget
// without the model producing a final answer. No extra model call is made.
const boundResponse = "I'm sorry, that request needed more steps than I could take in one turn. Please try a more specific question."

// Defaults for Config.
const (
	DefaultMaxIterations    = 3
	DefaultModelTimeout     = 30 * time.Second
	DefaultToolTimeout      = 10 * time.Second
	DefaultRetrievalTimeout = 5 * time.Second

	defaultModelRetries  = 2
	defaultRetryInterval = 500 * time.Millisecond
	maxRetryInterval     = 5 * time.Second
)

// Retriever supplies knowledge context for a user message. An error degrades
// the turn to an empty context rather than failing it.
type Retriever interface {
	Context(ctx context.Context, query string, topK int) (string, error)
}

// Config tunes a Loop. Zero values take the package defaults.
type Config struct {
	// MaxIterations bounds how many model completions one turn may use.
	MaxIterations int

	// SystemPrompt is the base instruction prepended to every turn.
	SystemPrompt string

	ModelTimeout     time.Duration
	ToolTimeout      time.Duration
	RetrievalTimeout time.Duration

	// ModelRetries is how many extra attempts a failed completion gets.
	ModelRetries int

	// RetryInterval is the initial backoff between completion attempts.
	RetryInterval time.Duration
}

// Deps are the collaborators a Loop needs.
type Deps struct {
	Client  llm.Client
	History *conversation.Store
	Tools   *Registry

	// Retriever is optional; nil disables knowledge augmentation.
	Retriever Retriever

	// Limiter is optional; when set, every model attempt waits on it.
	Limiter *rate.Limiter

	Logger log.Logger
}

// Loop orchestrates conversational turns.
type Loop struct {
	client    llm.Client
	history   *conversation.Store
	tools     *Registry
	retriever Retriever
	limiter   *rate.Limiter
	logger    log.Logger
	cfg       Config
}

// New creates a Loop. Client, History, Tools, and Logger are required.
func New(deps Deps, cfg Config) (*Loop, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("llm client is required")
	}
	if deps.History == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if deps.Tools == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = DefaultModelTimeout
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = DefaultRetrievalTimeout
	}
	if cfg.ModelRetries < 0 {
		cfg.ModelRetries = 0
	} else if cfg.ModelRetries == 0 {
		cfg.ModelRetries = defaultModelRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}

	return &Loop{
		client:    deps.Client,
		history:   deps.History,
		tools:     deps.Tools,
		retriever: deps.Retriever,
		limiter:   deps.Limiter,
		logger:    deps.Logger,
		cfg:       cfg,
	}, nil
}

// Result is the outcome of one conversational turn.
type Result struct {
	Text            string
	ConversationKey string
	Timestamp       time.Time

	// Errored reports that the turn fell back to the apology response
	// because of upstream failure. The turn still completed.
	Errored bool
}

// Converse runs one turn for the given conversation key. customerID is an
// optional caller identity, typically a phone number; when present it is made
// visible to the model so tools can act on the right customer record.
//
// The key's lock is held for the whole turn, so concurrent messages for the
// same conversation process in submission order. Model and tool failures are
// absorbed into the result; only cancellation of ctx returns an error.
func (l *Loop) Converse(ctx context.Context, key, message, customerID string) (*Result, error) {
	if key == "" {
		return nil, fmt.Errorf("conversation key is required")
	}
	if message == "" {
		return nil, fmt.Errorf("message is required")
	}

	unlock := l.history.Lock(key)
	defer unlock()

	prior, err := l.history.Load(ctx, key)
	if err != nil {
		// Proceed without history rather than failing the turn.
		l.logger.Warn("conversation history unavailable", "key", key, "error", err)
		prior = nil
	}

	system := l.cfg.SystemPrompt
	if customerID != "" {
		system += "\n\nCustomer phone number: " + customerID
	}
	if docCtx := l.retrieveContext(ctx, message); docCtx != "" {
		system += "\n\nRelevant knowledge:\n" + docCtx
	}

	transcript := make([]llm.Turn, 0, len(prior)+1)
	for _, m := range prior {
		role := llm.RoleUser
		if m.Role == conversation.RoleAgent {
			role = llm.RoleModel
		}
		transcript = append(transcript, llm.Turn{Role: role, Text: m.Content})
	}
	transcript = append(transcript, llm.Turn{Role: llm.RoleUser, Text: message})

	text, errored, err := l.run(ctx, system, transcript)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := l.history.AppendLocked(ctx, key,
		conversation.Message{Role: conversation.RoleHuman, Content: message, Timestamp: now},
		conversation.Message{Role: conversation.RoleAgent, Content: text, Timestamp: now},
	); err != nil {
		l.logger.Warn("persisting turn failed", "key", key, "error", err)
	}

	return &Result{
		Text:            text,
		ConversationKey: key,
		Timestamp:       now,
		Errored:         errored,
	}, nil
}

// run drives the planning loop. It returns an error only when ctx is done.
func (l *Loop) run(ctx context.Context, system string, transcript []llm.Turn) (string, bool, error) {
	defs := l.tools.Defs()

	for i := 0; i < l.cfg.MaxIterations; i++ {
		comp, err := l.complete(ctx, llm.Request{
			System:  system,
			History: transcript,
			Tools:   defs,
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", false, ctx.Err()
			}
			l.logger.Error("model completion failed", "iteration", i, "error", err)
			return FallbackResponse, true, nil
		}

		if comp.ToolCall == nil {
			if comp.Text == "" {
				l.logger.Warn("model returned empty completion", "iteration", i)
				return FallbackResponse, true, nil
			}
			return comp.Text, false, nil
		}

		result := llm.ToolResult{Name: comp.ToolCall.Name}
		out, derr := l.tools.Dispatch(ctx, *comp.ToolCall, l.cfg.ToolTimeout)
		if derr != nil {
			if ctx.Err() != nil {
				return "", false, ctx.Err()
			}
			// Feed the failure back so the model can recover or answer
			// without the tool.
			l.logger.Warn("tool dispatch failed", "tool", comp.ToolCall.Name, "error", derr)
			result.Content = "tool failed: " + derr.Error()
			result.IsError = true
		} else {
			result.Content = out
		}

		transcript = append(transcript,
			llm.Turn{Role: llm.RoleModel, Call: comp.ToolCall},
			llm.Turn{Role: llm.RoleTool, Result: &result},
		)
	}

	l.logger.Warn("planning budget exhausted", "max_iterations", l.cfg.MaxIterations)
	return boundResponse, false, nil
}

// complete calls the model with rate limiting, a per-call timeout, and
// exponential backoff on transient upstream errors.
func (l *Loop) complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	delay := l.cfg.RetryInterval
	var lastErr error

	for attempt := 0; attempt <= l.cfg.ModelRetries; attempt++ {
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, l.cfg.ModelTimeout)
		comp, err := l.client.Complete(callCtx, req)
		cancel()
		if err == nil {
			return comp, nil
		}
		lastErr = err

		if !errors.Is(err, llm.ErrUpstreamUnavailable) && !errors.Is(err, llm.ErrMalformedOutput) {
			return nil, err
		}
		if attempt == l.cfg.ModelRetries {
			break
		}

		l.logger.Debug("retrying completion", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
			delay = min(delay*2, maxRetryInterval)
		}
	}
	return nil, lastErr
}

func (l *Loop) retrieveContext(ctx context.Context, query string) string {
	if l.retriever == nil {
		return ""
	}
	rctx, cancel := context.WithTimeout(ctx, l.cfg.RetrievalTimeout)
	defer cancel()

	out, err := l.retriever.Context(rctx, query, 0)
	if err != nil {
		l.logger.Warn("knowledge retrieval degraded", "error", err)
		return ""
	}
	return out
}
