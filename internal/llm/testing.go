package llm

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// StubClient replays scripted completions in order. When the script runs out
// it keeps returning the last entry, so a stub scripted with a single
// tool-calling completion simulates a model that never stops planning.
//
// StubClient is safe for concurrent use.
type StubClient struct {
	mu     sync.Mutex
	script []StubStep
	calls  int
	reqs   []Request
}

// StubStep is one scripted model response.
type StubStep struct {
	Completion *Completion
	Err        error
}

// NewStubClient creates a stub that replays steps in order.
func NewStubClient(steps ...StubStep) *StubClient {
	return &StubClient{script: steps}
}

// Complete returns the next scripted step and records the request.
func (s *StubClient) Complete(_ context.Context, req Request) (*Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	s.reqs = append(s.reqs, req)

	if len(s.script) == 0 {
		return &Completion{Text: ""}, nil
	}
	idx := s.calls - 1
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	step := s.script[idx]
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Completion, nil
}

// Calls reports how many times Complete ran.
func (s *StubClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Requests returns a copy of every request seen, in order.
func (s *StubClient) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.reqs))
	copy(out, s.reqs)
	return out
}

// StubEmbedder produces deterministic unit vectors derived from the input
// text, so identical texts embed identically across calls.
type StubEmbedder struct {
	Dim int // default 8

	mu    sync.Mutex
	calls int
}

// Embed returns one deterministic vector per text.
func (s *StubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	dim := s.Dim
	if dim <= 0 {
		dim = 8
	}

	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = deterministicVector(t, dim)
	}
	return vecs, nil
}

// Calls reports how many times Embed ran.
func (s *StubEmbedder) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func deterministicVector(text string, dim int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dim)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed>>11)) / float64(1<<52)
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}
