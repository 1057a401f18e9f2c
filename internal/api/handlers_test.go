package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kragentic/orchestrator/internal/agent"
	"github.com/kragentic/orchestrator/internal/conversation"
	"github.com/kragentic/orchestrator/internal/knowledge"
	"github.com/kragentic/orchestrator/internal/synthesis"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubLoop struct {
	result        *agent.Result
	err           error
	gotKey        string
	gotMessage    string
	gotCustomerID string
}

func (s *stubLoop) Converse(_ context.Context, key, message, customerID string) (*agent.Result, error) {
	s.gotKey, s.gotMessage, s.gotCustomerID = key, message, customerID
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubHistory struct {
	msgs         []conversation.Message
	loadErr      error
	clearExisted bool
	clearErr     error
	clearedKey   string
}

func (s *stubHistory) Load(context.Context, string) ([]conversation.Message, error) {
	return s.msgs, s.loadErr
}

func (s *stubHistory) Clear(_ context.Context, key string) (bool, error) {
	s.clearedKey = key
	return s.clearExisted, s.clearErr
}

type stubKnowledge struct {
	ingestID     string
	ingestChunks int
	ingestErr    error
	batch        []knowledge.BatchResult
	results      []knowledge.SearchResult
	cached       bool
	searchErr    error
	deleted      int
	deleteErr    error
	stats        *knowledge.Stats
	statsErr     error

	gotQuery  string
	gotTopK   int
	gotFilter map[string]string
}

func (s *stubKnowledge) Ingest(context.Context, knowledge.Document) (string, int, error) {
	return s.ingestID, s.ingestChunks, s.ingestErr
}

func (s *stubKnowledge) IngestBatch(context.Context, []knowledge.Document) []knowledge.BatchResult {
	return s.batch
}

func (s *stubKnowledge) Search(_ context.Context, query string, topK int, filter map[string]string) ([]knowledge.SearchResult, bool, error) {
	s.gotQuery, s.gotTopK, s.gotFilter = query, topK, filter
	return s.results, s.cached, s.searchErr
}

func (s *stubKnowledge) Delete(context.Context, string) (int, error) {
	return s.deleted, s.deleteErr
}

func (s *stubKnowledge) Stats(context.Context) (*knowledge.Stats, error) {
	return s.stats, s.statsErr
}

type stubSynthesizer struct {
	result *synthesis.Result
	err    error
	health *synthesis.Health

	gotText     string
	gotProvider string
	gotVoice    string
}

func (s *stubSynthesizer) Synthesize(_ context.Context, text, provider, voice string) (*synthesis.Result, error) {
	s.gotText, s.gotProvider, s.gotVoice = text, provider, voice
	return s.result, s.err
}

func (s *stubSynthesizer) HealthCheck(context.Context) *synthesis.Health {
	return s.health
}

type testDeps struct {
	loop        *stubLoop
	history     *stubHistory
	knowledge   *stubKnowledge
	synthesizer *stubSynthesizer
}

func newTestServer(t *testing.T, deps testDeps) *Server {
	t.Helper()
	if deps.loop == nil {
		deps.loop = &stubLoop{result: &agent.Result{Text: "ok"}}
	}
	if deps.history == nil {
		deps.history = &stubHistory{}
	}
	if deps.knowledge == nil {
		deps.knowledge = &stubKnowledge{stats: &knowledge.Stats{}}
	}
	if deps.synthesizer == nil {
		deps.synthesizer = &stubSynthesizer{health: &synthesis.Health{Status: "healthy"}}
	}

	srv, err := NewServer(ServerConfig{
		Loop:        deps.loop,
		History:     deps.history,
		Knowledge:   deps.knowledge,
		Synthesizer: deps.synthesizer,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer_RequiresDeps(t *testing.T) {
	t.Parallel()

	if _, err := NewServer(ServerConfig{History: &stubHistory{}}); err == nil {
		t.Error("expected error without loop")
	}
	if _, err := NewServer(ServerConfig{Loop: &stubLoop{}}); err == nil {
		t.Error("expected error without history store")
	}
}

func TestConverse(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	loop := &stubLoop{result: &agent.Result{
		Text:            "The sky is blue.",
		ConversationKey: "caller-42",
		Timestamp:       ts,
	}}
	srv := newTestServer(t, testDeps{loop: loop})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/converse",
		`{"conversation_key":"caller-42","message":"why is the sky blue?"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if loop.gotKey != "caller-42" || loop.gotMessage != "why is the sky blue?" {
		t.Errorf("loop got key=%q message=%q", loop.gotKey, loop.gotMessage)
	}

	var resp converseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Text != "The sky is blue." || resp.ConversationKey != "caller-42" || resp.Errored {
		t.Errorf("response = %+v", resp)
	}
	if !resp.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", resp.Timestamp, ts)
	}
}

func TestConverse_CustomerIDForwardedToLoop(t *testing.T) {
	t.Parallel()

	loop := &stubLoop{result: &agent.Result{Text: "ok", ConversationKey: "caller-9"}}
	srv := newTestServer(t, testDeps{loop: loop})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/converse",
		`{"conversation_key":"caller-9","message":"hi","customer_id":"+15559876543"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if loop.gotCustomerID != "+15559876543" {
		t.Errorf("customer id = %q", loop.gotCustomerID)
	}
}

func TestConverse_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"missing key", `{"message":"hi"}`},
		{"missing message", `{"conversation_key":"k"}`},
		{"malformed json", `{`},
		{"unknown field", `{"conversation_key":"k","message":"hi","bogus":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t, testDeps{})
			rec := doJSON(t, srv, http.MethodPost, "/api/v1/converse", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestConverse_LoopError(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testDeps{loop: &stubLoop{err: context.Canceled}})
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/converse",
		`{"conversation_key":"k","message":"hi"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestGetConversation(t *testing.T) {
	t.Parallel()

	history := &stubHistory{msgs: []conversation.Message{
		{Role: conversation.RoleHuman, Content: "hi"},
		{Role: conversation.RoleAgent, Content: "hello"},
	}}
	srv := newTestServer(t, testDeps{history: history})

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/conversations/caller-7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp conversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ConversationKey != "caller-7" || len(resp.Messages) != 2 {
		t.Errorf("response = %+v", resp)
	}
	if resp.Messages[0].Role != "human" || resp.Messages[1].Role != "agent" {
		t.Errorf("roles = %q, %q", resp.Messages[0].Role, resp.Messages[1].Role)
	}
}

func TestGetConversation_StorageUnavailable(t *testing.T) {
	t.Parallel()

	history := &stubHistory{loadErr: conversation.ErrStorageUnavailable}
	srv := newTestServer(t, testDeps{history: history})

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/conversations/k", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestDeleteConversation(t *testing.T) {
	t.Parallel()

	history := &stubHistory{clearExisted: true}
	srv := newTestServer(t, testDeps{history: history})

	rec := doJSON(t, srv, http.MethodDelete, "/api/v1/conversations/caller-7", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if history.clearedKey != "caller-7" {
		t.Errorf("cleared key = %q", history.clearedKey)
	}

	var resp clearResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success {
		t.Error("success = false, want true")
	}
}

func TestDeleteConversation_NotFound(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testDeps{history: &stubHistory{clearExisted: false}})
	rec := doJSON(t, srv, http.MethodDelete, "/api/v1/conversations/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	var resp clearResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success {
		t.Error("success = true, want false")
	}
}

func TestIngestDocument(t *testing.T) {
	t.Parallel()

	kb := &stubKnowledge{ingestID: "doc-1", ingestChunks: 3}
	srv := newTestServer(t, testDeps{knowledge: kb})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/documents",
		`{"id":"doc-1","content":"some text","metadata":{"source":"faq"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp ingestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.DocumentID != "doc-1" || resp.Chunks != 3 {
		t.Errorf("response = %+v", resp)
	}
}

func TestIngestDocument_EmptyContent(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testDeps{})
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/documents", `{"id":"doc-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestIngestDocument_IndexFailure(t *testing.T) {
	t.Parallel()

	kb := &stubKnowledge{ingestErr: &knowledge.IngestError{DocumentID: "doc-1", Err: knowledge.ErrIndexUnavailable}}
	srv := newTestServer(t, testDeps{knowledge: kb})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/documents", `{"content":"text"}`)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestIngestBatch_MixedOutcome(t *testing.T) {
	t.Parallel()

	kb := &stubKnowledge{batch: []knowledge.BatchResult{
		{DocumentID: "a", Chunks: 2},
		{DocumentID: "b", Err: errors.New("embed failed")},
	}}
	srv := newTestServer(t, testDeps{knowledge: kb})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/documents/batch",
		`{"documents":[{"id":"a","content":"x"},{"id":"b","content":"y"}]}`)
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207", rec.Code)
	}

	var resp batchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Ingested != 1 || resp.Failed != 1 {
		t.Errorf("counts = %d ingested, %d failed", resp.Ingested, resp.Failed)
	}
	if resp.Results[1].Error == "" {
		t.Error("expected error message on failed item")
	}
}

func TestIngestBatch_AllSucceed(t *testing.T) {
	t.Parallel()

	kb := &stubKnowledge{batch: []knowledge.BatchResult{{DocumentID: "a", Chunks: 1}}}
	srv := newTestServer(t, testDeps{knowledge: kb})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/documents/batch",
		`{"documents":[{"id":"a","content":"x"}]}`)
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
}

func TestDeleteDocument(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testDeps{knowledge: &stubKnowledge{deleted: 4}})
	rec := doJSON(t, srv, http.MethodDelete, "/api/v1/documents/doc-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp deleteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ChunksRemoved != 4 {
		t.Errorf("chunks removed = %d, want 4", resp.ChunksRemoved)
	}
}

func TestDeleteDocument_NotFound(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testDeps{knowledge: &stubKnowledge{deleted: 0}})
	rec := doJSON(t, srv, http.MethodDelete, "/api/v1/documents/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSearch(t *testing.T) {
	t.Parallel()

	kb := &stubKnowledge{
		results: []knowledge.SearchResult{{
			Chunk: knowledge.Chunk{
				ID:         "doc-1-0",
				DocumentID: "doc-1",
				Content:    "relevant text",
				Metadata:   map[string]string{"source": "faq"},
			},
			Score: 0.91,
		}},
		cached: true,
	}
	srv := newTestServer(t, testDeps{knowledge: kb})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/search",
		`{"query":"refund policy","top_k":5,"filter":{"source":"faq"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if kb.gotQuery != "refund policy" || kb.gotTopK != 5 || kb.gotFilter["source"] != "faq" {
		t.Errorf("search got query=%q topK=%d filter=%v", kb.gotQuery, kb.gotTopK, kb.gotFilter)
	}

	var resp searchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Cached || len(resp.Results) != 1 {
		t.Fatalf("response = %+v", resp)
	}
	hit := resp.Results[0]
	if hit.ChunkID != "doc-1-0" || hit.Score != 0.91 {
		t.Errorf("hit = %+v", hit)
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testDeps{})
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/search", `{"top_k":3}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestKnowledgeStats(t *testing.T) {
	t.Parallel()

	kb := &stubKnowledge{stats: &knowledge.Stats{
		TotalChunks:    10,
		TotalDocuments: 4,
		BySource:       map[string]int{"faq": 6, "unknown": 4},
	}}
	srv := newTestServer(t, testDeps{knowledge: kb})

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/knowledge/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp knowledge.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TotalChunks != 10 || resp.TotalDocuments != 4 {
		t.Errorf("stats = %+v", resp)
	}
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	syn := &stubSynthesizer{result: &synthesis.Result{
		Audio:  &synthesis.Audio{Data: []byte("mp3-bytes"), Format: "mp3", Provider: "openai"},
		Cached: true,
	}}
	srv := newTestServer(t, testDeps{synthesizer: syn})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/synthesize", `{"text":"hello there"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp synthesizeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(resp.Audio) != "mp3-bytes" || resp.Format != "mp3" || resp.Provider != "openai" || !resp.Cached {
		t.Errorf("response = %+v", resp)
	}
}

func TestSynthesize_ProviderSelectionReachesChain(t *testing.T) {
	t.Parallel()

	syn := &stubSynthesizer{result: &synthesis.Result{
		Audio: &synthesis.Audio{Data: []byte("wav"), Format: "wav", Provider: "resemble"},
	}}
	srv := newTestServer(t, testDeps{synthesizer: syn})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/synthesize",
		`{"text":"hello","provider":"resemble","voice":"voice-7"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if syn.gotText != "hello" || syn.gotProvider != "resemble" || syn.gotVoice != "voice-7" {
		t.Errorf("chain got text=%q provider=%q voice=%q", syn.gotText, syn.gotProvider, syn.gotVoice)
	}
}

func TestSynthesize_AllProvidersFailed(t *testing.T) {
	t.Parallel()

	syn := &stubSynthesizer{err: synthesis.ErrAllProvidersFailed}
	srv := newTestServer(t, testDeps{synthesizer: syn})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/synthesize", `{"text":"hello"}`)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestSynthesisHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		health     *synthesis.Health
		wantStatus int
	}{
		{"healthy", &synthesis.Health{Status: "healthy"}, http.StatusOK},
		{"unhealthy", &synthesis.Health{Status: "unhealthy"}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t, testDeps{synthesizer: &stubSynthesizer{health: tt.health}})
			rec := doJSON(t, srv, http.MethodGet, "/api/v1/synthesis/health", "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestOptionalRoutesDisabled(t *testing.T) {
	t.Parallel()

	srv, err := NewServer(ServerConfig{
		Loop:    &stubLoop{result: &agent.Result{Text: "ok"}},
		History: &stubHistory{},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/search", `{"query":"x"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("search status = %d, want 404", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/synthesize", `{"text":"x"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("synthesize status = %d, want 404", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testDeps{})

	rec := doJSON(t, srv, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("/health status = %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/ready", "")
	if rec.Code != http.StatusOK {
		t.Errorf("/ready status = %d", rec.Code)
	}
}
