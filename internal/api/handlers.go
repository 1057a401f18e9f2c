package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kragentic/orchestrator/internal/conversation"
	"github.com/kragentic/orchestrator/internal/knowledge"
	"github.com/kragentic/orchestrator/internal/synthesis"
)

// converseHandler serves conversational turns and transcript management.
type converseHandler struct {
	loop    Conversationalist
	history HistoryStore
	logger  *slog.Logger
}

type converseRequest struct {
	ConversationKey string `json:"conversation_key"`
	Message         string `json:"message"`
	CustomerID      string `json:"customer_id,omitempty"`
}

type converseResponse struct {
	Text            string    `json:"text"`
	ConversationKey string    `json:"conversation_key"`
	Timestamp       time.Time `json:"timestamp"`
	Errored         bool      `json:"errored"`
}

func (h *converseHandler) converse(w http.ResponseWriter, r *http.Request) {
	var req converseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.ConversationKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "conversation_key is required")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}

	result, err := h.loop.Converse(r.Context(), req.ConversationKey, req.Message, req.CustomerID)
	if err != nil {
		h.logger.Error("conversational turn failed",
			"key", req.ConversationKey,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "turn_failed", "could not complete the turn")
		return
	}

	writeJSON(w, http.StatusOK, converseResponse{
		Text:            result.Text,
		ConversationKey: result.ConversationKey,
		Timestamp:       result.Timestamp,
		Errored:         result.Errored,
	})
}

type messageResponse struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type conversationResponse struct {
	ConversationKey string            `json:"conversation_key"`
	Messages        []messageResponse `json:"messages"`
}

func (h *converseHandler) getConversation(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	msgs, err := h.history.Load(r.Context(), key)
	if err != nil {
		if errors.Is(err, conversation.ErrStorageUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "conversation storage unavailable")
			return
		}
		h.logger.Error("loading conversation failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not load conversation")
		return
	}

	out := conversationResponse{
		ConversationKey: key,
		Messages:        make([]messageResponse, 0, len(msgs)),
	}
	for _, m := range msgs {
		out.Messages = append(out.Messages, messageResponse{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type clearResponse struct {
	Success bool `json:"success"`
}

func (h *converseHandler) deleteConversation(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	existed, err := h.history.Clear(r.Context(), key)
	if err != nil {
		h.logger.Error("clearing conversation failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not clear conversation")
		return
	}

	// Success reports whether a transcript existed; clearing a missing
	// conversation is a 404 with the same body shape.
	status := http.StatusOK
	if !existed {
		status = http.StatusNotFound
	}
	writeJSON(w, status, clearResponse{Success: existed})
}

// knowledgeHandler serves document ingestion and retrieval search.
type knowledgeHandler struct {
	pipeline KnowledgeBase
	logger   *slog.Logger
}

type documentRequest struct {
	ID       string            `json:"id,omitempty"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type ingestResponse struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
}

func (h *knowledgeHandler) ingest(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}

	docID, chunks, err := h.pipeline.Ingest(r.Context(), knowledge.Document{
		ID:       req.ID,
		Content:  req.Content,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.logger.Error("document ingest failed", "document_id", req.ID, "error", err)
		writeError(w, http.StatusBadGateway, "ingest_failed", "could not ingest document")
		return
	}

	writeJSON(w, http.StatusCreated, ingestResponse{DocumentID: docID, Chunks: chunks})
}

type batchRequest struct {
	Documents []documentRequest `json:"documents"`
}

type batchItemResponse struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
	Error      string `json:"error,omitempty"`
}

type batchResponse struct {
	Results  []batchItemResponse `json:"results"`
	Ingested int                 `json:"ingested"`
	Failed   int                 `json:"failed"`
}

func (h *knowledgeHandler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "documents must not be empty")
		return
	}

	docs := make([]knowledge.Document, 0, len(req.Documents))
	for _, d := range req.Documents {
		docs = append(docs, knowledge.Document{ID: d.ID, Content: d.Content, Metadata: d.Metadata})
	}

	results := h.pipeline.IngestBatch(r.Context(), docs)

	out := batchResponse{Results: make([]batchItemResponse, 0, len(results))}
	for _, res := range results {
		item := batchItemResponse{DocumentID: res.DocumentID, Chunks: res.Chunks}
		if res.Err != nil {
			item.Error = res.Err.Error()
			out.Failed++
		} else {
			out.Ingested++
		}
		out.Results = append(out.Results, item)
	}

	status := http.StatusCreated
	if out.Failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, out)
}

type deleteResponse struct {
	DocumentID    string `json:"document_id"`
	ChunksRemoved int    `json:"chunks_removed"`
}

func (h *knowledgeHandler) deleteDocument(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")

	removed, err := h.pipeline.Delete(r.Context(), docID)
	if err != nil {
		h.logger.Error("document delete failed", "document_id", docID, "error", err)
		writeError(w, http.StatusBadGateway, "delete_failed", "could not delete document")
		return
	}
	if removed == 0 {
		writeError(w, http.StatusNotFound, "not_found", "no such document")
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{DocumentID: docID, ChunksRemoved: removed})
}

type searchRequest struct {
	Query  string            `json:"query"`
	TopK   int               `json:"top_k,omitempty"`
	Filter map[string]string `json:"filter,omitempty"`
}

type searchHit struct {
	ChunkID    string            `json:"chunk_id"`
	DocumentID string            `json:"document_id"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Score      float64           `json:"score"`
}

type searchResponse struct {
	Results []searchHit `json:"results"`
	Cached  bool        `json:"cached"`
}

func (h *knowledgeHandler) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}

	results, cached, err := h.pipeline.Search(r.Context(), req.Query, req.TopK, req.Filter)
	if err != nil {
		h.logger.Error("search failed", "error", err)
		writeError(w, http.StatusBadGateway, "search_failed", "could not run search")
		return
	}

	out := searchResponse{Results: make([]searchHit, 0, len(results)), Cached: cached}
	for _, res := range results {
		out.Results = append(out.Results, searchHit{
			ChunkID:    res.Chunk.ID,
			DocumentID: res.Chunk.DocumentID,
			Content:    res.Chunk.Content,
			Metadata:   res.Chunk.Metadata,
			Score:      res.Score,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *knowledgeHandler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.pipeline.Stats(r.Context())
	if err != nil {
		h.logger.Error("stats query failed", "error", err)
		writeError(w, http.StatusBadGateway, "stats_failed", "could not read index stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// synthesisHandler serves speech synthesis.
type synthesisHandler struct {
	chain  Synthesizer
	logger *slog.Logger
}

type synthesizeRequest struct {
	Text     string `json:"text"`
	Provider string `json:"provider,omitempty"`
	Voice    string `json:"voice,omitempty"`
}

type synthesizeResponse struct {
	Audio    []byte `json:"audio"`
	Format   string `json:"format"`
	Provider string `json:"provider"`
	Cached   bool   `json:"cached"`
}

func (h *synthesisHandler) synthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	result, err := h.chain.Synthesize(r.Context(), req.Text, req.Provider, req.Voice)
	if err != nil {
		if errors.Is(err, synthesis.ErrAllProvidersFailed) {
			writeError(w, http.StatusBadGateway, "synthesis_failed", "all speech providers failed")
			return
		}
		h.logger.Error("synthesis failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not synthesize speech")
		return
	}

	writeJSON(w, http.StatusOK, synthesizeResponse{
		Audio:    result.Audio.Data,
		Format:   result.Audio.Format,
		Provider: result.Audio.Provider,
		Cached:   result.Cached,
	})
}

func (h *synthesisHandler) health(w http.ResponseWriter, r *http.Request) {
	report := h.chain.HealthCheck(r.Context())

	status := http.StatusOK
	if report.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
