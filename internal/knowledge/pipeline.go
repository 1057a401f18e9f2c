package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kragentic/orchestrator/internal/cache"
	"github.com/kragentic/orchestrator/internal/llm"
	"github.com/kragentic/orchestrator/internal/log"
)

// DefaultContextTopK is how many chunks Context folds into prompt text.
const DefaultContextTopK = 3

const searchKeyPrefix = "search:"

// Pipeline ties chunking, embedding, the vector index, and the result cache
// together.
type Pipeline struct {
	chunker  *Chunker
	embedder llm.Embedder
	index    Index
	cache    cache.Store
	ttl      time.Duration
	logger   log.Logger
}

// PipelineConfig configures a Pipeline. Zero values take package defaults.
type PipelineConfig struct {
	ChunkSize    int
	ChunkOverlap int
	SearchTTL    time.Duration
}

// NewPipeline creates a Pipeline. Embedder, index, cache, and logger are
// required.
func NewPipeline(embedder llm.Embedder, index Index, store cache.Store, logger log.Logger, cfg PipelineConfig) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if index == nil {
		return nil, fmt.Errorf("index is required")
	}
	if store == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	size := cfg.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	overlap := cfg.ChunkOverlap
	if overlap < 0 {
		overlap = 0
	} else if overlap == 0 && cfg.ChunkSize <= 0 {
		overlap = DefaultChunkOverlap
	}
	chunker, err := NewChunker(size, overlap)
	if err != nil {
		return nil, err
	}

	ttl := cfg.SearchTTL
	if ttl <= 0 {
		ttl = DefaultSearchTTL
	}

	return &Pipeline{
		chunker:  chunker,
		embedder: embedder,
		index:    index,
		cache:    store,
		ttl:      ttl,
		logger:   logger,
	}, nil
}

// Ingest chunks, embeds, and indexes one document. It returns the document
// id (assigned when empty) and the number of chunks indexed. Failures wrap
// an IngestError carrying the persisted chunk count.
func (p *Pipeline) Ingest(ctx context.Context, doc Document) (string, int, error) {
	if strings.TrimSpace(doc.Content) == "" {
		return "", 0, fmt.Errorf("document content is required")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}

	chunks := p.chunker.Split(doc)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return doc.ID, 0, &IngestError{DocumentID: doc.ID, Err: fmt.Errorf("embedding chunks: %w", err)}
	}
	if len(vectors) != len(chunks) {
		return doc.ID, 0, &IngestError{DocumentID: doc.ID,
			Err: fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks))}
	}

	if err := p.index.Upsert(ctx, chunks, vectors); err != nil {
		return doc.ID, 0, &IngestError{DocumentID: doc.ID, Err: err}
	}

	p.logger.Info("document ingested", "document_id", doc.ID, "chunks", len(chunks))
	return doc.ID, len(chunks), nil
}

// BatchResult is the per-document outcome of IngestBatch.
type BatchResult struct {
	DocumentID string
	Chunks     int
	Err        error
}

// IngestBatch ingests documents independently: one failure does not stop the
// rest. Results are returned in input order.
func (p *Pipeline) IngestBatch(ctx context.Context, docs []Document) []BatchResult {
	results := make([]BatchResult, len(docs))
	for i, doc := range docs {
		id, n, err := p.Ingest(ctx, doc)
		results[i] = BatchResult{DocumentID: id, Chunks: n, Err: err}
	}
	return results
}

// Search embeds the query and ranks chunks by similarity. Identical searches
// within the TTL are served from cache; cached reports which path answered.
func (p *Pipeline) Search(ctx context.Context, query string, topK int, filter map[string]string) (results []SearchResult, cached bool, err error) {
	if strings.TrimSpace(query) == "" {
		return nil, false, fmt.Errorf("query is required")
	}
	if topK <= 0 {
		topK = 5
	}

	key := searchKeyPrefix + searchCacheKey(query, topK, filter)
	if raw, ok, cerr := p.cache.Get(ctx, key); cerr == nil && ok {
		var hit []SearchResult
		if jerr := json.Unmarshal(raw, &hit); jerr == nil {
			return hit, true, nil
		}
		// Corrupt cache entry; fall through to the index.
	} else if cerr != nil {
		p.logger.Warn("search cache unavailable", "error", cerr)
	}

	vectors, err := p.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, false, fmt.Errorf("embedding query: %w", err)
	}

	results, err = p.index.Search(ctx, vectors[0], topK, filter)
	if err != nil {
		return nil, false, err
	}

	if raw, jerr := json.Marshal(results); jerr == nil {
		if cerr := p.cache.Set(ctx, key, raw, p.ttl); cerr != nil {
			p.logger.Warn("caching search results failed", "error", cerr)
		}
	}
	return results, false, nil
}

// Context renders the best matches for a query into prompt-ready text.
// A topK of zero or less takes DefaultContextTopK. Callers treat an error
// as "no context".
func (p *Pipeline) Context(ctx context.Context, query string, topK int) (string, error) {
	if topK <= 0 {
		topK = DefaultContextTopK
	}
	results, _, err := p.Search(ctx, query, topK, nil)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(r.Chunk.Content)
	}
	return b.String(), nil
}

// Delete removes a document's chunks from the index and reports how many
// were removed.
func (p *Pipeline) Delete(ctx context.Context, documentID string) (int, error) {
	if documentID == "" {
		return 0, fmt.Errorf("document id is required")
	}
	removed, err := p.index.Delete(ctx, documentID)
	if err != nil {
		return 0, err
	}
	p.logger.Info("document deleted", "document_id", documentID, "chunks_removed", removed)
	return removed, nil
}

// Stats reports index statistics.
func (p *Pipeline) Stats(ctx context.Context) (*Stats, error) {
	return p.index.Stats(ctx)
}

// searchCacheKey derives a stable key from the query, topK, and the filter
// in sorted-key order, so equivalent searches share a cache slot.
func searchCacheKey(query string, topK int, filter map[string]string) string {
	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(topK)))

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(filter[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
