package knowledge_test

import (
	"context"
	"strings"
	"testing"

	"github.com/kragentic/orchestrator/internal/cache"
	"github.com/kragentic/orchestrator/internal/knowledge"
	"github.com/kragentic/orchestrator/internal/llm"
	"github.com/kragentic/orchestrator/internal/log"
	"github.com/kragentic/orchestrator/internal/testutil"
)

func TestPGIndex_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}

	tdb, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	index, err := knowledge.NewPGIndex(tdb.Pool, log.NewNop())
	if err != nil {
		t.Fatalf("new index: %v", err)
	}

	backend := cache.NewMemory(cache.MemoryConfig{SweepInterval: -1})
	defer backend.Close()

	embedder := &llm.StubEmbedder{Dim: 768}
	pipeline, err := knowledge.NewPipeline(embedder, index, backend, log.NewNop(), knowledge.PipelineConfig{})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	t.Run("ingest and search round trip", func(t *testing.T) {
		id, chunks, err := pipeline.Ingest(ctx, knowledge.Document{
			Content:  strings.Repeat("a", 2500),
			Metadata: map[string]string{"source": "manual"},
		})
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		if chunks != 3 {
			t.Errorf("chunks = %d, want 3", chunks)
		}

		results, cached, err := pipeline.Search(ctx, strings.Repeat("a", 50), 5, nil)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if cached {
			t.Error("first search must not be cached")
		}
		if len(results) != 3 {
			t.Fatalf("got %d results, want 3", len(results))
		}
		for _, r := range results {
			if r.Chunk.DocumentID != id {
				t.Errorf("result document = %q, want %q", r.Chunk.DocumentID, id)
			}
			if r.Chunk.Metadata["source"] != "manual" {
				t.Errorf("result metadata = %v", r.Chunk.Metadata)
			}
		}
	})

	t.Run("metadata filter restricts results", func(t *testing.T) {
		if _, _, err := pipeline.Ingest(ctx, knowledge.Document{
			ID:       "faq-doc",
			Content:  "filtered content",
			Metadata: map[string]string{"source": "faq"},
		}); err != nil {
			t.Fatalf("ingest: %v", err)
		}

		results, _, err := pipeline.Search(ctx, "filtered content", 10, map[string]string{"source": "faq"})
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		for _, r := range results {
			if r.Chunk.Metadata["source"] != "faq" {
				t.Errorf("filter leaked chunk %q with metadata %v", r.Chunk.ID, r.Chunk.Metadata)
			}
		}
	})

	t.Run("delete removes all document chunks", func(t *testing.T) {
		if _, _, err := pipeline.Ingest(ctx, knowledge.Document{
			ID:      "victim",
			Content: strings.Repeat("b", 2500),
		}); err != nil {
			t.Fatalf("ingest: %v", err)
		}

		removed, err := pipeline.Delete(ctx, "victim")
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if removed != 3 {
			t.Errorf("removed = %d, want 3", removed)
		}

		var remaining int
		if err := tdb.Pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM knowledge_chunks WHERE document_id = 'victim'",
		).Scan(&remaining); err != nil {
			t.Fatalf("counting: %v", err)
		}
		if remaining != 0 {
			t.Errorf("remaining chunks = %d", remaining)
		}
	})

	t.Run("reingest replaces chunks", func(t *testing.T) {
		if _, _, err := pipeline.Ingest(ctx, knowledge.Document{
			ID:      "mutating",
			Content: strings.Repeat("c", 2500),
		}); err != nil {
			t.Fatalf("first ingest: %v", err)
		}
		if _, _, err := pipeline.Ingest(ctx, knowledge.Document{
			ID:      "mutating",
			Content: "short now",
		}); err != nil {
			t.Fatalf("second ingest: %v", err)
		}

		var count int
		if err := tdb.Pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM knowledge_chunks WHERE document_id = 'mutating'",
		).Scan(&count); err != nil {
			t.Fatalf("counting: %v", err)
		}
		if count != 1 {
			t.Errorf("chunks after re-ingest = %d, want 1", count)
		}
	})

	t.Run("stats report totals and sources", func(t *testing.T) {
		stats, err := pipeline.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.TotalChunks == 0 || stats.TotalDocuments == 0 {
			t.Errorf("stats = %+v, want non-zero totals", stats)
		}
		if stats.BySource["faq"] == 0 {
			t.Errorf("by_source = %v, want faq counted", stats.BySource)
		}
	})
}
