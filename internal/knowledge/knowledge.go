// Package knowledge implements the retrieval pipeline: documents are chunked,
// embedded, and stored in a pgvector index; searches embed the query, rank by
// cosine similarity, and cache results for repeated queries.
package knowledge

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	// ErrIndexUnavailable indicates the vector index could not serve the
	// request.
	ErrIndexUnavailable = errors.New("knowledge: index unavailable")

	// ErrNotFound indicates no document matches the given id.
	ErrNotFound = errors.New("knowledge: document not found")
)

// Chunking defaults.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// DefaultSearchTTL is how long search results stay cached.
const DefaultSearchTTL = time.Hour

// Document is a unit of ingestable content.
type Document struct {
	// ID identifies the document; assigned if empty.
	ID string

	// Content is the full text to index.
	Content string

	// Metadata travels with every chunk and is filterable at search time.
	Metadata map[string]string
}

// Chunk is one indexed slice of a document.
type Chunk struct {
	// ID is "<document id>-<ordinal>".
	ID string

	DocumentID string
	Ordinal    int
	Content    string
	Metadata   map[string]string
}

// SearchResult is one ranked hit.
type SearchResult struct {
	Chunk Chunk

	// Score is cosine similarity in [0, 1], higher is more similar.
	Score float64
}

// Stats summarizes the index contents.
type Stats struct {
	TotalChunks    int            `json:"total_chunks"`
	TotalDocuments int            `json:"total_documents"`
	BySource       map[string]int `json:"by_source,omitempty"`
}

// IngestError reports a failed ingest, including how many chunks were
// persisted before the failure. Chunk writes are transactional, so the count
// is zero unless the failure happened after commit.
type IngestError struct {
	DocumentID      string
	PersistedChunks int
	Err             error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingesting document %s (%d chunks persisted): %v",
		e.DocumentID, e.PersistedChunks, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }
