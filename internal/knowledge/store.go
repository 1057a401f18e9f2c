package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/kragentic/orchestrator/internal/log"
)

// Index is the vector store contract the pipeline depends on. Upsert
// replaces a document's chunks atomically: readers never observe a partially
// written document.
type Index interface {
	Upsert(ctx context.Context, chunks []Chunk, vectors [][]float32) error
	Search(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]SearchResult, error)
	Delete(ctx context.Context, documentID string) (int, error)
	Stats(ctx context.Context) (*Stats, error)
}

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const insertChunkSQL = `INSERT INTO knowledge_chunks (id, document_id, ordinal, content, metadata, embedding)
	VALUES ($1, $2, $3, $4, $5, $6)`

const insertTrackingSQL = `INSERT INTO document_chunks (document_id, chunk_id)
	VALUES ($1, $2)`

// PGIndex stores chunks in PostgreSQL with pgvector embeddings.
//
// PGIndex is safe for concurrent use by multiple goroutines.
type PGIndex struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewPGIndex creates a pgvector-backed index.
func NewPGIndex(pool *pgxpool.Pool, logger log.Logger) (*PGIndex, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &PGIndex{pool: pool, logger: logger}, nil
}

// Upsert replaces all chunks for the documents covered by the batch. Old
// chunks, new chunks, and the tracking rows change in one transaction.
func (s *PGIndex) Upsert(ctx context.Context, chunks []Chunk, vectors [][]float32) error {
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) != len(vectors) {
		return fmt.Errorf("got %d chunks but %d vectors", len(chunks), len(vectors))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %w", ErrIndexUnavailable, err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	docIDs := make(map[string]struct{})
	for _, c := range chunks {
		docIDs[c.DocumentID] = struct{}{}
	}
	for docID := range docIDs {
		if _, err := deleteDocument(ctx, tx, docID); err != nil {
			return err
		}
	}

	for i, c := range chunks {
		meta, err := json.Marshal(metadataOrEmpty(c.Metadata))
		if err != nil {
			return fmt.Errorf("encoding metadata for chunk %s: %w", c.ID, err)
		}
		if _, err := tx.Exec(ctx, insertChunkSQL,
			c.ID, c.DocumentID, c.Ordinal, c.Content, meta, pgvector.NewVector(vectors[i]),
		); err != nil {
			return fmt.Errorf("%w: inserting chunk %s: %w", ErrIndexUnavailable, c.ID, err)
		}
		if _, err := tx.Exec(ctx, insertTrackingSQL, c.DocumentID, c.ID); err != nil {
			return fmt.Errorf("%w: tracking chunk %s: %w", ErrIndexUnavailable, c.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: committing upsert: %w", ErrIndexUnavailable, err)
	}
	return nil
}

// Search returns the topK most similar chunks by cosine similarity,
// optionally restricted to chunks whose metadata contains every filter pair.
func (s *PGIndex) Search(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}

	query := `SELECT id, document_id, ordinal, content, metadata,
		1 - (embedding <=> $1) AS similarity
		FROM knowledge_chunks`
	args := []any{pgvector.NewVector(vector)}

	if len(filter) > 0 {
		meta, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("encoding filter: %w", err)
		}
		query += ` WHERE metadata @> $2::jsonb
			ORDER BY embedding <=> $1 LIMIT $3`
		args = append(args, meta, topK)
	} else {
		query += ` ORDER BY embedding <=> $1 LIMIT $2`
		args = append(args, topK)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: searching chunks: %w", ErrIndexUnavailable, err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var meta []byte
		if err := rows.Scan(&r.Chunk.ID, &r.Chunk.DocumentID, &r.Chunk.Ordinal,
			&r.Chunk.Content, &meta, &r.Score); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Chunk.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata for chunk %s: %w", r.Chunk.ID, err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating chunks: %w", ErrIndexUnavailable, err)
	}
	if results == nil {
		results = []SearchResult{}
	}
	return results, nil
}

// Delete removes every chunk of a document via the tracking table and
// reports how many chunks were removed. Deleting an unknown document is not
// an error and reports zero.
func (s *PGIndex) Delete(ctx context.Context, documentID string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: beginning transaction: %w", ErrIndexUnavailable, err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	removed, err := deleteDocument(ctx, tx, documentID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: committing delete: %w", ErrIndexUnavailable, err)
	}
	return removed, nil
}

func deleteDocument(ctx context.Context, q querier, documentID string) (int, error) {
	tag, err := q.Exec(ctx,
		`DELETE FROM knowledge_chunks
		 WHERE id IN (SELECT chunk_id FROM document_chunks WHERE document_id = $1)`,
		documentID,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: deleting chunks for %s: %w", ErrIndexUnavailable, documentID, err)
	}
	if _, err := q.Exec(ctx,
		`DELETE FROM document_chunks WHERE document_id = $1`, documentID,
	); err != nil {
		return 0, fmt.Errorf("%w: deleting tracking rows for %s: %w", ErrIndexUnavailable, documentID, err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats reports chunk and document counts, broken down by the "source"
// metadata key when present.
func (s *PGIndex) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{BySource: make(map[string]int)}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT document_id) FROM knowledge_chunks`,
	).Scan(&stats.TotalChunks, &stats.TotalDocuments)
	if err != nil {
		return nil, fmt.Errorf("%w: counting chunks: %w", ErrIndexUnavailable, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT COALESCE(metadata->>'source', ''), COUNT(*)
		 FROM knowledge_chunks
		 GROUP BY 1`,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: counting by source: %w", ErrIndexUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("scanning source count: %w", err)
		}
		if source == "" {
			source = "unknown"
		}
		stats.BySource[source] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating source counts: %w", ErrIndexUnavailable, err)
	}
	return stats, nil
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
