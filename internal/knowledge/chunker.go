package knowledge

import (
	"fmt"
	"strings"
)

// Chunker splits document text into overlapping windows. Offsets are in
// runes, so multibyte text never splits mid-character.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a Chunker. Size must be positive and overlap must be
// smaller than size, otherwise the window could not advance.
func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("overlap must be in [0, %d), got %d", size, overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Split chunks the document's content. Each chunk advances by size−overlap
// runes; splitting stops once a chunk reaches the end of the text. Empty or
// whitespace-only content yields no chunks.
func (c *Chunker) Split(doc Document) []Chunk {
	text := strings.TrimSpace(doc.Content)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	stride := c.size - c.overlap

	var chunks []Chunk
	for offset := 0; ; offset += stride {
		end := offset + c.size
		if end > len(runes) {
			end = len(runes)
		}

		chunks = append(chunks, Chunk{
			ID:         fmt.Sprintf("%s-%d", doc.ID, len(chunks)),
			DocumentID: doc.ID,
			Ordinal:    len(chunks),
			Content:    string(runes[offset:end]),
			Metadata:   doc.Metadata,
		})

		if end == len(runes) {
			break
		}
	}
	return chunks
}
