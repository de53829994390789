// Package embedding turns manuscript text into vectors for retrieval
// context. Manuscripts are chunked with overlap, embedded batch-wise through
// Gemini, and cached in SQLite keyed by content hash.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/genai"

	"peerflow/internal/logging"
	"peerflow/internal/store"
)

const (
	// ChunkSize and ChunkOverlap match the manuscript splitter settings the
	// retrieval context was tuned for.
	ChunkSize    = 1000
	ChunkOverlap = 200
)

// Engine generates embeddings.
type Engine interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
}

// =============================================================================
// GENAI ENGINE
// =============================================================================

// GenAIEngine generates embeddings through the Gemini API.
type GenAIEngine struct {
	client *genai.Client
	model  string
}

// NewGenAIEngine creates a Gemini-backed engine.
func NewGenAIEngine(ctx context.Context, apiKey, model string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GenAIEngine{client: client, model: model}, nil
}

func (e *GenAIEngine) Name() string { return "genai:" + e.model }

// Embed generates an embedding for a single text.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents,
		&genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"})
	if err != nil {
		return nil, fmt.Errorf("embed failed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed returned %d vectors for %d texts", len(result.Embeddings), len(texts))
	}
	vecs := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vecs[i] = emb.Values
	}
	return vecs, nil
}

// =============================================================================
// CHUNKING AND SIMILARITY
// =============================================================================

// Chunk splits text into overlapping windows of size/overlap runes.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = ChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = ChunkOverlap
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// Cosine returns the cosine similarity of two vectors, 0 when either has
// zero magnitude or lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ContentHash returns the cache key for a manuscript's embedding set.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// RETRIEVER
// =============================================================================

// Retriever embeds manuscripts cache-first and retrieves related chunks.
type Retriever struct {
	engine Engine
	store  *store.Store
	ttl    time.Duration
}

// NewRetriever builds a Retriever over an engine and the embedding cache.
func NewRetriever(engine Engine, s *store.Store, ttl time.Duration) *Retriever {
	return &Retriever{engine: engine, store: s, ttl: ttl}
}

// EmbedDocument chunks and embeds a manuscript, reusing cached vectors for
// identical content.
func (r *Retriever) EmbedDocument(ctx context.Context, text string) ([]store.EmbeddedChunk, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "embed document")
	defer timer.Stop()

	hash := ContentHash(text)
	if cached, ok, err := r.store.GetEmbeddings(hash); err != nil {
		logging.Get(logging.CategoryEmbedding).Warnf("embedding cache read failed: %v", err)
	} else if ok {
		logging.Get(logging.CategoryEmbedding).Debugf("embedding cache hit for %s (%d chunks)", hash[:12], len(cached))
		return cached, nil
	}

	texts := Chunk(text, ChunkSize, ChunkOverlap)
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := r.engine.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed document: %w", err)
	}

	chunks := make([]store.EmbeddedChunk, len(texts))
	for i := range texts {
		chunks[i] = store.EmbeddedChunk{Index: i, Text: texts[i], Vector: vecs[i]}
	}
	if err := r.store.PutEmbeddings(hash, chunks, r.ttl); err != nil {
		logging.Get(logging.CategoryEmbedding).Warnf("embedding cache write failed: %v", err)
	}
	return chunks, nil
}

// RelatedChunks returns the texts of the top-k chunks most similar to the
// query, most similar first.
func (r *Retriever) RelatedChunks(ctx context.Context, chunks []store.EmbeddedChunk, query string, k int) ([]string, error) {
	if len(chunks) == 0 || k <= 0 {
		return nil, nil
	}
	qvec, err := r.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	type scored struct {
		text string
		sim  float64
	}
	ranked := make([]scored, len(chunks))
	for i, ch := range chunks {
		ranked[i] = scored{text: ch.Text, sim: Cosine(qvec, ch.Vector)}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].sim > ranked[j].sim })

	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = ranked[i].text
	}
	return out, nil
}
