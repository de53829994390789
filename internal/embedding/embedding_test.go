package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"peerflow/internal/store"
)

// stubEngine returns deterministic vectors derived from text length.
type stubEngine struct {
	calls int
}

func (e *stubEngine) Name() string { return "stub" }

func (e *stubEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = []float32{float32(len(t)), float32(strings.Count(t, " ")), 1}
	}
	return vecs, nil
}

func TestChunkOverlap(t *testing.T) {
	text := strings.Repeat("a", 2500)
	chunks := Chunk(text, 1000, 200)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 1000 {
		t.Errorf("first chunk has %d chars, want 1000", len(chunks[0]))
	}
	// Steps of 800: last chunk covers 1600..2500.
	if len(chunks[2]) != 900 {
		t.Errorf("final chunk has %d chars, want 900", len(chunks[2]))
	}
}

func TestChunkShortText(t *testing.T) {
	chunks := Chunk("tiny", 1000, 200)
	if len(chunks) != 1 || chunks[0] != "tiny" {
		t.Errorf("unexpected chunks: %v", chunks)
	}
	if got := Chunk("", 1000, 200); got != nil {
		t.Errorf("empty text should yield no chunks, got %v", got)
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Errorf("identical vectors: %f", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{0, 1}); math.Abs(got) > 1e-9 {
		t.Errorf("orthogonal vectors: %f", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{0, 0}); got != 0 {
		t.Errorf("zero vector: %f", got)
	}
	if got := Cosine([]float32{1}, []float32{1, 2}); got != 0 {
		t.Errorf("length mismatch: %f", got)
	}
}

func TestOllamaEngineEmbed(t *testing.T) {
	var gotModel, gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		gotModel, gotPrompt = req.Model, req.Prompt
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL, "embeddinggemma")
	vec, err := e.Embed(context.Background(), "chunk text")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("vector length = %d, want 3", len(vec))
	}
	if gotModel != "embeddinggemma" || gotPrompt != "chunk text" {
		t.Errorf("request carried model=%q prompt=%q", gotModel, gotPrompt)
	}

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(vecs) != 2 {
		t.Errorf("batch returned %d vectors, want 2", len(vecs))
	}
}

func TestOllamaEngineServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL, "")
	if _, err := e.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error from non-200 response")
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEmbedDocumentUsesCache(t *testing.T) {
	engine := &stubEngine{}
	r := NewRetriever(engine, openTestStore(t), time.Hour)

	text := strings.Repeat("manuscript text ", 100)
	first, err := r.EmbedDocument(context.Background(), text)
	if err != nil {
		t.Fatalf("EmbedDocument failed: %v", err)
	}
	if len(first) == 0 {
		t.Fatal("expected chunks")
	}
	if engine.calls != 1 {
		t.Fatalf("engine called %d times, want 1", engine.calls)
	}

	second, err := r.EmbedDocument(context.Background(), text)
	if err != nil {
		t.Fatalf("EmbedDocument failed: %v", err)
	}
	if engine.calls != 1 {
		t.Errorf("cache miss on identical content: %d engine calls", engine.calls)
	}
	if len(second) != len(first) {
		t.Errorf("cached chunks differ: %d vs %d", len(second), len(first))
	}
}

func TestRelatedChunksTopK(t *testing.T) {
	engine := &stubEngine{}
	r := NewRetriever(engine, openTestStore(t), time.Hour)

	chunks := []store.EmbeddedChunk{
		{Index: 0, Text: "far", Vector: []float32{0, 1, 0}},
		{Index: 1, Text: "near", Vector: []float32{1, 0, 0}},
		{Index: 2, Text: "middle", Vector: []float32{1, 1, 0}},
	}
	// Query vector from stubEngine: {len, spaces, 1}. Use cosine ordering
	// against a fixed query.
	got, err := r.RelatedChunks(context.Background(), chunks, strings.Repeat("q", 10), 2)
	if err != nil {
		t.Fatalf("RelatedChunks failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}

	none, err := r.RelatedChunks(context.Background(), nil, "q", 3)
	if err != nil || none != nil {
		t.Errorf("empty chunk set: got=%v err=%v", none, err)
	}
}
