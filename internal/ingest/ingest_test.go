package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"peerflow/internal/review"
	"peerflow/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSubmitCreatesPendingSubmission(t *testing.T) {
	s := openTestStore(t)
	path := filepath.Join(t.TempDir(), "trial_outcomes_study.txt")
	if err := os.WriteFile(path, []byte("manuscript body"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	id, err := Submit(s, path, "")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	sub, err := s.GetSubmission(id)
	if err != nil {
		t.Fatalf("GetSubmission failed: %v", err)
	}
	if sub.Status != review.StatusPending {
		t.Errorf("status = %s, want pending", sub.Status)
	}
	if sub.Title != "trial outcomes study" {
		t.Errorf("title = %q", sub.Title)
	}
	if sub.Content != "manuscript body" {
		t.Errorf("content = %q", sub.Content)
	}
}

func TestSubmitExplicitTitle(t *testing.T) {
	s := openTestStore(t)
	path := filepath.Join(t.TempDir(), "file.md")
	os.WriteFile(path, []byte("x"), 0o644)

	id, err := Submit(s, path, "Custom Title")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	sub, _ := s.GetSubmission(id)
	if sub.Title != "Custom Title" {
		t.Errorf("title = %q", sub.Title)
	}
}

func TestSubmitMissingFile(t *testing.T) {
	s := openTestStore(t)
	if _, err := Submit(s, "/no/such/file.txt", ""); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// recordingReviewer captures started review ids.
type recordingReviewer struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingReviewer) StartReview(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func (r *recordingReviewer) started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestWatcherIngestsDroppedFile(t *testing.T) {
	s := openTestStore(t)
	reviewer := &recordingReviewer{}
	inbox := filepath.Join(t.TempDir(), "inbox")

	w, err := NewWatcher(s, reviewer, inbox)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	path := filepath.Join(inbox, "dropped.txt")
	if err := os.WriteFile(path, []byte("dropped manuscript"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(reviewer.started()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("dropped file was never ingested")
		}
		time.Sleep(20 * time.Millisecond)
	}

	sub, err := s.GetSubmission(reviewer.started()[0])
	if err != nil {
		t.Fatalf("GetSubmission failed: %v", err)
	}
	if sub.Content != "dropped manuscript" {
		t.Errorf("content = %q", sub.Content)
	}
}

// blockingReviewer records started ids and stalls until released.
type blockingReviewer struct {
	recordingReviewer
	release chan struct{}
}

func (r *blockingReviewer) StartReview(ctx context.Context, id string) error {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return nil
}

func TestWatcherIngestsConcurrently(t *testing.T) {
	s := openTestStore(t)
	reviewer := &blockingReviewer{release: make(chan struct{})}
	inbox := filepath.Join(t.TempDir(), "inbox")

	w, err := NewWatcher(s, reviewer, inbox)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(inbox, "first.txt"), []byte("first manuscript"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(inbox, "second.txt"), []byte("second manuscript"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// Both reviews must start even though neither has finished.
	deadline := time.Now().Add(5 * time.Second)
	for len(reviewer.started()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d reviews started; a blocked review must not stall ingestion", len(reviewer.started()))
		}
		time.Sleep(20 * time.Millisecond)
	}
	close(reviewer.release)
}

func TestWatcherIgnoresUnknownExtensions(t *testing.T) {
	s := openTestStore(t)
	reviewer := &recordingReviewer{}
	inbox := filepath.Join(t.TempDir(), "inbox")

	w, err := NewWatcher(s, reviewer, inbox)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	os.WriteFile(filepath.Join(inbox, "image.png"), []byte{0x89}, 0o644)

	time.Sleep(800 * time.Millisecond)
	if got := reviewer.started(); len(got) != 0 {
		t.Errorf("binary file was ingested: %v", got)
	}
}
