// Package ingest turns files dropped into an inbox directory into review
// submissions. Plain-text manuscripts only; the file name (minus extension)
// becomes the title.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"peerflow/internal/logging"
	"peerflow/internal/review"
	"peerflow/internal/store"
)

// Reviewer starts reviews for ingested submissions. Satisfied by
// *workflow.Orchestrator.
type Reviewer interface {
	StartReview(ctx context.Context, submissionID string) error
}

// acceptedExtensions are the manuscript file types the watcher picks up.
var acceptedExtensions = map[string]bool{
	".txt": true,
	".md":  true,
	".tex": true,
}

// Submit reads a manuscript file, stores it as a pending submission, and
// returns its id.
func Submit(s *store.Store, path, title string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if title == "" {
		title = titleFromPath(path)
	}

	now := time.Now().UTC()
	sub := &review.Submission{
		ID:        uuid.NewString(),
		Title:     title,
		Content:   string(data),
		Status:    review.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.PutSubmission(sub); err != nil {
		return "", err
	}
	logging.Get(logging.CategoryIngest).Infof("submission %s created from %s", sub.ID, path)
	return sub.ID, nil
}

func titleFromPath(path string) string {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return strings.ReplaceAll(name, "_", " ")
}

// Watcher monitors an inbox directory and submits dropped manuscripts.
type Watcher struct {
	store    *store.Store
	reviewer Reviewer
	dir      string

	watcher *fsnotify.Watcher

	mu       sync.Mutex
	debounce map[string]time.Time
	running  bool
	doneCh   chan struct{}
	inFlight sync.WaitGroup
}

// debounceWindow suppresses the duplicate events editors emit while a file
// is still being written.
const debounceWindow = 500 * time.Millisecond

// NewWatcher creates a Watcher over the inbox directory.
func NewWatcher(s *store.Store, reviewer Reviewer, dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		store:    s,
		reviewer: reviewer,
		dir:      dir,
		watcher:  fsw,
		debounce: make(map[string]time.Time),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the watch loop runs until the
// context is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	logging.Get(logging.CategoryIngest).Infof("watching inbox %s", w.dir)

	go w.run(ctx)
	return nil
}

// Stop closes the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.watcher.Close()
	<-w.doneCh
	w.inFlight.Wait()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	log := logging.Get(logging.CategoryIngest)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !acceptedExtensions[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}
			if !w.shouldProcess(event.Name) {
				continue
			}
			// Reviews run for minutes; ingest off the event loop so one
			// manuscript never blocks the next drop.
			w.inFlight.Add(1)
			go func(path string) {
				defer w.inFlight.Done()
				w.ingest(ctx, path)
			}(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("watch error: %v", err)
		}
	}
}

func (w *Watcher) shouldProcess(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if last, ok := w.debounce[path]; ok && now.Sub(last) < debounceWindow {
		return false
	}
	w.debounce[path] = now
	return true
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	log := logging.Get(logging.CategoryIngest)

	// Give the writer a moment to finish before reading.
	time.Sleep(debounceWindow)

	id, err := Submit(w.store, path, "")
	if err != nil {
		log.Warnf("failed to ingest %s: %v", path, err)
		return
	}
	if err := w.reviewer.StartReview(ctx, id); err != nil {
		log.Errorf("review failed for %s (%s): %v", id, path, err)
		return
	}
	log.Infof("review completed for dropped file %s (%s)", path, id)
}
