// Package store implements peerflow persistence on SQLite: submission
// records, workflow checkpoints, the gateway response cache, and the
// embedding cache. All blobs are JSON; checkpoints use overwrite semantics
// keyed by submission id.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"peerflow/internal/logging"
	"peerflow/internal/review"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the SQLite-backed persistence layer.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes the SQLite database at the given path.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Get(logging.CategoryStore).Debugf("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Get(logging.CategoryStore).Debugf("failed to set journal_mode=WAL: %v", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS submissions (
			id           TEXT PRIMARY KEY,
			title        TEXT NOT NULL,
			content      TEXT NOT NULL,
			domain       TEXT NOT NULL DEFAULT '',
			weights      TEXT NOT NULL DEFAULT '{}',
			status       TEXT NOT NULL,
			degraded     INTEGER NOT NULL DEFAULT 0,
			report       TEXT,
			error_detail TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL,
			updated_at   DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			submission_id TEXT PRIMARY KEY,
			stage         TEXT NOT NULL,
			state         TEXT NOT NULL,
			updated_at    DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS llm_cache (
			cache_key  TEXT PRIMARY KEY,
			backend    TEXT NOT NULL DEFAULT '',
			response   TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT NOT NULL,
			chunk_index  INTEGER NOT NULL,
			chunk_text   TEXT NOT NULL,
			vector       TEXT NOT NULL,
			created_at   DATETIME NOT NULL,
			expires_at   DATETIME NOT NULL,
			PRIMARY KEY (content_hash, chunk_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_llm_cache_expires ON llm_cache(expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// =============================================================================
// SUBMISSIONS
// =============================================================================

// PutSubmission inserts or replaces a submission record.
func (s *Store) PutSubmission(sub *review.Submission) error {
	weights, err := json.Marshal(sub.Weights)
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	var report any
	if sub.Report != nil {
		data, err := json.Marshal(sub.Report)
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		report = string(data)
	}

	_, err = s.db.Exec(`INSERT INTO submissions
		(id, title, content, domain, weights, status, degraded, report, error_detail, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, content=excluded.content, domain=excluded.domain,
			weights=excluded.weights, status=excluded.status, degraded=excluded.degraded,
			report=excluded.report, error_detail=excluded.error_detail, updated_at=excluded.updated_at`,
		sub.ID, sub.Title, sub.Content, sub.Domain, string(weights), string(sub.Status),
		boolToInt(sub.Degraded), report, sub.ErrorDetail, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to put submission: %w", err)
	}
	return nil
}

// GetSubmission loads a submission by id.
func (s *Store) GetSubmission(id string) (*review.Submission, error) {
	row := s.db.QueryRow(`SELECT id, title, content, domain, weights, status, degraded,
		report, error_detail, created_at, updated_at FROM submissions WHERE id = ?`, id)

	var sub review.Submission
	var weights string
	var report sql.NullString
	var degraded int
	var status string
	err := row.Scan(&sub.ID, &sub.Title, &sub.Content, &sub.Domain, &weights, &status,
		&degraded, &report, &sub.ErrorDetail, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	sub.Status = review.Status(status)
	sub.Degraded = degraded != 0
	if err := json.Unmarshal([]byte(weights), &sub.Weights); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
	}
	if report.Valid && report.String != "" {
		var r review.FinalReport
		if err := json.Unmarshal([]byte(report.String), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal report: %w", err)
		}
		sub.Report = &r
	}
	return &sub, nil
}

// =============================================================================
// CHECKPOINTS
// =============================================================================

// SaveCheckpoint upserts the workflow state for a submission.
func (s *Store) SaveCheckpoint(state *review.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO checkpoints (submission_id, stage, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(submission_id) DO UPDATE SET
			stage=excluded.stage, state=excluded.state, updated_at=excluded.updated_at`,
		state.SubmissionID, string(state.Stage), string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	logging.Get(logging.CategoryStore).Debugf("checkpoint saved: %s at %s", state.SubmissionID, state.Stage)
	return nil
}

// LoadCheckpoint loads the workflow state for a submission, or ErrNotFound.
func (s *Store) LoadCheckpoint(submissionID string) (*review.WorkflowState, error) {
	row := s.db.QueryRow(`SELECT state FROM checkpoints WHERE submission_id = ?`, submissionID)
	var raw string
	err := row.Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var state review.WorkflowState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if state.Attempts == nil {
		state.Attempts = make(map[review.AgentType]int)
	}
	if state.Critiques == nil {
		state.Critiques = make(map[review.AgentType]*review.Critique)
	}
	return &state, nil
}

// DeleteCheckpoint removes the checkpoint after successful completion.
func (s *Store) DeleteCheckpoint(submissionID string) error {
	if _, err := s.db.Exec(`DELETE FROM checkpoints WHERE submission_id = ?`, submissionID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// =============================================================================
// RESPONSE CACHE
// =============================================================================

// CacheGet returns a cached response if present and unexpired. Expired
// entries are deleted lazily on read.
func (s *Store) CacheGet(key string) (string, bool, error) {
	row := s.db.QueryRow(`SELECT response, expires_at FROM llm_cache WHERE cache_key = ?`, key)
	var response string
	var expiresAt time.Time
	err := row.Scan(&response, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read cache: %w", err)
	}
	if time.Now().After(expiresAt) {
		if _, err := s.db.Exec(`DELETE FROM llm_cache WHERE cache_key = ?`, key); err != nil {
			logging.Get(logging.CategoryStore).Warnf("failed to delete expired cache entry: %v", err)
		}
		return "", false, nil
	}
	return response, true, nil
}

// CachePut stores a response with the given TTL.
func (s *Store) CachePut(key, backend, response string, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`INSERT INTO llm_cache (cache_key, backend, response, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			backend=excluded.backend, response=excluded.response,
			created_at=excluded.created_at, expires_at=excluded.expires_at`,
		key, backend, response, now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

// ClearExpired removes expired cache entries from both caches and returns
// the number deleted.
func (s *Store) ClearExpired() (int64, error) {
	now := time.Now().UTC()
	var total int64
	for _, table := range []string{"llm_cache", "embedding_cache"} {
		res, err := s.db.Exec(`DELETE FROM `+table+` WHERE expires_at < ?`, now)
		if err != nil {
			return total, fmt.Errorf("failed to clear expired %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// =============================================================================
// EMBEDDING CACHE
// =============================================================================

// EmbeddedChunk is one cached manuscript chunk with its vector.
type EmbeddedChunk struct {
	Index  int
	Text   string
	Vector []float32
}

// PutEmbeddings replaces all cached chunks for a content hash.
func (s *Store) PutEmbeddings(contentHash string, chunks []EmbeddedChunk, ttl time.Duration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM embedding_cache WHERE content_hash = ?`, contentHash); err != nil {
		return fmt.Errorf("failed to clear embeddings: %w", err)
	}
	now := time.Now().UTC()
	for _, ch := range chunks {
		vec, err := json.Marshal(ch.Vector)
		if err != nil {
			return fmt.Errorf("failed to marshal vector: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO embedding_cache
			(content_hash, chunk_index, chunk_text, vector, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			contentHash, ch.Index, ch.Text, string(vec), now, now.Add(ttl)); err != nil {
			return fmt.Errorf("failed to insert embedding: %w", err)
		}
	}
	return tx.Commit()
}

// GetEmbeddings returns cached chunks for a content hash in chunk order.
// A missing or expired set returns (nil, false, nil).
func (s *Store) GetEmbeddings(contentHash string) ([]EmbeddedChunk, bool, error) {
	rows, err := s.db.Query(`SELECT chunk_index, chunk_text, vector, expires_at
		FROM embedding_cache WHERE content_hash = ? ORDER BY chunk_index`, contentHash)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var chunks []EmbeddedChunk
	for rows.Next() {
		var ch EmbeddedChunk
		var vec string
		var expiresAt time.Time
		if err := rows.Scan(&ch.Index, &ch.Text, &vec, &expiresAt); err != nil {
			return nil, false, fmt.Errorf("failed to scan embedding: %w", err)
		}
		if now.After(expiresAt) {
			return nil, false, nil
		}
		if err := json.Unmarshal([]byte(vec), &ch.Vector); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal vector: %w", err)
		}
		chunks = append(chunks, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if len(chunks) == 0 {
		return nil, false, nil
	}
	return chunks, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
