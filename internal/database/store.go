package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var (
	ErrDuplicateSession = errors.New("session already exists")
	ErrSessionNotFound  = errors.New("session record not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id  TEXT PRIMARY KEY,
	user_a      TEXT NOT NULL,
	user_b      TEXT NOT NULL,
	language    TEXT NOT NULL,
	question_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	start_time  TIMESTAMP NOT NULL,
	content     TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

// Record mirrors a session's durable fields. Content is always a full
// plain-text snapshot taken at the last checkpoint or at termination.
type Record struct {
	SessionID  string
	UserA      string
	UserB      string
	Language   string
	QuestionID string
	Status     string
	StartTime  time.Time
	Content    string
	UpdatedAt  time.Time
}

// Store is the persistence bridge backed by SQLite. All writes funnel
// through a single goroutine; reads run concurrently on the pool.
type Store struct {
	db           *sql.DB
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	log          *logrus.Entry
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Open opens (creating if necessary) the session store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:           db,
		writeChannel: make(chan writeOperation, 64),
		shutdown:     make(chan struct{}),
		log:          logrus.WithField("component", "store"),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writeChannel:
			op.result <- op.operation(s.db)
		case <-s.shutdown:
			return
		}
	}
}

func (s *Store) executeWrite(operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-s.shutdown:
		return fmt.Errorf("store is shutting down")
	}
}

// Insert persists the initial record for a new session. A primary-key
// conflict on session_id surfaces as ErrDuplicateSession.
func (s *Store) Insert(ctx context.Context, rec *Record) error {
	return s.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO sessions (session_id, user_a, user_b, language, question_id, status, start_time, content, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			rec.SessionID, rec.UserA, rec.UserB, rec.Language, rec.QuestionID,
			rec.Status, rec.StartTime, rec.Content, rec.UpdatedAt,
		)
		if err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
				return ErrDuplicateSession
			}
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// UpdateContent writes a checkpoint snapshot.
func (s *Store) UpdateContent(ctx context.Context, sessionID, content string) error {
	return s.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE sessions SET content = ?, updated_at = ? WHERE session_id = ?`,
			content, time.Now().UTC(), sessionID,
		)
		if err != nil {
			return fmt.Errorf("failed to update session content: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

// Finalize records a session's terminal status together with its last
// content snapshot.
func (s *Store) Finalize(ctx context.Context, sessionID, status, content string) error {
	return s.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, content = ?, updated_at = ? WHERE session_id = ?`,
			status, content, time.Now().UTC(), sessionID,
		)
		if err != nil {
			return fmt.Errorf("failed to finalize session: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

// ListActive returns every persisted record with Active status, used to
// recover sessions at startup.
func (s *Store) ListActive(ctx context.Context) ([]*Record, error) {
	query := `
		SELECT session_id, user_a, user_b, language, question_id, status, start_time, content, updated_at
		FROM sessions
		WHERE status = 'Active'
		ORDER BY start_time ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.SessionID, &rec.UserA, &rec.UserB, &rec.Language, &rec.QuestionID,
			&rec.Status, &rec.StartTime, &rec.Content, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return records, nil
}

// Get returns one record by session id.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	query := `
		SELECT session_id, user_a, user_b, language, question_id, status, start_time, content, updated_at
		FROM sessions
		WHERE session_id = ?
	`
	var rec Record
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&rec.SessionID, &rec.UserA, &rec.UserB, &rec.Language, &rec.QuestionID,
		&rec.Status, &rec.StartTime, &rec.Content, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return &rec, nil
}

// HealthCheck validates store connectivity.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close drains the writer and closes the database. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
