package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements EventStore using SQLite
type SQLiteStore struct {
	db         *sql.DB
	session    *Session
	mu         sync.RWMutex
	eventCount int64
	baseDir    string
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	kind INTEGER NOT NULL,
	source INTEGER NOT NULL,
	value INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_source ON events(source);
CREATE INDEX IF NOT EXISTS idx_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_kind ON events(kind);
`

const insertEvent = `INSERT INTO events (timestamp, kind, source, value) VALUES (?, ?, ?, ?)`

// NewSQLiteStore creates a new SQLite event store
func NewSQLiteStore(baseDir string, session *Session) (*SQLiteStore, error) {
	sessionDir := filepath.Join(baseDir, session.ID)
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	dbPath := filepath.Join(sessionDir, "events.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	store := &SQLiteStore{
		db:      db,
		session: session,
		baseDir: baseDir,
	}

	return store, nil
}

// OpenSQLiteStore opens an existing SQLite store
func OpenSQLiteStore(baseDir string, sessionID string) (*SQLiteStore, error) {
	sessionDir := filepath.Join(baseDir, sessionID)
	dbPath := filepath.Join(sessionDir, "events.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &SQLiteStore{
		db:      db,
		baseDir: baseDir,
	}

	session, err := loadSessionMetadata(sessionDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load session metadata: %w", err)
	}
	store.session = session

	if err := db.QueryRow("SELECT COUNT(*) FROM events").Scan(&store.eventCount); err != nil {
		db.Close()
		return nil, fmt.Errorf("count events: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) WriteEvent(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(insertEvent, event.Timestamp, event.Kind, event.Source, event.Value)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	s.eventCount++
	return nil
}

func (s *SQLiteStore) WriteBatch(events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(insertEvent)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, event := range events {
		if _, err := stmt.Exec(event.Timestamp, event.Kind, event.Source, event.Value); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.eventCount += int64(len(events))
	return nil
}

func (s *SQLiteStore) ReadEvents(ctx context.Context, filter *EventFilter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT timestamp, kind, source, value FROM events WHERE 1=1"
	args := []interface{}{}

	if filter != nil {
		if filter.Source != nil {
			query += " AND source = ?"
			args = append(args, *filter.Source)
		}
		if filter.Kind != nil {
			query += " AND kind = ?"
			args = append(args, *filter.Kind)
		}
		if filter.StartTime != nil {
			query += " AND timestamp >= ?"
			args = append(args, *filter.StartTime)
		}
		if filter.EndTime != nil {
			query += " AND timestamp <= ?"
			args = append(args, *filter.EndTime)
		}
	}

	// Insertion order, like the file-backed stores.
	query += " ORDER BY id ASC"

	if filter != nil && (filter.Limit > 0 || filter.Offset > 0) {
		limit := -1
		if filter.Limit > 0 {
			limit = filter.Limit
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var event Event
		if err := rows.Scan(&event.Timestamp, &event.Kind, &event.Source, &event.Value); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return events, nil
}

func (s *SQLiteStore) GetSources(ctx context.Context) ([]uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT source FROM events ORDER BY source")
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	sources := make([]uint32, 0)
	for rows.Next() {
		var src uint32
		if err := rows.Scan(&src); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, src)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return sources, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) GetSession() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sessionCopy(s.session, s.eventCount)
}

func (s *SQLiteStore) UpdateSession(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session = session
	sessionDir := filepath.Join(s.baseDir, session.ID)
	return saveSessionMetadata(sessionDir, session)
}
