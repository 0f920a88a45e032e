package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Formats lists the accepted CreateSession format names.
var Formats = []string{"binary", "jsonl", "sqlite", "protobuf"}

// eventFiles maps each store's data file to its opener, in detection order.
var eventFiles = []struct {
	name string
	open func(baseDir, id string) (EventStore, error)
}{
	{"events.pb", func(baseDir, id string) (EventStore, error) { return asStore(OpenProtobufStore(baseDir, id)) }},
	{"events.jsonl", func(baseDir, id string) (EventStore, error) { return asStore(OpenJSONLStore(baseDir, id)) }},
	{"events.db", func(baseDir, id string) (EventStore, error) { return asStore(OpenSQLiteStore(baseDir, id)) }},
	{"events.bin", func(baseDir, id string) (EventStore, error) { return asStore(OpenBinaryStore(baseDir, id)) }},
}

// asStore keeps a failed constructor's nil pointer out of the interface.
func asStore[T EventStore](store T, err error) (EventStore, error) {
	if err != nil {
		return nil, err
	}
	return store, nil
}

type Manager struct {
	baseDir string
	mu      sync.RWMutex
}

var _ SessionStore = (*Manager)(nil)

func NewManager(baseDir string) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &Manager{
		baseDir: baseDir,
	}, nil
}

// ListSessions returns every readable session, oldest first.
func (m *Manager) ListSessions(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	sessions := make([]*Session, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		sessionDir := filepath.Join(m.baseDir, entry.Name())
		session, err := loadSessionMetadata(sessionDir)
		if err != nil {
			continue
		}

		sessions = append(sessions, session)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})

	return sessions, nil
}

func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := validateSessionID(id); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	sessionDir := filepath.Join(m.baseDir, id)
	return loadSessionMetadata(sessionDir)
}

func (m *Manager) OpenSession(ctx context.Context, id string) (EventStore, error) {
	if err := validateSessionID(id); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	sessionDir := filepath.Join(m.baseDir, id)
	for _, f := range eventFiles {
		if _, err := os.Stat(filepath.Join(sessionDir, f.name)); err == nil {
			return f.open(m.baseDir, id)
		}
	}

	return nil, fmt.Errorf("no event store found for session %s", id)
}

func (m *Manager) CreateSession(ctx context.Context, session *Session, format string) (EventStore, error) {
	if err := validateSessionID(session.ID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sessionDir := filepath.Join(m.baseDir, session.ID)
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	if err := saveSessionMetadata(sessionDir, session); err != nil {
		return nil, fmt.Errorf("save session metadata: %w", err)
	}

	switch strings.ToLower(format) {
	case "binary", "bin":
		return asStore(NewBinaryStore(m.baseDir, session))
	case "jsonl", "json":
		return asStore(NewJSONLStore(m.baseDir, session))
	case "sqlite", "sqlite3", "db":
		return asStore(NewSQLiteStore(m.baseDir, session))
	case "protobuf", "pb", "proto":
		return asStore(NewProtobufStore(m.baseDir, session))
	default:
		return nil, fmt.Errorf("unknown format: %s (supported: %s)", format, strings.Join(Formats, ", "))
	}
}

func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	if err := validateSessionID(id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sessionDir := filepath.Join(m.baseDir, id)
	if _, err := os.Stat(sessionDir); err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	return os.RemoveAll(sessionDir)
}

func (m *Manager) Close() error {
	return nil
}

// ValidFormat reports whether CreateSession accepts format.
func ValidFormat(format string) bool {
	switch strings.ToLower(format) {
	case "binary", "bin", "jsonl", "json", "sqlite", "sqlite3", "db", "protobuf", "pb", "proto":
		return true
	}
	return false
}

// validateSessionID keeps ids from escaping the base directory.
func validateSessionID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}
