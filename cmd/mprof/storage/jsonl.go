package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// JSONLStore implements EventStore using JSON Lines format
type JSONLStore struct {
	file       *os.File
	writer     *bufio.Writer
	session    *Session
	mu         sync.RWMutex
	eventCount int64
	baseDir    string
}

// NewJSONLStore creates a new JSONL event store
func NewJSONLStore(baseDir string, session *Session) (*JSONLStore, error) {
	sessionDir := filepath.Join(baseDir, session.ID)
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	filePath := filepath.Join(sessionDir, "events.jsonl")
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open jsonl file: %w", err)
	}

	store := &JSONLStore{
		file:    file,
		writer:  bufio.NewWriter(file),
		session: session,
		baseDir: baseDir,
	}

	return store, nil
}

// OpenJSONLStore opens an existing JSONL store
func OpenJSONLStore(baseDir string, sessionID string) (*JSONLStore, error) {
	sessionDir := filepath.Join(baseDir, sessionID)
	filePath := filepath.Join(sessionDir, "events.jsonl")

	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open jsonl file: %w", err)
	}

	store := &JSONLStore{
		file:    file,
		writer:  bufio.NewWriter(file),
		baseDir: baseDir,
	}

	session, err := loadSessionMetadata(sessionDir)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("load session metadata: %w", err)
	}
	store.session = session

	err = store.scan(context.Background(), func(*Event) bool {
		store.eventCount++
		return true
	})
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("count events: %w", err)
	}

	return store, nil
}

func (s *JSONLStore) writeLine(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}

func (s *JSONLStore) WriteEvent(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLine(event); err != nil {
		return err
	}

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush writer: %w", err)
	}

	s.eventCount++
	return nil
}

func (s *JSONLStore) WriteBatch(events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		if err := s.writeLine(event); err != nil {
			return err
		}
		s.eventCount++
	}

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush writer: %w", err)
	}

	return nil
}

func (s *JSONLStore) scan(ctx context.Context, fn func(*Event) bool) error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek to start: %w", err)
	}

	// A line that fails to parse is only an error when another line
	// follows it; the last one may still be being written.
	var pending error

	scanner := bufio.NewScanner(s.file)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if pending != nil {
			return pending
		}

		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			pending = fmt.Errorf("unmarshal event: %w", err)
			continue
		}

		if !fn(&event) {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan file: %w", err)
	}

	return nil
}

func (s *JSONLStore) ReadEvents(ctx context.Context, filter *EventFilter) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []*Event
	skipped := 0

	err := s.scan(ctx, func(event *Event) bool {
		if !filter.match(event) {
			return true
		}
		if filter != nil && filter.Offset > 0 && skipped < filter.Offset {
			skipped++
			return true
		}

		events = append(events, event)
		return filter == nil || filter.Limit <= 0 || len(events) < filter.Limit
	})
	if err != nil {
		return events, err
	}

	return events, nil
}

func (s *JSONLStore) GetSources(ctx context.Context) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []*Event
	err := s.scan(ctx, func(event *Event) bool {
		events = append(events, event)
		return true
	})
	if err != nil {
		return nil, err
	}

	return uniqueSources(events), nil
}

func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return err
		}
	}

	if s.file != nil {
		return s.file.Close()
	}

	return nil
}

func (s *JSONLStore) GetSession() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sessionCopy(s.session, s.eventCount)
}

func (s *JSONLStore) UpdateSession(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session = session
	sessionDir := filepath.Join(s.baseDir, session.ID)
	return saveSessionMetadata(sessionDir, session)
}
