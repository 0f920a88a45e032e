package storage

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const (
	binaryMagicNumber = uint32(0x4652504D) // "MPRF" on disk
	binaryVersion     = uint32(1)
	binaryHeaderSize  = 8
	eventSize         = 24 // size of Event struct in bytes, same as trace.RecordSize
)

// BinaryStore implements EventStore using fixed-size little-endian records
type BinaryStore struct {
	file       *os.File
	session    *Session
	mu         sync.RWMutex
	eventCount int64
	baseDir    string
}

// NewBinaryStore creates a new binary event store
func NewBinaryStore(baseDir string, session *Session) (*BinaryStore, error) {
	sessionDir := filepath.Join(baseDir, session.ID)
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	filePath := filepath.Join(sessionDir, "events.bin")
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open binary file: %w", err)
	}

	store := &BinaryStore{
		file:    file,
		session: session,
		baseDir: baseDir,
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	if stat.Size() == 0 {
		if err := store.writeHeader(); err != nil {
			file.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
	} else {
		if err := store.readHeader(); err != nil {
			file.Close()
			return nil, fmt.Errorf("read header: %w", err)
		}
		store.eventCount = (stat.Size() - binaryHeaderSize) / eventSize
	}

	return store, nil
}

// OpenBinaryStore opens an existing binary store
func OpenBinaryStore(baseDir string, sessionID string) (*BinaryStore, error) {
	sessionDir := filepath.Join(baseDir, sessionID)
	filePath := filepath.Join(sessionDir, "events.bin")

	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open binary file: %w", err)
	}

	store := &BinaryStore{
		file:    file,
		baseDir: baseDir,
	}

	if err := store.readHeader(); err != nil {
		file.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	store.eventCount = (stat.Size() - binaryHeaderSize) / eventSize

	session, err := loadSessionMetadata(sessionDir)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("load session metadata: %w", err)
	}
	store.session = session

	return store, nil
}

func (s *BinaryStore) writeHeader() error {
	if err := binary.Write(s.file, binary.LittleEndian, binaryMagicNumber); err != nil {
		return err
	}
	if err := binary.Write(s.file, binary.LittleEndian, binaryVersion); err != nil {
		return err
	}
	return nil
}

func (s *BinaryStore) readHeader() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek to start: %w", err)
	}
	var magic, version uint32
	if err := binary.Read(s.file, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if magic != binaryMagicNumber {
		return fmt.Errorf("invalid magic number: %x", magic)
	}
	if err := binary.Read(s.file, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if version != binaryVersion {
		return fmt.Errorf("unsupported version: %d", version)
	}
	return nil
}

func (s *BinaryStore) WriteEvent(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := binary.Write(s.file, binary.LittleEndian, event); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	s.eventCount++
	return nil
}

func (s *BinaryStore) WriteBatch(events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, 0, len(events)*eventSize)
	for _, event := range events {
		var err error
		buf, err = binary.Append(buf, binary.LittleEndian, event)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
	}

	if _, err := s.file.Write(buf); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}

	s.eventCount += int64(len(events))
	return nil
}

// scan calls fn for every stored event until fn returns false.
func (s *BinaryStore) scan(ctx context.Context, fn func(*Event) bool) error {
	if _, err := s.file.Seek(binaryHeaderSize, io.SeekStart); err != nil {
		return fmt.Errorf("seek to start: %w", err)
	}

	reader := bufio.NewReader(s.file)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var event Event
		if err := binary.Read(reader, binary.LittleEndian, &event); err != nil {
			// A short tail is a record still being appended.
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}

		if !fn(&event) {
			return nil
		}
	}
}

func (s *BinaryStore) ReadEvents(ctx context.Context, filter *EventFilter) ([]*Event, error) {
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

func (s *BinaryStore) GetSources(ctx context.Context) ([]uint32, error) {
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

func (s *BinaryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func (s *BinaryStore) GetSession() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sessionCopy(s.session, s.eventCount)
}

func (s *BinaryStore) UpdateSession(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session = session
	sessionDir := filepath.Join(s.baseDir, session.ID)
	return saveSessionMetadata(sessionDir, session)
}
