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

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout of the stored messages:
//
//	message SampleEvent {
//	  uint64 timestamp = 1;
//	  uint32 kind      = 2;
//	  uint32 source    = 3;
//	  uint64 value     = 4;
//	}
//	message SampleEventBatch {
//	  repeated SampleEvent events = 1;
//	}
//
// Each message is prefixed by its little-endian uint32 length; a batch is
// preceded by batchMarker.
const (
	fieldTimestamp protowire.Number = 1
	fieldKind      protowire.Number = 2
	fieldSource    protowire.Number = 3
	fieldValue     protowire.Number = 4

	fieldBatchEvents protowire.Number = 1

	batchMarker = uint32(0xFFFFFFFF)
)

type ProtobufStore struct {
	baseDir    string
	sessionID  string
	file       *os.File
	writer     *bufio.Writer
	session    *Session
	eventCount int64
	mu         sync.RWMutex
}

func NewProtobufStore(baseDir string, session *Session) (*ProtobufStore, error) {
	sessionDir := filepath.Join(baseDir, session.ID)
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	if err := saveSessionMetadata(sessionDir, session); err != nil {
		return nil, fmt.Errorf("save session metadata: %w", err)
	}

	eventsPath := filepath.Join(sessionDir, "events.pb")
	file, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("create events file: %w", err)
	}

	store := &ProtobufStore{
		baseDir:   baseDir,
		sessionID: session.ID,
		file:      file,
		writer:    bufio.NewWriterSize(file, 64*1024),
		session:   session,
	}

	return store, nil
}

func OpenProtobufStore(baseDir, sessionID string) (*ProtobufStore, error) {
	sessionDir := filepath.Join(baseDir, sessionID)

	session, err := loadSessionMetadata(sessionDir)
	if err != nil {
		return nil, fmt.Errorf("load session metadata: %w", err)
	}

	eventsPath := filepath.Join(sessionDir, "events.pb")
	file, err := os.OpenFile(eventsPath, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}

	var eventCount int64
	err = scanProtobufEvents(context.Background(), eventsPath, func(*Event) bool {
		eventCount++
		return true
	})
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("count events: %w", err)
	}

	store := &ProtobufStore{
		baseDir:    baseDir,
		sessionID:  sessionID,
		file:       file,
		writer:     bufio.NewWriterSize(file, 64*1024),
		session:    session,
		eventCount: eventCount,
	}

	return store, nil
}

func appendEventMessage(b []byte, event *Event) []byte {
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, event.Timestamp)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(event.Kind))
	b = protowire.AppendTag(b, fieldSource, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(event.Source))
	b = protowire.AppendTag(b, fieldValue, protowire.VarintType)
	b = protowire.AppendVarint(b, event.Value)
	return b
}

func consumeEventMessage(b []byte) (*Event, error) {
	event := &Event{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("consume field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldTimestamp:
			event.Timestamp = v
		case fieldKind:
			event.Kind = EventKind(v)
		case fieldSource:
			event.Source = uint32(v)
		case fieldValue:
			event.Value = v
		}
	}
	return event, nil
}

func consumeBatchMessage(b []byte) ([]*Event, error) {
	var events []*Event
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if num != fieldBatchEvents || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("consume event: %w", protowire.ParseError(n))
		}
		b = b[n:]

		event, err := consumeEventMessage(msg)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *ProtobufStore) writeFrame(data []byte) error {
	lengthBuf := binary.LittleEndian.AppendUint32(nil, uint32(len(data)))
	if _, err := s.writer.Write(lengthBuf); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (s *ProtobufStore) WriteEvent(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeFrame(appendEventMessage(nil, event)); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush writer: %w", err)
	}

	s.eventCount++
	return nil
}

func (s *ProtobufStore) WriteBatch(events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data, msg []byte
	for _, event := range events {
		msg = appendEventMessage(msg[:0], event)
		data = protowire.AppendTag(data, fieldBatchEvents, protowire.BytesType)
		data = protowire.AppendBytes(data, msg)
	}

	marker := binary.LittleEndian.AppendUint32(nil, batchMarker)
	if _, err := s.writer.Write(marker); err != nil {
		return fmt.Errorf("write batch marker: %w", err)
	}

	if err := s.writeFrame(data); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush writer: %w", err)
	}

	s.eventCount += int64(len(events))
	return nil
}

func (s *ProtobufStore) ReadEvents(ctx context.Context, filter *EventFilter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*Event
	skipped := 0

	err := scanProtobufEvents(ctx, s.eventsPath(), func(event *Event) bool {
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

func (s *ProtobufStore) GetSources(ctx context.Context) ([]uint32, error) {
	events, err := s.ReadEvents(ctx, nil)
	if err != nil {
		return nil, err
	}

	return uniqueSources(events), nil
}

func (s *ProtobufStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return fmt.Errorf("flush writer: %w", err)
		}
	}

	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("close file: %w", err)
		}
	}

	return nil
}

func (s *ProtobufStore) GetSession() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sessionCopy(s.session, s.eventCount)
}

func (s *ProtobufStore) UpdateSession(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session = session
	sessionDir := filepath.Join(s.baseDir, s.sessionID)
	return saveSessionMetadata(sessionDir, session)
}

func (s *ProtobufStore) eventsPath() string {
	return filepath.Join(s.baseDir, s.sessionID, "events.pb")
}

// scanProtobufEvents reads path from the start and calls fn for every
// event, single or batched, until fn returns false.
func scanProtobufEvents(ctx context.Context, path string, fn func(*Event) bool) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open file for reading: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	lengthBuf := make([]byte, 4)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := io.ReadFull(reader, lengthBuf); err != nil {
			if isTail(err) {
				return nil
			}
			return fmt.Errorf("read length: %w", err)
		}

		length := binary.LittleEndian.Uint32(lengthBuf)
		isBatch := length == batchMarker
		if isBatch {
			if _, err := io.ReadFull(reader, lengthBuf); err != nil {
				if isTail(err) {
					return nil
				}
				return fmt.Errorf("read batch length: %w", err)
			}
			length = binary.LittleEndian.Uint32(lengthBuf)
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(reader, data); err != nil {
			if isTail(err) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		var events []*Event
		if isBatch {
			events, err = consumeBatchMessage(data)
			if err != nil {
				return fmt.Errorf("unmarshal batch: %w", err)
			}
		} else {
			event, err := consumeEventMessage(data)
			if err != nil {
				return fmt.Errorf("unmarshal event: %w", err)
			}
			events = []*Event{event}
		}

		for _, event := range events {
			if !fn(event) {
				return nil
			}
		}
	}
}

// isTail reports whether err ends the file inside a message the writer
// has not finished yet.
func isTail(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
