package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"
)

type EventKind uint32

const (
	EventKindGoroutines  EventKind = 0
	EventKindHeapBytes   EventKind = 1
	EventKindHeapObjects EventKind = 2
	EventKindGCCycles    EventKind = 3
)

// Event is one timestamped sample. Its fixed-size layout matches a
// trace record, so binary.Read/Write can move it directly.
type Event struct {
	Timestamp uint64    `json:"timestamp"`
	Kind      EventKind `json:"kind"`
	Source    uint32    `json:"source"`
	Value     uint64    `json:"value"`
}

type Session struct {
	ID                string     `json:"id"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	PID               int        `json:"pid,omitempty"`
	ClockVariant      string     `json:"clock_variant"`
	KernelClockSkewNs *int64     `json:"kernel_clock_skew_ns,omitempty"`
	EventCount        int64      `json:"event_count"`
}

type EventFilter struct {
	Source    *uint32
	Kind      *EventKind
	StartTime *uint64
	EndTime   *uint64
	Limit     int
	Offset    int
}

// match applies every filter field except Limit and Offset.
func (f *EventFilter) match(event *Event) bool {
	if f == nil {
		return true
	}
	if f.Source != nil && event.Source != *f.Source {
		return false
	}
	if f.Kind != nil && event.Kind != *f.Kind {
		return false
	}
	if f.StartTime != nil && event.Timestamp < *f.StartTime {
		return false
	}
	if f.EndTime != nil && event.Timestamp > *f.EndTime {
		return false
	}
	return true
}

type EventStore interface {
	WriteEvent(event *Event) error
	WriteBatch(events []*Event) error
	ReadEvents(ctx context.Context, filter *EventFilter) ([]*Event, error)
	GetSources(ctx context.Context) ([]uint32, error)
	Close() error
	GetSession() *Session
	UpdateSession(session *Session) error
}

type SessionStore interface {
	ListSessions(ctx context.Context) ([]*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	OpenSession(ctx context.Context, id string) (EventStore, error)
	CreateSession(ctx context.Context, session *Session, format string) (EventStore, error)
	DeleteSession(ctx context.Context, id string) error
	io.Closer
}

func saveSessionMetadata(sessionDir string, session *Session) error {
	metadataPath := filepath.Join(sessionDir, "metadata.json")
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	if err := os.WriteFile(metadataPath, data, 0644); err != nil {
		return fmt.Errorf("write session metadata: %w", err)
	}

	return nil
}

func loadSessionMetadata(sessionDir string) (*Session, error) {
	metadataPath := filepath.Join(sessionDir, "metadata.json")
	data, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("read session metadata: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session metadata: %w", err)
	}

	return &session, nil
}

// sessionCopy returns a snapshot of session with the live event count.
func sessionCopy(session *Session, eventCount int64) *Session {
	if session == nil {
		return nil
	}
	c := *session
	c.EventCount = eventCount
	return &c
}

func uniqueSources(events []*Event) []uint32 {
	seen := make(map[uint32]bool)
	sources := make([]uint32, 0)
	for _, event := range events {
		if !seen[event.Source] {
			seen[event.Source] = true
			sources = append(sources, event.Source)
		}
	}
	slices.Sort(sources)
	return sources
}
