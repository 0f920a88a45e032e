// Package trace lays fixed-size, timestamped records out in caller-owned
// packet buffers. Every record starts with a monotonic timestamp written
// by package stamp.
package trace

import (
	"encoding/binary"
	"fmt"

	"go.sazak.io/mprof/stamp"
)

// RecordSize is the encoded size of a Record:
//
//	[0,8)   timestamp, little-endian nanoseconds
//	[8,12)  kind
//	[12,16) source
//	[16,24) value
const RecordSize = 24

const (
	offTimestamp = 0
	offKind      = 8
	offSource    = 12
	offValue     = 16
)

// Record is one decoded trace record.
type Record struct {
	Timestamp uint64
	Kind      uint32
	Source    uint32
	Value     uint64
}

// Decode parses consecutive records from p.
func Decode(p []byte) ([]Record, error) {
	if len(p)%RecordSize != 0 {
		return nil, fmt.Errorf("decode packet: %d trailing bytes", len(p)%RecordSize)
	}

	records := make([]Record, 0, len(p)/RecordSize)
	for off := 0; off < len(p); off += RecordSize {
		ts, err := stamp.Uint64(p, len(p), off+offTimestamp)
		if err != nil {
			return nil, fmt.Errorf("decode timestamp at %d: %w", off, err)
		}
		value, err := stamp.Uint64(p, len(p), off+offValue)
		if err != nil {
			return nil, fmt.Errorf("decode value at %d: %w", off, err)
		}
		records = append(records, Record{
			Timestamp: ts,
			Kind:      binary.LittleEndian.Uint32(p[off+offKind:]),
			Source:    binary.LittleEndian.Uint32(p[off+offSource:]),
			Value:     value,
		})
	}

	return records, nil
}
