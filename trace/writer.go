package trace

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.sazak.io/mprof/stamp"
)

// ErrPacketFull is returned by Emit when the next record does not fit in
// the writer's region. It wraps stamp.ErrBounds.
var ErrPacketFull = fmt.Errorf("trace: packet full: %w", stamp.ErrBounds)

// Writer appends records to the region [start, end) of a buffer it does
// not own. The region end is used as the declared length for every write,
// so writers sharing one buffer through disjoint regions never touch each
// other's bytes. A Writer is not safe for concurrent use.
type Writer struct {
	buf   []byte
	start int
	end   int
	off   int
}

// NewWriter claims buf[start:end]. The region must hold at least one
// record.
func NewWriter(buf []byte, start, end int) (*Writer, error) {
	if start < 0 || end > len(buf) || end-start < RecordSize {
		return nil, fmt.Errorf("trace: invalid region [%d, %d) for buffer of %d bytes", start, end, len(buf))
	}
	return &Writer{buf: buf, start: start, end: end, off: start}, nil
}

// Emit stamps and appends one record. Nothing is written when the record
// would not fit.
func (w *Writer) Emit(kind, source uint32, value uint64) error {
	if w.off > w.end-RecordSize {
		return ErrPacketFull
	}

	if err := stamp.WriteMonotonicTimestamp(w.buf, w.end, w.off+offTimestamp); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(w.buf[w.off+offKind:], kind)
	binary.LittleEndian.PutUint32(w.buf[w.off+offSource:], source)
	if err := stamp.PutUint64(w.buf, w.end, w.off+offValue, value); err != nil {
		return err
	}

	w.off += RecordSize
	return nil
}

// Bytes returns the records written since the last Reset. The slice
// aliases the underlying buffer.
func (w *Writer) Bytes() []byte {
	return w.buf[w.start:w.off]
}

// Len returns the number of records written since the last Reset.
func (w *Writer) Len() int {
	return (w.off - w.start) / RecordSize
}

// Cap returns the number of records the region can hold.
func (w *Writer) Cap() int {
	return (w.end - w.start) / RecordSize
}

// Reset rewinds the writer to the start of its region.
func (w *Writer) Reset() {
	w.off = w.start
}

// IsFull reports whether err means the packet has no room left.
func IsFull(err error) bool {
	return errors.Is(err, ErrPacketFull)
}
