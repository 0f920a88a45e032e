// Package stamp writes the current monotonic time into a caller-owned byte
// buffer as a little-endian 64-bit nanosecond count.
//
// The buffer is only borrowed for the duration of a call. Callers declare
// the usable length explicitly; every write is validated against that
// length (and against the slice itself) before any byte is touched, so a
// failed call leaves the buffer exactly as it was.
//
// Calls hold no state and take no locks. Several goroutines may stamp the
// same buffer concurrently as long as their 8-byte regions do not overlap.
package stamp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.sazak.io/mprof/monotime"
)

// Size is the number of bytes written by a single stamp.
const Size = 8

// ErrBounds is matched (via errors.Is) by every bounds violation.
var ErrBounds = errors.New("stamp: write out of bounds")

// BoundsError reports an 8-byte region that does not fit inside the
// declared buffer length.
type BoundsError struct {
	Offset int
	Length int
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("stamp: %d-byte write at offset %d out of bounds for length %d", Size, e.Offset, e.Length)
}

func (e *BoundsError) Is(target error) bool {
	return target == ErrBounds
}

// checkBounds requires the inclusive byte range [offset, offset+7] to index
// into the first length bytes of buf. A declared length beyond len(buf)
// is rejected rather than trusted.
func checkBounds(buf []byte, length, offset int) error {
	if offset < 0 || length < Size || length > len(buf) || offset > length-Size {
		return &BoundsError{Offset: offset, Length: length}
	}
	return nil
}

// PutUint64 writes v at buf[offset:offset+8] in little-endian order.
func PutUint64(buf []byte, length, offset int, v uint64) error {
	if err := checkBounds(buf, length, offset); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf[offset:offset+Size], v)
	return nil
}

// Uint64 reads the little-endian value at buf[offset:offset+8].
func Uint64(buf []byte, length, offset int) (uint64, error) {
	if err := checkBounds(buf, length, offset); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[offset : offset+Size]), nil
}

// WriteMonotonicTimestamp reads monotime.Now and writes it at
// buf[offset:offset+8]. It returns a *BoundsError, and writes nothing,
// unless 0 <= offset and offset+8 <= length <= len(buf).
func WriteMonotonicTimestamp(buf []byte, length, offset int) error {
	return PutUint64(buf, length, offset, monotime.Now())
}
