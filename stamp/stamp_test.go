package stamp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filled(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestPutUint64ByteOrder(t *testing.T) {
	buf := make([]byte, 8)
	require.NoError(t, PutUint64(buf, len(buf), 0, 0x0102030405060708))
	assert.Equal(t, []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}, buf)
}

func TestPutUint64OnlyTouchesItsRegion(t *testing.T) {
	buf := filled(20, 0xAA)
	require.NoError(t, PutUint64(buf, len(buf), 5, 0x1122334455667788))

	assert.Equal(t, filled(5, 0xAA), buf[:5])
	assert.Equal(t, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, buf[5:13])
	assert.Equal(t, filled(7, 0xAA), buf[13:])
}

func TestRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 0xFF, 0x0102030405060708, 1 << 63, math.MaxUint64}
	for length := 8; length <= 24; length++ {
		for offset := 0; offset+8 <= length; offset++ {
			for _, v := range values {
				buf := make([]byte, length)
				require.NoError(t, PutUint64(buf, length, offset, v))
				assert.Equal(t, v, binary.LittleEndian.Uint64(buf[offset:]), "length=%d offset=%d", length, offset)

				got, err := Uint64(buf, length, offset)
				require.NoError(t, err)
				assert.Equal(t, v, got)
			}
		}
	}
}

func TestBounds(t *testing.T) {
	tests := []struct {
		name    string
		bufLen  int
		length  int
		offset  int
		wantErr bool
	}{
		{name: "exact fit", bufLen: 8, length: 8, offset: 0},
		{name: "last valid offset", bufLen: 64, length: 64, offset: 56},
		{name: "one past last valid offset", bufLen: 64, length: 64, offset: 57, wantErr: true},
		{name: "offset equals length", bufLen: 64, length: 64, offset: 64, wantErr: true},
		{name: "negative offset", bufLen: 64, length: 64, offset: -1, wantErr: true},
		{name: "very negative offset", bufLen: 64, length: 64, offset: math.MinInt, wantErr: true},
		{name: "huge offset", bufLen: 64, length: 64, offset: math.MaxInt, wantErr: true},
		{name: "buffer shorter than a stamp", bufLen: 7, length: 7, offset: 0, wantErr: true},
		{name: "empty buffer", bufLen: 0, length: 0, offset: 0, wantErr: true},
		{name: "negative length", bufLen: 16, length: -8, offset: 0, wantErr: true},
		{name: "declared length shorter than buffer", bufLen: 32, length: 16, offset: 9, wantErr: true},
		{name: "declared length shorter than buffer, fits", bufLen: 32, length: 16, offset: 8},
		{name: "declared length longer than buffer", bufLen: 16, length: 32, offset: 8, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := filled(tt.bufLen, 0x5A)
			orig := bytes.Clone(buf)

			err := WriteMonotonicTimestamp(buf, tt.length, tt.offset)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrBounds))

			var be *BoundsError
			require.True(t, errors.As(err, &be))
			assert.Equal(t, tt.offset, be.Offset)
			assert.Equal(t, tt.length, be.Length)

			assert.Equal(t, orig, buf, "buffer mutated on failure")
		})
	}
}

func TestBoundaryAcceptance(t *testing.T) {
	for _, l := range []int{8, 9, 15, 16, 100, 4096} {
		buf := make([]byte, l)
		assert.NoError(t, WriteMonotonicTimestamp(buf, l, l-8), "L=%d offset=L-8", l)
		assert.ErrorIs(t, WriteMonotonicTimestamp(buf, l, l-7), ErrBounds, "L=%d offset=L-7", l)
		assert.ErrorIs(t, WriteMonotonicTimestamp(buf, l, -1), ErrBounds, "L=%d offset=-1", l)
	}
}

func TestFailureIsIdempotent(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	untouched := bytes.Clone(buf)

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, WriteMonotonicTimestamp(buf, len(buf), 5), ErrBounds)
	}
	assert.Equal(t, untouched, buf)
}

func TestWriteMonotonicTimestampNonDecreasing(t *testing.T) {
	buf := make([]byte, 16)
	require.NoError(t, WriteMonotonicTimestamp(buf, len(buf), 0))
	require.NoError(t, WriteMonotonicTimestamp(buf, len(buf), 8))

	t1 := binary.LittleEndian.Uint64(buf[0:8])
	t2 := binary.LittleEndian.Uint64(buf[8:16])
	assert.NotZero(t, t1)
	assert.GreaterOrEqual(t, t2, t1)
}

func TestConcurrentDisjointRegions(t *testing.T) {
	const writers = 16
	buf := make([]byte, writers*Size)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(off int) {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if err := WriteMonotonicTimestamp(buf, len(buf), off); err != nil {
					t.Error(err)
					return
				}
			}
		}(i * Size)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		assert.NotZero(t, binary.LittleEndian.Uint64(buf[i*Size:]), "region %d never written", i)
	}
}

func BenchmarkWriteMonotonicTimestamp(b *testing.B) {
	buf := make([]byte, 64)
	for i := 0; i < b.N; i++ {
		_ = WriteMonotonicTimestamp(buf, len(buf), 24)
	}
}
