package monotime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNowNonDecreasing(t *testing.T) {
	prev := Now()
	for i := 0; i < 100_000; i++ {
		cur := Now()
		require.GreaterOrEqual(t, cur, prev, "iteration %d", i)
		prev = cur
	}
}

func TestNowAdvances(t *testing.T) {
	first := Now()
	time.Sleep(5 * time.Millisecond)
	second := Now()

	require.Greater(t, second, first)
	// The sleep is a lower bound; allow a generous upper bound for slow CI.
	elapsed := time.Duration(second - first)
	assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
	assert.Less(t, elapsed, 10*time.Second)
}

func TestNowConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := Now()
			for i := 0; i < 10_000; i++ {
				cur := Now()
				if cur < prev {
					t.Errorf("clock went backwards: %d < %d", cur, prev)
					return
				}
				prev = cur
			}
		}()
	}
	wg.Wait()
}

func TestVariant(t *testing.T) {
	assert.Contains(t, []string{"posix", "mach", "xen", "runtime"}, Variant)
}

func BenchmarkNow(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = Now()
	}
}
