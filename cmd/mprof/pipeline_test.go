package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.sazak.io/mprof/cmd/mprof/api"
	"go.sazak.io/mprof/cmd/mprof/storage"
	"go.sazak.io/mprof/cmd/mprof/telemetry"
	"go.sazak.io/mprof/monotime"
	"go.sazak.io/mprof/trace"
)

type memStore struct {
	mu      sync.Mutex
	batches [][]storage.Event
	fail    bool
}

func (s *memStore) WriteEvent(event *storage.Event) error {
	return s.WriteBatch([]*storage.Event{event})
}

func (s *memStore) WriteBatch(events []*storage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	batch := make([]storage.Event, len(events))
	for i, e := range events {
		batch[i] = *e
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *memStore) ReadEvents(ctx context.Context, filter *storage.EventFilter) ([]*storage.Event, error) {
	return nil, nil
}

func (s *memStore) GetSources(ctx context.Context) ([]uint32, error) { return nil, nil }
func (s *memStore) Close() error                                      { return nil }
func (s *memStore) GetSession() *storage.Session                      { return &storage.Session{} }
func (s *memStore) UpdateSession(session *storage.Session) error      { return nil }

func makeRecords(kind storage.EventKind, values ...uint64) []trace.Record {
	ts := monotime.Now()
	out := make([]trace.Record, len(values))
	for i, v := range values {
		out[i] = trace.Record{Timestamp: ts, Kind: uint32(kind), Value: v}
	}
	return out
}

func TestProcessBatchesBySize(t *testing.T) {
	store := &memStore{}
	p := &pipeline{
		store:         store,
		metrics:       telemetry.New(),
		batchSize:     2,
		flushInterval: time.Hour,
		silent:        true,
	}

	in := make(chan []trace.Record, 2)
	in <- makeRecords(storage.EventKindGoroutines, 1, 2, 3)
	in <- makeRecords(storage.EventKindGCCycles, 4)
	close(in)

	p.process(0, in)

	require.Len(t, store.batches, 2)
	assert.Len(t, store.batches[0], 2)
	assert.Len(t, store.batches[1], 2)
	assert.Equal(t, uint64(1), store.batches[0][0].Value)
	assert.Equal(t, uint64(2), store.batches[0][1].Value)
	assert.Equal(t, storage.EventKindGCCycles, store.batches[1][1].Kind)

	assert.Equal(t, uint64(4), p.processed.Load())
	assert.Equal(t, 4.0, testutil.ToFloat64(p.metrics.EventsStored))
	assert.Equal(t, map[string]uint64{
		"goroutines":   3,
		"heap_bytes":   0,
		"heap_objects": 0,
		"gc_cycles":    1,
	}, p.countsByName())

	n, ok := average(&p.queueWaitNsSum, &p.queueWaitNsCount)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, n, 0.0)
}

func TestProcessFlushesOnInterval(t *testing.T) {
	store := &memStore{}
	p := &pipeline{
		store:         store,
		metrics:       telemetry.New(),
		batchSize:     100,
		flushInterval: 5 * time.Millisecond,
		silent:        true,
	}

	in := make(chan []trace.Record)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.process(0, in)
	}()

	in <- makeRecords(storage.EventKindHeapObjects, 9)
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.batches) == 1
	}, 5*time.Second, time.Millisecond)

	close(in)
	<-done
	assert.Len(t, store.batches, 1)
}

func TestProcessCountsStoreErrors(t *testing.T) {
	p := &pipeline{
		store:         &memStore{fail: true},
		metrics:       telemetry.New(),
		batchSize:     1,
		flushInterval: time.Hour,
		silent:        true,
	}

	in := make(chan []trace.Record, 1)
	in <- makeRecords(storage.EventKindHeapBytes, 1, 2)
	close(in)

	p.process(0, in)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.metrics.StoreErrors))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.metrics.EventsStored))
	assert.Equal(t, uint64(2), p.processed.Load())
}

func TestAverage(t *testing.T) {
	p := &pipeline{}
	_, ok := average(&p.batchFlushNsSum, &p.batchFlushNsCount)
	assert.False(t, ok)

	p.batchFlushNsSum.Add(30)
	p.batchFlushNsCount.Add(3)
	v, ok := average(&p.batchFlushNsSum, &p.batchFlushNsCount)
	assert.True(t, ok)
	assert.Equal(t, 10.0, v)

	// Drained by the previous call.
	_, ok = average(&p.batchFlushNsSum, &p.batchFlushNsCount)
	assert.False(t, ok)
}

func TestRecordStats(t *testing.T) {
	p := &pipeline{
		metrics:   telemetry.New(),
		apiServer: api.NewServer(nil, 0, nil),
		silent:    true,
	}
	series := newMetricSeries()
	var last statsCursor

	p.stamped.Store(100)
	p.processed.Store(60)
	p.batchFlushNsSum.Store(300)
	p.batchFlushNsCount.Store(3)
	p.queueWaitNsSum.Store(50)
	p.queueWaitNsCount.Store(5)

	p.recordStats(500*time.Millisecond, &last, series)

	assert.Equal(t, []float64{200}, series.Sps)
	assert.Equal(t, []float64{120}, series.Pps)
	assert.Equal(t, []float64{40}, series.Ewp)
	assert.Equal(t, []float64{100}, series.Bfl)
	assert.Equal(t, []float64{10}, series.Qwl)
	assert.Len(t, series.Ts, 1)

	rec := httptest.NewRecorder()
	p.apiServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot api.Metrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, api.Metrics{SPS: 200, PPS: 120, EWP: 40, BFL: 100, QWL: 10}, snapshot)

	// Rates are per tick; latencies were drained by the first tick.
	p.stamped.Add(10)
	p.processed.Add(40)
	p.recordStats(time.Second, &last, series)

	assert.Equal(t, []float64{200, 10}, series.Sps)
	assert.Equal(t, []float64{120, 40}, series.Pps)
	assert.Equal(t, []float64{40, 10}, series.Ewp)
	assert.Equal(t, []float64{100, 0}, series.Bfl)
	assert.Equal(t, []float64{10, 0}, series.Qwl)
}

func TestReportStatsStopsBeforeSeriesIsRead(t *testing.T) {
	p := &pipeline{metrics: telemetry.New(), silent: true}
	p.stamped.Store(5)
	series := newMetricSeries()
	stopped := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reportStats(time.Millisecond, stopped, series)
	}()

	time.Sleep(20 * time.Millisecond)
	close(stopped)
	wg.Wait()

	// Once joined, the series can be read and marshalled without racing
	// the last tick.
	require.NotEmpty(t, series.Sps)
	assert.Len(t, series.Ts, len(series.Sps))
	assert.Equal(t, 5000.0, series.Sps[0])

	series.EventCounts = p.countsByName()
	_, err := json.Marshal(series)
	assert.NoError(t, err)
}
