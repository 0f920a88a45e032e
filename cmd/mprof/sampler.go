package main

import (
	"context"
	"fmt"
	"log"
	"runtime/metrics"
	"sync/atomic"
	"time"

	"go.sazak.io/mprof/cmd/mprof/storage"
	"go.sazak.io/mprof/cmd/mprof/telemetry"
	"go.sazak.io/mprof/trace"
)

// runtimeMetricNames maps each kind to the runtime/metrics sample it reads.
var runtimeMetricNames = map[storage.EventKind]string{
	storage.EventKindGoroutines:  "/sched/goroutines:goroutines",
	storage.EventKindHeapBytes:   "/memory/classes/heap/objects:bytes",
	storage.EventKindHeapObjects: "/gc/heap/objects:objects",
	storage.EventKindGCCycles:    "/gc/cycles/total:gc-cycles",
}

// sampler periodically reads one runtime metric and stamps it into its own
// region of the shared packet arena.
type sampler struct {
	id       int
	kind     storage.EventKind
	interval time.Duration
	writer   *trace.Writer
	sample   []metrics.Sample
	read     func() uint64
}

func newSampler(id int, kind storage.EventKind, interval time.Duration, arena []byte, packetSize int) (*sampler, error) {
	name, ok := runtimeMetricNames[kind]
	if !ok {
		return nil, fmt.Errorf("no runtime metric for %s", getEventName(kind))
	}

	w, err := trace.NewWriter(arena, id*packetSize, (id+1)*packetSize)
	if err != nil {
		return nil, fmt.Errorf("claim packet region for sampler %d: %w", id, err)
	}

	s := &sampler{
		id:       id,
		kind:     kind,
		interval: interval,
		writer:   w,
		sample:   []metrics.Sample{{Name: name}},
	}
	s.read = s.readRuntimeMetric
	return s, nil
}

func (s *sampler) readRuntimeMetric() uint64 {
	metrics.Read(s.sample)
	v := s.sample[0].Value
	switch v.Kind() {
	case metrics.KindUint64:
		return v.Uint64()
	case metrics.KindFloat64:
		return uint64(v.Float64())
	default:
		return 0
	}
}

// emit stamps one value, flushing the packet first when it is full.
func (s *sampler) emit(value uint64, out chan<- []trace.Record, m *telemetry.Metrics) error {
	err := s.writer.Emit(uint32(s.kind), uint32(s.id), value)
	if trace.IsFull(err) {
		s.flush(out, m)
		err = s.writer.Emit(uint32(s.kind), uint32(s.id), value)
	}
	return err
}

// flush decodes the packet, hands the records to the process workers and
// rewinds the writer.
func (s *sampler) flush(out chan<- []trace.Record, m *telemetry.Metrics) {
	if s.writer.Len() == 0 {
		return
	}

	records, err := trace.Decode(s.writer.Bytes())
	s.writer.Reset()
	if err != nil {
		log.Printf("[SW-%d] Dropping packet: %v", s.id, err)
		return
	}

	out <- records
	m.PacketsFlushed.Inc()
}

func (s *sampler) run(ctx context.Context, out chan<- []trace.Record, flushInterval time.Duration, m *telemetry.Metrics, stamped *atomic.Uint64) {
	log.Printf("[SW-%d] Sampling %s every %s", s.id, getEventName(s.kind), s.interval)
	defer log.Printf("[SW-%d] I'm done!", s.id)

	sampleTicker := time.NewTicker(s.interval)
	defer sampleTicker.Stop()
	flushTicker := time.NewTicker(flushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush(out, m)
			return
		case <-flushTicker.C:
			s.flush(out, m)
		case <-sampleTicker.C:
			if err := s.emit(s.read(), out, m); err != nil {
				m.BoundsViolations.Inc()
				log.Printf("[SW-%d] Stamp failed: %v", s.id, err)
				continue
			}
			m.Stamps.Inc()
			stamped.Add(1)
		}
	}
}

func convertToStorageEvent(r trace.Record) *storage.Event {
	return &storage.Event{
		Timestamp: r.Timestamp,
		Kind:      storage.EventKind(r.Kind),
		Source:    r.Source,
		Value:     r.Value,
	}
}
