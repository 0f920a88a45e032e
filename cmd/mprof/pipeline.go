package main

import (
	"log"
	"sync/atomic"
	"time"

	"go.sazak.io/mprof/cmd/mprof/api"
	"go.sazak.io/mprof/cmd/mprof/storage"
	"go.sazak.io/mprof/cmd/mprof/telemetry"
	"go.sazak.io/mprof/monotime"
	"go.sazak.io/mprof/trace"
)

// pipeline carries packets from the samplers to storage and the API.
type pipeline struct {
	store         storage.EventStore
	apiServer     *api.Server
	metrics       *telemetry.Metrics
	batchSize     int
	flushInterval time.Duration
	silent        bool

	stamped     atomic.Uint64 // cumulative, incremented by samplers
	processed   atomic.Uint64 // cumulative, incremented by process workers
	eventCounts [numEventKinds]atomic.Uint64

	batchFlushNsSum   atomic.Int64
	batchFlushNsCount atomic.Int64
	queueWaitNsSum    atomic.Int64
	queueWaitNsCount  atomic.Int64
}

func (p *pipeline) process(id int, in <-chan []trace.Record) {
	log.Printf("[PW-%d] I'm alive!", id)
	defer log.Printf("[PW-%d] I'm done!", id)

	batch := make([]*storage.Event, 0, p.batchSize)
	flushTimer := time.NewTimer(p.flushInterval)
	defer flushTimer.Stop()

	flushBatch := func() {
		defer flushTimer.Reset(p.flushInterval)
		if len(batch) == 0 {
			return
		}

		start := monotime.Now()

		if p.store != nil {
			if err := p.store.WriteBatch(batch); err != nil {
				p.metrics.StoreErrors.Inc()
				log.Printf("[PW-%d] Failed to write batch to storage: %v", id, err)
			} else {
				p.metrics.EventsStored.Add(float64(len(batch)))
			}
		}

		if p.apiServer != nil {
			p.apiServer.BroadcastBatch(batch)
		}

		if p.store == nil && p.apiServer == nil && !p.silent {
			for _, event := range batch {
				logEvent(id, event)
			}
		}

		d := int64(monotime.Now() - start)
		p.batchFlushNsSum.Add(d)
		p.batchFlushNsCount.Add(1)
		telemetry.ObserveNanos(p.metrics.BatchFlush, d)

		// The store keeps no reference to the slice, so it can be reused.
		batch = batch[:0]
	}

	for {
		select {
		case <-flushTimer.C:
			flushBatch()
		case records, ok := <-in:
			if !ok {
				flushBatch()
				return
			}

			now := monotime.Now()
			for _, r := range records {
				if now >= r.Timestamp {
					wait := int64(now - r.Timestamp)
					p.queueWaitNsSum.Add(wait)
					p.queueWaitNsCount.Add(1)
					telemetry.ObserveNanos(p.metrics.QueueWait, wait)
				} else {
					// This shouldn't happen
					log.Printf("[PW-%d] Time inconsistency: now=%d < stamp=%d", id, now, r.Timestamp)
				}

				batch = append(batch, convertToStorageEvent(r))
				p.processed.Add(1)
				if int(r.Kind) < len(p.eventCounts) {
					p.eventCounts[r.Kind].Add(1)
				}

				if len(batch) >= p.batchSize {
					flushBatch()
				}
			}
		}
	}
}

// countsByName snapshots the processed event counts keyed by event name.
func (p *pipeline) countsByName() map[string]uint64 {
	counts := make(map[string]uint64, len(p.eventCounts))
	for kind := range p.eventCounts {
		counts[getEventName(storage.EventKind(kind))] = p.eventCounts[kind].Load()
	}
	return counts
}

func logEvent(id int, event *storage.Event) {
	log.Printf("[PW-%d] [ts:%d] source %d %s = %d", id, event.Timestamp, event.Source, getEventName(event.Kind), event.Value)
}
