package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"go.sazak.io/mprof/cmd/mprof/api"
)

const statsInterval = 1000 * time.Millisecond

// metricSeries accumulates one value per stats tick for the metrics file.
type metricSeries struct {
	Sps []float64 `json:"sps"`
	Pps []float64 `json:"pps"`
	Ewp []float64 `json:"ewp"`
	Bfl []float64 `json:"bfl"`
	Qwl []float64 `json:"qwl"`
	Ts  []float64 `json:"ts"`

	EventCounts map[string]uint64 `json:"event_counts"`
}

func newMetricSeries() *metricSeries {
	return &metricSeries{
		Sps: make([]float64, 0, 1_000),
		Pps: make([]float64, 0, 1_000),
		Ewp: make([]float64, 0, 1_000),
		Bfl: make([]float64, 0, 1_000),
		Qwl: make([]float64, 0, 1_000),
		Ts:  make([]float64, 0, 1_000),
	}
}

// average drains a sum/count pair and returns the mean, or 0 when empty.
func average(sum, count interface{ Swap(int64) int64 }) (float64, bool) {
	c := count.Swap(0)
	s := sum.Swap(0)
	if c == 0 {
		return 0, false
	}
	return float64(s / c), true
}

// statsCursor remembers the cumulative counters seen at the previous tick.
type statsCursor struct {
	stamped   uint64
	processed uint64
}

// reportStats logs and records pipeline stats every interval until
// stopped is closed.
func (p *pipeline) reportStats(interval time.Duration, stopped <-chan struct{}, series *metricSeries) {
	t := time.NewTicker(interval)
	defer t.Stop()

	var last statsCursor

	for {
		select {
		case <-stopped:
			return
		case <-t.C:
			p.recordStats(interval, &last, series)
		}
	}
}

// recordStats computes one tick worth of rates and latencies, appends it to
// series and pushes it to the API server.
func (p *pipeline) recordStats(interval time.Duration, last *statsCursor, series *metricSeries) {
	stamped := p.stamped.Load()
	processed := p.processed.Load()

	sps := float64(stamped-last.stamped) * float64(time.Second) / float64(interval)
	pps := float64(processed-last.processed) * float64(time.Second) / float64(interval)
	last.stamped, last.processed = stamped, processed

	ewp := int64(stamped) - int64(processed)

	bfl, bflOK := average(&p.batchFlushNsSum, &p.batchFlushNsCount)
	qwl, qwlOK := average(&p.queueWaitNsSum, &p.queueWaitNsCount)

	if !p.silent {
		log.Printf("[Stats] SPS: %.2f ev/sec", sps)
		log.Printf("[Stats] PPS: %.2f ev/sec", pps)
		log.Printf("[Stats] EWP: %d", ewp)
		log.Printf("[Stats] BFL: %s", nsOrNaN(bfl, bflOK, "ns/batch"))
		log.Printf("[Stats] QWL: %s\n\n", nsOrNaN(qwl, qwlOK, "ns/event"))
	}

	series.Sps = append(series.Sps, sps)
	series.Pps = append(series.Pps, pps)
	series.Ewp = append(series.Ewp, float64(ewp))
	series.Bfl = append(series.Bfl, bfl)
	series.Qwl = append(series.Qwl, qwl)
	series.Ts = append(series.Ts, float64(time.Now().UTC().UnixNano()))

	if p.apiServer != nil {
		p.apiServer.UpdateMetrics(&api.Metrics{
			SPS: sps,
			PPS: pps,
			EWP: ewp,
			BFL: bfl,
			QWL: qwl,
		})
	}
}

func nsOrNaN(v float64, ok bool, unit string) string {
	if !ok {
		return "NaN"
	}
	return fmt.Sprintf("%d %s", int64(v), unit)
}

// metricsFileName builds metrics[_<utc>][_<prefix>].json.
func metricsFileName(prefix string, noTimestamp bool, now time.Time) string {
	filename := "metrics"
	if !noTimestamp {
		filename += "_" + now.UTC().Format("2006-01-02-15-04-05")
	}
	if prefix != "" {
		filename += "_" + prefix
	}
	return filename + ".json"
}

func saveMetrics(filename string, series *metricSeries) error {
	b, err := json.MarshalIndent(series, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metric data: %w", err)
	}
	if err := os.WriteFile(filename, b, 0666); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
