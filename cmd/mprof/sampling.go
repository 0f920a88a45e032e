package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.sazak.io/mprof/cmd/mprof/storage"
)

const numEventKinds = int(storage.EventKindGCCycles) + 1

const defaultSamples = "goroutines:100ms,heap_bytes:250ms,heap_objects:250ms,gc_cycles:1s"

// Event name to kind mapping
var eventNameToKind = map[string]storage.EventKind{
	"goroutines":   storage.EventKindGoroutines,
	"heap_bytes":   storage.EventKindHeapBytes,
	"heap_objects": storage.EventKindHeapObjects,
	"gc_cycles":    storage.EventKindGCCycles,
}

// parseSampleIntervals parses the -sample flag, e.g. goroutines:100ms,gc_cycles:1s
func parseSampleIntervals(flagValue string) (map[storage.EventKind]time.Duration, error) {
	intervals := make(map[storage.EventKind]time.Duration)
	if strings.TrimSpace(flagValue) == "" {
		return intervals, nil
	}

	pairs := strings.Split(flagValue, ",")
	for _, pair := range pairs {
		parts := strings.Split(pair, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid sample format: %s", pair)
		}

		eventName := strings.TrimSpace(parts[0])
		kind, ok := eventNameToKind[eventName]
		if !ok {
			return nil, fmt.Errorf("unknown event name: %s", eventName)
		}

		interval, err := time.ParseDuration(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid interval for %s: %v", eventName, err)
		}

		if interval <= 0 {
			return nil, fmt.Errorf("interval must be positive, got %s", interval)
		}

		intervals[kind] = interval
	}

	return intervals, nil
}

// sortedKinds returns the configured kinds in ascending order so sampler
// ids and arena regions are stable between runs.
func sortedKinds(intervals map[storage.EventKind]time.Duration) []storage.EventKind {
	kinds := make([]storage.EventKind, 0, len(intervals))
	for kind := range intervals {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func getEventName(kind storage.EventKind) string {
	for name, k := range eventNameToKind {
		if k == kind {
			return name
		}
	}
	return fmt.Sprintf("unknown(%d)", kind)
}
