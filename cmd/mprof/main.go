package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"go.sazak.io/mprof/cmd/mprof/api"
	"go.sazak.io/mprof/cmd/mprof/kclock"
	"go.sazak.io/mprof/cmd/mprof/storage"
	"go.sazak.io/mprof/cmd/mprof/telemetry"
	"go.sazak.io/mprof/monotime"
	"go.sazak.io/mprof/trace"
)

var (
	samples        = flag.String("sample", defaultSamples, "Event kinds to sample and their intervals (e.g., goroutines:100ms,gc_cycles:1s)")
	packetSize     = flag.Int("packet-size", 4096, "Bytes of the shared packet buffer owned by each sampler")
	processWorkers = flag.Int("pw", 2, "Number of event processing workers")
	runFor         = flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")

	// Web mode flags
	webMode = flag.Bool("web", false, "Enable web mode with API server, WebSocket and Prometheus metrics")
	webPort = flag.Int("web-port", 8080, "Port for web API server")

	storageFormat = flag.String("storage-format", "binary", "Storage format: "+strings.Join(storage.Formats, ", "))
	storageDir    = flag.String("storage-dir", "./sessions", "Directory for storing session data")

	kernelClock = flag.Bool("kclock", false, "Compare the monotonic clock with the eBPF kernel clock at startup (Linux, needs CAP_BPF)")

	silent                = flag.Bool("s", false, "Enable silent mode")
	metricFilePrefix      = flag.String("mfp", "", "Prefix for metric file name")
	metricFileNoTimestamp = flag.Bool("mft", false, "Do not include timestamp in metric file name")

	// Batch configuration
	batchSize          = flag.Int("batch-size", 1000, "Number of events to batch before writing to storage")
	batchFlushInterval = flag.Duration("batch-flush-interval", 100*time.Millisecond, "Maximum time to wait before flushing a batch")
)

func main() {
	log.SetPrefix("mprof: ")
	log.SetFlags(log.Ltime)

	flag.Parse()
	must(validateFlags(), "validating flags")

	intervals, err := parseSampleIntervals(*samples)
	must(err, "parsing sample intervals")
	if len(intervals) == 0 {
		log.Fatal("-sample must name at least one event kind")
	}

	m := telemetry.New()

	session := &storage.Session{
		ID:           uuid.New().String(),
		StartTime:    time.Now(),
		PID:          os.Getpid(),
		ClockVariant: monotime.Variant,
	}
	log.Printf("Session ID: %s (clock: %s)", session.ID, session.ClockVariant)

	if *kernelClock {
		if skew, err := probeKernelClock(); err != nil {
			log.Printf("Kernel clock probe unavailable: %v", err)
		} else {
			session.KernelClockSkewNs = &skew
			m.KernelClockSkew.Set(float64(skew))
		}
	}

	manager, err := storage.NewManager(*storageDir)
	must(err, "creating storage manager")
	defer manager.Close()

	eventStore, err := manager.CreateSession(context.Background(), session, *storageFormat)
	must(err, "creating event store")
	defer eventStore.Close()
	log.Printf("Storage format: %s (%s)", *storageFormat, *storageDir)

	p := &pipeline{
		store:         eventStore,
		metrics:       m,
		batchSize:     *batchSize,
		flushInterval: *batchFlushInterval,
		silent:        *silent,
	}

	if *webMode {
		p.apiServer = api.NewServer(manager, *webPort, m.Handler())
		go func() {
			if err := p.apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("API server error: %v", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.apiServer.Stop(ctx); err != nil {
				log.Printf("Error stopping API server: %v", err)
			}
		}()

		log.Printf("Web mode enabled: http://localhost:%d", *webPort)
	}

	// Subscribe to signals for terminating the program.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *runFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *runFor)
		defer cancel()
	}

	// One caller-owned arena; every sampler stamps only its own region.
	kinds := sortedKinds(intervals)
	arena := make([]byte, *packetSize*len(kinds))

	samplers := make([]*sampler, 0, len(kinds))
	for i, kind := range kinds {
		s, err := newSampler(i, kind, intervals[kind], arena, *packetSize)
		must(err, "creating sampler")
		samplers = append(samplers, s)
	}

	eventCh := make(chan []trace.Record, 1024)
	statsStopped := make(chan struct{})
	series := newMetricSeries()

	var sampleWg, processWg, statsWg sync.WaitGroup

	statsWg.Add(1)
	go func() {
		defer statsWg.Done()
		p.reportStats(statsInterval, statsStopped, series)
	}()

	processWg.Add(*processWorkers)
	for i := range *processWorkers {
		go func(id int) {
			defer processWg.Done()
			p.process(id, eventCh)
		}(i)
	}

	sampleWg.Add(len(samplers))
	for _, s := range samplers {
		go func(s *sampler) {
			defer sampleWg.Done()
			s.run(ctx, eventCh, *batchFlushInterval, m, &p.stamped)
		}(s)
	}

	log.Printf("All samplers are alive")

	<-ctx.Done()
	log.Printf("[Main] Stopping: %v", context.Cause(ctx))

	sampleWg.Wait()
	log.Printf("All samplers are done")
	close(eventCh) // no more packets; processors drain and exit

	processWg.Wait()
	log.Printf("All processors are done")
	close(statsStopped)
	statsWg.Wait() // series is ours from here on

	endTime := time.Now()
	session.EndTime = &endTime
	session.EventCount = eventStore.GetSession().EventCount
	if err := eventStore.UpdateSession(session); err != nil {
		log.Printf("Error updating session: %v", err)
	}
	log.Printf("Recorded %d events", session.EventCount)

	series.EventCounts = p.countsByName()
	filename := metricsFileName(*metricFilePrefix, *metricFileNoTimestamp, time.Now())
	if err := saveMetrics(filename, series); err != nil {
		log.Printf("Error saving metrics: %v", err)
		return
	}
	log.Printf("Metrics saved to %s", filename)
}

func must(err error, op string) {
	if err != nil {
		log.Fatalf("%s: %v", op, err)
	}
}

func validateFlags() error {
	if *processWorkers <= 0 {
		return errors.New("-pw must be positive")
	}

	if *packetSize < trace.RecordSize {
		return fmt.Errorf("-packet-size must be at least %d bytes", trace.RecordSize)
	}

	if *batchSize <= 0 {
		return errors.New("-batch-size must be positive")
	}

	if *batchFlushInterval <= 0 {
		return errors.New("-batch-flush-interval must be positive")
	}

	if *runFor < 0 {
		return errors.New("-duration must not be negative")
	}

	if !storage.ValidFormat(*storageFormat) {
		return fmt.Errorf("unknown -storage-format %q (supported: %s)", *storageFormat, strings.Join(storage.Formats, ", "))
	}

	if *webMode && (*webPort <= 0 || *webPort > 65535) {
		return fmt.Errorf("-web-port %d out of range", *webPort)
	}

	return nil
}

// probeKernelClock returns bpf_ktime_get_ns() minus monotime.Now, taken
// from the tightest of several bracketed readings.
func probeKernelClock() (int64, error) {
	probe, err := kclock.NewProbe()
	if err != nil {
		return 0, err
	}
	defer probe.Close()

	r, err := probe.Best(16)
	if err != nil {
		return 0, err
	}

	log.Printf("Kernel clock skew: %d ns (±%d ns)", r.Skew(), r.Uncertainty()/2)
	return r.Skew(), nil
}
