package metrics

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds process-wide counters for Prometheus export
type Metrics struct {
	startTime time.Time

	// HTTP request metrics
	httpRequestsTotal   atomic.Int64
	httpRequestsSuccess atomic.Int64
	httpRequestsError   atomic.Int64
	httpLatencySum      atomic.Int64 // microseconds
	httpLatencyCount    atomic.Int64

	// Ingestion metrics (API, MQTT, NATS)
	ingestSamplesTotal atomic.Int64
	ingestBytesTotal   atomic.Int64
	ingestErrorsTotal  atomic.Int64
	mqttMessagesTotal  atomic.Int64
	natsMessagesTotal  atomic.Int64

	// Flush cycle metrics
	flushCyclesTotal      atomic.Int64
	flushSkippedTotal     atomic.Int64
	flushErrorsTotal      atomic.Int64
	flushSamplesTotal     atomic.Int64
	flushSamplesLost      atomic.Int64
	flushSamplesDropped   atomic.Int64
	flushLatencySum       atomic.Int64 // microseconds
	flushLatencyCount     atomic.Int64
	baseRecordsCreated    atomic.Int64
	windowRecordsCreated  atomic.Int64
	queueDepth            atomic.Int64
	flushPausedTotal      atomic.Int64
	flushBreakerOpen      atomic.Int64

	// Query metrics
	queryRequestsTotal atomic.Int64
	queryErrorsTotal   atomic.Int64
	queryRowsTotal     atomic.Int64
	queryLatencySum    atomic.Int64 // microseconds
	queryLatencyCount  atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			startTime: time.Now(),
		}
	})
	return instance
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Info().Msg("Metrics collector initialized")
	return m
}

// HTTP
func (m *Metrics) IncHTTPRequests() { m.httpRequestsTotal.Add(1) }
func (m *Metrics) IncHTTPSuccess()  { m.httpRequestsSuccess.Add(1) }
func (m *Metrics) IncHTTPError()    { m.httpRequestsError.Add(1) }

func (m *Metrics) RecordHTTPLatency(durationMicros int64) {
	m.httpLatencySum.Add(durationMicros)
	m.httpLatencyCount.Add(1)
}

// Ingestion
func (m *Metrics) IncIngestSamples(count int64) { m.ingestSamplesTotal.Add(count) }
func (m *Metrics) IncIngestBytes(bytes int64)   { m.ingestBytesTotal.Add(bytes) }
func (m *Metrics) IncIngestErrors()             { m.ingestErrorsTotal.Add(1) }
func (m *Metrics) IncMQTTMessages()             { m.mqttMessagesTotal.Add(1) }
func (m *Metrics) IncNATSMessages()             { m.natsMessagesTotal.Add(1) }

// Flush
func (m *Metrics) IncFlushCycles()                { m.flushCyclesTotal.Add(1) }
func (m *Metrics) IncFlushSkipped()               { m.flushSkippedTotal.Add(1) }
func (m *Metrics) IncFlushErrors()                { m.flushErrorsTotal.Add(1) }
func (m *Metrics) IncFlushSamples(count int64)    { m.flushSamplesTotal.Add(count) }
func (m *Metrics) IncFlushLost(count int64)       { m.flushSamplesLost.Add(count) }
func (m *Metrics) IncFlushDropped(count int64)    { m.flushSamplesDropped.Add(count) }
func (m *Metrics) IncBaseRecordsCreated()         { m.baseRecordsCreated.Add(1) }
func (m *Metrics) IncWindowRecordsCreated()       { m.windowRecordsCreated.Add(1) }
func (m *Metrics) SetQueueDepth(depth int64)      { m.queueDepth.Store(depth) }
func (m *Metrics) IncFlushPaused()                { m.flushPausedTotal.Add(1) }

// SetFlushBreakerOpen records whether scheduled flushes are paused by the breaker
func (m *Metrics) SetFlushBreakerOpen(open bool) {
	if open {
		m.flushBreakerOpen.Store(1)
	} else {
		m.flushBreakerOpen.Store(0)
	}
}

func (m *Metrics) RecordFlushLatency(durationMicros int64) {
	m.flushLatencySum.Add(durationMicros)
	m.flushLatencyCount.Add(1)
}

// Query
func (m *Metrics) IncQueryRequests()        { m.queryRequestsTotal.Add(1) }
func (m *Metrics) IncQueryErrors()          { m.queryErrorsTotal.Add(1) }
func (m *Metrics) IncQueryRows(count int64) { m.queryRowsTotal.Add(count) }

func (m *Metrics) RecordQueryLatency(durationMicros int64) {
	m.queryLatencySum.Add(durationMicros)
	m.queryLatencyCount.Add(1)
}

// counters returns every counter keyed by its exported name.
func (m *Metrics) counters() map[string]int64 {
	return map[string]int64{
		"http_requests_total":   m.httpRequestsTotal.Load(),
		"http_requests_success": m.httpRequestsSuccess.Load(),
		"http_requests_error":   m.httpRequestsError.Load(),
		"http_latency_sum_us":   m.httpLatencySum.Load(),
		"http_latency_count":    m.httpLatencyCount.Load(),

		"ingest_samples_total":  m.ingestSamplesTotal.Load(),
		"ingest_bytes_total":    m.ingestBytesTotal.Load(),
		"ingest_errors_total":   m.ingestErrorsTotal.Load(),
		"mqtt_messages_total":   m.mqttMessagesTotal.Load(),
		"nats_messages_total":   m.natsMessagesTotal.Load(),

		"flush_cycles_total":           m.flushCyclesTotal.Load(),
		"flush_skipped_total":          m.flushSkippedTotal.Load(),
		"flush_errors_total":           m.flushErrorsTotal.Load(),
		"flush_samples_total":          m.flushSamplesTotal.Load(),
		"flush_samples_lost_total":     m.flushSamplesLost.Load(),
		"flush_samples_dropped_total":  m.flushSamplesDropped.Load(),
		"flush_latency_sum_us":         m.flushLatencySum.Load(),
		"flush_latency_count":          m.flushLatencyCount.Load(),
		"base_records_created_total":   m.baseRecordsCreated.Load(),
		"window_records_created_total": m.windowRecordsCreated.Load(),
		"queue_depth":                  m.queueDepth.Load(),
		"flush_paused_total":           m.flushPausedTotal.Load(),
		"flush_breaker_open":           m.flushBreakerOpen.Load(),

		"query_requests_total": m.queryRequestsTotal.Load(),
		"query_errors_total":   m.queryErrorsTotal.Load(),
		"query_rows_total":     m.queryRowsTotal.Load(),
		"query_latency_sum_us": m.queryLatencySum.Load(),
		"query_latency_count":  m.queryLatencyCount.Load(),
	}
}

// Snapshot returns all metrics as a map for JSON output
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snap := map[string]interface{}{
		"uptime_seconds":          time.Since(m.startTime).Seconds(),
		"goroutines":              runtime.NumGoroutine(),
		"go_version":              runtime.Version(),
		"memory_alloc_bytes":      memStats.Alloc,
		"memory_heap_inuse_bytes": memStats.HeapInuse,
		"gc_cycles":               memStats.NumGC,
	}
	for name, v := range m.counters() {
		snap[name] = v
	}
	return snap
}

// PrometheusFormat renders the counters in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP deltat_uptime_seconds Time since process start\n")
	fmt.Fprintf(&sb, "# TYPE deltat_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "deltat_uptime_seconds %f\n", time.Since(m.startTime).Seconds())
	fmt.Fprintf(&sb, "# TYPE deltat_goroutines gauge\n")
	fmt.Fprintf(&sb, "deltat_goroutines %d\n", runtime.NumGoroutine())

	counters := m.counters()
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		kind := "counter"
		if name == "queue_depth" || name == "flush_breaker_open" {
			kind = "gauge"
		}
		fmt.Fprintf(&sb, "# TYPE deltat_%s %s\n", name, kind)
		fmt.Fprintf(&sb, "deltat_%s %d\n", name, counters[name])
	}

	return sb.String()
}
