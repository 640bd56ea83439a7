package nvme

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-nvme/internal/doorbell"
	"github.com/ehrlich-b/go-nvme/internal/interfaces"
)

// LatencyBuckets defines the histogram buckets in nanoseconds, used for
// both command latency and queue park time.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// histogram keeps cumulative bucket counts: bucket[i] counts samples
// <= LatencyBuckets[i]
type histogram struct {
	totalNs atomic.Uint64
	count   atomic.Uint64
	buckets [numLatencyBuckets]atomic.Uint64
}

func (h *histogram) record(ns uint64) {
	h.totalNs.Add(ns)
	h.count.Add(1)
	for i, bucket := range LatencyBuckets {
		if ns <= bucket {
			h.buckets[i].Add(1)
		}
	}
}

func (h *histogram) average() uint64 {
	n := h.count.Load()
	if n == 0 {
		return 0
	}
	return h.totalNs.Load() / n
}

// percentile estimates the value at p (0.0-1.0) by linear interpolation
// between buckets
func (h *histogram) percentile(p float64) uint64 {
	total := h.count.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * p)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		count := h.buckets[i].Load()
		if count >= target {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = h.buckets[i-1].Load()
			}
			if count == prevCount {
				return bucket
			}
			fraction := float64(target-prevCount) / float64(count-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

func (h *histogram) snapshot() (out [numLatencyBuckets]uint64) {
	for i := range out {
		out[i] = h.buckets[i].Load()
	}
	return out
}

func (h *histogram) reset() {
	h.totalNs.Store(0)
	h.count.Store(0)
	for i := range h.buckets {
		h.buckets[i].Store(0)
	}
}

// Metrics tracks doorbell and queue statistics for a controller
type Metrics struct {
	// Doorbell writes that reached a register, and how many woke a queue
	DoorbellWrites atomic.Uint64
	DoorbellWakes  atomic.Uint64

	// Writes past the configured doorbells, dropped
	UnknownDoorbellWrites atomic.Uint64

	// Poll outcomes
	PollReady        atomic.Uint64 // value changed before registering
	PollRecheckReady atomic.Uint64 // value changed between register and recheck
	PollPending      atomic.Uint64

	// Commands
	Commands      atomic.Uint64
	CommandErrors atomic.Uint64

	// Completions
	Completions         atomic.Uint64
	CompletionQueueFull atomic.Uint64

	park    histogram
	command histogram

	// Controller lifecycle
	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) RecordDoorbellWrite(woke bool) {
	m.DoorbellWrites.Add(1)
	if woke {
		m.DoorbellWakes.Add(1)
	}
}

func (m *Metrics) RecordUnknownDoorbell() {
	m.UnknownDoorbellWrites.Add(1)
}

func (m *Metrics) RecordPoll(outcome doorbell.PollOutcome) {
	switch outcome {
	case doorbell.PollReady:
		m.PollReady.Add(1)
	case doorbell.PollRecheckReady:
		m.PollRecheckReady.Add(1)
	case doorbell.PollPending:
		m.PollPending.Add(1)
	}
}

// RecordPark records how long a queue task waited for a doorbell
func (m *Metrics) RecordPark(parkedNs uint64) {
	m.park.record(parkedNs)
}

func (m *Metrics) RecordCommand(latencyNs uint64, success bool) {
	m.Commands.Add(1)
	if !success {
		m.CommandErrors.Add(1)
	}
	m.command.record(latencyNs)
}

func (m *Metrics) RecordCompletion() {
	m.Completions.Add(1)
}

func (m *Metrics) RecordCompletionQueueFull() {
	m.CompletionQueueFull.Add(1)
}

// Stop marks the controller as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

type MetricsSnapshot struct {
	DoorbellWrites        uint64
	DoorbellWakes         uint64
	UnknownDoorbellWrites uint64

	PollReady        uint64
	PollRecheckReady uint64
	PollPending      uint64

	Commands            uint64
	CommandErrors       uint64
	Completions         uint64
	CompletionQueueFull uint64

	// Park time (nanoseconds)
	Parks         uint64
	AvgParkNs     uint64
	ParkP50Ns     uint64
	ParkP99Ns     uint64
	ParkP999Ns    uint64
	ParkHistogram [numLatencyBuckets]uint64

	// Command latency (nanoseconds)
	AvgCommandLatencyNs uint64
	CommandP50Ns        uint64
	CommandP99Ns        uint64
	CommandHistogram    [numLatencyBuckets]uint64

	UptimeNs uint64

	// Computed statistics
	CommandsPerSecond float64
	WakeRate          float64 // percentage of doorbell writes that woke a queue
	FastPathRate      float64 // percentage of polls that did not register a waker
	ErrorRate         float64 // percentage of failed commands
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		DoorbellWrites:        m.DoorbellWrites.Load(),
		DoorbellWakes:         m.DoorbellWakes.Load(),
		UnknownDoorbellWrites: m.UnknownDoorbellWrites.Load(),
		PollReady:             m.PollReady.Load(),
		PollRecheckReady:      m.PollRecheckReady.Load(),
		PollPending:           m.PollPending.Load(),
		Commands:              m.Commands.Load(),
		CommandErrors:         m.CommandErrors.Load(),
		Completions:           m.Completions.Load(),
		CompletionQueueFull:   m.CompletionQueueFull.Load(),
		Parks:                 m.park.count.Load(),
		AvgParkNs:             m.park.average(),
		ParkP50Ns:             m.park.percentile(0.50),
		ParkP99Ns:             m.park.percentile(0.99),
		ParkP999Ns:            m.park.percentile(0.999),
		ParkHistogram:         m.park.snapshot(),
		AvgCommandLatencyNs:   m.command.average(),
		CommandP50Ns:          m.command.percentile(0.50),
		CommandP99Ns:          m.command.percentile(0.99),
		CommandHistogram:      m.command.snapshot(),
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}
	if snap.UptimeNs > 0 {
		snap.CommandsPerSecond = float64(snap.Commands) / (float64(snap.UptimeNs) / 1e9)
	}

	if snap.DoorbellWrites > 0 {
		snap.WakeRate = float64(snap.DoorbellWakes) / float64(snap.DoorbellWrites) * 100.0
	}
	if polls := snap.PollReady + snap.PollRecheckReady + snap.PollPending; polls > 0 {
		snap.FastPathRate = float64(snap.PollReady) / float64(polls) * 100.0
	}
	if snap.Commands > 0 {
		snap.ErrorRate = float64(snap.CommandErrors) / float64(snap.Commands) * 100.0
	}
	return snap
}

// Reset resets all counters (useful for testing)
func (m *Metrics) Reset() {
	m.DoorbellWrites.Store(0)
	m.DoorbellWakes.Store(0)
	m.UnknownDoorbellWrites.Store(0)
	m.PollReady.Store(0)
	m.PollRecheckReady.Store(0)
	m.PollPending.Store(0)
	m.Commands.Store(0)
	m.CommandErrors.Store(0)
	m.Completions.Store(0)
	m.CompletionQueueFull.Store(0)
	m.park.reset()
	m.command.reset()
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer receives doorbell, poll and queue events. Implementations must
// be safe for concurrent use; they run on vCPU and queue goroutines.
type Observer = interfaces.Observer

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveDoorbellWrite(int, bool)        {}
func (NoOpObserver) ObservePoll(int, doorbell.PollOutcome) {}
func (NoOpObserver) ObservePark(int, uint64)               {}
func (NoOpObserver) ObserveUnknownDoorbell(int)            {}
func (NoOpObserver) ObserveCommand(uint16, uint64, bool)   {}
func (NoOpObserver) ObserveCompletion(uint16)              {}
func (NoOpObserver) ObserveCompletionQueueFull(uint16)     {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveDoorbellWrite(index int, woke bool) {
	o.metrics.RecordDoorbellWrite(woke)
}

func (o *MetricsObserver) ObservePoll(index int, outcome doorbell.PollOutcome) {
	o.metrics.RecordPoll(outcome)
}

func (o *MetricsObserver) ObservePark(index int, parkedNs uint64) {
	o.metrics.RecordPark(parkedNs)
}

func (o *MetricsObserver) ObserveUnknownDoorbell(index int) {
	o.metrics.RecordUnknownDoorbell()
}

func (o *MetricsObserver) ObserveCommand(qid uint16, latencyNs uint64, success bool) {
	o.metrics.RecordCommand(latencyNs, success)
}

func (o *MetricsObserver) ObserveCompletion(qid uint16) {
	o.metrics.RecordCompletion()
}

func (o *MetricsObserver) ObserveCompletionQueueFull(qid uint16) {
	o.metrics.RecordCompletionQueueFull()
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = NoOpObserver{}
