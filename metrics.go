package vhostuser

import (
	"sync/atomic"
	"time"

	"github.com/behrlich/vhost-user-backend/internal/uapi"
)

// LatencyBuckets defines the request-latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a served
// vhost-user device.
type Metrics struct {
	RequestCount  atomic.Uint64 // Total control-plane requests dispatched
	RequestErrors atomic.Uint64 // Requests that returned a non-zero result
	KickCount     atomic.Uint64 // Total vring kick events observed

	MemoryRegions atomic.Uint32 // Current number of mapped guest memory regions
	Connections   atomic.Uint64 // Total accepted frontend connections
	Reconnects    atomic.Uint64 // Connections after the first (i.e. reconnects)

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a fresh Metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRequest records one dispatched control-plane request.
func (m *Metrics) RecordRequest(op uint32, latencyNs uint64, success bool) {
	m.RequestCount.Add(1)
	if !success {
		m.RequestErrors.Add(1)
	}
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
	_ = op // per-op breakdown is left to the caller's own Observer if needed
}

// RecordKick records one vring kick event.
func (m *Metrics) RecordKick(queueID int) {
	m.KickCount.Add(1)
	_ = queueID
}

// RecordMemoryMap updates the current mapped-region gauge.
func (m *Metrics) RecordMemoryMap(regions int) {
	m.MemoryRegions.Store(uint32(regions))
}

// RecordConnection records a connection transition. The first
// connection increments Connections only; every subsequent one also
// increments Reconnects.
func (m *Metrics) RecordConnection(connected bool) {
	if !connected {
		return
	}
	total := m.Connections.Add(1)
	if total > 1 {
		m.Reconnects.Add(1)
	}
}

// Stop marks the device as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics, with derived
// statistics computed.
type MetricsSnapshot struct {
	RequestCount  uint64
	RequestErrors uint64
	KickCount     uint64
	MemoryRegions uint32
	Connections   uint64
	Reconnects    uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64
	ErrorRate        float64
}

// Snapshot returns a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		RequestCount:  m.RequestCount.Load(),
		RequestErrors: m.RequestErrors.Load(),
		KickCount:     m.KickCount.Load(),
		MemoryRegions: m.MemoryRegions.Load(),
		Connections:   m.Connections.Load(),
		Reconnects:    m.Reconnects.Load(),
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
		snap.ErrorRate = float64(snap.RequestErrors) / float64(snap.RequestCount) * 100.0
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}
	return snap
}

func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters, useful between test runs.
func (m *Metrics) Reset() {
	m.RequestCount.Store(0)
	m.RequestErrors.Store(0)
	m.KickCount.Store(0)
	m.MemoryRegions.Store(0)
	m.Connections.Store(0)
	m.Reconnects.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection. It is the public
// mirror of internal/interfaces.Observer so callers outside the
// module tree don't need to import an internal package to implement
// their own collector.
type Observer interface {
	ObserveRequest(op uint32, latencyNs uint64, success bool)
	ObserveKick(queueID int)
	ObserveMemoryMap(regions int)
	ObserveConnection(connected bool)
}

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRequest(uint32, uint64, bool) {}
func (NoOpObserver) ObserveKick(int)                     {}
func (NoOpObserver) ObserveMemoryMap(int)                {}
func (NoOpObserver) ObserveConnection(bool)              {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRequest(op uint32, latencyNs uint64, success bool) {
	o.metrics.RecordRequest(op, latencyNs, success)
}
func (o *MetricsObserver) ObserveKick(queueID int)      { o.metrics.RecordKick(queueID) }
func (o *MetricsObserver) ObserveMemoryMap(regions int) { o.metrics.RecordMemoryMap(regions) }
func (o *MetricsObserver) ObserveConnection(connected bool) { o.metrics.RecordConnection(connected) }

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)

// RequestName re-exports uapi.RequestName for callers building their
// own Observer that wants human-readable op names.
func RequestName(op uint32) string { return uapi.RequestName(op) }
