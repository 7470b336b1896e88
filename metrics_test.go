package vhostuser

import (
	"testing"

	"github.com/behrlich/vhost-user-backend/internal/uapi"
)

func TestRecordRequestTracksCounts(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest(uapi.ReqGetFeatures, 5_000, true)
	m.RecordRequest(uapi.ReqSetMemTable, 5_000, false)

	snap := m.Snapshot()
	if snap.RequestCount != 2 {
		t.Errorf("RequestCount = %d, want 2", snap.RequestCount)
	}
	if snap.RequestErrors != 1 {
		t.Errorf("RequestErrors = %d, want 1", snap.RequestErrors)
	}
}

func TestRecordConnectionCountsReconnects(t *testing.T) {
	m := NewMetrics()
	m.RecordConnection(true)
	m.RecordConnection(false)
	m.RecordConnection(true)

	snap := m.Snapshot()
	if snap.Connections != 2 {
		t.Errorf("Connections = %d, want 2", snap.Connections)
	}
	if snap.Reconnects != 1 {
		t.Errorf("Reconnects = %d, want 1", snap.Reconnects)
	}
}

func TestRecordMemoryMapSetsGauge(t *testing.T) {
	m := NewMetrics()
	m.RecordMemoryMap(3)
	if got := m.Snapshot().MemoryRegions; got != 3 {
		t.Errorf("MemoryRegions = %d, want 3", got)
	}
}

func TestMetricsObserverForwardsToMetrics(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)
	obs.ObserveKick(2)
	obs.ObserveKick(2)

	if got := m.Snapshot().KickCount; got != 2 {
		t.Errorf("KickCount = %d, want 2", got)
	}
}

func TestNoOpObserverDoesNotPanic(t *testing.T) {
	var obs Observer = NoOpObserver{}
	obs.ObserveRequest(uapi.ReqGetFeatures, 0, true)
	obs.ObserveKick(0)
	obs.ObserveMemoryMap(0)
	obs.ObserveConnection(true)
}
