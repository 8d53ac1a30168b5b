package nvme

import "sync/atomic"

// latencyBuckets are cumulative histogram boundaries in nanoseconds,
// 1us..10s log-spaced.
var latencyBuckets = []uint64{
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

// Metrics tracks per-controller I/O counters and latency. One Metrics
// instance is shared by every namespace handle open on the same BDF.
type Metrics struct {
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64
	FlushOps atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64
	FlushErrors atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics creates a metrics instance stamped with the given start time;
// callers pass time.Now().UnixNano(), since Metrics itself never reads
// the clock.
func NewMetrics(startUnixNano int64) *Metrics {
	m := &Metrics{}
	m.StartTime.Store(startUnixNano)
	return m
}

func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range latencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics for
// reporting (e.g. cmd/unvme-bench).
type MetricsSnapshot struct {
	ReadOps, WriteOps, FlushOps          uint64
	ReadBytes, WriteBytes                uint64
	ReadErrors, WriteErrors, FlushErrors uint64
	AvgLatencyNs                         uint64
	UptimeNs                             uint64
	LatencyP50Ns, LatencyP99Ns, LatencyP999Ns uint64
	LatencyHistogram                     [numLatencyBuckets]uint64
	ReadIOPS, WriteIOPS                  float64
	ReadBandwidth, WriteBandwidth        float64
	TotalOps, TotalBytes                 uint64
	ErrorRate                            float64
}

// Snapshot computes a MetricsSnapshot as of nowUnixNano (caller-supplied so
// Metrics itself never reads the clock).
func (m *Metrics) Snapshot(nowUnixNano int64) MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:     m.ReadOps.Load(),
		WriteOps:    m.WriteOps.Load(),
		FlushOps:    m.FlushOps.Load(),
		ReadBytes:   m.ReadBytes.Load(),
		WriteBytes:  m.WriteBytes.Load(),
		ReadErrors:  m.ReadErrors.Load(),
		WriteErrors: m.WriteErrors.Load(),
		FlushErrors: m.FlushErrors.Load(),
	}
	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.FlushOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	start := m.StartTime.Load()
	if nowUnixNano > start {
		snap.UptimeNs = uint64(nowUnixNano - start)
	}
	if snap.UptimeNs > 0 {
		seconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / seconds
		snap.WriteIOPS = float64(snap.WriteOps) / seconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / seconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / seconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors + snap.FlushErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	if opCount > 0 {
		snap.LatencyP50Ns = m.percentile(0.50)
		snap.LatencyP99Ns = m.percentile(0.99)
		snap.LatencyP999Ns = m.percentile(0.999)
	}
	return snap
}

// percentile estimates the latency at the given percentile via linear
// interpolation between histogram buckets.
func (m *Metrics) percentile(p float64) uint64 {
	total := m.OpCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * p)
	var prevBucket uint64
	for i, bucket := range latencyBuckets {
		count := m.LatencyBuckets[i].Load()
		if count >= target {
			var prevCount uint64
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if count == prevCount {
				return bucket
			}
			fraction := float64(target-prevCount) / float64(count-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return latencyBuckets[numLatencyBuckets-1]
}
