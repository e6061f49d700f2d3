package ha

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// maxSamples bounds every latency sample buffer; the oldest half is dropped when it fills up
const maxSamples = 10000

// Metrics collects counters and latencies of the replication components of one instance
type Metrics struct {
	mu sync.RWMutex

	// Commit latencies as seen by the committing client, slave round trips included
	commitLatencies []time.Duration

	commitsSucceeded atomic.Uint64
	commitsFailed    atomic.Uint64

	pushesSucceeded atomic.Uint64
	pushesFailed    atomic.Uint64

	pulls        atomic.Uint64
	pullFailures atomic.Uint64

	transactionsApplied atomic.Uint64

	elections        atomic.Uint64
	electionDuration []time.Duration
	electionMu       sync.Mutex

	stateSwitches atomic.Uint64
	startTime     time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		commitLatencies:  make([]time.Duration, 0, 1024),
		electionDuration: make([]time.Duration, 0, 16),
		startTime:        time.Now(),
	}
}

// RecordCommit records the outcome and latency of a single commit
func (m *Metrics) RecordCommit(latency time.Duration, err error) {
	if err != nil {
		m.commitsFailed.Add(1)
		return
	}
	m.commitsSucceeded.Add(1)

	m.mu.Lock()
	m.commitLatencies = appendSample(m.commitLatencies, latency)
	m.mu.Unlock()
}

func (m *Metrics) RecordPush(err error) {
	if err != nil {
		m.pushesFailed.Add(1)
		return
	}
	m.pushesSucceeded.Add(1)
}

func (m *Metrics) RecordPull(err error) {
	m.pulls.Add(1)
	if err != nil {
		m.pullFailures.Add(1)
	}
}

func (m *Metrics) RecordTransactionsApplied(n int) {
	m.transactionsApplied.Add(uint64(n))
}

// RecordElection records an election started by this instance and how long it took
func (m *Metrics) RecordElection(duration time.Duration) {
	m.elections.Add(1)

	m.electionMu.Lock()
	m.electionDuration = appendSample(m.electionDuration, duration)
	m.electionMu.Unlock()
}

func (m *Metrics) RecordStateSwitch() {
	m.stateSwitches.Add(1)
}

func appendSample(samples []time.Duration, sample time.Duration) []time.Duration {
	if len(samples) >= maxSamples {
		samples = append(samples[:0], samples[len(samples)/2:]...)
	}
	return append(samples, sample)
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

func (m *Metrics) CommitLatencyStats() LatencyStats {
	m.mu.RLock()
	latencies := append([]time.Duration(nil), m.commitLatencies...)
	m.mu.RUnlock()
	return computeStats(latencies)
}

func (m *Metrics) ElectionStats() LatencyStats {
	m.electionMu.Lock()
	durations := append([]time.Duration(nil), m.electionDuration...)
	m.electionMu.Unlock()
	return computeStats(durations)
}

func computeStats(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}

	sort.Slice(samples, func(i, j int) bool {
		return samples[i] < samples[j]
	})

	ms := make([]float64, len(samples))
	var sum float64
	for i, sample := range samples {
		ms[i] = float64(sample.Microseconds()) / 1000.0
		sum += ms[i]
	}
	mean := sum / float64(len(ms))

	var variance float64
	for _, v := range ms {
		diff := v - mean
		variance += diff * diff
	}

	return LatencyStats{
		Count:  len(ms),
		Min:    ms[0],
		Max:    ms[len(ms)-1],
		Mean:   mean,
		P50:    percentile(ms, 50),
		P95:    percentile(ms, 95),
		P99:    percentile(ms, 99),
		StdDev: math.Sqrt(variance / float64(len(ms))),
	}
}

// percentile calculates the nth percentile from sorted data
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Report is a point in time snapshot of Metrics
type Report struct {
	InstanceID int       `json:"instance_id"`
	State      string    `json:"state"`
	Uptime     float64   `json:"uptime_seconds"`
	StartTime  time.Time `json:"start_time"`

	CommitsSucceeded uint64       `json:"commits_succeeded"`
	CommitsFailed    uint64       `json:"commits_failed"`
	CommitLatency    LatencyStats `json:"commit_latency"`

	PushesSucceeded uint64 `json:"pushes_succeeded"`
	PushesFailed    uint64 `json:"pushes_failed"`

	Pulls        uint64 `json:"pulls"`
	PullFailures uint64 `json:"pull_failures"`

	TransactionsApplied uint64 `json:"transactions_applied"`

	Elections     uint64       `json:"elections"`
	ElectionStats LatencyStats `json:"election_stats"`
	StateSwitches uint64       `json:"state_switches"`
}

func (m *Metrics) Report(instanceID int, state State) Report {
	return Report{
		InstanceID:          instanceID,
		State:               state.String(),
		Uptime:              time.Since(m.startTime).Seconds(),
		StartTime:           m.startTime,
		CommitsSucceeded:    m.commitsSucceeded.Load(),
		CommitsFailed:       m.commitsFailed.Load(),
		CommitLatency:       m.CommitLatencyStats(),
		PushesSucceeded:     m.pushesSucceeded.Load(),
		PushesFailed:        m.pushesFailed.Load(),
		Pulls:               m.pulls.Load(),
		PullFailures:        m.pullFailures.Load(),
		TransactionsApplied: m.transactionsApplied.Load(),
		Elections:           m.elections.Load(),
		ElectionStats:       m.ElectionStats(),
		StateSwitches:       m.stateSwitches.Load(),
	}
}

// JSON renders the report indented
func (r Report) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return data, nil
}
