package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RuntimeMetricsFileName is the snapshot file written next to the config.
const RuntimeMetricsFileName = "runtime_metrics.json"

// Human decisions take seconds to minutes, so buckets are coarse.
var latencyBucketUpperBoundsMs = []int64{
	1000, 5000, 10000, 30000, 60000, 120000, 300000, 600000, 1800000, 3600000,
}

// Notification operations.
const (
	OpSend   = "send"
	OpUpdate = "update"
	OpNotice = "notice"
)

// RuntimeSnapshot contains aggregated request lifecycle metrics.
type RuntimeSnapshot struct {
	UpdatedAt time.Time    `json:"updated_at"`
	Requests  RequestStats `json:"requests"`
	Notify    NotifyStats  `json:"notify"`
}

// RequestStats tracks request creation and resolution.
type RequestStats struct {
	Created                int64            `json:"created"`
	ByRisk                 map[string]int64 `json:"by_risk,omitempty"`
	Approved               int64            `json:"approved"`
	Denied                 int64            `json:"denied"`
	Messages               int64            `json:"messages"`
	Expired                int64            `json:"expired"`
	TotalDecisionLatencyMs int64            `json:"total_decision_latency_ms"`
	MaxDecisionLatencyMs   int64            `json:"max_decision_latency_ms"`
	LastDecisionLatencyMs  int64            `json:"last_decision_latency_ms"`
	P95ProxyLatencyMs      int64            `json:"p95_proxy_latency_ms"`
}

// Decided returns the number of requests a human answered.
func (r RequestStats) Decided() int64 {
	return r.Approved + r.Denied + r.Messages
}

// ExpiryRatio returns expired/(decided+expired) in [0,1].
func (r RequestStats) ExpiryRatio() float64 {
	total := r.Decided() + r.Expired
	if total <= 0 {
		return 0
	}
	return float64(r.Expired) / float64(total)
}

// AvgDecisionLatencyMs returns average time to a human decision.
func (r RequestStats) AvgDecisionLatencyMs() float64 {
	if r.Decided() <= 0 {
		return 0
	}
	return float64(r.TotalDecisionLatencyMs) / float64(r.Decided())
}

// NotifyStats tracks outbound chat gateway calls.
type NotifyStats struct {
	SendAttempts   int64 `json:"send_attempts"`
	SendFailures   int64 `json:"send_failures"`
	UpdateAttempts int64 `json:"update_attempts"`
	UpdateFailures int64 `json:"update_failures"`
	NoticeAttempts int64 `json:"notice_attempts"`
	NoticeFailures int64 `json:"notice_failures"`
}

// FailureRatio returns failures/attempts across all operations in [0,1].
func (n NotifyStats) FailureRatio() float64 {
	attempts := n.SendAttempts + n.UpdateAttempts + n.NoticeAttempts
	if attempts <= 0 {
		return 0
	}
	return float64(n.SendFailures+n.UpdateFailures+n.NoticeFailures) / float64(attempts)
}

// HasData reports whether any runtime metrics were recorded.
func (s RuntimeSnapshot) HasData() bool {
	return s.Requests.Created > 0 || s.Notify.SendAttempts > 0 || s.Notify.NoticeAttempts > 0
}

type collectors struct {
	created  *prometheus.CounterVec
	resolved *prometheus.CounterVec
	latency  prometheus.Histogram
	notify   *prometheus.CounterVec
}

func newCollectors(reg prometheus.Registerer) *collectors {
	factory := promauto.With(reg)
	return &collectors{
		created: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "permit_requests_created_total",
			Help: "Permission requests created, by risk level.",
		}, []string{"risk"}),
		resolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "permit_requests_resolved_total",
			Help: "Permission requests that reached a terminal status.",
		}, []string{"status"}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "permit_decision_latency_seconds",
			Help:    "Time from request creation to a human decision.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		notify: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "permit_notify_total",
			Help: "Chat gateway calls by operation and result.",
		}, []string{"op", "result"}),
	}
}

// RuntimeMetrics records and persists lifecycle metrics. A nil *RuntimeMetrics
// discards everything.
type RuntimeMetrics struct {
	path string
	prom *collectors

	mu      sync.Mutex
	snap    RuntimeSnapshot
	buckets []int64
}

// NewRuntimeMetrics creates a recorder persisting to path. Collectors are
// registered with reg when it is non-nil.
func NewRuntimeMetrics(path string, reg prometheus.Registerer) *RuntimeMetrics {
	m := &RuntimeMetrics{
		path:    path,
		buckets: make([]int64, len(latencyBucketUpperBoundsMs)+1),
	}
	if reg != nil {
		m.prom = newCollectors(reg)
	}
	return m
}

// Snapshot returns the latest in-memory snapshot.
func (m *RuntimeMetrics) Snapshot() RuntimeSnapshot {
	if m == nil {
		return RuntimeSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSnapshot(m.snap)
}

// RecordCreated counts a new request.
func (m *RuntimeMetrics) RecordCreated(risk string) (RuntimeSnapshot, error) {
	if m == nil {
		return RuntimeSnapshot{}, nil
	}
	if m.prom != nil {
		m.prom.created.WithLabelValues(risk).Inc()
	}

	m.mu.Lock()
	m.snap.UpdatedAt = time.Now().UTC()
	m.snap.Requests.Created++
	if m.snap.Requests.ByRisk == nil {
		m.snap.Requests.ByRisk = make(map[string]int64)
	}
	m.snap.Requests.ByRisk[risk]++
	snapshot := cloneSnapshot(m.snap)
	m.mu.Unlock()

	return snapshot, persistRuntimeSnapshot(m.path, snapshot)
}

// RecordResolved counts a terminal transition. latency is only used for
// human decisions.
func (m *RuntimeMetrics) RecordResolved(status string, latency time.Duration) (RuntimeSnapshot, error) {
	if m == nil {
		return RuntimeSnapshot{}, nil
	}
	decided := status != "expired"
	if m.prom != nil {
		m.prom.resolved.WithLabelValues(status).Inc()
		if decided {
			m.prom.latency.Observe(latency.Seconds())
		}
	}

	latencyMs := latency.Milliseconds()
	if latencyMs < 0 {
		latencyMs = 0
	}

	m.mu.Lock()
	m.snap.UpdatedAt = time.Now().UTC()
	r := &m.snap.Requests
	switch status {
	case "approved":
		r.Approved++
	case "denied":
		r.Denied++
	case "message":
		r.Messages++
	case "expired":
		r.Expired++
	}
	if decided {
		r.TotalDecisionLatencyMs += latencyMs
		r.LastDecisionLatencyMs = latencyMs
		if latencyMs > r.MaxDecisionLatencyMs {
			r.MaxDecisionLatencyMs = latencyMs
		}
		m.buckets[latencyBucketIndex(latencyMs)]++
		r.P95ProxyLatencyMs = p95ProxyFromBuckets(m.buckets, r.Decided())
	}
	snapshot := cloneSnapshot(m.snap)
	m.mu.Unlock()

	return snapshot, persistRuntimeSnapshot(m.path, snapshot)
}

// RecordNotify counts one chat gateway call.
func (m *RuntimeMetrics) RecordNotify(op string, success bool) (RuntimeSnapshot, error) {
	if m == nil {
		return RuntimeSnapshot{}, nil
	}
	if m.prom != nil {
		result := "ok"
		if !success {
			result = "error"
		}
		m.prom.notify.WithLabelValues(op, result).Inc()
	}

	m.mu.Lock()
	m.snap.UpdatedAt = time.Now().UTC()
	n := &m.snap.Notify
	switch op {
	case OpSend:
		n.SendAttempts++
		if !success {
			n.SendFailures++
		}
	case OpUpdate:
		n.UpdateAttempts++
		if !success {
			n.UpdateFailures++
		}
	case OpNotice:
		n.NoticeAttempts++
		if !success {
			n.NoticeFailures++
		}
	}
	snapshot := cloneSnapshot(m.snap)
	m.mu.Unlock()

	return snapshot, persistRuntimeSnapshot(m.path, snapshot)
}

// ReadRuntimeSnapshot reads a persisted snapshot.
// If no file exists yet, it returns a zero-value snapshot and nil error.
func ReadRuntimeSnapshot(path string) (RuntimeSnapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeSnapshot{}, nil
		}
		return RuntimeSnapshot{}, fmt.Errorf("read runtime metrics: %w", err)
	}

	var snap RuntimeSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return RuntimeSnapshot{}, fmt.Errorf("decode runtime metrics: %w", err)
	}
	return snap, nil
}

func cloneSnapshot(s RuntimeSnapshot) RuntimeSnapshot {
	if s.Requests.ByRisk != nil {
		byRisk := make(map[string]int64, len(s.Requests.ByRisk))
		for k, v := range s.Requests.ByRisk {
			byRisk[k] = v
		}
		s.Requests.ByRisk = byRisk
	}
	return s
}

func persistRuntimeSnapshot(path string, snapshot RuntimeSnapshot) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create runtime metrics dir: %w", err)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode runtime metrics: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, payload, 0o644); err != nil {
		return fmt.Errorf("write runtime metrics temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename runtime metrics file: %w", err)
	}
	return nil
}

func latencyBucketIndex(latencyMs int64) int {
	for i, upper := range latencyBucketUpperBoundsMs {
		if latencyMs <= upper {
			return i
		}
	}
	return len(latencyBucketUpperBoundsMs)
}

func p95ProxyFromBuckets(buckets []int64, total int64) int64 {
	if total <= 0 {
		return 0
	}
	target := int64(float64(total) * 0.95)
	if target <= 0 {
		target = 1
	}

	var cumulative int64
	for i, count := range buckets {
		cumulative += count
		if cumulative < target {
			continue
		}
		if i >= len(latencyBucketUpperBoundsMs) {
			return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
		}
		return latencyBucketUpperBoundsMs[i]
	}
	return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
}
