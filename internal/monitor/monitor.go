// Package monitor records sync activity, aggregates it over a trailing
// window, raises threshold alerts, and exports reports.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	defaultWindow   = time.Hour
	defaultInterval = 60 * time.Second
	metricNamespace = "fieldsync"
)

// Config wires the monitor.
type Config struct {
	Registerer prometheus.Registerer
	Clock      func() time.Time
	Window     time.Duration
	Interval   time.Duration
	Thresholds Thresholds
	Logger     *zap.Logger
}

type syncSample struct {
	at         time.Time
	kind       string
	entityType string
	clientID   string
	success    bool
	duration   time.Duration
}

type conflictSample struct {
	at         time.Time
	entityType string
	strategy   string
	manual     bool
}

type pushSample struct {
	at      time.Time
	outcome string
	count   int
}

type cacheSample struct {
	at  time.Time
	key string
	hit bool
}

type collectors struct {
	syncOperations *prometheus.CounterVec
	syncDuration   *prometheus.HistogramVec
	queueDepth     *prometheus.GaugeVec
	conflicts      *prometheus.CounterVec
	connections    prometheus.Gauge
	pushOutcomes   *prometheus.CounterVec
	cacheAccesses  *prometheus.CounterVec
	healthScore    prometheus.Gauge
}

func newCollectors() collectors {
	return collectors{
		syncOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "sync_operations_total",
			Help:      "Sync operations by kind, entity type, and result.",
		}, []string{"kind", "entity_type", "result"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      "sync_duration_seconds",
			Help:      "Elapsed time of sync operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "queue_depth",
			Help:      "Local mutation queue depth by state.",
		}, []string{"state"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "conflicts_total",
			Help:      "Conflicts by entity type and strategy.",
		}, []string{"entity_type", "strategy"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "realtime_connections",
			Help:      "Live realtime connections in this process.",
		}),
		pushOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "push_outcomes_total",
			Help:      "Push notification outcomes.",
		}, []string{"outcome"}),
		cacheAccesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "cache_accesses_total",
			Help:      "Entity cache lookups by result.",
		}, []string{"result"}),
		healthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "health_score",
			Help:      "Weighted sync health score from 0 to 100.",
		}),
	}
}

func (c collectors) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.syncOperations, c.syncDuration, c.queueDepth, c.conflicts,
		c.connections, c.pushOutcomes, c.cacheAccesses, c.healthScore,
	}
}

// Monitor implements the recorder interfaces of the sync components.
type Monitor struct {
	clock      func() time.Time
	window     time.Duration
	interval   time.Duration
	thresholds Thresholds
	logger     *zap.Logger
	metrics    collectors

	mu          sync.Mutex
	syncs       []syncSample
	conflicts   []conflictSample
	pushes      []pushSample
	cache       []cacheSample
	pending     int
	failed      int
	devices     map[string]deviceDepth
	connections int
	last        Snapshot
}

// New builds a monitor and registers its collectors when a registerer is given.
func New(cfg Config) (*Monitor, error) {
	monitor := &Monitor{
		clock:      cfg.Clock,
		window:     cfg.Window,
		interval:   cfg.Interval,
		thresholds: cfg.Thresholds.withDefaults(),
		logger:     cfg.Logger,
		metrics:    newCollectors(),
	}
	if monitor.clock == nil {
		monitor.clock = time.Now
	}
	if monitor.window <= 0 {
		monitor.window = defaultWindow
	}
	if monitor.interval <= 0 {
		monitor.interval = defaultInterval
	}
	if monitor.logger == nil {
		monitor.logger = zap.NewNop()
	}
	if cfg.Registerer != nil {
		for _, collector := range monitor.metrics.all() {
			if err := cfg.Registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return monitor, nil
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordSyncOperation records one upload or download with its elapsed time.
func (m *Monitor) RecordSyncOperation(kind, entityType, clientID string, success bool, duration time.Duration) {
	m.metrics.syncOperations.WithLabelValues(kind, entityType, resultLabel(success)).Inc()
	m.metrics.syncDuration.WithLabelValues(kind).Observe(duration.Seconds())
	m.mu.Lock()
	m.syncs = append(m.syncs, syncSample{
		at: m.clock().UTC(), kind: kind, entityType: entityType, clientID: clientID, success: success, duration: duration,
	})
	m.mu.Unlock()
}

// RecordQueueDepth stores the latest local queue counts.
func (m *Monitor) RecordQueueDepth(pending, failed int) {
	m.metrics.queueDepth.WithLabelValues("pending").Set(float64(pending))
	m.metrics.queueDepth.WithLabelValues("failed").Set(float64(failed))
	m.mu.Lock()
	m.pending, m.failed = pending, failed
	m.mu.Unlock()
}

type deviceDepth struct {
	pending int
	failed  int
	at      time.Time
}

// RecordDeviceQueueDepth stores the queue counts a remote client reported.
// Reports are keyed by client and expire with the aggregation window.
func (m *Monitor) RecordDeviceQueueDepth(clientID string, pending, failed int) {
	m.mu.Lock()
	if m.devices == nil {
		m.devices = make(map[string]deviceDepth)
	}
	m.devices[clientID] = deviceDepth{pending: pending, failed: failed, at: m.clock().UTC()}
	totalPending, totalFailed := m.queueTotalsLocked(time.Time{})
	m.mu.Unlock()
	m.metrics.queueDepth.WithLabelValues("pending").Set(float64(totalPending))
	m.metrics.queueDepth.WithLabelValues("failed").Set(float64(totalFailed))
}

// queueTotalsLocked sums the local counts with client reports newer than since.
func (m *Monitor) queueTotalsLocked(since time.Time) (int, int) {
	pending, failed := m.pending, m.failed
	for _, report := range m.devices {
		if report.at.Before(since) {
			continue
		}
		pending += report.pending
		failed += report.failed
	}
	return pending, failed
}

// RecordConflict records a resolved or escalated conflict.
func (m *Monitor) RecordConflict(entityType, strategy string, manual bool) {
	m.metrics.conflicts.WithLabelValues(entityType, strategy).Inc()
	m.mu.Lock()
	m.conflicts = append(m.conflicts, conflictSample{at: m.clock().UTC(), entityType: entityType, strategy: strategy, manual: manual})
	m.mu.Unlock()
}

// RecordConnections stores the live connection count.
func (m *Monitor) RecordConnections(active int) {
	m.metrics.connections.Set(float64(active))
	m.mu.Lock()
	m.connections = active
	m.mu.Unlock()
}

// RecordPush records push delivery outcomes.
func (m *Monitor) RecordPush(outcome string, count int) {
	m.metrics.pushOutcomes.WithLabelValues(outcome).Add(float64(count))
	m.mu.Lock()
	m.pushes = append(m.pushes, pushSample{at: m.clock().UTC(), outcome: outcome, count: count})
	m.mu.Unlock()
}

// RecordCacheAccess records an entity cache lookup.
func (m *Monitor) RecordCacheAccess(key string, hit bool) {
	label := "miss"
	if hit {
		label = "hit"
	}
	m.metrics.cacheAccesses.WithLabelValues(label).Inc()
	m.mu.Lock()
	m.cache = append(m.cache, cacheSample{at: m.clock().UTC(), key: key, hit: hit})
	m.mu.Unlock()
}

// Last returns the most recent periodic snapshot.
func (m *Monitor) Last() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Cycle prunes expired samples, aggregates the window, and logs alerts.
func (m *Monitor) Cycle() Snapshot {
	now := m.clock().UTC()
	m.prune(now.Add(-m.window))
	snapshot := m.Aggregate()
	m.metrics.healthScore.Set(float64(snapshot.Health.Score))
	for _, alert := range snapshot.Alerts {
		fields := []zap.Field{
			zap.String("metric", alert.Metric),
			zap.String("severity", string(alert.Severity)),
			zap.Float64("value", alert.Value),
			zap.Float64("threshold", alert.Threshold),
		}
		if alert.Severity == SeverityCritical {
			m.logger.Error(alert.Message, fields...)
		} else {
			m.logger.Warn(alert.Message, fields...)
		}
	}
	m.logger.Info("sync health aggregated",
		zap.Int("score", snapshot.Health.Score),
		zap.String("status", string(snapshot.Health.Status)),
		zap.Int("operations", snapshot.SyncOperations),
	)
	m.mu.Lock()
	m.last = snapshot
	m.mu.Unlock()
	return snapshot
}

// Run aggregates on the configured interval until the context ends.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Cycle()
		}
	}
}

func (m *Monitor) prune(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs = pruneSamples(m.syncs, cutoff, func(s syncSample) time.Time { return s.at })
	m.conflicts = pruneSamples(m.conflicts, cutoff, func(s conflictSample) time.Time { return s.at })
	m.pushes = pruneSamples(m.pushes, cutoff, func(s pushSample) time.Time { return s.at })
	m.cache = pruneSamples(m.cache, cutoff, func(s cacheSample) time.Time { return s.at })
	for clientID, report := range m.devices {
		if report.at.Before(cutoff) {
			delete(m.devices, clientID)
		}
	}
}

// pruneSamples drops the leading samples older than cutoff. Samples are appended in time order.
func pruneSamples[T any](samples []T, cutoff time.Time, at func(T) time.Time) []T {
	index := 0
	for index < len(samples) && at(samples[index]).Before(cutoff) {
		index++
	}
	if index == 0 {
		return samples
	}
	return append([]T(nil), samples[index:]...)
}
