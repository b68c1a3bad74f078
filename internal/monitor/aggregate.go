package monitor

import (
	"fmt"
	"time"
)

// Severity tags alerts.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// HealthStatus buckets the health score.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// Thresholds configures alerting. Zero values take defaults.
type Thresholds struct {
	MinSuccessRate  float64
	MaxMeanDuration time.Duration
	MaxPending      int
	MaxFailed       int
	MinDeliveryRate float64
	MinCacheHitRate float64
	HealthyScore    int
	WarningScore    int
}

func (t Thresholds) withDefaults() Thresholds {
	if t.MinSuccessRate <= 0 {
		t.MinSuccessRate = 0.95
	}
	if t.MaxMeanDuration <= 0 {
		t.MaxMeanDuration = 5 * time.Second
	}
	if t.MaxPending <= 0 {
		t.MaxPending = 100
	}
	if t.MaxFailed <= 0 {
		t.MaxFailed = 10
	}
	if t.MinDeliveryRate <= 0 {
		t.MinDeliveryRate = 0.9
	}
	if t.MinCacheHitRate <= 0 {
		t.MinCacheHitRate = 0.5
	}
	if t.HealthyScore <= 0 {
		t.HealthyScore = 80
	}
	if t.WarningScore <= 0 {
		t.WarningScore = 50
	}
	return t
}

// Alert is a threshold breach.
type Alert struct {
	Metric    string   `json:"metric"`
	Severity  Severity `json:"severity"`
	Value     float64  `json:"value"`
	Threshold float64  `json:"threshold"`
	Message   string   `json:"message"`
}

// Health is the weighted score and its bucket.
type Health struct {
	Score  int          `json:"score"`
	Status HealthStatus `json:"status"`
}

// Snapshot is one aggregation of the trailing window.
type Snapshot struct {
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	SyncOperations  int       `json:"sync_operations"`
	SuccessRate     float64   `json:"success_rate"`
	MeanDurationMS  float64   `json:"mean_duration_ms"`
	PendingQueue    int       `json:"pending_queue"`
	FailedQueue     int       `json:"failed_queue"`
	DeliveryRate    float64   `json:"notification_delivery_rate"`
	CacheHitRate    float64   `json:"cache_hit_rate"`
	Conflicts       int       `json:"conflicts"`
	ManualConflicts int       `json:"manual_conflicts"`
	Connections     int       `json:"connections"`
	Health          Health    `json:"health"`
	Alerts          []Alert   `json:"alerts"`
}

// Aggregate summarises the samples in the trailing window and evaluates thresholds.
// Rates with no samples in the window report 1 and never alert.
func (m *Monitor) Aggregate() Snapshot {
	now := m.clock().UTC()
	start := now.Add(-m.window)

	m.mu.Lock()
	queuePending, queueFailed := m.queueTotalsLocked(start)
	snapshot := Snapshot{
		WindowStart:  start,
		WindowEnd:    now,
		PendingQueue: queuePending,
		FailedQueue:  queueFailed,
		Connections:  m.connections,
		SuccessRate:  1,
		DeliveryRate: 1,
		CacheHitRate: 1,
	}
	succeeded := 0
	var total time.Duration
	for _, sample := range m.syncs {
		if sample.at.Before(start) {
			continue
		}
		snapshot.SyncOperations++
		total += sample.duration
		if sample.success {
			succeeded++
		}
	}
	accepted, failed := 0, 0
	for _, sample := range m.pushes {
		if sample.at.Before(start) {
			continue
		}
		switch sample.outcome {
		case "accepted":
			accepted += sample.count
		case "failed":
			failed += sample.count
		}
	}
	hits, lookups := 0, 0
	for _, sample := range m.cache {
		if sample.at.Before(start) {
			continue
		}
		lookups++
		if sample.hit {
			hits++
		}
	}
	for _, sample := range m.conflicts {
		if sample.at.Before(start) {
			continue
		}
		snapshot.Conflicts++
		if sample.manual {
			snapshot.ManualConflicts++
		}
	}
	m.mu.Unlock()

	if snapshot.SyncOperations > 0 {
		snapshot.SuccessRate = float64(succeeded) / float64(snapshot.SyncOperations)
		snapshot.MeanDurationMS = float64(total.Milliseconds()) / float64(snapshot.SyncOperations)
	}
	if accepted+failed > 0 {
		snapshot.DeliveryRate = float64(accepted) / float64(accepted+failed)
	}
	if lookups > 0 {
		snapshot.CacheHitRate = float64(hits) / float64(lookups)
	}
	snapshot.Alerts = m.thresholds.evaluate(snapshot)
	snapshot.Health = m.thresholds.health(snapshot.Alerts)
	return snapshot
}

func (t Thresholds) evaluate(snapshot Snapshot) []Alert {
	alerts := []Alert{}
	maxDurationMS := float64(t.MaxMeanDuration.Milliseconds())
	if snapshot.SuccessRate < t.MinSuccessRate {
		severity := SeverityWarning
		if snapshot.SuccessRate < t.MinSuccessRate-0.2 {
			severity = SeverityCritical
		}
		alerts = append(alerts, Alert{
			Metric: "success_rate", Severity: severity, Value: snapshot.SuccessRate, Threshold: t.MinSuccessRate,
			Message: fmt.Sprintf("sync success rate %.2f below %.2f", snapshot.SuccessRate, t.MinSuccessRate),
		})
	}
	if snapshot.MeanDurationMS > maxDurationMS {
		alerts = append(alerts, Alert{
			Metric: "mean_duration_ms", Severity: SeverityWarning, Value: snapshot.MeanDurationMS, Threshold: maxDurationMS,
			Message: fmt.Sprintf("mean sync duration %.0fms above %.0fms", snapshot.MeanDurationMS, maxDurationMS),
		})
	}
	if snapshot.PendingQueue > t.MaxPending {
		alerts = append(alerts, Alert{
			Metric: "pending_queue", Severity: SeverityWarning, Value: float64(snapshot.PendingQueue), Threshold: float64(t.MaxPending),
			Message: fmt.Sprintf("pending queue depth %d above %d", snapshot.PendingQueue, t.MaxPending),
		})
	}
	if snapshot.FailedQueue > t.MaxFailed {
		alerts = append(alerts, Alert{
			Metric: "failed_queue", Severity: SeverityCritical, Value: float64(snapshot.FailedQueue), Threshold: float64(t.MaxFailed),
			Message: fmt.Sprintf("failed queue depth %d above %d", snapshot.FailedQueue, t.MaxFailed),
		})
	}
	if snapshot.DeliveryRate < t.MinDeliveryRate {
		alerts = append(alerts, Alert{
			Metric: "notification_delivery_rate", Severity: SeverityWarning, Value: snapshot.DeliveryRate, Threshold: t.MinDeliveryRate,
			Message: fmt.Sprintf("notification delivery rate %.2f below %.2f", snapshot.DeliveryRate, t.MinDeliveryRate),
		})
	}
	if snapshot.CacheHitRate < t.MinCacheHitRate {
		alerts = append(alerts, Alert{
			Metric: "cache_hit_rate", Severity: SeverityWarning, Value: snapshot.CacheHitRate, Threshold: t.MinCacheHitRate,
			Message: fmt.Sprintf("cache hit rate %.2f below %.2f", snapshot.CacheHitRate, t.MinCacheHitRate),
		})
	}
	return alerts
}

// alertWeights are the score deductions per breached metric.
var alertWeights = map[string]int{
	"success_rate":               30,
	"mean_duration_ms":           15,
	"pending_queue":              15,
	"failed_queue":               20,
	"notification_delivery_rate": 10,
	"cache_hit_rate":             10,
}

func (t Thresholds) health(alerts []Alert) Health {
	score := 100
	for _, alert := range alerts {
		deduction := alertWeights[alert.Metric]
		if alert.Severity == SeverityCritical {
			deduction += deduction / 2
		}
		score -= deduction
	}
	if score < 0 {
		score = 0
	}
	status := HealthCritical
	switch {
	case score >= t.HealthyScore:
		status = HealthHealthy
	case score >= t.WarningScore:
		status = HealthWarning
	}
	return Health{Score: score, Status: status}
}
