package monitor

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"
)

// Report kinds and formats accepted by Export.
const (
	ReportSummary = "summary"
	ReportEntity  = "entity"
	ReportClient  = "client"
	ReportTrend   = "trend"
	ReportPopular = "popular"

	FormatJSON = "json"
	FormatFlat = "flat"

	trendBuckets        = 12
	defaultPopularLimit = 10
)

var (
	// ErrUnknownReport rejects unsupported report kinds.
	ErrUnknownReport = errors.New("monitor: unknown report kind")
	// ErrUnknownFormat rejects unsupported export formats.
	ErrUnknownFormat = errors.New("monitor: unknown report format")
)

// EntityStat aggregates sync operations per entity type.
type EntityStat struct {
	EntityType     string  `json:"entity_type"`
	Operations     int     `json:"operations"`
	Failed         int     `json:"failed"`
	SuccessRate    float64 `json:"success_rate"`
	MeanDurationMS float64 `json:"mean_duration_ms"`
	Conflicts      int     `json:"conflicts"`
}

// ClientStat aggregates sync operations per client device.
type ClientStat struct {
	ClientID    string    `json:"client_id"`
	Operations  int       `json:"operations"`
	Failed      int       `json:"failed"`
	SuccessRate float64   `json:"success_rate"`
	LastSeen    time.Time `json:"last_seen"`
}

// TrendPoint is one bucket of the window.
type TrendPoint struct {
	BucketStart    time.Time `json:"bucket_start"`
	Operations     int       `json:"operations"`
	SuccessRate    float64   `json:"success_rate"`
	MeanDurationMS float64   `json:"mean_duration_ms"`
}

// PopularKey is a frequently read cache key.
type PopularKey struct {
	Key      string  `json:"key"`
	Accesses int     `json:"accesses"`
	HitRate  float64 `json:"hit_rate"`
}

type tally struct {
	operations int
	failed     int
	total      time.Duration
}

func (t *tally) add(sample syncSample) {
	t.operations++
	t.total += sample.duration
	if !sample.success {
		t.failed++
	}
}

func (t tally) successRate() float64 {
	if t.operations == 0 {
		return 1
	}
	return float64(t.operations-t.failed) / float64(t.operations)
}

func (t tally) meanMS() float64 {
	if t.operations == 0 {
		return 0
	}
	return float64(t.total.Milliseconds()) / float64(t.operations)
}

func (m *Monitor) windowSamples() ([]syncSample, []conflictSample, []cacheSample, time.Time, time.Time) {
	now := m.clock().UTC()
	start := now.Add(-m.window)
	m.mu.Lock()
	defer m.mu.Unlock()
	var syncs []syncSample
	for _, sample := range m.syncs {
		if !sample.at.Before(start) {
			syncs = append(syncs, sample)
		}
	}
	var conflicts []conflictSample
	for _, sample := range m.conflicts {
		if !sample.at.Before(start) {
			conflicts = append(conflicts, sample)
		}
	}
	var cache []cacheSample
	for _, sample := range m.cache {
		if !sample.at.Before(start) {
			cache = append(cache, sample)
		}
	}
	return syncs, conflicts, cache, start, now
}

// ByEntity reports per entity type, busiest first.
func (m *Monitor) ByEntity() []EntityStat {
	syncs, conflicts, _, _, _ := m.windowSamples()
	tallies := map[string]*tally{}
	conflictCounts := map[string]int{}
	for _, sample := range syncs {
		if tallies[sample.entityType] == nil {
			tallies[sample.entityType] = &tally{}
		}
		tallies[sample.entityType].add(sample)
	}
	for _, sample := range conflicts {
		conflictCounts[sample.entityType]++
		if tallies[sample.entityType] == nil {
			tallies[sample.entityType] = &tally{}
		}
	}
	stats := make([]EntityStat, 0, len(tallies))
	for entityType, counts := range tallies {
		stats = append(stats, EntityStat{
			EntityType:     entityType,
			Operations:     counts.operations,
			Failed:         counts.failed,
			SuccessRate:    counts.successRate(),
			MeanDurationMS: counts.meanMS(),
			Conflicts:      conflictCounts[entityType],
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Operations != stats[j].Operations {
			return stats[i].Operations > stats[j].Operations
		}
		return stats[i].EntityType < stats[j].EntityType
	})
	return stats
}

// ByClient reports per client device, busiest first.
func (m *Monitor) ByClient() []ClientStat {
	syncs, _, _, _, _ := m.windowSamples()
	tallies := map[string]*tally{}
	lastSeen := map[string]time.Time{}
	for _, sample := range syncs {
		if tallies[sample.clientID] == nil {
			tallies[sample.clientID] = &tally{}
		}
		tallies[sample.clientID].add(sample)
		if sample.at.After(lastSeen[sample.clientID]) {
			lastSeen[sample.clientID] = sample.at
		}
	}
	stats := make([]ClientStat, 0, len(tallies))
	for clientID, counts := range tallies {
		stats = append(stats, ClientStat{
			ClientID:    clientID,
			Operations:  counts.operations,
			Failed:      counts.failed,
			SuccessRate: counts.successRate(),
			LastSeen:    lastSeen[clientID],
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Operations != stats[j].Operations {
			return stats[i].Operations > stats[j].Operations
		}
		return stats[i].ClientID < stats[j].ClientID
	})
	return stats
}

// Trend splits the window into equal buckets, oldest first.
func (m *Monitor) Trend() []TrendPoint {
	syncs, _, _, start, _ := m.windowSamples()
	width := m.window / trendBuckets
	tallies := make([]tally, trendBuckets)
	for _, sample := range syncs {
		index := int(sample.at.Sub(start) / width)
		if index >= trendBuckets {
			index = trendBuckets - 1
		}
		tallies[index].add(sample)
	}
	points := make([]TrendPoint, trendBuckets)
	for index, counts := range tallies {
		points[index] = TrendPoint{
			BucketStart:    start.Add(time.Duration(index) * width),
			Operations:     counts.operations,
			SuccessRate:    counts.successRate(),
			MeanDurationMS: counts.meanMS(),
		}
	}
	return points
}

// Popular lists the most read cache keys.
func (m *Monitor) Popular(limit int) []PopularKey {
	if limit <= 0 {
		limit = defaultPopularLimit
	}
	_, _, cache, _, _ := m.windowSamples()
	accesses := map[string]int{}
	hits := map[string]int{}
	for _, sample := range cache {
		accesses[sample.key]++
		if sample.hit {
			hits[sample.key]++
		}
	}
	keys := make([]PopularKey, 0, len(accesses))
	for key, count := range accesses {
		keys = append(keys, PopularKey{Key: key, Accesses: count, HitRate: float64(hits[key]) / float64(count)})
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Accesses != keys[j].Accesses {
			return keys[i].Accesses > keys[j].Accesses
		}
		return keys[i].Key < keys[j].Key
	})
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}

// Export renders a report as JSON or as flat CSV rows. It returns the body and content type.
func (m *Monitor) Export(kind, format string, limit int) ([]byte, string, error) {
	var structured any
	var rows [][]string
	switch kind {
	case ReportSummary, "":
		snapshot := m.Aggregate()
		structured = snapshot
		rows = summaryRows(snapshot)
	case ReportEntity:
		stats := m.ByEntity()
		structured = stats
		rows = [][]string{{"entity_type", "operations", "failed", "success_rate", "mean_duration_ms", "conflicts"}}
		for _, stat := range stats {
			rows = append(rows, []string{stat.EntityType, itoa(stat.Operations), itoa(stat.Failed), ftoa(stat.SuccessRate), ftoa(stat.MeanDurationMS), itoa(stat.Conflicts)})
		}
	case ReportClient:
		stats := m.ByClient()
		structured = stats
		rows = [][]string{{"client_id", "operations", "failed", "success_rate", "last_seen"}}
		for _, stat := range stats {
			rows = append(rows, []string{stat.ClientID, itoa(stat.Operations), itoa(stat.Failed), ftoa(stat.SuccessRate), stat.LastSeen.Format(time.RFC3339)})
		}
	case ReportTrend:
		points := m.Trend()
		structured = points
		rows = [][]string{{"bucket_start", "operations", "success_rate", "mean_duration_ms"}}
		for _, point := range points {
			rows = append(rows, []string{point.BucketStart.Format(time.RFC3339), itoa(point.Operations), ftoa(point.SuccessRate), ftoa(point.MeanDurationMS)})
		}
	case ReportPopular:
		keys := m.Popular(limit)
		structured = keys
		rows = [][]string{{"key", "accesses", "hit_rate"}}
		for _, key := range keys {
			rows = append(rows, []string{key.Key, itoa(key.Accesses), ftoa(key.HitRate)})
		}
	default:
		return nil, "", ErrUnknownReport
	}

	switch format {
	case FormatJSON, "":
		body, err := json.Marshal(structured)
		if err != nil {
			return nil, "", err
		}
		return body, "application/json", nil
	case FormatFlat:
		var buffer bytes.Buffer
		writer := csv.NewWriter(&buffer)
		if err := writer.WriteAll(rows); err != nil {
			return nil, "", err
		}
		return buffer.Bytes(), "text/csv", nil
	default:
		return nil, "", ErrUnknownFormat
	}
}

func summaryRows(snapshot Snapshot) [][]string {
	return [][]string{
		{"metric", "value"},
		{"window_start", snapshot.WindowStart.Format(time.RFC3339)},
		{"window_end", snapshot.WindowEnd.Format(time.RFC3339)},
		{"sync_operations", itoa(snapshot.SyncOperations)},
		{"success_rate", ftoa(snapshot.SuccessRate)},
		{"mean_duration_ms", ftoa(snapshot.MeanDurationMS)},
		{"pending_queue", itoa(snapshot.PendingQueue)},
		{"failed_queue", itoa(snapshot.FailedQueue)},
		{"notification_delivery_rate", ftoa(snapshot.DeliveryRate)},
		{"cache_hit_rate", ftoa(snapshot.CacheHitRate)},
		{"conflicts", itoa(snapshot.Conflicts)},
		{"manual_conflicts", itoa(snapshot.ManualConflicts)},
		{"connections", itoa(snapshot.Connections)},
		{"health_score", itoa(snapshot.Health.Score)},
		{"health_status", string(snapshot.Health.Status)},
		{"alerts", itoa(len(snapshot.Alerts))},
	}
}

func itoa(value int) string {
	return strconv.Itoa(value)
}

func ftoa(value float64) string {
	return strconv.FormatFloat(value, 'f', 4, 64)
}
