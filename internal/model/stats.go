package model

import (
	"sort"
	"strings"
	"time"
)

// Granularity is the bucket width of a violation trend.
type Granularity string

const (
	GranularityDay  Granularity = "day"
	GranularityHour Granularity = "hour"
)

// ParseGranularity accepts "day" or "hour"; empty means day.
func ParseGranularity(s string) (Granularity, bool) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(s))); g {
	case "":
		return GranularityDay, true
	case GranularityDay, GranularityHour:
		return g, true
	}
	return "", false
}

// Truncate returns the UTC start of the bucket holding t.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	if g == GranularityHour {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Label formats a bucket start for trend responses.
func (g Granularity) Label(bucket time.Time) string {
	if g == GranularityHour {
		return bucket.UTC().Format("2006-01-02 15:04:05")
	}
	return bucket.UTC().Format("2006-01-02")
}

// StatsQuery selects the violations detected in [From, To).
type StatsQuery struct {
	From        time.Time
	To          time.Time
	Granularity Granularity
}

// Contains reports whether t falls inside the query window.
func (q StatsQuery) Contains(t time.Time) bool {
	return !t.Before(q.From) && t.Before(q.To)
}

// Previous returns the window of the same length that ends where q starts.
func (q StatsQuery) Previous() StatsQuery {
	span := q.To.Sub(q.From)
	return StatsQuery{From: q.From.Add(-span), To: q.From, Granularity: q.Granularity}
}

type TypeCount struct {
	Type  ViolationType `json:"type"`
	Count int           `json:"count"`
}

type TrendPoint struct {
	Bucket time.Time `json:"bucket"`
	Count  int       `json:"count"`
}

// HeatCell counts violations in one UTC hour of one weekday (0 is Sunday).
type HeatCell struct {
	Hour    int `json:"hour"`
	Weekday int `json:"weekday"`
	Count   int `json:"count"`
}

// ViolationStats aggregates the violations selected by a StatsQuery.
// ByType is most frequent first, Trend oldest first, and empty buckets and
// cells are omitted.
type ViolationStats struct {
	Total    int                     `json:"total"`
	ByStatus map[ViolationStatus]int `json:"byStatus"`
	ByType   []TypeCount             `json:"byType"`
	Trend    []TrendPoint            `json:"trend"`
	Heatmap  []HeatCell              `json:"heatmap"`
}

// NewViolationStats returns empty stats with every review status at zero.
func NewViolationStats() *ViolationStats {
	s := &ViolationStats{ByStatus: make(map[ViolationStatus]int, len(ViolationStatuses))}
	for _, st := range ViolationStatuses {
		s.ByStatus[st] = 0
	}
	return s
}

// SortTypeCounts orders counts most frequent first, then by type.
func SortTypeCounts(counts []TypeCount) {
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Type < counts[j].Type
	})
}

// StatsBuilder accumulates ViolationStats one violation at a time.
type StatsBuilder struct {
	q      StatsQuery
	stats  *ViolationStats
	byType map[ViolationType]int
	trend  map[time.Time]int
	heat   map[[2]int]int
}

func NewStatsBuilder(q StatsQuery) *StatsBuilder {
	return &StatsBuilder{
		q:      q,
		stats:  NewViolationStats(),
		byType: make(map[ViolationType]int),
		trend:  make(map[time.Time]int),
		heat:   make(map[[2]int]int),
	}
}

// Add counts v when it falls inside the query window.
func (b *StatsBuilder) Add(v *Violation) {
	if !b.q.Contains(v.Timestamp) {
		return
	}
	status := v.Status
	if status == "" {
		status = ViolationPending
	}
	at := v.Timestamp.UTC()
	b.stats.Total++
	b.stats.ByStatus[status]++
	b.byType[v.Type]++
	b.trend[b.q.Granularity.Truncate(at)]++
	b.heat[[2]int{at.Hour(), int(at.Weekday())}]++
}

// Stats returns the ordered result.
func (b *StatsBuilder) Stats() *ViolationStats {
	s := b.stats
	s.ByType = make([]TypeCount, 0, len(b.byType))
	for t, n := range b.byType {
		s.ByType = append(s.ByType, TypeCount{Type: t, Count: n})
	}
	SortTypeCounts(s.ByType)

	s.Trend = make([]TrendPoint, 0, len(b.trend))
	for bucket, n := range b.trend {
		s.Trend = append(s.Trend, TrendPoint{Bucket: bucket, Count: n})
	}
	sort.Slice(s.Trend, func(i, j int) bool { return s.Trend[i].Bucket.Before(s.Trend[j].Bucket) })

	s.Heatmap = make([]HeatCell, 0, len(b.heat))
	for k, n := range b.heat {
		s.Heatmap = append(s.Heatmap, HeatCell{Hour: k[0], Weekday: k[1], Count: n})
	}
	sort.Slice(s.Heatmap, func(i, j int) bool {
		if s.Heatmap[i].Hour != s.Heatmap[j].Hour {
			return s.Heatmap[i].Hour < s.Heatmap[j].Hour
		}
		return s.Heatmap[i].Weekday < s.Heatmap[j].Weekday
	})
	return s
}
