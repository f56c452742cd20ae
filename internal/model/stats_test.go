package model

import (
	"testing"
	"time"
)

func TestParseViolationStatus(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want ViolationStatus
		ok   bool
	}{
		{"pending", ViolationPending, true},
		{"CONFIRMED", ViolationConfirmed, true},
		{" Rejected ", ViolationRejected, true},
		{"processed", "processed", false},
		{"", "", false},
	} {
		got, ok := ParseViolationStatus(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseViolationStatus(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestCanReview(t *testing.T) {
	for _, tc := range []struct {
		from, to ViolationStatus
		want     bool
	}{
		{ViolationPending, ViolationConfirmed, true},
		{ViolationPending, ViolationRejected, true},
		{"", ViolationConfirmed, true},
		{ViolationPending, ViolationPending, false},
		{ViolationConfirmed, ViolationRejected, false},
		{ViolationRejected, ViolationConfirmed, false},
		{ViolationConfirmed, ViolationConfirmed, false},
	} {
		if got := CanReview(tc.from, tc.to); got != tc.want {
			t.Errorf("CanReview(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestValidateReview(t *testing.T) {
	long := make([]byte, 2001)
	for i := range long {
		long[i] = 'x'
	}
	for _, tc := range []struct {
		name    string
		review  ViolationReview
		wantErr bool
	}{
		{"confirm", ViolationReview{Status: ViolationConfirmed}, false},
		{"reject with notes", ViolationReview{Status: ViolationRejected, ProcessedBy: "officer-7", ReviewNotes: "bus lane"}, false},
		{"pending is not a verdict", ViolationReview{Status: ViolationPending}, true},
		{"empty status", ViolationReview{}, true},
		{"notes too long", ViolationReview{Status: ViolationConfirmed, ReviewNotes: string(long)}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateReview(&tc.review)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateReview() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestReviewApply(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	v := &Violation{ID: "v-1", Status: ViolationPending}
	ViolationReview{Status: ViolationRejected, ProcessedBy: "ops", ReviewNotes: "emergency vehicle", ProcessedAt: at}.Apply(v)

	if v.Status != ViolationRejected || v.ProcessedBy != "ops" || v.ReviewNotes != "emergency vehicle" {
		t.Errorf("review not applied: %+v", v)
	}
	if v.ProcessedAt == nil || !v.ProcessedAt.Equal(at) {
		t.Errorf("ProcessedAt = %v, want %v", v.ProcessedAt, at)
	}
}

func TestParseGranularity(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Granularity
		ok   bool
	}{
		{"", GranularityDay, true},
		{"day", GranularityDay, true},
		{"HOUR", GranularityHour, true},
		{"week", "", false},
	} {
		got, ok := ParseGranularity(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseGranularity(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestGranularity_TruncateAndLabel(t *testing.T) {
	at := time.Date(2026, 3, 1, 17, 45, 12, 0, time.FixedZone("CST", 8*3600))

	day := GranularityDay.Truncate(at)
	if want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC); !day.Equal(want) {
		t.Errorf("day bucket = %v, want %v", day, want)
	}
	if got := GranularityDay.Label(day); got != "2026-03-01" {
		t.Errorf("day label = %q", got)
	}

	hour := GranularityHour.Truncate(at)
	if want := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC); !hour.Equal(want) {
		t.Errorf("hour bucket = %v, want %v", hour, want)
	}
	if got := GranularityHour.Label(hour); got != "2026-03-01 09:00:00" {
		t.Errorf("hour label = %q", got)
	}
}

func TestStatsQuery_Previous(t *testing.T) {
	q := StatsQuery{
		From: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
	}
	p := q.Previous()
	if !p.From.Equal(time.Date(2026, 2, 22, 0, 0, 0, 0, time.UTC)) || !p.To.Equal(q.From) {
		t.Errorf("Previous() = [%v, %v)", p.From, p.To)
	}
}

func TestStatsBuilder(t *testing.T) {
	// 2026-03-01 is a Sunday.
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	q := StatsQuery{From: day, To: day.AddDate(0, 0, 2), Granularity: GranularityDay}
	b := NewStatsBuilder(q)

	for _, v := range []*Violation{
		{Type: ViolationRedLight, Timestamp: day.Add(8 * time.Hour), Status: ViolationConfirmed},
		{Type: ViolationRedLight, Timestamp: day.Add(8*time.Hour + 30*time.Minute)},
		{Type: ViolationWrongWay, Timestamp: day.Add(26 * time.Hour), Status: ViolationRejected},
		{Type: ViolationLaneChange, Timestamp: day.Add(-time.Minute)},
		{Type: ViolationLaneChange, Timestamp: q.To},
	} {
		b.Add(v)
	}
	s := b.Stats()

	if s.Total != 3 {
		t.Fatalf("Total = %d, want 3", s.Total)
	}
	if s.ByStatus[ViolationPending] != 1 || s.ByStatus[ViolationConfirmed] != 1 || s.ByStatus[ViolationRejected] != 1 {
		t.Errorf("ByStatus = %v", s.ByStatus)
	}
	if len(s.ByType) != 2 || s.ByType[0] != (TypeCount{ViolationRedLight, 2}) || s.ByType[1] != (TypeCount{ViolationWrongWay, 1}) {
		t.Errorf("ByType = %v", s.ByType)
	}
	if len(s.Trend) != 2 || !s.Trend[0].Bucket.Equal(day) || s.Trend[0].Count != 2 || s.Trend[1].Count != 1 {
		t.Errorf("Trend = %v", s.Trend)
	}
	want := []HeatCell{{Hour: 2, Weekday: 1, Count: 1}, {Hour: 8, Weekday: 0, Count: 2}}
	if len(s.Heatmap) != len(want) {
		t.Fatalf("Heatmap = %v, want %v", s.Heatmap, want)
	}
	for i := range want {
		if s.Heatmap[i] != want[i] {
			t.Errorf("Heatmap[%d] = %v, want %v", i, s.Heatmap[i], want[i])
		}
	}
}

func TestNewViolationStats_ZeroStatuses(t *testing.T) {
	s := NewViolationStats()
	for _, st := range ViolationStatuses {
		if n, ok := s.ByStatus[st]; !ok || n != 0 {
			t.Errorf("ByStatus[%q] = %d, %v", st, n, ok)
		}
	}
}
