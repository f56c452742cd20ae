package server

import (
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/alfredjeanlab/trafficmind/internal/model"
	"github.com/alfredjeanlab/trafficmind/internal/store"
)

// defaultStatsDays is the statistics window when no startDate is given.
const defaultStatsDays = 30

const statsDateLayout = "2006-01-02"

type reviewRequest struct {
	Status      string `json:"status"`
	ProcessedBy string `json:"processedBy"`
	ReviewNotes string `json:"reviewNotes"`
}

// handleReviewViolation handles PUT /violations/{id}/process. An empty body
// confirms the violation.
func (s *Server) handleReviewViolation(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, maxJSONBody, &req); err != nil {
			writeErr(w, err)
			return
		}
	}

	review := model.ViolationReview{
		Status:      model.ViolationConfirmed,
		ProcessedBy: req.ProcessedBy,
		ReviewNotes: req.ReviewNotes,
		ProcessedAt: time.Now().UTC(),
	}
	if req.Status != "" {
		review.Status, _ = model.ParseViolationStatus(req.Status)
	}
	if err := model.ValidateReview(&review); err != nil {
		writeErr(w, err)
		return
	}

	id := r.PathValue("id")
	v, err := s.store.ReviewViolation(r.Context(), id, review)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "violation not found")
		return
	case err != nil:
		writeErr(w, err)
		return
	}
	s.logger.Info("violation reviewed", "id", id, "status", v.Status, "by", v.ProcessedBy)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "violation": s.viewViolations(r, []*model.Violation{v})[0]})
}

// statsRange parses startDate and endDate (YYYY-MM-DD, UTC, both inclusive).
// The window defaults to the last defaultStatsDays days up to today.
func statsRange(r *http.Request, now time.Time) (model.StatsQuery, error) {
	q := r.URL.Query()
	today := model.GranularityDay.Truncate(now)

	end := today
	if v := q.Get("endDate"); v != "" {
		t, err := time.Parse(statsDateLayout, v)
		if err != nil {
			return model.StatsQuery{}, inputError("endDate must be a YYYY-MM-DD date")
		}
		end = t
	}
	start := end.AddDate(0, 0, -defaultStatsDays)
	if v := q.Get("startDate"); v != "" {
		t, err := time.Parse(statsDateLayout, v)
		if err != nil {
			return model.StatsQuery{}, inputError("startDate must be a YYYY-MM-DD date")
		}
		start = t
	}
	if start.After(end) {
		return model.StatsQuery{}, inputError("startDate must not be after endDate")
	}

	g, ok := model.ParseGranularity(q.Get("granularity"))
	if !ok {
		return model.StatsQuery{}, inputError("granularity must be day or hour")
	}
	return model.StatsQuery{From: start, To: end.AddDate(0, 0, 1), Granularity: g}, nil
}

// growthRate is the percentage change from prev to cur, rounded to two
// decimals. It is zero when prev is zero.
func growthRate(cur, prev int) float64 {
	if prev == 0 {
		return 0
	}
	return math.Round(float64(cur-prev)/float64(prev)*10000) / 100
}

func statsOverview(cur, prev *model.ViolationStats) map[string]any {
	return map[string]any{
		"total":      cur.Total,
		"pending":    cur.ByStatus[model.ViolationPending],
		"confirmed":  cur.ByStatus[model.ViolationConfirmed],
		"rejected":   cur.ByStatus[model.ViolationRejected],
		"growthRate": growthRate(cur.Total, prev.Total),
	}
}

func statsByType(st *model.ViolationStats) []map[string]any {
	out := make([]map[string]any, 0, len(st.ByType))
	for _, tc := range st.ByType {
		out = append(out, map[string]any{"type": tc.Type, "typeName": tc.Type.DisplayName(), "count": tc.Count})
	}
	return out
}

func statsTrend(st *model.ViolationStats, g model.Granularity) []map[string]any {
	out := make([]map[string]any, 0, len(st.Trend))
	for _, p := range st.Trend {
		out = append(out, map[string]any{"date": g.Label(p.Bucket), "count": p.Count})
	}
	return out
}

// statsHeatmap reports cells as [hour, weekday, count] triples.
func statsHeatmap(st *model.ViolationStats) [][3]int {
	out := make([][3]int, 0, len(st.Heatmap))
	for _, c := range st.Heatmap {
		out = append(out, [3]int{c.Hour, c.Weekday, c.Count})
	}
	return out
}

// handleViolationStatistics handles GET /violations/statistics and its
// overview, by-type, trend and heatmap sections.
func (s *Server) handleViolationStatistics(w http.ResponseWriter, r *http.Request) {
	section := r.PathValue("section")
	switch section {
	case "", "overview", "by-type", "trend", "heatmap":
	default:
		writeError(w, http.StatusNotFound, "unknown statistics section")
		return
	}

	q, err := statsRange(r, time.Now())
	if err != nil {
		writeErr(w, err)
		return
	}
	cur, err := s.store.ViolationStats(r.Context(), q)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := map[string]any{
		"success":   true,
		"startDate": q.From.Format(statsDateLayout),
		"endDate":   q.To.AddDate(0, 0, -1).Format(statsDateLayout),
	}
	if section == "" || section == "overview" {
		prev, err := s.store.ViolationStats(r.Context(), q.Previous())
		if err != nil {
			writeErr(w, err)
			return
		}
		if section == "" {
			resp["overview"] = statsOverview(cur, prev)
		} else {
			resp["data"] = statsOverview(cur, prev)
		}
	}
	switch section {
	case "":
		resp["granularity"] = q.Granularity
		resp["byType"] = statsByType(cur)
		resp["trend"] = statsTrend(cur, q.Granularity)
		resp["heatmap"] = statsHeatmap(cur)
	case "by-type":
		resp["data"] = statsByType(cur)
	case "trend":
		resp["granularity"] = q.Granularity
		resp["data"] = statsTrend(cur, q.Granularity)
	case "heatmap":
		resp["data"] = statsHeatmap(cur)
	}
	writeJSON(w, http.StatusOK, resp)
}
