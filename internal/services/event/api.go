package event

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
)

// RecentPublish is one row of GET /events/publish/latest.
type RecentPublish struct {
	ScheduleID string `json:"schedule_id"`
	Device     string `json:"device,omitempty"`
	Status     string `json:"status"`
	Failed     int64  `json:"failed"`
	Time       string `json:"time"` // RFC3339
}

type recentQueryParams struct {
	Minutes   int
	Limit     int
	TimeoutMS int
}

// clampParam reads an integer query parameter, falling back to def when it
// is absent or malformed and clamping it into [lo, hi].
func clampParam(q url.Values, key string, def, lo, hi int) int {
	n, err := strconv.Atoi(strings.TrimSpace(q.Get(key)))
	switch {
	case err != nil:
		return def
	case n < lo:
		return lo
	case n > hi:
		return hi
	}
	return n
}

func parseRecent(r *http.Request, defMin, defLim, defTOms int) recentQueryParams {
	q := r.URL.Query()
	return recentQueryParams{
		Minutes:   clampParam(q, "minutes", defMin, 1, 7*24*60),
		Limit:     clampParam(q, "limit", defLim, 1, 500),
		TimeoutMS: clampParam(q, "timeout_ms", defTOms, 200, 5000),
	}
}

func buildFlux(bucket string, minutes, limit int) string {
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%dm)
  |> filter(fn: (r) => r._measurement == %q)
  |> filter(fn: (r) => r._field == "failed")
  |> keep(columns: ["_time","_value","schedule_id","device","status"])
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n:%d)
`, bucket, minutes, MeasurementPublish, limit)
}

func runRecent(w http.ResponseWriter, r *http.Request, influx influxdb2.Client, org, bucket string) {
	p := parseRecent(r, 1440, 20, 2000)

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(p.TimeoutMS)*time.Millisecond)
	defer cancel()

	res, err := influx.QueryAPI(org).Query(ctx, buildFlux(bucket, p.Minutes, p.Limit))
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Error", "influx-query-error")
		_, _ = w.Write([]byte("[]"))
		return
	}
	defer res.Close()

	out := make([]RecentPublish, 0, p.Limit)
	for res.Next() {
		rec := res.Record()
		row := RecentPublish{Time: rec.Time().UTC().Format(time.RFC3339)}
		switch v := rec.Value().(type) {
		case int64:
			row.Failed = v
		case float64:
			row.Failed = int64(v)
		}
		row.ScheduleID = tagString(rec.ValueByKey("schedule_id"))
		row.Device = tagString(rec.ValueByKey("device"))
		row.Status = tagString(rec.ValueByKey("status"))
		out = append(out, row)
	}
	if res.Err() != nil {
		w.Header().Set("X-Error", "influx-iter-error")
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func tagString(v interface{}) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// NewRecentPublishHandler serves GET /events/publish/latest?limit=20[&minutes=1440]
func NewRecentPublishHandler(influx influxdb2.Client, org, bucket string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runRecent(w, r, influx, org, bucket)
	})
}
