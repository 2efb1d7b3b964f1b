package event

import (
	"strconv"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const (
	MeasurementPublish   = "fertigation_publish"
	MeasurementDispatch  = "fertigation_dispatch"
	MeasurementTelemetry = "tunnel_telemetry"
)

// OutcomeToPoint turns one publish attempt into a point.
func OutcomeToPoint(o model.PublishOutcome, ts time.Time) *write.Point {
	tags := map[string]string{
		"schedule_id": strconv.FormatInt(o.Schedule.ID, 10),
		"tunnel_id":   strconv.FormatInt(o.Schedule.TunnelID, 10),
		"status":      string(o.Status),
	}
	if o.Schedule.Tunnel.DeviceAddress != "" {
		tags["device"] = o.Schedule.Tunnel.DeviceAddress
	}
	trigger := "manual"
	if o.RunID != "" {
		trigger = "dispatch"
	}
	tags["trigger"] = trigger

	fields := map[string]interface{}{
		"overall_success": o.Result.OverallSuccess,
		"topics":          int64(len(o.Result.Topics)),
		"failed":          int64(len(o.Result.Failed())),
		"warnings":        int64(len(o.Result.Warnings)),
		"duration_ms":     float64(o.Duration.Microseconds()) / 1000,
	}
	if o.RunID != "" {
		fields["run_id"] = o.RunID
	}
	if o.Err != nil {
		fields["error"] = o.Err.Error()
	}
	return influxdb2.NewPoint(MeasurementPublish, tags, fields, ts)
}

// SummaryToPoint turns a dispatch summary into a point stamped at its finish time.
func SummaryToPoint(sum model.DispatchSummary) *write.Point {
	tags := map[string]string{"day": sum.Day}
	fields := map[string]interface{}{
		"run_id":             sum.RunID,
		"considered":         int64(sum.Considered),
		"published":          int64(sum.Published),
		"failed":             int64(sum.Failed),
		"skipped":            int64(sum.Skipped),
		"persistence_errors": int64(sum.PersistenceErrors),
		"duration_sec":       sum.FinishedAt.Sub(sum.StartedAt).Seconds(),
	}
	return influxdb2.NewPoint(MeasurementDispatch, tags, fields, sum.FinishedAt)
}

// TelemetryToPoint stores one controller reading.
func TelemetryToPoint(r Reading) *write.Point {
	tags := map[string]string{
		"device": r.Device,
		"metric": r.Metric,
	}
	fields := map[string]interface{}{"value": r.Value}
	return influxdb2.NewPoint(MeasurementTelemetry, tags, fields, r.Timestamp)
}
