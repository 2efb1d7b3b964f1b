package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reading is one telemetry value published by a tunnel controller on
// {device}/telemetry/{metric}.
type Reading struct {
	Device    string
	Metric    string
	Value     float64
	Timestamp time.Time
}

var errNotTelemetry = errors.New("not a telemetry topic")

// DecodeTelemetry accepts plain decimal text or {"value": x, "ts": RFC3339}.
// Readings without a timestamp get now.
func DecodeTelemetry(topic string, payload []byte, now time.Time) (Reading, error) {
	device, metric, err := splitTelemetryTopic(topic)
	if err != nil {
		return Reading{}, err
	}
	r := Reading{Device: device, Metric: metric, Timestamp: now}

	raw := strings.TrimSpace(string(payload))
	if raw == "" || raw == "null" {
		return Reading{}, fmt.Errorf("%s: empty payload", topic)
	}
	if strings.HasPrefix(raw, "{") {
		var body struct {
			Value *float64 `json:"value"`
			TS    string   `json:"ts"`
		}
		if err := json.Unmarshal([]byte(raw), &body); err != nil {
			return Reading{}, fmt.Errorf("%s: %w", topic, err)
		}
		if body.Value == nil {
			return Reading{}, fmt.Errorf("%s: missing value", topic)
		}
		r.Value = *body.Value
		if body.TS != "" {
			ts, err := time.Parse(time.RFC3339, body.TS)
			if err != nil {
				return Reading{}, fmt.Errorf("%s: bad ts: %w", topic, err)
			}
			r.Timestamp = ts
		}
		return r, nil
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Reading{}, fmt.Errorf("%s: %w", topic, err)
	}
	r.Value = v
	return r, nil
}

// splitTelemetryTopic parses "{device}/telemetry/{metric}".
func splitTelemetryTopic(topic string) (string, string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[1] != "telemetry" || parts[0] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("%q: %w", topic, errNotTelemetry)
	}
	return parts[0], parts[2], nil
}
