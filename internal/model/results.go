package model

import "time"

// TopicResult records one tracked publish.
type TopicResult struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// PublishResult describes everything attempted for one schedule.
type PublishResult struct {
	ScheduleID     int64         `json:"schedule_id"`
	DeviceAddress  string        `json:"device_address"`
	Slot           TankSlot      `json:"slot,omitempty"`
	OverallSuccess bool          `json:"overall_success"`
	Topics         []TopicResult `json:"topics"`
	Warnings       []string      `json:"warnings,omitempty"`
}

// Failed returns the topics whose publish failed.
func (r PublishResult) Failed() []TopicResult {
	var out []TopicResult
	for _, t := range r.Topics {
		if !t.Success {
			out = append(out, t)
		}
	}
	return out
}

// ReleaseAction names an on-demand release command.
type ReleaseAction string

const (
	ActionCancel ReleaseAction = "cancel"
	ActionRun    ReleaseAction = "run"
)

// ReleaseActionResult is the response of a single release command.
type ReleaseActionResult struct {
	ScheduleID int64         `json:"schedule_id"`
	Index      int           `json:"index"`
	Action     ReleaseAction `json:"action"`
	Success    bool          `json:"success"`
	Message    string        `json:"message"`
	Topics     []TopicResult `json:"topics"`
}

// DispatchFailure is one schedule the daily run could not publish or record.
type DispatchFailure struct {
	ScheduleID int64  `json:"schedule_id"`
	Error      string `json:"error"`
}

// DispatchSummary is the end-of-run report of the batch dispatcher.
type DispatchSummary struct {
	RunID             string            `json:"run_id"`
	Day               string            `json:"day"`
	Considered        int               `json:"considered"`
	Published         int               `json:"published"`
	Failed            int               `json:"failed"`
	Skipped           int               `json:"skipped"`
	PersistenceErrors int               `json:"persistence_errors"`
	Failures          []DispatchFailure `json:"failures,omitempty"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        time.Time         `json:"finished_at"`
}

// PublishOutcome is what reporters learn about one publish attempt.
type PublishOutcome struct {
	RunID    string // empty for a manual publish
	Schedule Schedule
	Status   ScheduleStatus // status written back, or attempted
	Result   PublishResult
	Err      error
	Duration time.Duration
}
