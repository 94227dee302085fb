package events

import (
	"time"

	acquisition "scada-monitor/internal/acquisition/domain"
)

// DataAcquired is raised after every successful poll of a device.
type DataAcquired struct {
	EventID string             `json:"event_id"`
	Sample  acquisition.Sample `json:"sample"`
}

// DeviceID returns the polled device.
func (e DataAcquired) DeviceID() string { return e.Sample.DeviceID }

// PollFailed is raised when all attempts of a poll cycle failed.
type PollFailed struct {
	EventID   string    `json:"event_id"`
	DeviceID  string    `json:"device_id"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// RateLimited is raised when a device signals rate limiting.
type RateLimited struct {
	EventID   string    `json:"event_id"`
	DeviceID  string    `json:"device_id"`
	BackoffMs int64     `json:"backoff_ms"`
	Timestamp time.Time `json:"timestamp"`
}
