package acquisition

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRateLimited marks a read rejected by the PLC or gateway for rate limiting.
	ErrRateLimited = errors.New("acquisition: rate limit exceeded")
	// ErrPersistence wraps failures of the point sink.
	ErrPersistence = errors.New("acquisition: persistence failed")
	// ErrDeviceNotFound indicates an unknown or not-polling device.
	ErrDeviceNotFound = errors.New("acquisition: device not found")
	// ErrConnection indicates the driver could not reach the PLC.
	ErrConnection = errors.New("acquisition: connection failed")
	// ErrWrite indicates a tag write was rejected.
	ErrWrite = errors.New("acquisition: write failed")
)

var rateLimitIndicators = []string{
	"too many requests",
	"rate limit",
	"429",
	"throttled",
}

// IsRateLimitError reports whether err signals rate limiting, either by
// wrapping ErrRateLimited or by carrying one of the known indicators.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, indicator := range rateLimitIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}

// ReadError is a failed read attempt that may be retried.
type ReadError struct {
	DeviceID string
	Attempt  int
	Err      error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("acquisition: read %s attempt %d: %v", e.DeviceID, e.Attempt, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
