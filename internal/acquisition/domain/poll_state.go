package acquisition

import "time"

const (
	// MaxReadAttempts bounds the attempts made in one poll cycle.
	MaxReadAttempts = 3
	// RetryDelay separates attempts within a cycle.
	RetryDelay = 5 * time.Second
	// RetryQuiescence is the pause after all attempts of a cycle failed.
	RetryQuiescence = 120 * time.Second
	// BufferCapacity bounds the in-memory sample buffer per device.
	BufferCapacity = 1000
	// StaleAfter is the age of the last success after which a device is unhealthy.
	StaleAfter = 60 * time.Minute
)

// BackoffSteps is the rate-limit backoff ladder.
var BackoffSteps = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	240 * time.Second,
}

// NextBackoff returns the step after current. Zero, an unknown value and the
// last step all lead back to the first step.
func NextBackoff(current time.Duration) time.Duration {
	for i, step := range BackoffSteps {
		if step == current && i < len(BackoffSteps)-1 {
			return BackoffSteps[i+1]
		}
	}
	return BackoffSteps[0]
}

// PollState is the retry, backoff and freshness state of one device.
type PollState struct {
	RetryAttempts     int
	NextRetryTime     time.Time
	RateLimitBackoff  time.Duration
	LastRateLimitTime time.Time
	LastSuccessTime   time.Time
}

// NewPollState starts a fresh state; the last success counts from now.
func NewPollState(now time.Time) PollState {
	return PollState{LastSuccessTime: now}
}

// Gate decides whether a cycle may attempt a read at now. An expired
// backoff is reset as a side effect.
func (s *PollState) Gate(now time.Time) (bool, string) {
	if s.RateLimitBackoff > 0 {
		if now.Sub(s.LastRateLimitTime) < s.RateLimitBackoff {
			return false, "rate_limited"
		}
		s.RateLimitBackoff = 0
	}
	if !s.NextRetryTime.IsZero() && now.Before(s.NextRetryTime) {
		return false, "retry_wait"
	}
	return true, ""
}

// ApplyRateLimit advances the backoff ladder. A signal that arrives while
// the current backoff is still running climbs one step; otherwise the
// ladder restarts at the first step.
func (s *PollState) ApplyRateLimit(now time.Time) time.Duration {
	next := BackoffSteps[0]
	if s.RateLimitBackoff > 0 && now.Sub(s.LastRateLimitTime) < s.RateLimitBackoff {
		next = NextBackoff(s.RateLimitBackoff)
	}
	s.RateLimitBackoff = next
	s.LastRateLimitTime = now
	return next
}

// RecordFailure notes a failed attempt; on the last attempt the device
// enters the quiescent period.
func (s *PollState) RecordFailure(now time.Time, attempt int) {
	s.RetryAttempts = attempt
	if attempt >= MaxReadAttempts {
		s.NextRetryTime = now.Add(RetryQuiescence)
	}
}

// RecordSuccess clears retry state and refreshes the last success.
func (s *PollState) RecordSuccess(now time.Time) {
	s.RetryAttempts = 0
	s.NextRetryTime = time.Time{}
	s.LastSuccessTime = now
}

// MinutesSinceSuccess is the whole minutes elapsed since the last success.
func (s PollState) MinutesSinceSuccess(now time.Time) int64 {
	elapsed := now.Sub(s.LastSuccessTime)
	if elapsed < 0 {
		return 0
	}
	return int64(elapsed / time.Minute)
}

// DeviceHealth is the observable state of one device's poll loop.
type DeviceHealth struct {
	DeviceID             string     `json:"device_id"`
	IsPolling            bool       `json:"is_polling"`
	LastDataTime         time.Time  `json:"last_data_time"`
	MinutesSinceLastData int64      `json:"minutes_since_last_data"`
	Healthy              bool       `json:"healthy"`
	RetryAttempts        int        `json:"retry_attempts"`
	NextRetryTime        *time.Time `json:"next_retry_time"`
	RateLimitBackoffMs   int64      `json:"rate_limit_backoff_ms"`
	BufferSize           int        `json:"buffer_size"`
}

// Health snapshots the state for reporting.
func (s PollState) Health(deviceID string, polling bool, bufferSize int, now time.Time) DeviceHealth {
	minutes := s.MinutesSinceSuccess(now)
	health := DeviceHealth{
		DeviceID:             deviceID,
		IsPolling:            polling,
		LastDataTime:         s.LastSuccessTime,
		MinutesSinceLastData: minutes,
		Healthy:              polling && time.Duration(minutes)*time.Minute < StaleAfter,
		RetryAttempts:        s.RetryAttempts,
		RateLimitBackoffMs:   s.RateLimitBackoff.Milliseconds(),
		BufferSize:           bufferSize,
	}
	if !s.NextRetryTime.IsZero() {
		next := s.NextRetryTime
		health.NextRetryTime = &next
	}
	return health
}
