package scheduler

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	acquisition "scada-monitor/internal/acquisition/domain"
)

// Job names.
const (
	JobAcquisitionResync = "acquisition_resync"
	JobHealthRecovery    = "health_recovery"
	JobBufferCleanup     = "buffer_cleanup"
	JobAlarmSweep        = "alarm_sweep"
	JobNotifierPrune     = "notifier_prune"
)

const (
	staleAfter        = 60 * time.Minute
	bufferMaxAge      = time.Hour
	recoveryPause     = 2 * time.Second
	defaultResyncTime = 30 * time.Minute
)

// PollController is the polling engine surface the acquisition jobs use.
type PollController interface {
	StartAll(ctx context.Context) (int, error)
	StopPoll(deviceID string) error
	HealthStatus() map[string]acquisition.DeviceHealth
	ClearBuffer(deviceID string) error
}

// AlarmSweeper evicts cleared alarms and escalates overdue ones.
type AlarmSweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, int)
}

// Pruner drops expired notifier bookkeeping.
type Pruner interface {
	Prune(now time.Time) int
}

// AcquisitionResyncJob starts devices from the registry that are not polling.
func AcquisitionResyncJob(engine PollController, every time.Duration, logger *log.Logger) Job {
	if every <= 0 {
		every = defaultResyncTime
	}
	return Job{
		Name:  JobAcquisitionResync,
		Every: every,
		Run: func(ctx context.Context, _ time.Time) error {
			if engine == nil {
				return errors.New("scheduler: nil poll controller")
			}
			started, err := engine.StartAll(ctx)
			if err != nil {
				return err
			}
			if started > 0 && logger != nil {
				logger.Printf("acquisition resync started polls: started=%d", started)
			}
			return nil
		},
	}
}

// HealthRecoveryJob restarts devices whose last data is older than an hour:
// the loop is stopped and, after a short pause, re-created from the registry.
func HealthRecoveryJob(engine PollController, every time.Duration, logger *log.Logger) Job {
	return healthRecoveryJob(engine, every, recoveryPause, logger)
}

func healthRecoveryJob(engine PollController, every, pause time.Duration, logger *log.Logger) Job {
	if every <= 0 {
		every = defaultResyncTime
	}
	return Job{
		Name:  JobHealthRecovery,
		Every: every,
		Run: func(ctx context.Context, _ time.Time) error {
			if engine == nil {
				return errors.New("scheduler: nil poll controller")
			}
			status := engine.HealthStatus()
			ids := make([]string, 0, len(status))
			for id := range status {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			healthy, stale := 0, 0
			for _, id := range ids {
				health := status[id]
				if health.Healthy {
					healthy++
					continue
				}
				if logger != nil {
					logger.Printf("device health alert: device=%s polling=%t minutes_since_data=%d backoff_ms=%d",
						id, health.IsPolling, health.MinutesSinceLastData, health.RateLimitBackoffMs)
				}
				if time.Duration(health.MinutesSinceLastData)*time.Minute <= staleAfter {
					continue
				}
				stale++
				if err := engine.StopPoll(id); err != nil && !errors.Is(err, acquisition.ErrDeviceNotFound) {
					return err
				}
			}
			if logger != nil {
				logger.Printf("health check completed: healthy=%d unhealthy=%d stale=%d", healthy, len(ids)-healthy, stale)
			}
			if stale == 0 {
				return nil
			}
			if err := pauseFor(ctx, pause); err != nil {
				return err
			}
			_, err := engine.StartAll(ctx)
			return err
		},
	}
}

// BufferCleanupJob clears the buffers of devices without data for an hour.
func BufferCleanupJob(engine PollController, dailyAt string, logger *log.Logger) Job {
	if dailyAt == "" {
		dailyAt = "02:00"
	}
	return Job{
		Name:    JobBufferCleanup,
		DailyAt: dailyAt,
		Run: func(_ context.Context, now time.Time) error {
			if engine == nil {
				return errors.New("scheduler: nil poll controller")
			}
			cleared := 0
			for id, health := range engine.HealthStatus() {
				if health.LastDataTime.IsZero() || now.Sub(health.LastDataTime) <= bufferMaxAge {
					continue
				}
				if err := engine.ClearBuffer(id); err != nil {
					continue
				}
				cleared++
			}
			if logger != nil {
				logger.Printf("buffer cleanup completed: cleared=%d", cleared)
			}
			return nil
		},
	}
}

// AlarmSweepJob drives the alarm grace-period eviction and escalation.
func AlarmSweepJob(sweeper AlarmSweeper, every time.Duration) Job {
	if every <= 0 {
		every = 10 * time.Second
	}
	return Job{
		Name:  JobAlarmSweep,
		Every: every,
		Run: func(ctx context.Context, now time.Time) error {
			if sweeper == nil {
				return errors.New("scheduler: nil alarm sweeper")
			}
			sweeper.Sweep(ctx, now)
			return nil
		},
	}
}

// NotifierPruneJob drops expired cooldown and de-duplication entries.
func NotifierPruneJob(pruner Pruner, every time.Duration) Job {
	if every <= 0 {
		every = time.Hour
	}
	return Job{
		Name:  JobNotifierPrune,
		Every: every,
		Run: func(_ context.Context, now time.Time) error {
			if pruner == nil {
				return errors.New("scheduler: nil pruner")
			}
			pruner.Prune(now)
			return nil
		},
	}
}

func pauseFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
