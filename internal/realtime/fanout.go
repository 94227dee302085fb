package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	acquisitionevents "scada-monitor/internal/acquisition/application/events"
	alarmapp "scada-monitor/internal/alarms/application"
)

// Fanout turns acquisition and alarm events into realtime messages and
// hands them to every broadcaster.
type Fanout struct {
	targets []Broadcaster
	logger  *log.Logger
	now     func() time.Time
}

// NewFanout constructs a fanout over targets; nil targets are skipped.
func NewFanout(logger *log.Logger, targets ...Broadcaster) *Fanout {
	f := &Fanout{logger: logger, now: func() time.Time { return time.Now().UTC() }}
	for _, target := range targets {
		if target != nil {
			f.targets = append(f.targets, target)
		}
	}
	return f
}

// HandleDataAcquired publishes a sample on the global and the device channel.
func (f *Fanout) HandleDataAcquired(ctx context.Context, evt acquisitionevents.DataAcquired) error {
	if f == nil {
		return nil
	}
	msg, err := f.message(TypeData, "", evt.Sample)
	if err != nil {
		return err
	}
	f.broadcast(ctx, ChannelData, msg)
	if deviceID := evt.DeviceID(); deviceID != "" {
		f.broadcast(ctx, DeviceChannel(deviceID), msg)
	}
	return nil
}

// HandleDeviceIssue publishes a poll failure or rate-limit signal on the
// device channel.
func (f *Fanout) HandleDeviceIssue(ctx context.Context, msgType, deviceID string, payload any) error {
	if f == nil || deviceID == "" {
		return nil
	}
	msg, err := f.message(msgType, "", payload)
	if err != nil {
		return err
	}
	f.broadcast(ctx, DeviceChannel(deviceID), msg)
	return nil
}

// Consume handles acquisition events delivered by the event bus.
func (f *Fanout) Consume(ctx context.Context, event any) error {
	switch evt := event.(type) {
	case acquisitionevents.DataAcquired:
		return f.HandleDataAcquired(ctx, evt)
	case *acquisitionevents.DataAcquired:
		if evt == nil {
			return nil
		}
		return f.HandleDataAcquired(ctx, *evt)
	case acquisitionevents.PollFailed:
		return f.HandleDeviceIssue(ctx, TypePollFailed, evt.DeviceID, evt)
	case acquisitionevents.RateLimited:
		return f.HandleDeviceIssue(ctx, TypeRateLimit, evt.DeviceID, evt)
	default:
		return fmt.Errorf("realtime fanout: unexpected event %T", event)
	}
}

// Notify implements alarmapp.AlarmNotifier.
func (f *Fanout) Notify(ctx context.Context, event alarmapp.AlarmEvent) {
	if f == nil {
		return
	}
	msg, err := f.message(event.Type, ChannelAlarms, event)
	if err != nil {
		f.logf("realtime encode failed: event=%s err=%v", event.Type, err)
		return
	}
	f.broadcast(ctx, ChannelAlarms, msg)
}

// NotifyRule implements alarmapp.RuleNotifier.
func (f *Fanout) NotifyRule(ctx context.Context, event alarmapp.RuleEvent) {
	if f == nil {
		return
	}
	msg, err := f.message(event.Type, ChannelRules, event)
	if err != nil {
		f.logf("realtime encode failed: event=%s err=%v", event.Type, err)
		return
	}
	f.broadcast(ctx, ChannelRules, msg)
}

func (f *Fanout) message(msgType, channel string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Channel: channel, Data: data, Timestamp: f.now()}, nil
}

func (f *Fanout) broadcast(ctx context.Context, channel string, msg Message) {
	msg.Channel = channel
	for _, target := range f.targets {
		if err := target.Broadcast(ctx, channel, msg); err != nil {
			f.logf("realtime broadcast failed: channel=%s err=%v", channel, err)
		}
	}
}

func (f *Fanout) logf(format string, args ...any) {
	if f.logger != nil {
		f.logger.Printf(format, args...)
	}
}
