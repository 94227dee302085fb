package interfaces

import (
	"context"
	"errors"
	"fmt"

	acquisitionevents "scada-monitor/internal/acquisition/application/events"
	alarmapp "scada-monitor/internal/alarms/application"
)

// DataAcquiredConsumer adapts poll events into the alarm service.
type DataAcquiredConsumer struct {
	app *alarmapp.Service
}

// NewDataAcquiredConsumer constructs a consumer.
func NewDataAcquiredConsumer(app *alarmapp.Service) (*DataAcquiredConsumer, error) {
	if app == nil {
		return nil, errors.New("alarms consumer: nil service")
	}
	return &DataAcquiredConsumer{app: app}, nil
}

// Consume handles a DataAcquired event delivered by the event bus.
func (c *DataAcquiredConsumer) Consume(ctx context.Context, event any) error {
	switch evt := event.(type) {
	case acquisitionevents.DataAcquired:
		return c.app.HandleDataAcquired(ctx, evt)
	case *acquisitionevents.DataAcquired:
		if evt == nil {
			return errors.New("alarms consumer: nil event")
		}
		return c.app.HandleDataAcquired(ctx, *evt)
	default:
		return fmt.Errorf("alarms consumer: unexpected event %T", event)
	}
}
