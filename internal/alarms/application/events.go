package application

import (
	"context"
	"time"

	alarms "scada-monitor/internal/alarms/domain"
)

// Alarm lifecycle event types.
const (
	EventTriggered    = "alarm:triggered"
	EventCleared      = "alarm:cleared"
	EventAcknowledged = "alarm:acknowledged"
	EventEscalated    = "alarm:escalated"
)

// Rule lifecycle event types.
const (
	EventRuleCreated = "rule:created"
	EventRuleUpdated = "rule:updated"
	EventRuleDeleted = "rule:deleted"
)

// AlarmNotifier publishes alarm lifecycle events.
type AlarmNotifier interface {
	Notify(ctx context.Context, event AlarmEvent)
}

// RuleNotifier publishes rule lifecycle events.
type RuleNotifier interface {
	NotifyRule(ctx context.Context, event RuleEvent)
}

// AlarmEvent represents an alarm lifecycle update.
type AlarmEvent struct {
	Type       string       `json:"type"`
	Alarm      alarms.Alarm `json:"alarm"`
	Class      alarms.Class `json:"alarm_class"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// RuleEvent represents a rule lifecycle update.
type RuleEvent struct {
	Type       string           `json:"type"`
	Rule       alarms.AlarmRule `json:"rule"`
	OccurredAt time.Time        `json:"occurred_at"`
}
