package alarms

import (
	"strconv"
	"time"

	acquisition "scada-monitor/internal/acquisition/domain"
)

// Class is the severity tier of an alarm.
type Class string

const (
	ClassA Class = "A"
	ClassB Class = "B"
	ClassC Class = "C"
)

// Valid returns true for A, B and C.
func (c Class) Valid() bool {
	return c == ClassA || c == ClassB || c == ClassC
}

// Alarm is one occurrence of a rule violation.
type Alarm struct {
	ID             string            `json:"id"`
	Key            string            `json:"key"`
	RuleID         string            `json:"rule_id"`
	DeviceID       string            `json:"device_id"`
	TagName        string            `json:"tag_name"`
	AlarmName      string            `json:"alarm_name"`
	Priority       Priority          `json:"priority"`
	Value          acquisition.Value `json:"value"`
	Message        string            `json:"message"`
	TriggeredAt    time.Time         `json:"triggered_at"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at"`
	AcknowledgedBy string            `json:"acknowledged_by,omitempty"`
	ClearedAt      *time.Time        `json:"cleared_at"`
	EscalatedClass Class             `json:"escalated_class,omitempty"`
	EscalatedAt    *time.Time        `json:"escalated_at,omitempty"`
}

// Key identifies the (device, tag, rule) triple an alarm belongs to. Parts
// are quoted so ids containing ':' cannot collide.
func Key(deviceID, tagName, ruleID string) string {
	return strconv.Quote(deviceID) + ":" + strconv.Quote(tagName) + ":" + strconv.Quote(ruleID)
}

// NewAlarm builds a freshly triggered alarm for rule.
func NewAlarm(id string, rule AlarmRule, value acquisition.Value, at time.Time) Alarm {
	return Alarm{
		ID:          id,
		Key:         Key(rule.DeviceID, rule.TagName, rule.ID),
		RuleID:      rule.ID,
		DeviceID:    rule.DeviceID,
		TagName:     rule.TagName,
		AlarmName:   rule.AlarmName,
		Priority:    rule.Priority,
		Value:       value,
		Message:     rule.AlarmName + ": value is " + value.String(),
		TriggeredAt: at.UTC(),
	}
}

// Active reports whether the alarm has not been cleared.
func (a Alarm) Active() bool { return a.ClearedAt == nil }

// Acknowledged reports whether an operator acknowledged the alarm.
func (a Alarm) Acknowledged() bool { return a.AcknowledgedAt != nil }

// Clone returns a copy that shares no pointers with a.
func (a Alarm) Clone() Alarm {
	out := a
	out.AcknowledgedAt = copyTime(a.AcknowledgedAt)
	out.ClearedAt = copyTime(a.ClearedAt)
	out.EscalatedAt = copyTime(a.EscalatedAt)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Statistics summarises rules and the active alarm set.
type Statistics struct {
	TotalRules         int              `json:"total_rules"`
	EnabledRules       int              `json:"enabled_rules"`
	ActiveAlarms       int              `json:"active_alarms"`
	AcknowledgedAlarms int              `json:"acknowledged_alarms"`
	AlarmsByPriority   map[Priority]int `json:"alarms_by_priority"`
	TotalTriggered     int              `json:"total_triggered"`
}
