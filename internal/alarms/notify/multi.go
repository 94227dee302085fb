package notify

import (
	"context"
	"sync"

	alarmapp "scada-monitor/internal/alarms/application"
)

// MultiNotifier dispatches alarm events to multiple notifiers.
type MultiNotifier struct {
	mu        sync.RWMutex
	notifiers []alarmapp.AlarmNotifier
}

// NewMultiNotifier constructs a MultiNotifier; nil entries are skipped.
func NewMultiNotifier(notifiers ...alarmapp.AlarmNotifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Add appends a notifier after construction.
func (m *MultiNotifier) Add(notifier alarmapp.AlarmNotifier) {
	if m == nil || notifier == nil {
		return
	}
	m.mu.Lock()
	m.notifiers = append(m.notifiers, notifier)
	m.mu.Unlock()
}

// Notify forwards events to all notifiers.
func (m *MultiNotifier) Notify(ctx context.Context, event alarmapp.AlarmEvent) {
	if m == nil {
		return
	}
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()
	for _, notifier := range notifiers {
		if notifier != nil {
			notifier.Notify(ctx, event)
		}
	}
}

// MultiRuleNotifier dispatches rule events to multiple notifiers.
type MultiRuleNotifier struct {
	notifiers []alarmapp.RuleNotifier
}

// NewMultiRuleNotifier constructs a MultiRuleNotifier; nil entries are skipped.
func NewMultiRuleNotifier(notifiers ...alarmapp.RuleNotifier) *MultiRuleNotifier {
	return &MultiRuleNotifier{notifiers: notifiers}
}

// NotifyRule forwards events to all notifiers.
func (m *MultiRuleNotifier) NotifyRule(ctx context.Context, event alarmapp.RuleEvent) {
	if m == nil {
		return
	}
	for _, notifier := range m.notifiers {
		if notifier != nil {
			notifier.NotifyRule(ctx, event)
		}
	}
}
