package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	acquisition "scada-monitor/internal/acquisition/domain"
	alarmapp "scada-monitor/internal/alarms/application"
	"scada-monitor/internal/alarms/classification"
	alarms "scada-monitor/internal/alarms/domain"
)

// DefaultChannelName is the class notification channel served by a webhook.
const DefaultChannelName = "email"

// RuleReader loads alarm rules.
type RuleReader interface {
	Rule(id string) (alarms.AlarmRule, error)
}

// DeviceReader loads device metadata.
type DeviceReader interface {
	Device(ctx context.Context, id string) (acquisition.Device, error)
}

// Clock provides time for cooldown bookkeeping.
type Clock interface {
	Now() time.Time
}

// ReportURLResolver provides a report link for an alarm when available.
type ReportURLResolver func(ctx context.Context, alarm alarms.Alarm, rule *alarms.AlarmRule) string

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier renders alarm events and sends them through a channel when the
// alarm's class lists that channel.
type Notifier struct {
	rules        RuleReader
	devices      DeviceReader
	channel      Channel
	channelName  string
	template     *Template
	clock        Clock
	logger       *log.Logger
	mu           sync.Mutex
	sent         map[string]sendRecord
	cooldown     time.Duration
	dedupeWindow time.Duration
	reportURL    ReportURLResolver
}

// Option configures the notifier.
type Option func(*Notifier)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithDeviceReader resolves device names for the message.
func WithDeviceReader(devices DeviceReader) Option {
	return func(n *Notifier) {
		n.devices = devices
	}
}

// WithChannelName selects which class notification channel this notifier serves.
func WithChannelName(name string) Option {
	return func(n *Notifier) {
		if name != "" {
			n.channelName = name
		}
	}
}

// WithLogger logs delivery failures.
func WithLogger(logger *log.Logger) Option {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// WithCooldown sets a minimum interval between notifications for the same alarm and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithReportURLResolver injects a report link resolver.
func WithReportURLResolver(resolver ReportURLResolver) Option {
	return func(n *Notifier) {
		if resolver != nil {
			n.reportURL = resolver
		}
	}
}

// NewNotifier constructs an alarm notifier.
func NewNotifier(rules RuleReader, channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if rules == nil {
		return nil, errors.New("alarm notifier: nil rule reader")
	}
	if channel == nil {
		return nil, errors.New("alarm notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		rules:       rules,
		channel:     channel,
		channelName: DefaultChannelName,
		template:    template,
		clock:       systemClock{},
		sent:        make(map[string]sendRecord),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify implements alarmapp.AlarmNotifier.
func (n *Notifier) Notify(ctx context.Context, event alarmapp.AlarmEvent) {
	if n == nil || n.channel == nil {
		return
	}
	if !n.servesClass(event.Class) {
		return
	}
	var rule *alarms.AlarmRule
	if r, err := n.rules.Rule(event.Alarm.RuleID); err == nil {
		rule = &r
	}
	deviceName := event.Alarm.DeviceID
	if n.devices != nil {
		if device, err := n.devices.Device(ctx, event.Alarm.DeviceID); err == nil && device.Name != "" {
			deviceName = device.Name
		}
	}
	n.dispatch(ctx, event, rule, deviceName)
}

func (n *Notifier) servesClass(class alarms.Class) bool {
	for _, name := range classification.ConfigFor(class).NotificationChannels {
		if name == n.channelName {
			return true
		}
	}
	return false
}

func (n *Notifier) dispatch(ctx context.Context, event alarmapp.AlarmEvent, rule *alarms.AlarmRule, deviceName string) {
	reportURL := ""
	if n.reportURL != nil {
		reportURL = n.reportURL(ctx, event.Alarm, rule)
	}
	data := buildTemplateData(event, rule, deviceName, reportURL)
	content, err := n.template.Render(data)
	if err != nil {
		n.logf("alarm notify render error: alarm=%s err=%v", event.Alarm.ID, err)
		return
	}
	if !n.shouldSend(event.Alarm.ID, event.Type, content) {
		return
	}
	if err := n.channel.Send(ctx, content); err != nil {
		n.logf("alarm notify send error: alarm=%s event=%s err=%v", event.Alarm.ID, event.Type, err)
		return
	}
	n.markSent(event.Alarm.ID, event.Type, content)
}

func buildTemplateData(event alarmapp.AlarmEvent, rule *alarms.AlarmRule, deviceName, reportURL string) TemplateData {
	alarm := event.Alarm
	ruleName := alarm.AlarmName
	if ruleName == "" {
		ruleName = alarm.RuleID
	}
	threshold := ""
	if rule != nil {
		threshold = describeThreshold(*rule)
	}
	cfg := classification.ConfigFor(event.Class)

	return TemplateData{
		Device:         deviceName,
		DeviceID:       alarm.DeviceID,
		Tag:            alarm.TagName,
		Rule:           ruleName,
		RuleID:         alarm.RuleID,
		TriggerValue:   alarm.Value.String(),
		Threshold:      threshold,
		StartTime:      alarm.TriggeredAt.UTC().Format(time.RFC3339),
		Status:         statusLabel(alarm),
		Class:          string(event.Class),
		ClassName:      cfg.NameEn,
		Priority:       string(alarm.Priority),
		Message:        alarm.Message,
		AcknowledgedBy: alarm.AcknowledgedBy,
		Suggestion:     suggestionFor(event.Class),
		ReportURL:      reportURL,
		Event:          event.Type,
		EventLabel:     eventLabel(event.Type),
	}
}

func describeThreshold(rule alarms.AlarmRule) string {
	t := rule.Threshold
	switch rule.Kind {
	case alarms.KindThreshold:
		parts := make([]string, 0, 2)
		if t.Min != nil {
			parts = append(parts, "< "+formatFloat(*t.Min))
		}
		if t.Max != nil {
			parts = append(parts, "> "+formatFloat(*t.Max))
		}
		return strings.Join(parts, " or ")
	case alarms.KindDeviation:
		if t.SetPoint == nil || t.Tolerance == nil {
			return ""
		}
		return fmt.Sprintf("%s ± %s", formatFloat(*t.SetPoint), formatFloat(*t.Tolerance))
	case alarms.KindState:
		if t.NormalState == nil {
			return ""
		}
		return "!= " + t.NormalState.String()
	default:
		return ""
	}
}

func statusLabel(alarm alarms.Alarm) string {
	switch {
	case !alarm.Active():
		return "cleared"
	case alarm.Acknowledged():
		return "acknowledged"
	default:
		return "active"
	}
}

func eventLabel(event string) string {
	switch event {
	case alarmapp.EventTriggered:
		return "Triggered"
	case alarmapp.EventAcknowledged:
		return "Acknowledged"
	case alarmapp.EventCleared:
		return "Cleared"
	case alarmapp.EventEscalated:
		return "Escalated"
	default:
		return event
	}
}

func suggestionFor(class alarms.Class) string {
	switch class {
	case alarms.ClassA:
		return "Investigate immediately and acknowledge the alarm."
	case alarms.ClassB:
		return "Verify the condition and take action if needed."
	default:
		return "Monitor the alarm condition."
	}
}

func formatFloat(value float64) string {
	return fmt.Sprintf("%.2f", value)
}

func (n *Notifier) shouldSend(alarmID, eventType, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	key := notificationKey(alarmID, eventType)
	now := n.clock.Now().UTC()
	hash := hashContent(content)

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(alarmID, eventType, content string) {
	key := notificationKey(alarmID, eventType)
	n.mu.Lock()
	n.sent[key] = sendRecord{
		at:   n.clock.Now().UTC(),
		hash: hashContent(content),
	}
	n.mu.Unlock()
}

// Prune forgets send records older than the longer of cooldown and dedupe window.
func (n *Notifier) Prune(now time.Time) int {
	if n == nil {
		return 0
	}
	keep := n.cooldown
	if n.dedupeWindow > keep {
		keep = n.dedupeWindow
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	removed := 0
	for key, record := range n.sent {
		if now.Sub(record.at) >= keep {
			delete(n.sent, key)
			removed++
		}
	}
	return removed
}

func (n *Notifier) logf(format string, args ...any) {
	if n.logger != nil {
		n.logger.Printf(format, args...)
	}
}

func notificationKey(alarmID, eventType string) string {
	return alarmID + "|" + eventType
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
