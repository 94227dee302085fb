package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	acquisition "scada-monitor/internal/acquisition/domain"
	acquisitionevents "scada-monitor/internal/acquisition/application/events"
	"scada-monitor/internal/alarms/classification"
	alarms "scada-monitor/internal/alarms/domain"
	"scada-monitor/internal/observability/metrics"
)

const (
	// DefaultClearGrace is how long a cleared alarm stays addressable.
	DefaultClearGrace = 60 * time.Second
	// DefaultHistoryLimit bounds the in-memory alarm history.
	DefaultHistoryLimit = 10000
	// DefaultHistoryPage is the history page size when no limit is given.
	DefaultHistoryPage = 100
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Service evaluates samples against rules and owns the active alarm set.
type Service struct {
	classifier   classification.Classifier
	notifier     AlarmNotifier
	ruleNotifier RuleNotifier
	clock        Clock
	logger       *log.Logger
	newID        func() string
	clearGrace   time.Duration
	historyLimit int

	mu             sync.Mutex
	rules          map[string]alarms.AlarmRule
	active         map[string]*alarms.Alarm
	byKey          map[string]string
	history        []*alarms.Alarm
	totalTriggered int
}

// ServiceOption customizes the alarm service.
type ServiceOption func(*Service)

// WithNotifier assigns an alarm notifier.
func WithNotifier(notifier AlarmNotifier) ServiceOption {
	return func(s *Service) {
		s.notifier = notifier
	}
}

// WithRuleNotifier assigns a rule notifier.
func WithRuleNotifier(notifier RuleNotifier) ServiceOption {
	return func(s *Service) {
		s.ruleNotifier = notifier
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClearGrace overrides how long cleared alarms stay addressable.
func WithClearGrace(grace time.Duration) ServiceOption {
	return func(s *Service) {
		if grace >= 0 {
			s.clearGrace = grace
		}
	}
}

// WithHistoryLimit bounds the alarm history.
func WithHistoryLimit(limit int) ServiceOption {
	return func(s *Service) {
		if limit > 0 {
			s.historyLimit = limit
		}
	}
}

// WithIDGenerator overrides alarm and rule id generation.
func WithIDGenerator(newID func() string) ServiceOption {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewService constructs an alarm service.
func NewService(classifier classification.Classifier, opts ...ServiceOption) *Service {
	s := &Service{
		classifier:   classifier,
		clock:        systemClock{},
		newID:        uuid.NewString,
		clearGrace:   DefaultClearGrace,
		historyLimit: DefaultHistoryLimit,
		rules:        make(map[string]alarms.AlarmRule),
		active:       make(map[string]*alarms.Alarm),
		byKey:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RuleConfig describes a rule to create. Priority defaults to medium and
// Enabled to true.
type RuleConfig struct {
	ID        string           `json:"id,omitempty"`
	DeviceID  string           `json:"device_id"`
	TagName   string           `json:"tag_name"`
	AlarmName string           `json:"alarm_name"`
	Kind      alarms.RuleKind  `json:"type"`
	Threshold alarms.Threshold `json:"threshold"`
	Priority  alarms.Priority  `json:"priority,omitempty"`
	Enabled   *bool            `json:"enabled,omitempty"`
}

// CreateRule validates and stores a rule.
func (s *Service) CreateRule(ctx context.Context, cfg RuleConfig) (alarms.AlarmRule, error) {
	if s == nil {
		return alarms.AlarmRule{}, errors.New("alarms: nil service")
	}
	now := s.clock.Now().UTC()
	rule := alarms.AlarmRule{
		ID:        cfg.ID,
		DeviceID:  cfg.DeviceID,
		TagName:   cfg.TagName,
		AlarmName: cfg.AlarmName,
		Kind:      cfg.Kind,
		Threshold: cfg.Threshold,
		Priority:  cfg.Priority,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if rule.ID == "" {
		rule.ID = s.newID()
	}
	if rule.Priority == "" {
		rule.Priority = alarms.PriorityMedium
	}
	if cfg.Enabled != nil {
		rule.Enabled = *cfg.Enabled
	}
	if err := rule.Validate(); err != nil {
		return alarms.AlarmRule{}, err
	}

	s.mu.Lock()
	if _, exists := s.rules[rule.ID]; exists {
		s.mu.Unlock()
		return alarms.AlarmRule{}, fmt.Errorf("%w: duplicate id %s", alarms.ErrInvalidRule, rule.ID)
	}
	s.rules[rule.ID] = rule
	s.mu.Unlock()

	s.logf("alarm rule created: rule=%s name=%q device=%s tag=%s", rule.ID, rule.AlarmName, rule.DeviceID, rule.TagName)
	s.notifyRule(ctx, EventRuleCreated, rule)
	return rule, nil
}

// LoadRules installs previously persisted rules without emitting events.
func (s *Service) LoadRules(rules []alarms.AlarmRule) error {
	if s == nil {
		return errors.New("alarms: nil service")
	}
	for _, rule := range rules {
		if rule.ID == "" {
			return fmt.Errorf("%w: empty id", alarms.ErrInvalidRule)
		}
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}
	s.mu.Lock()
	for _, rule := range rules {
		s.rules[rule.ID] = rule
	}
	s.mu.Unlock()
	return nil
}

// UpdateRule merges updates into an existing rule.
func (s *Service) UpdateRule(ctx context.Context, id string, update alarms.RuleUpdate) (alarms.AlarmRule, error) {
	if s == nil {
		return alarms.AlarmRule{}, errors.New("alarms: nil service")
	}
	s.mu.Lock()
	current, ok := s.rules[id]
	if !ok {
		s.mu.Unlock()
		return alarms.AlarmRule{}, fmt.Errorf("%w: %s", alarms.ErrRuleNotFound, id)
	}
	updated := update.Apply(current)
	updated.ID = current.ID
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = s.clock.Now().UTC()
	if err := updated.Validate(); err != nil {
		s.mu.Unlock()
		return alarms.AlarmRule{}, err
	}
	s.rules[id] = updated
	s.mu.Unlock()

	s.logf("alarm rule updated: rule=%s name=%q", id, updated.AlarmName)
	s.notifyRule(ctx, EventRuleUpdated, updated)
	return updated, nil
}

// DeleteRule removes a rule. Alarms it raised stay in place.
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	if s == nil {
		return errors.New("alarms: nil service")
	}
	s.mu.Lock()
	rule, ok := s.rules[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", alarms.ErrRuleNotFound, id)
	}
	delete(s.rules, id)
	s.mu.Unlock()

	s.logf("alarm rule deleted: rule=%s", id)
	s.notifyRule(ctx, EventRuleDeleted, rule)
	return nil
}

// Rule returns one rule.
func (s *Service) Rule(id string) (alarms.AlarmRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return alarms.AlarmRule{}, fmt.Errorf("%w: %s", alarms.ErrRuleNotFound, id)
	}
	return rule, nil
}

// Rules lists every rule in creation order.
func (s *Service) Rules() []alarms.AlarmRule {
	return s.RulesByDevice("")
}

// RulesByDevice lists the rules of one device; empty deviceID lists all.
func (s *Service) RulesByDevice(deviceID string) []alarms.AlarmRule {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedRulesLocked(deviceID)
}

func (s *Service) sortedRulesLocked(deviceID string) []alarms.AlarmRule {
	out := make([]alarms.AlarmRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if deviceID != "" && rule.DeviceID != deviceID {
			continue
		}
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// EvaluateSample checks every enabled rule of the sample's device against
// the sampled values, triggering or clearing alarms. Rules whose tag is
// absent from the sample are skipped.
func (s *Service) EvaluateSample(ctx context.Context, sample acquisition.Sample) error {
	if s == nil {
		return errors.New("alarms: nil service")
	}
	if sample.DeviceID == "" {
		return errors.New("alarms: sample missing device id")
	}
	now := s.clock.Now().UTC()

	var pending []AlarmEvent
	s.mu.Lock()
	for _, rule := range s.sortedRulesLocked(sample.DeviceID) {
		if !rule.Enabled {
			continue
		}
		reading, ok := sample.Tags[rule.TagName]
		if !ok {
			continue
		}
		if rule.Violated(reading.Value) {
			if event, ok := s.triggerLocked(rule, reading.Value, now); ok {
				pending = append(pending, event)
			}
			continue
		}
		if event, ok := s.clearKeyLocked(alarms.Key(rule.DeviceID, rule.TagName, rule.ID), now); ok {
			pending = append(pending, event)
		}
	}
	s.mu.Unlock()

	for _, event := range pending {
		s.notify(ctx, event)
	}
	return nil
}

// HandleDataAcquired evaluates the sample carried by a poll event.
func (s *Service) HandleDataAcquired(ctx context.Context, evt acquisitionevents.DataAcquired) error {
	return s.EvaluateSample(ctx, evt.Sample)
}

func (s *Service) triggerLocked(rule alarms.AlarmRule, value acquisition.Value, now time.Time) (AlarmEvent, bool) {
	key := alarms.Key(rule.DeviceID, rule.TagName, rule.ID)
	if _, exists := s.byKey[key]; exists {
		return AlarmEvent{}, false
	}
	alarm := alarms.NewAlarm(s.newID(), rule, value, now)
	stored := &alarm
	s.active[alarm.ID] = stored
	s.byKey[key] = alarm.ID
	s.history = append(s.history, stored)
	if overflow := len(s.history) - s.historyLimit; overflow > 0 {
		s.history = append([]*alarms.Alarm(nil), s.history[overflow:]...)
	}
	s.totalTriggered++

	if s.logger != nil {
		s.logger.Printf("alarm triggered: alarm=%s name=%q device=%s value=%s", alarm.ID, alarm.AlarmName, alarm.DeviceID, value)
	}
	return s.eventLocked(EventTriggered, stored, now), true
}

func (s *Service) clearKeyLocked(key string, now time.Time) (AlarmEvent, bool) {
	id, ok := s.byKey[key]
	if !ok {
		return AlarmEvent{}, false
	}
	alarm := s.active[id]
	delete(s.byKey, key)
	if alarm == nil || !alarm.Active() {
		return AlarmEvent{}, false
	}
	clearedAt := now
	alarm.ClearedAt = &clearedAt
	if s.logger != nil {
		s.logger.Printf("alarm cleared: alarm=%s name=%q", alarm.ID, alarm.AlarmName)
	}
	return s.eventLocked(EventCleared, alarm, now), true
}

// AcknowledgeAlarm records an operator acknowledgement. Acknowledging again
// overwrites the previous acknowledgement.
func (s *Service) AcknowledgeAlarm(ctx context.Context, id, userID string) (alarms.Alarm, error) {
	if s == nil {
		return alarms.Alarm{}, errors.New("alarms: nil service")
	}
	now := s.clock.Now().UTC()
	s.mu.Lock()
	alarm, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return alarms.Alarm{}, fmt.Errorf("%w: %s", alarms.ErrAlarmNotFound, id)
	}
	ackedAt := now
	alarm.AcknowledgedAt = &ackedAt
	alarm.AcknowledgedBy = userID
	event := s.eventLocked(EventAcknowledged, alarm, now)
	s.mu.Unlock()

	s.logf("alarm acknowledged: alarm=%s user=%s", id, userID)
	s.notify(ctx, event)
	return event.Alarm, nil
}

// ClearAlarm clears an alarm manually. Clearing a cleared alarm is a no-op.
func (s *Service) ClearAlarm(ctx context.Context, id string) (alarms.Alarm, error) {
	if s == nil {
		return alarms.Alarm{}, errors.New("alarms: nil service")
	}
	now := s.clock.Now().UTC()
	s.mu.Lock()
	alarm, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return alarms.Alarm{}, fmt.Errorf("%w: %s", alarms.ErrAlarmNotFound, id)
	}
	if !alarm.Active() {
		snapshot := alarm.Clone()
		s.mu.Unlock()
		return snapshot, nil
	}
	event, _ := s.clearKeyLocked(alarm.Key, now)
	s.mu.Unlock()

	s.notify(ctx, event)
	return event.Alarm, nil
}

// ActiveAlarms lists uncleared alarms sorted by class then newest first;
// empty deviceID lists all devices.
func (s *Service) ActiveAlarms(deviceID string) []alarms.Alarm {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	out := s.activeLocked(deviceID)
	s.mu.Unlock()
	return s.classifier.Sort(out)
}

func (s *Service) activeLocked(deviceID string) []alarms.Alarm {
	out := make([]alarms.Alarm, 0, len(s.active))
	for _, alarm := range s.active {
		if !alarm.Active() {
			continue
		}
		if deviceID != "" && alarm.DeviceID != deviceID {
			continue
		}
		out = append(out, alarm.Clone())
	}
	return out
}

// AlarmHistory returns up to limit alarms, newest first.
func (s *Service) AlarmHistory(limit int) []alarms.Alarm {
	if s == nil {
		return nil
	}
	if limit <= 0 {
		limit = DefaultHistoryPage
	}
	s.mu.Lock()
	out := make([]alarms.Alarm, 0, len(s.history))
	for _, alarm := range s.history {
		out = append(out, alarm.Clone())
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TriggeredAt.After(out[j].TriggeredAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Alarm returns an alarm from the active set or the history.
func (s *Service) Alarm(id string) (alarms.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if alarm, ok := s.active[id]; ok {
		return alarm.Clone(), nil
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID == id {
			return s.history[i].Clone(), nil
		}
	}
	return alarms.Alarm{}, fmt.Errorf("%w: %s", alarms.ErrAlarmNotFound, id)
}

// Statistics summarises rules and active alarms.
func (s *Service) Statistics() alarms.Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := alarms.Statistics{
		TotalRules:       len(s.rules),
		AlarmsByPriority: make(map[alarms.Priority]int, len(alarms.Priorities)),
		TotalTriggered:   s.totalTriggered,
	}
	for _, priority := range alarms.Priorities {
		stats.AlarmsByPriority[priority] = 0
	}
	for _, rule := range s.rules {
		if rule.Enabled {
			stats.EnabledRules++
		}
	}
	for _, alarm := range s.active {
		if !alarm.Active() {
			continue
		}
		stats.ActiveAlarms++
		if alarm.Acknowledged() {
			stats.AcknowledgedAlarms++
		}
		stats.AlarmsByPriority[alarm.Priority]++
	}
	return stats
}

// Sweep evicts cleared alarms whose grace period has passed and escalates
// alarms left unacknowledged past their class window. It returns the
// number of evicted and escalated alarms.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, int) {
	if s == nil {
		return 0, 0
	}
	now = now.UTC()
	var pending []AlarmEvent
	evicted := 0

	s.mu.Lock()
	for id, alarm := range s.active {
		if alarm.ClearedAt != nil {
			if now.Sub(*alarm.ClearedAt) >= s.clearGrace {
				delete(s.active, id)
				evicted++
			}
			continue
		}
		if !s.classifier.NeedsEscalation(*alarm, now) {
			continue
		}
		current := s.classifier.ClassOf(*alarm)
		next := classification.EscalateClass(current)
		if next == current {
			continue
		}
		escalatedAt := now
		alarm.EscalatedClass = next
		alarm.EscalatedAt = &escalatedAt
		if s.logger != nil {
			s.logger.Printf("alarm escalated: alarm=%s name=%q from=%s to=%s", alarm.ID, alarm.AlarmName, current, next)
		}
		pending = append(pending, s.eventLocked(EventEscalated, alarm, now))
	}
	counts := map[alarms.Class]int{alarms.ClassA: 0, alarms.ClassB: 0, alarms.ClassC: 0}
	for _, alarm := range s.active {
		if alarm.Active() {
			counts[s.classifier.ClassOf(*alarm)]++
		}
	}
	s.mu.Unlock()

	for class, count := range counts {
		metrics.SetActiveAlarms(string(class), count)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Alarm.TriggeredAt.Before(pending[j].Alarm.TriggeredAt) })
	for _, event := range pending {
		s.notify(ctx, event)
	}
	return evicted, len(pending)
}

// Run sweeps on every tick until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if s == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, s.clock.Now())
		}
	}
}

// Classifier exposes the classifier used for ordering and escalation.
func (s *Service) Classifier() classification.Classifier {
	return s.classifier
}

func (s *Service) eventLocked(eventType string, alarm *alarms.Alarm, now time.Time) AlarmEvent {
	snapshot := alarm.Clone()
	return AlarmEvent{
		Type:       eventType,
		Alarm:      snapshot,
		Class:      s.classifier.ClassOf(snapshot),
		OccurredAt: now,
	}
}

func (s *Service) notify(ctx context.Context, event AlarmEvent) {
	metrics.IncAlarmEvent(event.Type)
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, event)
}

func (s *Service) notifyRule(ctx context.Context, eventType string, rule alarms.AlarmRule) {
	metrics.IncAlarmEvent(eventType)
	if s.ruleNotifier == nil {
		return
	}
	s.ruleNotifier.NotifyRule(ctx, RuleEvent{Type: eventType, Rule: rule, OccurredAt: s.clock.Now().UTC()})
}

func (s *Service) logf(format string, args ...any) {
	if s != nil && s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
