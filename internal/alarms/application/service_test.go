package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	acquisition "scada-monitor/internal/acquisition/domain"
	"scada-monitor/internal/alarms/classification"
	alarms "scada-monitor/internal/alarms/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []AlarmEvent
	rules  []RuleEvent
}

func (n *recordingNotifier) Notify(ctx context.Context, event AlarmEvent) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

func (n *recordingNotifier) NotifyRule(ctx context.Context, event RuleEvent) {
	n.mu.Lock()
	n.rules = append(n.rules, event)
	n.mu.Unlock()
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, event := range n.events {
		out = append(out, event.Type)
	}
	return out
}

func newTestService(t *testing.T) (*Service, *fakeClock, *recordingNotifier) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	notifier := &recordingNotifier{}
	seq := 0
	svc := NewService(
		classification.NewClassifier(nil),
		WithClock(clock),
		WithNotifier(notifier),
		WithRuleNotifier(notifier),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		}),
	)
	return svc, clock, notifier
}

func maxAt(v float64) alarms.Threshold { return alarms.Threshold{Max: &v} }

func sample(deviceID string, values map[string]acquisition.Value) acquisition.Sample {
	return acquisition.NewSample(deviceID, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), values)
}

func temperatureRule(t *testing.T, svc *Service) alarms.AlarmRule {
	t.Helper()
	rule, err := svc.CreateRule(context.Background(), RuleConfig{
		DeviceID:  "plc-1",
		TagName:   "temperature",
		AlarmName: "High temperature",
		Kind:      alarms.KindThreshold,
		Threshold: maxAt(30),
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return rule
}

func TestThresholdScenario(t *testing.T) {
	svc, clock, notifier := newTestService(t)
	temperatureRule(t, svc)
	ctx := context.Background()

	for _, v := range []float64{25, 32, 32, 28} {
		clock.Advance(time.Second)
		if err := svc.EvaluateSample(ctx, sample("plc-1", map[string]acquisition.Value{"temperature": acquisition.Number(v)})); err != nil {
			t.Fatalf("evaluate %v: %v", v, err)
		}
	}

	got := notifier.types()
	want := []string{EventTriggered, EventCleared}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if msg := notifier.events[0].Alarm.Message; msg != "High temperature: value is 32" {
		t.Fatalf("unexpected message %q", msg)
	}
	if notifier.events[0].Class != alarms.ClassB {
		t.Fatalf("medium priority should classify as B, got %s", notifier.events[0].Class)
	}
	if len(svc.ActiveAlarms("")) != 0 {
		t.Fatalf("cleared alarm should not be listed as active")
	}
	if svc.Statistics().TotalTriggered != 1 {
		t.Fatalf("expected a single triggered alarm")
	}
}

func TestIdempotentTrigger(t *testing.T) {
	svc, _, _ := newTestService(t)
	temperatureRule(t, svc)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = svc.EvaluateSample(ctx, sample("plc-1", map[string]acquisition.Value{"temperature": acquisition.Number(40)}))
	}
	if active := svc.ActiveAlarms("plc-1"); len(active) != 1 {
		t.Fatalf("expected exactly one active alarm, got %d", len(active))
	}
	if len(svc.AlarmHistory(0)) != 1 {
		t.Fatalf("expected one history entry")
	}
}

func TestClearThenRetriggerCreatesNewAlarm(t *testing.T) {
	svc, clock, _ := newTestService(t)
	temperatureRule(t, svc)
	ctx := context.Background()

	_ = svc.EvaluateSample(ctx, sample("plc-1", map[string]acquisition.Value{"temperature": acquisition.Number(40)}))
	first := svc.ActiveAlarms("")[0]
	clock.Advance(time.Second)
	_ = svc.EvaluateSample(ctx, sample("plc-1", map[string]acquisition.Value{"temperature": acquisition.Number(20)}))
	clock.Advance(time.Second)
	_ = svc.EvaluateSample(ctx, sample("plc-1", map[string]acquisition.Value{"temperature": acquisition.Number(41)}))

	active := svc.ActiveAlarms("")
	if len(active) != 1 {
		t.Fatalf("expected one active alarm, got %d", len(active))
	}
	if active[0].ID == first.ID {
		t.Fatalf("retriggered alarm should have a new id")
	}
	history := svc.AlarmHistory(10)
	if len(history) != 2 || history[0].ID != active[0].ID {
		t.Fatalf("expected newest-first history of two, got %+v", history)
	}
	if history[1].ClearedAt == nil {
		t.Fatalf("first alarm should be cleared in history")
	}
}

func TestEvaluateSkipsMissingTagsDisabledRulesAndNulls(t *testing.T) {
	svc, _, notifier := newTestService(t)
	rule := temperatureRule(t, svc)
	ctx := context.Background()

	_ = svc.EvaluateSample(ctx, sample("plc-1", map[string]acquisition.Value{"pressure": acquisition.Number(99)}))
	_ = svc.EvaluateSample(ctx, sample("plc-2", map[string]acquisition.Value{"temperature": acquisition.Number(99)}))
	_ = svc.EvaluateSample(ctx, sample("plc-1", map[string]acquisition.Value{"temperature": acquisition.Null()}))
	disabled := false
	if _, err := svc.UpdateRule(ctx, rule.ID, alarms.RuleUpdate{Enabled: &disabled}); err != nil {
		t.Fatalf("update: %v", err)
	}
	_ = svc.EvaluateSample(ctx, sample("plc-1", map[string]acquisition.Value{"temperature": acquisition.Number(99)}))

	if got := notifier.types(); len(got) != 0 {
		t.Fatalf("expected no alarm events, got %v", got)
	}
}

func TestRuleCRUD(t *testing.T) {
	svc, _, notifier := newTestService(t)
	ctx := context.Background()
	rule := temperatureRule(t, svc)

	if rule.Priority != alarms.PriorityMedium || !rule.Enabled {
		t.Fatalf("expected defaults medium/enabled, got %+v", rule)
	}
	priority := alarms.PriorityCritical
	updated, err := svc.UpdateRule(ctx, rule.ID, alarms.RuleUpdate{Priority: &priority})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Priority != alarms.PriorityCritical || updated.CreatedAt != rule.CreatedAt {
		t.Fatalf("unexpected updated rule: %+v", updated)
	}
	if _, err := svc.UpdateRule(ctx, "missing", alarms.RuleUpdate{}); !errors.Is(err, alarms.ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
	bad := alarms.Priority("urgent")
	if _, err := svc.UpdateRule(ctx, rule.ID, alarms.RuleUpdate{Priority: &bad}); !errors.Is(err, alarms.ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
	if got, _ := svc.Rule(rule.ID); got.Priority != alarms.PriorityCritical {
		t.Fatalf("rejected update should leave rule unchanged")
	}
	if len(svc.RulesByDevice("plc-1")) != 1 || len(svc.RulesByDevice("plc-9")) != 0 {
		t.Fatalf("unexpected device filtering")
	}
	if err := svc.DeleteRule(ctx, rule.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.DeleteRule(ctx, rule.ID); !errors.Is(err, alarms.ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
	if _, err := svc.CreateRule(ctx, RuleConfig{DeviceID: "plc-1"}); !errors.Is(err, alarms.ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	wantRules := []string{EventRuleCreated, EventRuleUpdated, EventRuleDeleted}
	if len(notifier.rules) != len(wantRules) {
		t.Fatalf("expected %v, got %d rule events", wantRules, len(notifier.rules))
	}
	for i, want := range wantRules {
		if notifier.rules[i].Type != want {
			t.Fatalf("rule event %d: expected %s, got %s", i, want, notifier.rules[i].Type)
		}
	}
}

func TestAcknowledgeIsLastWriteWins(t *testing.T) {
	svc, clock, notifier := newTestService(t)
	temperatureRule(t, svc)
	ctx := context.Background()
	_ = svc.EvaluateSample(ctx, sample("plc-1", map[string]acquisition.Value{"temperature": acquisition.Number(40)}))
	id := svc.ActiveAlarms("")[0].ID

	if _, err := svc.AcknowledgeAlarm(ctx, "missing", "alice"); !errors.Is(err, alarms.ErrAlarmNotFound) {
		t.Fatalf("expected ErrAlarmNotFound, got %v", err)
	}
	first, err := svc.AcknowledgeAlarm(ctx, id, "alice")
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	clock.Advance(time.Minute)
	second, err := svc.AcknowledgeAlarm(ctx, id, "bob")
	if err != nil {
		t.Fatalf("re-ack: %v", err)
	}
	if second.AcknowledgedBy != "bob" || !second.AcknowledgedAt.After(*first.AcknowledgedAt) {
		t.Fatalf("expected re-ack to overwrite, got %+v", second)
	}
	if !second.Active() {
		t.Fatalf("acknowledging must not clear the alarm")
	}
	if stats := svc.Statistics(); stats.AcknowledgedAlarms != 1 || stats.ActiveAlarms != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if got := notifier.types(); len(got) != 3 || got[1] != EventAcknowledged || got[2] != EventAcknowledged {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestClearedAlarmGraceWindow(t *testing.T) {
	svc, clock, _ := newTestService(t)
	temperatureRule(t, svc)
	ctx := context.Background()
	_ = svc.EvaluateSample(ctx, sample("plc-1", map[string]acquisition.Value{"temperature": acquisition.Number(40)}))
	id := svc.ActiveAlarms("")[0].ID
	_ = svc.EvaluateSample(ctx, sample("plc-1", map[string]acquisition.Value{"temperature": acquisition.Number(20)}))

	clock.Advance(30 * time.Second)
	if evicted, _ := svc.Sweep(ctx, clock.Now()); evicted != 0 {
		t.Fatalf("alarm evicted inside grace window")
	}
	if _, err := svc.AcknowledgeAlarm(ctx, id, "alice"); err != nil {
		t.Fatalf("cleared alarm should be acknowledgeable during grace: %v", err)
	}

	clock.Advance(31 * time.Second)
	if evicted, _ := svc.Sweep(ctx, clock.Now()); evicted != 1 {
		t.Fatalf("expected eviction after grace window, got %d", evicted)
	}
	if _, err := svc.AcknowledgeAlarm(ctx, id, "alice"); !errors.Is(err, alarms.ErrAlarmNotFound) {
		t.Fatalf("expected ErrAlarmNotFound after eviction, got %v", err)
	}
	if alarm, err := svc.Alarm(id); err != nil || alarm.AcknowledgedBy != "alice" {
		t.Fatalf("evicted alarm should remain in history, got %+v err=%v", alarm, err)
	}
}

func TestManualClear(t *testing.T) {
	svc, _, notifier := newTestService(t)
	temperatureRule(t, svc)
	ctx := context.Background()
	_ = svc.EvaluateSample(ctx, sample("plc-1", map[string]acquisition.Value{"temperature": acquisition.Number(40)}))
	id := svc.ActiveAlarms("")[0].ID

	cleared, err := svc.ClearAlarm(ctx, id)
	if err != nil || cleared.ClearedAt == nil {
		t.Fatalf("clear: %+v err=%v", cleared, err)
	}
	if _, err := svc.ClearAlarm(ctx, id); err != nil {
		t.Fatalf("second clear should be a no-op: %v", err)
	}
	if got := notifier.types(); len(got) != 2 {
		t.Fatalf("expected triggered+cleared, got %v", got)
	}

	// still violated: a fresh alarm is raised on the next poll
	_ = svc.EvaluateSample(ctx, sample("plc-1", map[string]acquisition.Value{"temperature": acquisition.Number(40)}))
	if active := svc.ActiveAlarms(""); len(active) != 1 || active[0].ID == id {
		t.Fatalf("expected a new alarm after manual clear, got %+v", active)
	}
}

func TestSweepEscalatesOncePerStep(t *testing.T) {
	svc, clock, notifier := newTestService(t)
	temperatureRule(t, svc)
	ctx := context.Background()
	_ = svc.EvaluateSample(ctx, sample("plc-1", map[string]acquisition.Value{"temperature": acquisition.Number(40)}))

	clock.Advance(30 * time.Minute)
	if _, escalated := svc.Sweep(ctx, clock.Now()); escalated != 0 {
		t.Fatalf("B alarm should not escalate at exactly 30 minutes")
	}
	clock.Advance(time.Minute)
	if _, escalated := svc.Sweep(ctx, clock.Now()); escalated != 1 {
		t.Fatalf("expected one escalation, got %d", escalated)
	}
	clock.Advance(time.Minute)
	if _, escalated := svc.Sweep(ctx, clock.Now()); escalated != 0 {
		t.Fatalf("escalated alarm should not escalate again, got %d", escalated)
	}

	active := svc.ActiveAlarms("")
	if active[0].EscalatedClass != alarms.ClassA {
		t.Fatalf("expected escalation to A, got %q", active[0].EscalatedClass)
	}
	got := notifier.types()
	if got[len(got)-1] != EventEscalated {
		t.Fatalf("expected escalated event, got %v", got)
	}
	if notifier.events[len(notifier.events)-1].Class != alarms.ClassA {
		t.Fatalf("escalated event should carry the new class")
	}
}

func TestSweepSkipsAcknowledgedAlarms(t *testing.T) {
	svc, clock, _ := newTestService(t)
	temperatureRule(t, svc)
	ctx := context.Background()
	_ = svc.EvaluateSample(ctx, sample("plc-1", map[string]acquisition.Value{"temperature": acquisition.Number(40)}))
	_, _ = svc.AcknowledgeAlarm(ctx, svc.ActiveAlarms("")[0].ID, "alice")

	clock.Advance(2 * time.Hour)
	if _, escalated := svc.Sweep(ctx, clock.Now()); escalated != 0 {
		t.Fatalf("acknowledged alarm should not escalate")
	}
}

func TestActiveAlarmsSortedByClass(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()
	for _, cfg := range []RuleConfig{
		{DeviceID: "plc-1", TagName: "a", AlarmName: "Info", Kind: alarms.KindThreshold, Threshold: maxAt(1), Priority: alarms.PriorityLow},
		{DeviceID: "plc-1", TagName: "b", AlarmName: "Crit", Kind: alarms.KindThreshold, Threshold: maxAt(1), Priority: alarms.PriorityCritical},
		{DeviceID: "plc-1", TagName: "c", AlarmName: "Warn", Kind: alarms.KindThreshold, Threshold: maxAt(1), Priority: alarms.PriorityMedium},
	} {
		if _, err := svc.CreateRule(ctx, cfg); err != nil {
			t.Fatalf("create: %v", err)
		}
		clock.Advance(time.Second)
	}
	_ = svc.EvaluateSample(ctx, sample("plc-1", map[string]acquisition.Value{
		"a": acquisition.Number(5),
		"b": acquisition.Number(5),
		"c": acquisition.Number(5),
	}))
	active := svc.ActiveAlarms("plc-1")
	if len(active) != 3 || active[0].AlarmName != "Crit" || active[1].AlarmName != "Warn" || active[2].AlarmName != "Info" {
		t.Fatalf("unexpected order: %+v", active)
	}
	stats := svc.Statistics()
	if stats.AlarmsByPriority[alarms.PriorityCritical] != 1 || stats.AlarmsByPriority[alarms.PriorityHigh] != 0 {
		t.Fatalf("unexpected priority breakdown: %+v", stats.AlarmsByPriority)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	svc := NewService(classification.NewClassifier(nil), WithClock(clock), WithHistoryLimit(3))
	ctx := context.Background()
	if _, err := svc.CreateRule(ctx, RuleConfig{DeviceID: "plc-1", TagName: "t", AlarmName: "n", Kind: alarms.KindThreshold, Threshold: maxAt(1)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		_ = svc.EvaluateSample(ctx, sample("plc-1", map[string]acquisition.Value{"t": acquisition.Number(5)}))
		_ = svc.EvaluateSample(ctx, sample("plc-1", map[string]acquisition.Value{"t": acquisition.Number(0)}))
	}
	if got := len(svc.AlarmHistory(100)); got != 3 {
		t.Fatalf("expected history capped at 3, got %d", got)
	}
	if svc.Statistics().TotalTriggered != 5 {
		t.Fatalf("total triggered should count every alarm")
	}
}

func TestLoadRulesDoesNotNotify(t *testing.T) {
	svc, _, notifier := newTestService(t)
	v := 10.0
	err := svc.LoadRules([]alarms.AlarmRule{{
		ID: "r-1", DeviceID: "plc-1", TagName: "t", AlarmName: "n",
		Kind: alarms.KindThreshold, Threshold: alarms.Threshold{Max: &v}, Priority: alarms.PriorityLow, Enabled: true,
	}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(svc.Rules()) != 1 || len(notifier.rules) != 0 {
		t.Fatalf("expected one silent rule")
	}
	if err := svc.LoadRules([]alarms.AlarmRule{{ID: "r-2"}}); !errors.Is(err, alarms.ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
}

func TestSweepSkipsSaturatedClassA(t *testing.T) {
	svc, clock, notifier := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreateRule(ctx, RuleConfig{
		DeviceID:  "plc-1",
		TagName:   "pressure",
		AlarmName: "Pressure trip",
		Kind:      alarms.KindThreshold,
		Threshold: maxAt(10),
		Priority:  alarms.PriorityCritical,
	}); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	_ = svc.EvaluateSample(ctx, sample("plc-1", map[string]acquisition.Value{"pressure": acquisition.Number(12)}))

	clock.Advance(10 * time.Minute)
	if _, escalated := svc.Sweep(ctx, clock.Now()); escalated != 0 {
		t.Fatalf("class A alarm has nowhere to escalate, got %d", escalated)
	}
	for _, got := range notifier.types() {
		if got == EventEscalated {
			t.Fatalf("unexpected escalated event: %v", notifier.types())
		}
	}
	if active := svc.ActiveAlarms(""); len(active) != 1 || active[0].EscalatedAt != nil {
		t.Fatalf("class A alarm should stay unescalated: %+v", active)
	}
}

func TestColonIDsTriggerSeparateAlarms(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for _, cfg := range []RuleConfig{
		{ID: "r", DeviceID: "a:b", TagName: "c", AlarmName: "First", Kind: alarms.KindThreshold, Threshold: maxAt(1)},
		{ID: "c:r", DeviceID: "a", TagName: "b", AlarmName: "Second", Kind: alarms.KindThreshold, Threshold: maxAt(1)},
	} {
		if _, err := svc.CreateRule(ctx, cfg); err != nil {
			t.Fatalf("create rule: %v", err)
		}
	}
	_ = svc.EvaluateSample(ctx, sample("a:b", map[string]acquisition.Value{"c": acquisition.Number(5)}))
	_ = svc.EvaluateSample(ctx, sample("a", map[string]acquisition.Value{"b": acquisition.Number(5)}))
	if active := svc.ActiveAlarms(""); len(active) != 2 {
		t.Fatalf("expected two distinct alarms, got %d", len(active))
	}
}
