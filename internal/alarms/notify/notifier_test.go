package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	acquisition "scada-monitor/internal/acquisition/domain"
	alarmapp "scada-monitor/internal/alarms/application"
	alarms "scada-monitor/internal/alarms/domain"
)

type stubRuleReader struct {
	rule *alarms.AlarmRule
}

func (s stubRuleReader) Rule(string) (alarms.AlarmRule, error) {
	if s.rule == nil {
		return alarms.AlarmRule{}, alarms.ErrRuleNotFound
	}
	return *s.rule, nil
}

type stubDeviceReader struct {
	device acquisition.Device
}

func (s stubDeviceReader) Device(_ context.Context, id string) (acquisition.Device, error) {
	if id != s.device.ID {
		return acquisition.Device{}, acquisition.ErrDeviceNotFound
	}
	return s.device, nil
}

func highTempRule() *alarms.AlarmRule {
	limit := 100.0
	return &alarms.AlarmRule{
		ID:        "rule-1",
		DeviceID:  "plc-1",
		TagName:   "D100",
		AlarmName: "Boiler temperature high",
		Kind:      alarms.KindThreshold,
		Threshold: alarms.Threshold{Max: &limit},
		Priority:  alarms.PriorityHigh,
	}
}

func triggeredEvent(value float64, at time.Time) alarmapp.AlarmEvent {
	alarm := alarms.NewAlarm("alarm-1", *highTempRule(), acquisition.Number(value), at)
	return alarmapp.AlarmEvent{Type: alarmapp.EventTriggered, Alarm: alarm, Class: alarms.ClassA, OccurredAt: at}
}

func TestWebhookNotifierPayload(t *testing.T) {
	payloadCh := make(chan webhookPayload, 1)
	tokenCh := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		tokenCh <- r.Header.Get("X-Token")
		payloadCh <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL, WithHeader("X-Token", "secret"))
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	tpl, err := NewTemplate("")
	if err != nil {
		t.Fatalf("new template: %v", err)
	}

	notifier, err := NewNotifier(
		stubRuleReader{rule: highTempRule()},
		channel,
		tpl,
		WithDeviceReader(stubDeviceReader{device: acquisition.Device{ID: "plc-1", Name: "Boiler House PLC"}}),
		WithReportURLResolver(func(_ context.Context, _ alarms.Alarm, _ *alarms.AlarmRule) string {
			return "http://example.com/report"
		}),
	)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	notifier.Notify(context.Background(), triggeredEvent(123.45, time.Date(2026, 1, 26, 8, 0, 0, 0, time.UTC)))

	select {
	case payload := <-payloadCh:
		if payload.MsgType != "text" {
			t.Fatalf("expected msgtype text, got %s", payload.MsgType)
		}
		if token := <-tokenCh; token != "secret" {
			t.Fatalf("expected header to be forwarded, got %q", token)
		}
		content := payload.Text.Content
		checks := []string{
			"[Alarm Triggered] CRITICAL (A)",
			"Device: Boiler House PLC",
			"Alarm: Boiler temperature high",
			"Trigger Value: 123.45",
			"Threshold: > 100.00",
			"Start Time: 2026-01-26T08:00:00Z",
			"Current Status: active",
			"Suggestion:",
			"Report: http://example.com/report",
		}
		for _, expected := range checks {
			if !strings.Contains(content, expected) {
				t.Fatalf("expected content to include %q, got %s", expected, content)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for webhook payload")
	}
}

type recordingChannel struct {
	mu       sync.Mutex
	contents []string
	err      error
}

func (r *recordingChannel) Send(_ context.Context, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.contents = append(r.contents, content)
	return nil
}

func (r *recordingChannel) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contents)
}

func (r *recordingChannel) Latest() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.contents) == 0 {
		return ""
	}
	return r.contents[len(r.contents)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestNotifierCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)}
	channel := &recordingChannel{}
	notifier, err := NewNotifier(stubRuleReader{rule: highTempRule()}, channel, nil, WithClock(clock), WithCooldown(10*time.Minute))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	event := triggeredEvent(120, clock.Now())
	notifier.Notify(context.Background(), event)
	notifier.Notify(context.Background(), event)
	if got := channel.Count(); got != 1 {
		t.Fatalf("expected 1 notification during cooldown, got %d", got)
	}

	clock.Add(11 * time.Minute)
	notifier.Notify(context.Background(), event)
	if got := channel.Count(); got != 2 {
		t.Fatalf("expected 2 notifications after cooldown, got %d", got)
	}
}

func TestNotifierDedupeWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 26, 11, 0, 0, 0, time.UTC)}
	channel := &recordingChannel{}
	notifier, err := NewNotifier(stubRuleReader{rule: highTempRule()}, channel, nil, WithClock(clock), WithDedupeWindow(30*time.Minute))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	at := clock.Now()
	notifier.Notify(context.Background(), triggeredEvent(120, at))
	clock.Add(5 * time.Minute)
	notifier.Notify(context.Background(), triggeredEvent(120, at))
	if got := channel.Count(); got != 1 {
		t.Fatalf("expected 1 notification during dedupe window, got %d", got)
	}

	notifier.Notify(context.Background(), triggeredEvent(150, at))
	if got := channel.Count(); got != 2 {
		t.Fatalf("expected notification when content changes, got %d", got)
	}

	clock.Add(time.Hour)
	if removed := notifier.Prune(clock.Now()); removed != 1 {
		t.Fatalf("expected stale send record to be pruned, got %d", removed)
	}
}

func TestNotifierFiltersByClassChannels(t *testing.T) {
	channel := &recordingChannel{}
	notifier, err := NewNotifier(stubRuleReader{}, channel, nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	event := triggeredEvent(120, time.Now())

	event.Class = alarms.ClassC
	notifier.Notify(context.Background(), event)
	if channel.Count() != 0 {
		t.Fatalf("class C lists only the ui channel and must not reach the webhook")
	}

	sms, err := NewNotifier(stubRuleReader{}, channel, nil, WithChannelName("sms"))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	event.Class = alarms.ClassB
	sms.Notify(context.Background(), event)
	if channel.Count() != 0 {
		t.Fatalf("class B has no sms channel")
	}
	event.Class = alarms.ClassA
	sms.Notify(context.Background(), event)
	if channel.Count() != 1 {
		t.Fatalf("class A should reach the sms channel")
	}
}

func TestNotifierEscalatedContent(t *testing.T) {
	channel := &recordingChannel{}
	notifier, err := NewNotifier(stubRuleReader{rule: highTempRule()}, channel, nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	event := triggeredEvent(120, time.Date(2026, 1, 26, 12, 0, 0, 0, time.UTC))
	event.Type = alarmapp.EventEscalated
	notifier.Notify(context.Background(), event)

	if !strings.Contains(channel.Latest(), "Escalated") {
		t.Fatalf("expected escalated notification content, got %s", channel.Latest())
	}
}

func TestNotifierSendFailureIsNotRecorded(t *testing.T) {
	channel := &recordingChannel{err: errors.New("boom")}
	notifier, err := NewNotifier(stubRuleReader{}, channel, nil, WithCooldown(time.Hour))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	event := triggeredEvent(120, time.Now())
	notifier.Notify(context.Background(), event)

	channel.mu.Lock()
	channel.err = nil
	channel.mu.Unlock()
	notifier.Notify(context.Background(), event)
	if channel.Count() != 1 {
		t.Fatalf("failed send must not start the cooldown")
	}
}

func TestMultiNotifierFansOut(t *testing.T) {
	first := &recordingChannel{}
	second := &recordingChannel{}
	a, _ := NewNotifier(stubRuleReader{}, first, nil)
	b, _ := NewNotifier(stubRuleReader{}, second, nil)
	multi := NewMultiNotifier(a, nil)
	multi.Add(b)
	multi.Add(nil)
	multi.Notify(context.Background(), triggeredEvent(120, time.Now()))
	if first.Count() != 1 || second.Count() != 1 {
		t.Fatalf("expected both notifiers to receive the event")
	}
}
