package alarms

import (
	"errors"
	"testing"
	"time"

	acquisition "scada-monitor/internal/acquisition/domain"
)

func ptr(v float64) *float64 { return &v }

func TestThresholdViolation(t *testing.T) {
	rule := AlarmRule{Kind: KindThreshold, Threshold: Threshold{Min: ptr(10), Max: ptr(30)}}
	cases := []struct {
		value acquisition.Value
		want  bool
	}{
		{acquisition.Number(25), false},
		{acquisition.Number(30), false},
		{acquisition.Number(32), true},
		{acquisition.Number(9.5), true},
		{acquisition.Null(), false},
		{acquisition.Text("32"), false},
	}
	for _, tc := range cases {
		if got := rule.Violated(tc.value); got != tc.want {
			t.Fatalf("value %v: expected %v, got %v", tc.value, tc.want, got)
		}
	}

	maxOnly := AlarmRule{Kind: KindThreshold, Threshold: Threshold{Max: ptr(30)}}
	if maxOnly.Violated(acquisition.Number(-1000)) {
		t.Fatalf("undefined min should never violate")
	}
}

func TestDeviationViolation(t *testing.T) {
	rule := AlarmRule{Kind: KindDeviation, Threshold: Threshold{SetPoint: ptr(50), Tolerance: ptr(5)}}
	if rule.Violated(acquisition.Number(55)) {
		t.Fatalf("deviation equal to tolerance should not violate")
	}
	if !rule.Violated(acquisition.Number(44.9)) {
		t.Fatalf("deviation beyond tolerance should violate")
	}
}

func TestStateViolationIsStrict(t *testing.T) {
	normal := acquisition.Bool(true)
	rule := AlarmRule{Kind: KindState, Threshold: Threshold{NormalState: &normal}}
	if rule.Violated(acquisition.Bool(true)) {
		t.Fatalf("normal state should not violate")
	}
	if !rule.Violated(acquisition.Bool(false)) {
		t.Fatalf("abnormal state should violate")
	}
	if !rule.Violated(acquisition.Number(1)) {
		t.Fatalf("numeric 1 is not strictly equal to true")
	}
	if rule.Violated(acquisition.Null()) {
		t.Fatalf("null never violates")
	}
}

func TestValidate(t *testing.T) {
	valid := AlarmRule{DeviceID: "plc-1", TagName: "temperature", AlarmName: "High temp", Kind: KindThreshold, Priority: PriorityMedium, Threshold: Threshold{Max: ptr(30)}}
	if err := valid.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	broken := []AlarmRule{
		{TagName: "t", AlarmName: "n", Kind: KindThreshold, Priority: PriorityLow, Threshold: Threshold{Max: ptr(1)}},
		{DeviceID: "d", TagName: "t", AlarmName: "n", Kind: KindThreshold, Priority: PriorityLow},
		{DeviceID: "d", TagName: "t", AlarmName: "n", Kind: KindDeviation, Priority: PriorityLow, Threshold: Threshold{SetPoint: ptr(1)}},
		{DeviceID: "d", TagName: "t", AlarmName: "n", Kind: KindState, Priority: PriorityLow},
		{DeviceID: "d", TagName: "t", AlarmName: "n", Kind: "rate", Priority: PriorityLow},
		{DeviceID: "d", TagName: "t", AlarmName: "n", Kind: KindThreshold, Priority: "urgent", Threshold: Threshold{Max: ptr(1)}},
	}
	for i, rule := range broken {
		if err := rule.Validate(); !errors.Is(err, ErrInvalidRule) {
			t.Fatalf("case %d: expected ErrInvalidRule, got %v", i, err)
		}
	}
}

func TestRuleUpdateApply(t *testing.T) {
	rule := AlarmRule{ID: "r1", DeviceID: "plc-1", AlarmName: "old", Priority: PriorityLow, Enabled: true}
	name := "new"
	enabled := false
	updated := RuleUpdate{AlarmName: &name, Enabled: &enabled}.Apply(rule)
	if updated.AlarmName != "new" || updated.Enabled {
		t.Fatalf("unexpected update result: %+v", updated)
	}
	if updated.ID != "r1" || updated.DeviceID != "plc-1" || updated.Priority != PriorityLow {
		t.Fatalf("untouched fields changed: %+v", updated)
	}
}

func TestNewAlarmMessage(t *testing.T) {
	rule := AlarmRule{ID: "r1", DeviceID: "plc-1", TagName: "temperature", AlarmName: "High temp", Priority: PriorityHigh}
	alarm := NewAlarm("a1", rule, acquisition.Number(32.5), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if alarm.Message != "High temp: value is 32.5" {
		t.Fatalf("unexpected message %q", alarm.Message)
	}
	if alarm.Key != `"plc-1":"temperature":"r1"` {
		t.Fatalf("unexpected key %q", alarm.Key)
	}
	if !alarm.Active() || alarm.Acknowledged() {
		t.Fatalf("new alarm should be active and unacknowledged")
	}
}

func TestKeyDistinguishesColonsInIDs(t *testing.T) {
	if Key("a:b", "c", "r") == Key("a", "b:c", "r") {
		t.Fatalf("keys with colons in different parts must differ")
	}
	if Key("plc-1", "D100", "r1") != Key("plc-1", "D100", "r1") {
		t.Fatalf("key must be deterministic")
	}
}
