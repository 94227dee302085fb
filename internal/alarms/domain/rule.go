package alarms

import (
	"fmt"
	"math"
	"time"

	acquisition "scada-monitor/internal/acquisition/domain"
)

// RuleKind selects the predicate a rule evaluates.
type RuleKind string

const (
	KindThreshold RuleKind = "threshold"
	KindDeviation RuleKind = "deviation"
	KindState     RuleKind = "state"
)

// Valid returns true when the kind is supported.
func (k RuleKind) Valid() bool {
	switch k {
	case KindThreshold, KindDeviation, KindState:
		return true
	default:
		return false
	}
}

// Priority is the operator-assigned importance of a rule.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
	PriorityInfo     Priority = "info"
)

// Priorities lists rule priorities from most to least severe.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// Valid returns true when the priority can be assigned to a rule.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical, PriorityInfo:
		return true
	default:
		return false
	}
}

// Threshold holds the parameters of every rule kind; which fields apply
// depends on the kind.
type Threshold struct {
	Min         *float64           `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64           `json:"max,omitempty" yaml:"max,omitempty"`
	SetPoint    *float64           `json:"set_point,omitempty" yaml:"set_point,omitempty"`
	Tolerance   *float64           `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
	NormalState *acquisition.Value `json:"normal_state,omitempty" yaml:"-"`
}

// AlarmRule watches one tag of one device.
type AlarmRule struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	TagName   string    `json:"tag_name"`
	AlarmName string    `json:"alarm_name"`
	Kind      RuleKind  `json:"type"`
	Threshold Threshold `json:"threshold"`
	Priority  Priority  `json:"priority"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks rule invariants.
func (r AlarmRule) Validate() error {
	if r.DeviceID == "" {
		return fmt.Errorf("%w: empty device id", ErrInvalidRule)
	}
	if r.TagName == "" {
		return fmt.Errorf("%w: empty tag name", ErrInvalidRule)
	}
	if r.AlarmName == "" {
		return fmt.Errorf("%w: empty alarm name", ErrInvalidRule)
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidRule, r.Priority)
	}
	switch r.Kind {
	case KindThreshold:
		if r.Threshold.Min == nil && r.Threshold.Max == nil {
			return fmt.Errorf("%w: threshold needs min or max", ErrInvalidRule)
		}
	case KindDeviation:
		if r.Threshold.SetPoint == nil || r.Threshold.Tolerance == nil {
			return fmt.Errorf("%w: deviation needs set_point and tolerance", ErrInvalidRule)
		}
		if *r.Threshold.Tolerance < 0 {
			return fmt.Errorf("%w: negative tolerance", ErrInvalidRule)
		}
	case KindState:
		if r.Threshold.NormalState == nil {
			return fmt.Errorf("%w: state needs normal_state", ErrInvalidRule)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, r.Kind)
	}
	return nil
}

// Violated reports whether value breaks the rule. A null value never does,
// and numeric kinds ignore non-numeric values.
func (r AlarmRule) Violated(value acquisition.Value) bool {
	if value.IsNull() {
		return false
	}
	switch r.Kind {
	case KindThreshold:
		v, ok := value.Float()
		if !ok {
			return false
		}
		if r.Threshold.Min != nil && v < *r.Threshold.Min {
			return true
		}
		return r.Threshold.Max != nil && v > *r.Threshold.Max
	case KindDeviation:
		v, ok := value.Float()
		if !ok || r.Threshold.SetPoint == nil || r.Threshold.Tolerance == nil {
			return false
		}
		return math.Abs(v-*r.Threshold.SetPoint) > *r.Threshold.Tolerance
	case KindState:
		if r.Threshold.NormalState == nil {
			return false
		}
		return !value.Equal(*r.Threshold.NormalState)
	default:
		return false
	}
}

// RuleUpdate carries the fields to change on a rule; nil fields stay.
type RuleUpdate struct {
	DeviceID  *string    `json:"device_id,omitempty"`
	TagName   *string    `json:"tag_name,omitempty"`
	AlarmName *string    `json:"alarm_name,omitempty"`
	Kind      *RuleKind  `json:"type,omitempty"`
	Threshold *Threshold `json:"threshold,omitempty"`
	Priority  *Priority  `json:"priority,omitempty"`
	Enabled   *bool      `json:"enabled,omitempty"`
}

// Apply returns a copy of rule with the update merged in.
func (u RuleUpdate) Apply(rule AlarmRule) AlarmRule {
	if u.DeviceID != nil {
		rule.DeviceID = *u.DeviceID
	}
	if u.TagName != nil {
		rule.TagName = *u.TagName
	}
	if u.AlarmName != nil {
		rule.AlarmName = *u.AlarmName
	}
	if u.Kind != nil {
		rule.Kind = *u.Kind
	}
	if u.Threshold != nil {
		rule.Threshold = *u.Threshold
	}
	if u.Priority != nil {
		rule.Priority = *u.Priority
	}
	if u.Enabled != nil {
		rule.Enabled = *u.Enabled
	}
	return rule
}
