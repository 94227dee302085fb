package classification

import (
	"log"
	"sort"
	"strings"
	"time"

	alarms "scada-monitor/internal/alarms/domain"
)

// Classifier maps alarms to A/B/C classes. It holds no mutable state and is
// safe to share.
type Classifier struct {
	logger *log.Logger
}

// NewClassifier constructs a classifier. A nil logger silences the
// unclassifiable-alarm warning.
func NewClassifier(logger *log.Logger) Classifier {
	return Classifier{logger: logger}
}

// Classify derives a class from priority, then from keywords in name,
// defaulting to B.
func (c Classifier) Classify(priority alarms.Priority, name string) alarms.Class {
	if class, ok := priorityToClass[priority]; ok {
		return class
	}
	if name != "" {
		lower := strings.ToLower(name)
		for _, group := range []struct {
			class    alarms.Class
			keywords []string
		}{
			{alarms.ClassA, keywordsA},
			{alarms.ClassB, keywordsB},
			{alarms.ClassC, keywordsC},
		} {
			for _, keyword := range group.keywords {
				if strings.Contains(lower, keyword) {
					return group.class
				}
			}
		}
	}
	if c.logger != nil {
		c.logger.Printf("alarm unclassifiable, defaulting to B: priority=%q name=%q", priority, name)
	}
	return alarms.ClassB
}

// ClassOf returns the effective class of an alarm: its escalated class when
// set, its derived class otherwise.
func (c Classifier) ClassOf(alarm alarms.Alarm) alarms.Class {
	if alarm.EscalatedClass.Valid() {
		return alarm.EscalatedClass
	}
	return c.Classify(alarm.Priority, alarm.AlarmName)
}

// EnrichedAlarm is an alarm annotated with its class configuration.
type EnrichedAlarm struct {
	alarms.Alarm
	AlarmClass              alarms.Class `json:"alarm_class"`
	ClassName               string       `json:"class_name"`
	ClassNameEn             string       `json:"class_name_en"`
	Color                   string       `json:"color"`
	BgColor                 string       `json:"bg_color"`
	SoundFile               string       `json:"sound_file,omitempty"`
	SoundVolume             float64      `json:"sound_volume"`
	RequiresAcknowledgement bool         `json:"requires_acknowledgement"`
	UIStyle                 UIStyle      `json:"ui_style"`
	NotificationChannels    []string     `json:"notification_channels"`
}

// Enrich annotates an alarm with its class configuration.
func (c Classifier) Enrich(alarm alarms.Alarm) EnrichedAlarm {
	class := c.ClassOf(alarm)
	cfg := ConfigFor(class)
	return EnrichedAlarm{
		Alarm:                   alarm,
		AlarmClass:              class,
		ClassName:               cfg.Name,
		ClassNameEn:             cfg.NameEn,
		Color:                   cfg.Color,
		BgColor:                 cfg.BgColor,
		SoundFile:               cfg.SoundFile,
		SoundVolume:             cfg.SoundVolume,
		RequiresAcknowledgement: cfg.RequiresAcknowledgement,
		UIStyle:                 cfg.UIStyle,
		NotificationChannels:    cfg.NotificationChannels,
	}
}

// EnrichAll annotates a list of alarms, keeping order.
func (c Classifier) EnrichAll(list []alarms.Alarm) []EnrichedAlarm {
	out := make([]EnrichedAlarm, 0, len(list))
	for _, alarm := range list {
		out = append(out, c.Enrich(alarm))
	}
	return out
}

// NeedsEscalation reports whether an active, unacknowledged alarm has
// outlived its class's escalation window.
func (c Classifier) NeedsEscalation(alarm alarms.Alarm, now time.Time) bool {
	if !alarm.Active() || alarm.Acknowledged() {
		return false
	}
	cfg := ConfigFor(c.ClassOf(alarm))
	if !cfg.AutoEscalate || cfg.EscalateAfterMinutes == nil {
		return false
	}
	elapsed := now.Sub(alarm.TriggeredAt).Minutes()
	return elapsed > float64(*cfg.EscalateAfterMinutes)
}

// EscalateClass returns the next class up; A saturates.
func EscalateClass(class alarms.Class) alarms.Class {
	switch class {
	case alarms.ClassC:
		return alarms.ClassB
	default:
		return alarms.ClassA
	}
}

// ClassCount counts alarms of one class.
type ClassCount struct {
	Count          int `json:"count"`
	Unacknowledged int `json:"unacknowledged"`
}

// ClassStats counts alarms per class.
type ClassStats struct {
	A     ClassCount `json:"A"`
	B     ClassCount `json:"B"`
	C     ClassCount `json:"C"`
	Total int        `json:"total"`
}

func (s *ClassStats) bucket(class alarms.Class) *ClassCount {
	switch class {
	case alarms.ClassA:
		return &s.A
	case alarms.ClassC:
		return &s.C
	default:
		return &s.B
	}
}

// StatsByClass counts alarms and active unacknowledged alarms per class.
func (c Classifier) StatsByClass(list []alarms.Alarm) ClassStats {
	stats := ClassStats{Total: len(list)}
	for _, alarm := range list {
		bucket := stats.bucket(c.ClassOf(alarm))
		bucket.Count++
		if alarm.Active() && !alarm.Acknowledged() {
			bucket.Unacknowledged++
		}
	}
	return stats
}

// FilterByClass keeps the alarms of one class.
func (c Classifier) FilterByClass(list []alarms.Alarm, class alarms.Class) []alarms.Alarm {
	out := make([]alarms.Alarm, 0, len(list))
	for _, alarm := range list {
		if c.ClassOf(alarm) == class {
			out = append(out, alarm)
		}
	}
	return out
}

// Sort returns a copy ordered by class priority, then newest first. Equal
// keys keep their input order.
func (c Classifier) Sort(list []alarms.Alarm) []alarms.Alarm {
	type keyed struct {
		alarm    alarms.Alarm
		priority int
	}
	items := make([]keyed, len(list))
	for i, alarm := range list {
		items[i] = keyed{alarm: alarm, priority: ConfigFor(c.ClassOf(alarm)).Priority}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].priority != items[j].priority {
			return items[i].priority < items[j].priority
		}
		return items[i].alarm.TriggeredAt.After(items[j].alarm.TriggeredAt)
	})
	out := make([]alarms.Alarm, len(items))
	for i, item := range items {
		out[i] = item.alarm
	}
	return out
}

// DashboardEntry summarises one class on the dashboard.
type DashboardEntry struct {
	Count          int    `json:"count"`
	Unacknowledged int    `json:"unacknowledged"`
	Color          string `json:"color"`
	Label          string `json:"label"`
}

// Dashboard is the class summary shown on the operator dashboard.
type Dashboard struct {
	Critical            DashboardEntry `json:"critical"`
	Warning             DashboardEntry `json:"warning"`
	Info                DashboardEntry `json:"info"`
	Total               int            `json:"total"`
	TotalUnacknowledged int            `json:"total_unacknowledged"`
}

// DashboardSummary aggregates the active alarms in list.
func (c Classifier) DashboardSummary(list []alarms.Alarm) Dashboard {
	active := make([]alarms.Alarm, 0, len(list))
	for _, alarm := range list {
		if alarm.Active() {
			active = append(active, alarm)
		}
	}
	stats := c.StatsByClass(active)
	return Dashboard{
		Critical: DashboardEntry{
			Count:          stats.A.Count,
			Unacknowledged: stats.A.Unacknowledged,
			Color:          classConfigs[alarms.ClassA].Color,
			Label:          "KRITISKA LARM",
		},
		Warning: DashboardEntry{
			Count:          stats.B.Count,
			Unacknowledged: stats.B.Unacknowledged,
			Color:          classConfigs[alarms.ClassB].Color,
			Label:          "VARNINGAR",
		},
		Info: DashboardEntry{
			Count:          stats.C.Count,
			Unacknowledged: stats.C.Unacknowledged,
			Color:          classConfigs[alarms.ClassC].Color,
			Label:          "INFO",
		},
		Total:               len(active),
		TotalUnacknowledged: stats.A.Unacknowledged + stats.B.Unacknowledged + stats.C.Unacknowledged,
	}
}
