package classification

import alarms "scada-monitor/internal/alarms/domain"

// UIStyle hints how the dashboard renders a class.
type UIStyle struct {
	Banner bool   `json:"banner"`
	Popup  bool   `json:"popup"`
	Blink  bool   `json:"blink"`
	Size   string `json:"size"`
}

// ClassConfig is the fixed display and behaviour of an alarm class.
type ClassConfig struct {
	Name                    string   `json:"name"`
	NameEn                  string   `json:"name_en"`
	Color                   string   `json:"color"`
	BgColor                 string   `json:"bg_color"`
	SoundFile               string   `json:"sound_file,omitempty"`
	SoundVolume             float64  `json:"sound_volume"`
	Priority                int      `json:"priority"`
	RequiresAcknowledgement bool     `json:"requires_acknowledgement"`
	AutoEscalate            bool     `json:"auto_escalate"`
	EscalateAfterMinutes    *int     `json:"escalate_after_minutes"`
	NotificationChannels    []string `json:"notification_channels"`
	UIStyle                 UIStyle  `json:"ui_style"`
}

func minutes(v int) *int { return &v }

var classConfigs = map[alarms.Class]ClassConfig{
	alarms.ClassA: {
		Name:                    "KRITISK",
		NameEn:                  "CRITICAL",
		Color:                   "#DC2626",
		BgColor:                 "#FEE2E2",
		SoundFile:               "critical-alarm.mp3",
		SoundVolume:             1.0,
		Priority:                1,
		RequiresAcknowledgement: true,
		AutoEscalate:            true,
		EscalateAfterMinutes:    minutes(5),
		NotificationChannels:    []string{"ui", "sound", "email", "sms"},
		UIStyle:                 UIStyle{Banner: true, Popup: true, Blink: true, Size: "large"},
	},
	alarms.ClassB: {
		Name:                 "VARNING",
		NameEn:               "WARNING",
		Color:                "#F59E0B",
		BgColor:              "#FEF3C7",
		SoundFile:            "warning-beep.mp3",
		SoundVolume:          0.6,
		Priority:             2,
		AutoEscalate:         true,
		EscalateAfterMinutes: minutes(30),
		NotificationChannels: []string{"ui", "sound", "email"},
		UIStyle:              UIStyle{Size: "medium"},
	},
	alarms.ClassC: {
		Name:                 "INFO",
		NameEn:               "INFORMATION",
		Color:                "#3B82F6",
		BgColor:              "#DBEAFE",
		Priority:             3,
		NotificationChannels: []string{"ui"},
		UIStyle:              UIStyle{Size: "small"},
	},
}

// ConfigFor returns the configuration of a class; unknown classes get B's.
// The returned value is a copy.
func ConfigFor(class alarms.Class) ClassConfig {
	cfg, ok := classConfigs[class]
	if !ok {
		cfg = classConfigs[alarms.ClassB]
	}
	cfg.NotificationChannels = append([]string(nil), cfg.NotificationChannels...)
	if cfg.EscalateAfterMinutes != nil {
		cfg.EscalateAfterMinutes = minutes(*cfg.EscalateAfterMinutes)
	}
	return cfg
}

var priorityToClass = map[alarms.Priority]alarms.Class{
	alarms.PriorityCritical: alarms.ClassA,
	alarms.PriorityHigh:     alarms.ClassA,
	alarms.PriorityMedium:   alarms.ClassB,
	alarms.PriorityLow:      alarms.ClassC,
	alarms.PriorityInfo:     alarms.ClassC,
}

// Keyword lists are matched as lower-case substrings, A first, then B, then C.
var (
	keywordsA = []string{
		"overflow", "failure", "fault", "emergency", "critical",
		"shutdown", "trip", "stopped", "power loss", "offline",
		"disconnected", "fire", "leak", "explosion", "danger",
	}
	keywordsB = []string{
		"warning", "high", "low", "approaching", "limit",
		"degraded", "timeout", "delay", "slow", "unstable",
		"deviation", "abnormal", "unusual",
	}
	keywordsC = []string{
		"info", "information", "notice", "started", "stopped",
		"connected", "completed", "ready", "idle", "normal",
	}
)
