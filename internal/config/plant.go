package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	acquisition "scada-monitor/internal/acquisition/domain"
	alarms "scada-monitor/internal/alarms/domain"
)

const defaultPollInterval = time.Second

// ruleNamespace derives stable ids for rules declared without one.
var ruleNamespace = uuid.MustParse("6f1c2a4e-3b7d-4c8e-9a51-2d0f6b8e4c17")

// Plant is the device and alarm rule inventory of one site.
type Plant struct {
	Defaults PlantDefaults  `yaml:"defaults"`
	Devices  []DeviceConfig `yaml:"devices"`
	Rules    []RuleConfig   `yaml:"rules"`
}

// PlantDefaults apply to devices and rules that leave a field empty.
type PlantDefaults struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Protocol     string        `yaml:"protocol"`
	Priority     string        `yaml:"priority"`
}

// DeviceConfig declares a PLC.
type DeviceConfig struct {
	ID           string        `yaml:"id"`
	Name         string        `yaml:"name"`
	Protocol     string        `yaml:"protocol"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Enabled      *bool         `yaml:"enabled"`
	Tags         []TagConfig   `yaml:"tags"`
}

// TagConfig declares one polled address.
type TagConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Enabled *bool  `yaml:"enabled"`
}

// RuleConfig declares an alarm rule.
type RuleConfig struct {
	ID          string   `yaml:"id"`
	DeviceID    string   `yaml:"device_id"`
	Tag         string   `yaml:"tag"`
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Min         *float64 `yaml:"min"`
	Max         *float64 `yaml:"max"`
	SetPoint    *float64 `yaml:"set_point"`
	Tolerance   *float64 `yaml:"tolerance"`
	NormalState any      `yaml:"normal_state"`
	Priority    string   `yaml:"priority"`
	Enabled     *bool    `yaml:"enabled"`
}

// LoadPlant reads and validates a plant file.
func LoadPlant(path string) (Plant, error) {
	if strings.TrimSpace(path) == "" {
		return Plant{}, errors.New("plant config: empty path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Plant{}, err
	}
	return ParsePlant(data)
}

// ParsePlant decodes a plant document, fills defaults and validates it.
func ParsePlant(data []byte) (Plant, error) {
	var plant Plant
	if err := yaml.Unmarshal(data, &plant); err != nil {
		return Plant{}, fmt.Errorf("plant config: %w", err)
	}
	if plant.Defaults.PollInterval <= 0 {
		plant.Defaults.PollInterval = defaultPollInterval
	}
	if plant.Defaults.Protocol == "" {
		plant.Defaults.Protocol = acquisition.ProtocolSimulated
	}
	if plant.Defaults.Priority == "" {
		plant.Defaults.Priority = string(alarms.PriorityMedium)
	}
	if err := plant.validate(); err != nil {
		return Plant{}, err
	}
	return plant, nil
}

// DeviceList converts the declared devices.
func (p Plant) DeviceList() []acquisition.Device {
	out := make([]acquisition.Device, 0, len(p.Devices))
	for _, cfg := range p.Devices {
		out = append(out, p.device(cfg))
	}
	return out
}

// RuleList converts the declared rules. Rules without an id get one derived
// from device, tag and name so restarts keep the same ids.
func (p Plant) RuleList(now time.Time) []alarms.AlarmRule {
	out := make([]alarms.AlarmRule, 0, len(p.Rules))
	for _, cfg := range p.Rules {
		out = append(out, p.rule(cfg, now))
	}
	return out
}

func (p Plant) validate() error {
	devices := make(map[string]acquisition.Device, len(p.Devices))
	for i, cfg := range p.Devices {
		device := p.device(cfg)
		if err := device.Validate(); err != nil {
			return fmt.Errorf("plant config: devices[%d]: %w", i, err)
		}
		if _, dup := devices[device.ID]; dup {
			return fmt.Errorf("plant config: duplicate device %s", device.ID)
		}
		devices[device.ID] = device
	}
	ids := make(map[string]struct{}, len(p.Rules))
	for i, cfg := range p.Rules {
		rule := p.rule(cfg, time.Time{})
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("plant config: rules[%d]: %w", i, err)
		}
		if _, ok := devices[rule.DeviceID]; !ok {
			return fmt.Errorf("plant config: rules[%d]: unknown device %s", i, rule.DeviceID)
		}
		if _, dup := ids[rule.ID]; dup {
			return fmt.Errorf("plant config: duplicate rule %s", rule.ID)
		}
		ids[rule.ID] = struct{}{}
	}
	return nil
}

func (p Plant) device(cfg DeviceConfig) acquisition.Device {
	device := acquisition.Device{
		ID:           cfg.ID,
		Name:         cfg.Name,
		Protocol:     cfg.Protocol,
		Host:         cfg.Host,
		Port:         cfg.Port,
		PollInterval: cfg.PollInterval,
		Enabled:      enabled(cfg.Enabled),
	}
	if device.Name == "" {
		device.Name = device.ID
	}
	if device.Protocol == "" {
		device.Protocol = p.Defaults.Protocol
	}
	if device.PollInterval <= 0 {
		device.PollInterval = p.Defaults.PollInterval
	}
	for _, tag := range cfg.Tags {
		device.Tags = append(device.Tags, acquisition.Tag{
			Name:    tag.Name,
			Address: tag.Address,
			Enabled: enabled(tag.Enabled),
		})
	}
	return device
}

func (p Plant) rule(cfg RuleConfig, now time.Time) alarms.AlarmRule {
	rule := alarms.AlarmRule{
		ID:        cfg.ID,
		DeviceID:  cfg.DeviceID,
		TagName:   cfg.Tag,
		AlarmName: cfg.Name,
		Kind:      alarms.RuleKind(cfg.Type),
		Threshold: alarms.Threshold{
			Min:       cfg.Min,
			Max:       cfg.Max,
			SetPoint:  cfg.SetPoint,
			Tolerance: cfg.Tolerance,
		},
		Priority:  alarms.Priority(cfg.Priority),
		Enabled:   enabled(cfg.Enabled),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if rule.Priority == "" {
		rule.Priority = alarms.Priority(p.Defaults.Priority)
	}
	if cfg.NormalState != nil {
		state := acquisition.ValueOf(cfg.NormalState)
		rule.Threshold.NormalState = &state
	}
	if rule.ID == "" {
		key := strings.Join([]string{rule.DeviceID, rule.TagName, rule.AlarmName}, "/")
		rule.ID = uuid.NewSHA1(ruleNamespace, []byte(key)).String()
	}
	return rule
}

func enabled(flag *bool) bool {
	return flag == nil || *flag
}
