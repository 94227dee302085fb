package acquisition

import (
	"errors"
	"time"
)

const (
	ProtocolSLMP      = "slmp"
	ProtocolModbusTCP = "modbus-tcp"
	ProtocolSimulated = "simulated"
)

// Tag is a PLC address polled for its current value.
type Tag struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Enabled bool   `json:"enabled"`
}

// Device is a PLC with the tags to poll and the poll interval.
type Device struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Protocol     string        `json:"protocol"`
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	PollInterval time.Duration `json:"poll_interval"`
	Enabled      bool          `json:"enabled"`
	Tags         []Tag         `json:"tags"`
}

// EnabledTags returns the addresses of enabled tags in declaration order.
func (d Device) EnabledTags() []string {
	out := make([]string, 0, len(d.Tags))
	for _, tag := range d.Tags {
		if !tag.Enabled {
			continue
		}
		address := tag.Address
		if address == "" {
			address = tag.Name
		}
		if address != "" {
			out = append(out, address)
		}
	}
	return out
}

// Validate checks device invariants.
func (d Device) Validate() error {
	if d.ID == "" {
		return errors.New("device: empty id")
	}
	if d.PollInterval < 0 {
		return errors.New("device: negative poll interval")
	}
	switch d.Protocol {
	case "", ProtocolSLMP, ProtocolModbusTCP, ProtocolSimulated:
	default:
		return errors.New("device: unsupported protocol " + d.Protocol)
	}
	return nil
}
