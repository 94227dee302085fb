package drivers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode"

	acquisition "scada-monitor/internal/acquisition/domain"
)

// Config describes how to reach a PLC.
type Config struct {
	DeviceID string
	Host     string
	Port     int
	UnitID   int
	Seed     int64
}

// Status is the connection state reported by a driver.
type Status struct {
	Name            string    `json:"name"`
	Connected       bool      `json:"connected"`
	LastError       string    `json:"last_error,omitempty"`
	LastSuccessTime time.Time `json:"last_success_time,omitempty"`
}

// NewDriver builds a driver for protocol. Every protocol family is backed by
// the simulated register bank.
func NewDriver(protocol string, cfg Config) (*SimulatedDriver, error) {
	var family string
	switch strings.ToLower(protocol) {
	case acquisition.ProtocolSLMP, "mc", "mitsubishi":
		family = "SLMP"
		if cfg.Port == 0 {
			cfg.Port = 5007
		}
	case acquisition.ProtocolModbusTCP, "modbus", "modbustcp":
		family = "Modbus TCP"
		if cfg.Port == 0 {
			cfg.Port = 502
		}
		if cfg.UnitID == 0 {
			cfg.UnitID = 1
		}
	case acquisition.ProtocolSimulated, "":
		family = "Simulated"
	default:
		return nil, fmt.Errorf("drivers: unsupported protocol %q", protocol)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulatedDriver{
		name:      fmt.Sprintf("%s(%s:%d)", family, cfg.Host, cfg.Port),
		registers: make(map[string]acquisition.Value),
		rng:       rand.New(rand.NewSource(seed)),
	}, nil
}

// SimulatedDriver serves reads from an in-memory register bank. Addresses
// that were never written return generated values: bit devices a random
// bit, word devices a random 16-bit word.
type SimulatedDriver struct {
	name string

	mu          sync.Mutex
	connected   bool
	lastError   string
	lastSuccess time.Time
	registers   map[string]acquisition.Value
	failures    []error
	rng         *rand.Rand
}

// Name identifies the driver and its endpoint.
func (d *SimulatedDriver) Name() string { return d.name }

// Connect opens the simulated connection.
func (d *SimulatedDriver) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", acquisition.ErrConnection, err)
	}
	d.mu.Lock()
	d.connected = true
	d.lastError = ""
	d.lastSuccess = time.Now().UTC()
	d.mu.Unlock()
	return nil
}

// Disconnect closes the simulated connection.
func (d *SimulatedDriver) Disconnect(context.Context) error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return nil
}

// Read returns one value per address.
func (d *SimulatedDriver) Read(ctx context.Context, tags []string) (map[string]acquisition.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil, d.fail(fmt.Errorf("%w: %s not connected", acquisition.ErrConnection, d.name))
	}
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, d.fail(err)
	}

	values := make(map[string]acquisition.Value, len(tags))
	for _, tag := range tags {
		if value, ok := d.registers[tag]; ok {
			values[tag] = value
			continue
		}
		values[tag] = d.generate(tag)
	}
	d.lastError = ""
	d.lastSuccess = time.Now().UTC()
	return values, nil
}

// Write stores a value in the register bank.
func (d *SimulatedDriver) Write(ctx context.Context, tag string, value acquisition.Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tag == "" {
		return fmt.Errorf("%w: empty address", acquisition.ErrWrite)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return d.fail(fmt.Errorf("%w: %s not connected", acquisition.ErrWrite, d.name))
	}
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return d.fail(err)
	}
	d.registers[tag] = value
	d.lastSuccess = time.Now().UTC()
	return nil
}

// HealthCheck reports whether the connection is open.
func (d *SimulatedDriver) HealthCheck(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Status reports connection details.
func (d *SimulatedDriver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Name:            d.name,
		Connected:       d.connected,
		LastError:       d.lastError,
		LastSuccessTime: d.lastSuccess,
	}
}

// SetValue pins an address to a fixed value.
func (d *SimulatedDriver) SetValue(tag string, value acquisition.Value) {
	d.mu.Lock()
	d.registers[tag] = value
	d.mu.Unlock()
}

// InjectFailures queues errors returned by the next reads or writes, one per call.
func (d *SimulatedDriver) InjectFailures(errs ...error) {
	d.mu.Lock()
	for _, err := range errs {
		if err != nil {
			d.failures = append(d.failures, err)
		}
	}
	d.mu.Unlock()
}

func (d *SimulatedDriver) fail(err error) error {
	if err == nil {
		err = errors.New("drivers: unknown failure")
	}
	d.lastError = err.Error()
	return err
}

func (d *SimulatedDriver) generate(address string) acquisition.Value {
	if isBitDevice(address) {
		return acquisition.Bool(d.rng.Intn(2) == 1)
	}
	return acquisition.Number(float64(d.rng.Intn(65536)))
}

// isBitDevice reports whether an address names a bit device (X, Y, M, L,
// B, S, SM) or a Modbus coil/discrete input (0xxxx, 1xxxx).
func isBitDevice(address string) bool {
	address = strings.ToUpper(strings.TrimSpace(address))
	if address == "" {
		return false
	}
	prefix := strings.TrimRightFunc(address, func(r rune) bool {
		return unicode.IsDigit(r) || r == '.'
	})
	switch prefix {
	case "X", "Y", "M", "L", "B", "S", "SM", "F":
		return true
	case "":
		return len(address) == 5 && (address[0] == '0' || address[0] == '1')
	default:
		return false
	}
}
