package drivers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	acquisition "scada-monitor/internal/acquisition/domain"
)

var (
	// ErrDriverNotFound indicates no connected driver for a device.
	ErrDriverNotFound = errors.New("drivers: no driver for device")
	// ErrAlreadyConnected indicates the device already has a driver.
	ErrAlreadyConnected = errors.New("drivers: already connected")
)

// Factory builds a driver for a device.
type Factory func(device acquisition.Device) (acquisition.Driver, error)

// HealthResult is the outcome of one driver health check.
type HealthResult struct {
	Healthy bool   `json:"healthy"`
	Status  Status `json:"status"`
}

// Manager keeps one connected driver per device.
type Manager struct {
	mu      sync.RWMutex
	drivers map[string]acquisition.Driver
	factory Factory
	logger  *log.Logger
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithFactory overrides the driver factory.
func WithFactory(factory Factory) ManagerOption {
	return func(m *Manager) {
		if factory != nil {
			m.factory = factory
		}
	}
}

// NewManager constructs a driver manager.
func NewManager(logger *log.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		drivers: make(map[string]acquisition.Driver),
		factory: defaultFactory,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func defaultFactory(device acquisition.Device) (acquisition.Driver, error) {
	return NewDriver(device.Protocol, Config{DeviceID: device.ID, Host: device.Host, Port: device.Port})
}

// Connect creates and connects the driver of a device.
func (m *Manager) Connect(ctx context.Context, device acquisition.Device) error {
	if m == nil {
		return errors.New("drivers: nil manager")
	}
	if err := device.Validate(); err != nil {
		return err
	}
	m.mu.RLock()
	_, exists := m.drivers[device.ID]
	m.mu.RUnlock()
	if exists {
		return ErrAlreadyConnected
	}

	driver, err := m.factory(device)
	if err != nil {
		return err
	}
	if err := driver.Connect(ctx); err != nil {
		m.logf("plc connect error: device=%s driver=%s err=%v", device.ID, driver.Name(), err)
		return err
	}

	m.mu.Lock()
	if _, exists := m.drivers[device.ID]; exists {
		m.mu.Unlock()
		_ = driver.Disconnect(ctx)
		return ErrAlreadyConnected
	}
	m.drivers[device.ID] = driver
	m.mu.Unlock()
	m.logf("plc connected: device=%s driver=%s", device.ID, driver.Name())
	return nil
}

// ConnectAll connects every device not yet connected and returns the
// number of new connections.
func (m *Manager) ConnectAll(ctx context.Context, devices []acquisition.Device) int {
	connected := 0
	for _, device := range devices {
		if !device.Enabled {
			continue
		}
		err := m.Connect(ctx, device)
		switch {
		case err == nil:
			connected++
		case errors.Is(err, ErrAlreadyConnected):
		default:
			m.logf("plc connect skipped: device=%s err=%v", device.ID, err)
		}
	}
	return connected
}

// Disconnect closes and forgets a device's driver.
func (m *Manager) Disconnect(ctx context.Context, deviceID string) error {
	if m == nil {
		return errors.New("drivers: nil manager")
	}
	m.mu.Lock()
	driver, ok := m.drivers[deviceID]
	delete(m.drivers, deviceID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDriverNotFound, deviceID)
	}
	if err := driver.Disconnect(ctx); err != nil {
		m.logf("plc disconnect error: device=%s err=%v", deviceID, err)
		return err
	}
	m.logf("plc disconnected: device=%s", deviceID)
	return nil
}

// DisconnectAll closes every driver.
func (m *Manager) DisconnectAll(ctx context.Context) {
	for _, id := range m.DeviceIDs() {
		_ = m.Disconnect(ctx, id)
	}
}

// Driver implements acquisition.DriverProvider.
func (m *Manager) Driver(deviceID string) (acquisition.Driver, error) {
	if m == nil {
		return nil, errors.New("drivers: nil manager")
	}
	m.mu.RLock()
	driver, ok := m.drivers[deviceID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDriverNotFound, deviceID)
	}
	return driver, nil
}

// Read reads tags from a device.
func (m *Manager) Read(ctx context.Context, deviceID string, tags []string) (map[string]acquisition.Value, error) {
	driver, err := m.Driver(deviceID)
	if err != nil {
		return nil, err
	}
	return driver.Read(ctx, tags)
}

// WriteTag writes one value through the driver of a connected device.
func (m *Manager) WriteTag(ctx context.Context, deviceID, tag string, value acquisition.Value) error {
	driver, err := m.Driver(deviceID)
	if err != nil {
		return err
	}
	if err := driver.Write(ctx, tag, value); err != nil {
		m.logf("tag write failed: device=%s tag=%s err=%v", deviceID, tag, err)
		return err
	}
	m.logf("tag written: device=%s tag=%s value=%s", deviceID, tag, value.String())
	return nil
}

// DeviceIDs lists connected devices in sorted order.
func (m *Manager) DeviceIDs() []string {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	ids := make([]string, 0, len(m.drivers))
	for id := range m.drivers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Status reports the connection state of every driver.
func (m *Manager) Status() map[string]Status {
	out := make(map[string]Status)
	for _, id := range m.DeviceIDs() {
		driver, err := m.Driver(id)
		if err != nil {
			continue
		}
		out[id] = statusOf(driver)
	}
	return out
}

// HealthCheckAll probes every driver.
func (m *Manager) HealthCheckAll(ctx context.Context) map[string]HealthResult {
	results := make(map[string]HealthResult)
	for _, id := range m.DeviceIDs() {
		driver, err := m.Driver(id)
		if err != nil {
			continue
		}
		healthy := driver.HealthCheck(ctx)
		if !healthy {
			m.logf("plc health check failed: device=%s driver=%s", id, driver.Name())
		}
		results[id] = HealthResult{Healthy: healthy, Status: statusOf(driver)}
	}
	return results
}

// RunHealthChecks probes every driver on each tick until ctx is done.
func (m *Manager) RunHealthChecks(ctx context.Context, interval time.Duration) {
	if m == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.HealthCheckAll(ctx)
		}
	}
}

func statusOf(driver acquisition.Driver) Status {
	if reporter, ok := driver.(interface{ Status() Status }); ok {
		return reporter.Status()
	}
	return Status{Name: driver.Name(), Connected: driver.HealthCheck(context.Background())}
}

func (m *Manager) logf(format string, args ...any) {
	if m != nil && m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
