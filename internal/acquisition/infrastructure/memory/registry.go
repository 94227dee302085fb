package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	acquisition "scada-monitor/internal/acquisition/domain"
)

// DeviceRegistry is an in-memory device registry, usually seeded from the
// plant configuration file.
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[string]acquisition.Device
}

// NewDeviceRegistry constructs a registry holding devices.
func NewDeviceRegistry(devices ...acquisition.Device) (*DeviceRegistry, error) {
	r := &DeviceRegistry{devices: make(map[string]acquisition.Device, len(devices))}
	for _, device := range devices {
		if err := r.Save(context.Background(), device); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Save adds or replaces a device.
func (r *DeviceRegistry) Save(_ context.Context, device acquisition.Device) error {
	if err := device.Validate(); err != nil {
		return err
	}
	device.Tags = append([]acquisition.Tag(nil), device.Tags...)
	r.mu.Lock()
	r.devices[device.ID] = device
	r.mu.Unlock()
	return nil
}

// Remove deletes a device.
func (r *DeviceRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.devices, id)
	r.mu.Unlock()
}

// ListEnabledDevices implements acquisition.DeviceRegistry.
func (r *DeviceRegistry) ListEnabledDevices(_ context.Context) ([]acquisition.Device, error) {
	r.mu.RLock()
	out := make([]acquisition.Device, 0, len(r.devices))
	for _, device := range r.devices {
		if device.Enabled {
			out = append(out, copyDevice(device))
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Device returns one device by id.
func (r *DeviceRegistry) Device(_ context.Context, id string) (acquisition.Device, error) {
	r.mu.RLock()
	device, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return acquisition.Device{}, fmt.Errorf("%w: %s", acquisition.ErrDeviceNotFound, id)
	}
	return copyDevice(device), nil
}

func copyDevice(device acquisition.Device) acquisition.Device {
	device.Tags = append([]acquisition.Tag(nil), device.Tags...)
	return device
}
