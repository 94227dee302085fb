package memory

import (
	"context"
	"errors"
	"testing"

	acquisition "scada-monitor/internal/acquisition/domain"
)

func TestDeviceRegistryListsEnabledSorted(t *testing.T) {
	registry, err := NewDeviceRegistry(
		acquisition.Device{ID: "plc-b", Enabled: true},
		acquisition.Device{ID: "plc-a", Enabled: true, Tags: []acquisition.Tag{{Name: "t", Address: "D1", Enabled: true}}},
		acquisition.Device{ID: "plc-off", Enabled: false},
	)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	devices, err := registry.ListEnabledDevices(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 2 || devices[0].ID != "plc-a" || devices[1].ID != "plc-b" {
		t.Fatalf("unexpected devices: %+v", devices)
	}

	devices[0].Tags[0].Address = "changed"
	device, err := registry.Device(context.Background(), "plc-a")
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	if device.Tags[0].Address != "D1" {
		t.Fatalf("registry leaked its tag slice")
	}
}

func TestDeviceRegistryUnknownAndInvalid(t *testing.T) {
	registry, _ := NewDeviceRegistry()
	if _, err := registry.Device(context.Background(), "missing"); !errors.Is(err, acquisition.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
	if err := registry.Save(context.Background(), acquisition.Device{ID: "x", Protocol: "profinet"}); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := NewDeviceRegistry(acquisition.Device{}); err == nil {
		t.Fatalf("expected error for device without id")
	}
}
