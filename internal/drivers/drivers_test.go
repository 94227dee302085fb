package drivers

import (
	"context"
	"errors"
	"testing"

	acquisition "scada-monitor/internal/acquisition/domain"
)

func TestNewDriverNamesByProtocol(t *testing.T) {
	cases := []struct {
		protocol string
		want     string
	}{
		{acquisition.ProtocolSLMP, "SLMP(10.0.0.5:5007)"},
		{acquisition.ProtocolModbusTCP, "Modbus TCP(10.0.0.5:502)"},
		{acquisition.ProtocolSimulated, "Simulated(10.0.0.5:0)"},
	}
	for _, tc := range cases {
		driver, err := NewDriver(tc.protocol, Config{Host: "10.0.0.5"})
		if err != nil {
			t.Fatalf("new driver %s: %v", tc.protocol, err)
		}
		if driver.Name() != tc.want {
			t.Fatalf("expected %s, got %s", tc.want, driver.Name())
		}
	}
	if _, err := NewDriver("profinet", Config{}); err == nil {
		t.Fatalf("expected unsupported protocol error")
	}
}

func TestSimulatedDriverReadsBitsAndWords(t *testing.T) {
	driver, _ := NewDriver(acquisition.ProtocolSLMP, Config{Seed: 7})
	ctx := context.Background()
	if _, err := driver.Read(ctx, []string{"D100"}); !errors.Is(err, acquisition.ErrConnection) {
		t.Fatalf("expected connection error before connect, got %v", err)
	}
	if err := driver.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	values, err := driver.Read(ctx, []string{"D100", "M10", "X0", "00001", "40001"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, tag := range []string{"M10", "X0", "00001"} {
		if values[tag].Kind() != acquisition.KindBool {
			t.Fatalf("expected bool for %s, got %v", tag, values[tag].Kind())
		}
	}
	for _, tag := range []string{"D100", "40001"} {
		f, ok := values[tag].Float()
		if !ok || f < 0 || f > 65535 {
			t.Fatalf("expected word for %s, got %v", tag, values[tag])
		}
	}
}

func TestSimulatedDriverWriteThenRead(t *testing.T) {
	driver, _ := NewDriver(acquisition.ProtocolModbusTCP, Config{Seed: 1})
	ctx := context.Background()
	_ = driver.Connect(ctx)

	if err := driver.Write(ctx, "40010", acquisition.Number(42)); err != nil {
		t.Fatalf("write: %v", err)
	}
	values, err := driver.Read(ctx, []string{"40010"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !values["40010"].Equal(acquisition.Number(42)) {
		t.Fatalf("expected 42, got %v", values["40010"])
	}
}

func TestSimulatedDriverInjectedFailures(t *testing.T) {
	driver, _ := NewDriver(acquisition.ProtocolSimulated, Config{Seed: 1})
	ctx := context.Background()
	_ = driver.Connect(ctx)
	driver.InjectFailures(acquisition.ErrRateLimited)

	if _, err := driver.Read(ctx, []string{"D0"}); !errors.Is(err, acquisition.ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if status := driver.Status(); status.LastError == "" {
		t.Fatalf("expected last error to be recorded")
	}
	if _, err := driver.Read(ctx, []string{"D0"}); err != nil {
		t.Fatalf("expected recovery after scripted failure, got %v", err)
	}
	if status := driver.Status(); status.LastError != "" {
		t.Fatalf("expected last error cleared, got %q", status.LastError)
	}
}

func TestManagerLifecycle(t *testing.T) {
	manager := NewManager(nil)
	ctx := context.Background()
	device := acquisition.Device{ID: "plc-1", Protocol: acquisition.ProtocolSLMP, Host: "127.0.0.1", Enabled: true}

	if err := manager.Connect(ctx, device); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := manager.Connect(ctx, device); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	if _, err := manager.Driver("plc-1"); err != nil {
		t.Fatalf("driver: %v", err)
	}
	if _, err := manager.Read(ctx, "plc-1", []string{"D0"}); err != nil {
		t.Fatalf("read: %v", err)
	}

	status := manager.Status()
	if !status["plc-1"].Connected {
		t.Fatalf("expected connected status, got %+v", status)
	}
	health := manager.HealthCheckAll(ctx)
	if !health["plc-1"].Healthy {
		t.Fatalf("expected healthy driver")
	}

	if err := manager.Disconnect(ctx, "plc-1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, err := manager.Driver("plc-1"); !errors.Is(err, ErrDriverNotFound) {
		t.Fatalf("expected ErrDriverNotFound, got %v", err)
	}
	if err := manager.Disconnect(ctx, "plc-1"); !errors.Is(err, ErrDriverNotFound) {
		t.Fatalf("expected ErrDriverNotFound on second disconnect, got %v", err)
	}
}

func TestManagerConnectAllSkipsDisabled(t *testing.T) {
	manager := NewManager(nil)
	ctx := context.Background()
	devices := []acquisition.Device{
		{ID: "a", Protocol: acquisition.ProtocolSimulated, Enabled: true},
		{ID: "b", Protocol: acquisition.ProtocolSimulated, Enabled: false},
		{ID: "c", Protocol: "profinet", Enabled: true},
	}
	if n := manager.ConnectAll(ctx, devices); n != 1 {
		t.Fatalf("expected 1 connection, got %d", n)
	}
	if n := manager.ConnectAll(ctx, devices); n != 0 {
		t.Fatalf("expected reconnect to be a no-op, got %d", n)
	}
	ids := manager.DeviceIDs()
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("expected [a], got %v", ids)
	}
	manager.DisconnectAll(ctx)
	if len(manager.DeviceIDs()) != 0 {
		t.Fatalf("expected no drivers after DisconnectAll")
	}
}

func TestManagerWriteTag(t *testing.T) {
	manager := NewManager(nil)
	ctx := context.Background()
	if err := manager.WriteTag(ctx, "plc-9", "D100", acquisition.Number(1)); !errors.Is(err, ErrDriverNotFound) {
		t.Fatalf("expected ErrDriverNotFound, got %v", err)
	}
	if err := manager.Connect(ctx, acquisition.Device{ID: "plc-9", Protocol: acquisition.ProtocolSimulated, Enabled: true}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := manager.WriteTag(ctx, "plc-9", "D100", acquisition.Number(12.5)); err != nil {
		t.Fatalf("write: %v", err)
	}
	values, err := manager.Read(ctx, "plc-9", []string{"D100"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !values["D100"].Equal(acquisition.Number(12.5)) {
		t.Fatalf("expected written value, got %v", values["D100"])
	}
	if err := manager.WriteTag(ctx, "plc-9", "", acquisition.Number(1)); !errors.Is(err, acquisition.ErrWrite) {
		t.Fatalf("expected ErrWrite for empty address, got %v", err)
	}
}
