package acquisition

import "context"

// Driver is a protocol-specific PLC connection.
type Driver interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// Read returns a value per requested address; unreadable addresses map to Null.
	Read(ctx context.Context, tags []string) (map[string]Value, error)
	Write(ctx context.Context, tag string, value Value) error
	HealthCheck(ctx context.Context) bool
}

// DriverProvider resolves the connected driver for a device.
type DriverProvider interface {
	Driver(deviceID string) (Driver, error)
}

// DeviceRegistry lists configured devices.
type DeviceRegistry interface {
	ListEnabledDevices(ctx context.Context) ([]Device, error)
}

// PointSink persists time-series points.
type PointSink interface {
	InsertPoint(ctx context.Context, point DataPoint) error
}
