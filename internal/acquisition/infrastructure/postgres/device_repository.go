package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	acquisition "scada-monitor/internal/acquisition/domain"
)

// DeviceRepository reads and writes the devices and device_tags tables.
type DeviceRepository struct {
	db *sql.DB
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db *sql.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// ListEnabledDevices implements acquisition.DeviceRegistry.
func (r *DeviceRepository) ListEnabledDevices(ctx context.Context) ([]acquisition.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, selectDevices+`
WHERE is_enabled = TRUE
ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	var devices []acquisition.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range devices {
		tags, err := r.listTags(ctx, devices[i].ID)
		if err != nil {
			return nil, err
		}
		devices[i].Tags = tags
	}
	return devices, nil
}

// Device loads one device with its tags.
func (r *DeviceRepository) Device(ctx context.Context, id string) (acquisition.Device, error) {
	if r == nil || r.db == nil {
		return acquisition.Device{}, errors.New("device repo: nil db")
	}
	if id == "" {
		return acquisition.Device{}, errors.New("device repo: empty id")
	}
	device, err := scanDevice(r.db.QueryRowContext(ctx, selectDevices+` WHERE id = $1 LIMIT 1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return acquisition.Device{}, fmt.Errorf("%w: %s", acquisition.ErrDeviceNotFound, id)
		}
		return acquisition.Device{}, err
	}
	tags, err := r.listTags(ctx, id)
	if err != nil {
		return acquisition.Device{}, err
	}
	device.Tags = tags
	return device, nil
}

// Save upserts a device and replaces its tag list.
func (r *DeviceRepository) Save(ctx context.Context, device acquisition.Device) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if err := device.Validate(); err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO devices (
	id, name, protocol, host, port, poll_interval_ms, is_enabled
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)
ON CONFLICT (id)
DO UPDATE SET
	name = EXCLUDED.name,
	protocol = EXCLUDED.protocol,
	host = EXCLUDED.host,
	port = EXCLUDED.port,
	poll_interval_ms = EXCLUDED.poll_interval_ms,
	is_enabled = EXCLUDED.is_enabled,
	updated_at = NOW()`,
		device.ID,
		device.Name,
		device.Protocol,
		device.Host,
		device.Port,
		device.PollInterval.Milliseconds(),
		device.Enabled,
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM device_tags WHERE device_id = $1`, device.ID); err != nil {
		_ = tx.Rollback()
		return err
	}
	for i, tag := range device.Tags {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO device_tags (device_id, tag_name, address, is_enabled, position)
VALUES ($1, $2, $3, $4, $5)`, device.ID, tag.Name, tag.Address, tag.Enabled, i); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (r *DeviceRepository) listTags(ctx context.Context, deviceID string) ([]acquisition.Tag, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT tag_name, address, is_enabled
FROM device_tags
WHERE device_id = $1
ORDER BY position ASC, tag_name ASC`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []acquisition.Tag
	for rows.Next() {
		var tag acquisition.Tag
		if err := rows.Scan(&tag.Name, &tag.Address, &tag.Enabled); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tags, nil
}

const selectDevices = `
SELECT id, name, protocol, host, port, poll_interval_ms, is_enabled
FROM devices`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (acquisition.Device, error) {
	var device acquisition.Device
	var intervalMs int64
	if err := row.Scan(
		&device.ID,
		&device.Name,
		&device.Protocol,
		&device.Host,
		&device.Port,
		&intervalMs,
		&device.Enabled,
	); err != nil {
		return acquisition.Device{}, err
	}
	device.PollInterval = time.Duration(intervalMs) * time.Millisecond
	return device, nil
}
