package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"time"

	acquisition "scada-monitor/internal/acquisition/domain"
	alarmapp "scada-monitor/internal/alarms/application"
	alarms "scada-monitor/internal/alarms/domain"
)

// StoredAlarm is an alarm row together with the class it was recorded under.
type StoredAlarm struct {
	alarms.Alarm
	Class     alarms.Class
	UpdatedAt time.Time
}

// AlarmRepository records alarm lifecycle changes in the alarms table.
type AlarmRepository struct {
	db     *sql.DB
	logger *log.Logger
}

// NewAlarmRepository constructs a repository.
func NewAlarmRepository(db *sql.DB, logger *log.Logger) *AlarmRepository {
	return &AlarmRepository{db: db, logger: logger}
}

// Upsert writes the current state of an alarm.
func (r *AlarmRepository) Upsert(ctx context.Context, alarm alarms.Alarm, class alarms.Class, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("alarm repo: nil db")
	}
	if alarm.ID == "" || alarm.RuleID == "" || alarm.DeviceID == "" {
		return errors.New("alarm repo: missing fields")
	}
	value, err := json.Marshal(alarm.Value)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO alarms (
	id, rule_id, device_id, tag_name, alarm_name, priority, alarm_class,
	value, message, triggered_at, acknowledged_at, acknowledged_by,
	cleared_at, escalated_class, escalated_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7,
	$8, $9, $10, $11, $12,
	$13, $14, $15, $16
)
ON CONFLICT (id) DO UPDATE SET
	alarm_class = EXCLUDED.alarm_class,
	value = EXCLUDED.value,
	acknowledged_at = EXCLUDED.acknowledged_at,
	acknowledged_by = EXCLUDED.acknowledged_by,
	cleared_at = EXCLUDED.cleared_at,
	escalated_class = EXCLUDED.escalated_class,
	escalated_at = EXCLUDED.escalated_at,
	updated_at = EXCLUDED.updated_at`,
		alarm.ID,
		alarm.RuleID,
		alarm.DeviceID,
		alarm.TagName,
		alarm.AlarmName,
		string(alarm.Priority),
		string(class),
		string(value),
		alarm.Message,
		alarm.TriggeredAt,
		nullableTime(alarm.AcknowledgedAt),
		nullIfEmpty(alarm.AcknowledgedBy),
		nullableTime(alarm.ClearedAt),
		nullIfEmpty(string(alarm.EscalatedClass)),
		nullableTime(alarm.EscalatedAt),
		at,
	)
	return err
}

// GetByID fetches an alarm by id.
func (r *AlarmRepository) GetByID(ctx context.Context, id string) (*StoredAlarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, selectAlarms+` WHERE id = $1`, id)
	alarm, err := scanAlarm(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return alarm, nil
}

// ListByDevice lists alarms of a device triggered within [from, to), newest first.
func (r *AlarmRepository) ListByDevice(ctx context.Context, deviceID string, from, to time.Time) ([]StoredAlarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	if deviceID == "" {
		return nil, errors.New("alarm repo: invalid query")
	}
	rows, err := r.db.QueryContext(ctx, selectAlarms+`
WHERE device_id = $1 AND triggered_at >= $2 AND triggered_at < $3
ORDER BY triggered_at DESC`, deviceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []StoredAlarm
	for rows.Next() {
		alarm, err := scanAlarm(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *alarm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Archive returns the recorded alarms of a device within [from, to).
func (r *AlarmRepository) Archive(ctx context.Context, deviceID string, from, to time.Time) ([]alarms.Alarm, error) {
	stored, err := r.ListByDevice(ctx, deviceID, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]alarms.Alarm, 0, len(stored))
	for _, row := range stored {
		out = append(out, row.Alarm)
	}
	return out, nil
}

// Notify implements alarmapp.AlarmNotifier by recording every lifecycle event.
func (r *AlarmRepository) Notify(ctx context.Context, event alarmapp.AlarmEvent) {
	if r == nil || r.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	at := event.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := r.Upsert(ctx, event.Alarm, event.Class, at); err != nil && r.logger != nil {
		r.logger.Printf("alarm persist failed: event=%s alarm=%s err=%v", event.Type, event.Alarm.ID, err)
	}
}

const selectAlarms = `
SELECT id, rule_id, device_id, tag_name, alarm_name, priority, alarm_class,
	value, message, triggered_at, acknowledged_at, acknowledged_by,
	cleared_at, escalated_class, escalated_at, updated_at
FROM alarms`

func scanAlarm(row rowScanner) (*StoredAlarm, error) {
	var alarm StoredAlarm
	var priority, class string
	var value []byte
	var ackedAt, clearedAt, escalatedAt sql.NullTime
	var ackedBy, escalatedClass sql.NullString
	if err := row.Scan(
		&alarm.ID,
		&alarm.RuleID,
		&alarm.DeviceID,
		&alarm.TagName,
		&alarm.AlarmName,
		&priority,
		&class,
		&value,
		&alarm.Message,
		&alarm.TriggeredAt,
		&ackedAt,
		&ackedBy,
		&clearedAt,
		&escalatedClass,
		&escalatedAt,
		&alarm.UpdatedAt,
	); err != nil {
		return nil, err
	}
	alarm.Priority = alarms.Priority(priority)
	alarm.Class = alarms.Class(class)
	if len(value) > 0 {
		var v acquisition.Value
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, err
		}
		alarm.Value = v
	}
	alarm.Key = alarms.Key(alarm.DeviceID, alarm.TagName, alarm.RuleID)
	alarm.TriggeredAt = alarm.TriggeredAt.UTC()
	alarm.UpdatedAt = alarm.UpdatedAt.UTC()
	alarm.AcknowledgedAt = timePtr(ackedAt)
	alarm.AcknowledgedBy = ackedBy.String
	alarm.ClearedAt = timePtr(clearedAt)
	alarm.EscalatedClass = alarms.Class(escalatedClass.String)
	alarm.EscalatedAt = timePtr(escalatedAt)
	return &alarm, nil
}

func nullableTime(value *time.Time) sql.NullTime {
	if value == nil || value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
