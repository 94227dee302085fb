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

const persistTimeout = 5 * time.Second

// AlarmRuleRepository stores alarm rules in the alarm_rules table.
type AlarmRuleRepository struct {
	db     *sql.DB
	logger *log.Logger
}

// NewAlarmRuleRepository constructs a repository.
func NewAlarmRuleRepository(db *sql.DB, logger *log.Logger) *AlarmRuleRepository {
	return &AlarmRuleRepository{db: db, logger: logger}
}

// Upsert inserts or replaces a rule.
func (r *AlarmRuleRepository) Upsert(ctx context.Context, rule alarms.AlarmRule) error {
	if r == nil || r.db == nil {
		return errors.New("alarm rule repo: nil db")
	}
	if rule.ID == "" {
		return errors.New("alarm rule repo: missing id")
	}
	normalState, err := nullableValue(rule.Threshold.NormalState)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO alarm_rules (
	id, device_id, tag_name, alarm_name, rule_type, min_value, max_value,
	set_point, tolerance, normal_state, priority, enabled, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7,
	$8, $9, $10, $11, $12, $13, $14
)
ON CONFLICT (id) DO UPDATE SET
	device_id = EXCLUDED.device_id,
	tag_name = EXCLUDED.tag_name,
	alarm_name = EXCLUDED.alarm_name,
	rule_type = EXCLUDED.rule_type,
	min_value = EXCLUDED.min_value,
	max_value = EXCLUDED.max_value,
	set_point = EXCLUDED.set_point,
	tolerance = EXCLUDED.tolerance,
	normal_state = EXCLUDED.normal_state,
	priority = EXCLUDED.priority,
	enabled = EXCLUDED.enabled,
	updated_at = EXCLUDED.updated_at`,
		rule.ID,
		rule.DeviceID,
		rule.TagName,
		rule.AlarmName,
		string(rule.Kind),
		nullableFloat(rule.Threshold.Min),
		nullableFloat(rule.Threshold.Max),
		nullableFloat(rule.Threshold.SetPoint),
		nullableFloat(rule.Threshold.Tolerance),
		normalState,
		string(rule.Priority),
		rule.Enabled,
		rule.CreatedAt,
		rule.UpdatedAt,
	)
	return err
}

// Delete removes a rule. Alarms it raised stay in the alarms table.
func (r *AlarmRuleRepository) Delete(ctx context.Context, id string) error {
	if r == nil || r.db == nil {
		return errors.New("alarm rule repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM alarm_rules WHERE id = $1`, id)
	return err
}

// GetByID loads a rule by id.
func (r *AlarmRuleRepository) GetByID(ctx context.Context, id string) (*alarms.AlarmRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm rule repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, selectRules+` WHERE id = $1`, id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rule, nil
}

// LoadAll returns every stored rule, oldest first.
func (r *AlarmRuleRepository) LoadAll(ctx context.Context) ([]alarms.AlarmRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm rule repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, selectRules+` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.AlarmRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// NotifyRule implements alarmapp.RuleNotifier by persisting rule changes.
func (r *AlarmRuleRepository) NotifyRule(ctx context.Context, event alarmapp.RuleEvent) {
	if r == nil || r.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	var err error
	switch event.Type {
	case alarmapp.EventRuleCreated, alarmapp.EventRuleUpdated:
		err = r.Upsert(ctx, event.Rule)
	case alarmapp.EventRuleDeleted:
		err = r.Delete(ctx, event.Rule.ID)
	default:
		return
	}
	if err != nil && r.logger != nil {
		r.logger.Printf("alarm rule persist failed: event=%s rule=%s err=%v", event.Type, event.Rule.ID, err)
	}
}

const selectRules = `
SELECT id, device_id, tag_name, alarm_name, rule_type, min_value, max_value,
	set_point, tolerance, normal_state, priority, enabled, created_at, updated_at
FROM alarm_rules`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*alarms.AlarmRule, error) {
	var rule alarms.AlarmRule
	var kind, priority string
	var minValue, maxValue, setPoint, tolerance sql.NullFloat64
	var normalState []byte
	if err := row.Scan(
		&rule.ID,
		&rule.DeviceID,
		&rule.TagName,
		&rule.AlarmName,
		&kind,
		&minValue,
		&maxValue,
		&setPoint,
		&tolerance,
		&normalState,
		&priority,
		&rule.Enabled,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rule.Kind = alarms.RuleKind(kind)
	rule.Priority = alarms.Priority(priority)
	rule.Threshold.Min = floatPtr(minValue)
	rule.Threshold.Max = floatPtr(maxValue)
	rule.Threshold.SetPoint = floatPtr(setPoint)
	rule.Threshold.Tolerance = floatPtr(tolerance)
	if len(normalState) > 0 {
		var value acquisition.Value
		if err := json.Unmarshal(normalState, &value); err != nil {
			return nil, err
		}
		rule.Threshold.NormalState = &value
	}
	rule.CreatedAt = rule.CreatedAt.UTC()
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	return &rule, nil
}

func nullableFloat(value *float64) sql.NullFloat64 {
	if value == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *value, Valid: true}
}

func floatPtr(value sql.NullFloat64) *float64 {
	if !value.Valid {
		return nil
	}
	v := value.Float64
	return &v
}

func nullableValue(value *acquisition.Value) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
