package alarms

import "errors"

var (
	// ErrRuleNotFound indicates an unknown rule id.
	ErrRuleNotFound = errors.New("alarm rule: not found")
	// ErrAlarmNotFound indicates an alarm id outside the active set.
	ErrAlarmNotFound = errors.New("alarm: not found")
	// ErrInvalidRule indicates a rule that fails validation.
	ErrInvalidRule = errors.New("alarm rule: invalid")
)
