package main

import (
	"testing"
	"time"

	alarmapp "scada-monitor/internal/alarms/application"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("ALARM_CLEAR_GRACE", "")
	t.Setenv("REDIS_CHANNEL_PREFIX", "")

	cfg := loadConfig()
	if cfg.AlarmClearGrace != alarmapp.DefaultClearGrace {
		t.Fatalf("expected 60s clear grace, got %s", cfg.AlarmClearGrace)
	}
	if cfg.AlarmClearGrace != 60*time.Second {
		t.Fatalf("expected 60s clear grace, got %s", cfg.AlarmClearGrace)
	}
	if cfg.RedisPrefix != "scada" {
		t.Fatalf("expected scada redis prefix, got %q", cfg.RedisPrefix)
	}
}

func TestLoadConfigClearGraceOverride(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("ALARM_CLEAR_GRACE", "90s")

	if cfg := loadConfig(); cfg.AlarmClearGrace != 90*time.Second {
		t.Fatalf("expected 90s clear grace, got %s", cfg.AlarmClearGrace)
	}
}
