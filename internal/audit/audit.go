package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Audit actions recorded by the API.
const (
	ActionAlarmAcknowledge = "alarm.acknowledge"
	ActionAlarmClear       = "alarm.clear"
	ActionRuleCreate       = "alarm_rule.create"
	ActionRuleUpdate       = "alarm_rule.update"
	ActionRuleDelete       = "alarm_rule.delete"
	ActionTagWrite         = "device.tag_write"
	ActionSchedulerTrigger = "scheduler.trigger"
)

// Entry represents an audit log entry.
type Entry struct {
	ID            string          `json:"id"`
	Actor         string          `json:"actor"`
	Role          string          `json:"role"`
	Action        string          `json:"action"`
	ResourceType  string          `json:"resource_type"`
	ResourceID    string          `json:"resource_id"`
	DeviceID      string          `json:"device_id,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	PayloadDigest string          `json:"payload_digest,omitempty"`
	IP            string          `json:"ip,omitempty"`
	UserAgent     string          `json:"user_agent,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// NewID generates a random audit id.
func NewID() string {
	return "audit-" + uuid.NewString()
}

// DigestJSON computes a SHA256 hex digest for metadata payloads.
func DigestJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MemoryLogger keeps the most recent entries in memory.
type MemoryLogger struct {
	mu      sync.Mutex
	limit   int
	entries []Entry
}

// NewMemoryLogger constructs a memory logger holding up to limit entries.
func NewMemoryLogger(limit int) *MemoryLogger {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryLogger{limit: limit}
}

// Log implements Logger.
func (m *MemoryLogger) Log(_ context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.entries = append(m.entries, entry)
	if overflow := len(m.entries) - m.limit; overflow > 0 {
		m.entries = append([]Entry(nil), m.entries[overflow:]...)
	}
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of the stored entries, oldest first.
func (m *MemoryLogger) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
