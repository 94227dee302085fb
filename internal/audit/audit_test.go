package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"scada-monitor/internal/auth"
)

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	if ip := ClientIP(req); ip != "10.0.0.9" {
		t.Fatalf("expected remote addr host, got %s", ip)
	}
	req.Header.Set("X-Real-IP", "10.0.0.2")
	if ip := ClientIP(req); ip != "10.0.0.2" {
		t.Fatalf("expected X-Real-IP, got %s", ip)
	}
	req.Header.Set("X-Forwarded-For", "192.168.1.1, 10.0.0.1")
	if ip := ClientIP(req); ip != "192.168.1.1" {
		t.Fatalf("expected first forwarded address, got %s", ip)
	}
}

func TestFromRequestCapturesIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alarms/a1/ack", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.RoleOperator, "operator-7"))
	req.Header.Set("User-Agent", "hmi/1.0")

	entry := FromRequest(req, ActionAlarmAcknowledge, "alarm", "a1", map[string]string{"note": "checked"})
	if entry.Actor != "operator-7" || entry.Role != "operator" {
		t.Fatalf("unexpected identity: %+v", entry)
	}
	if entry.UserAgent != "hmi/1.0" || !strings.HasPrefix(entry.ID, "audit-") {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.PayloadDigest != DigestJSON(entry.Metadata) || entry.PayloadDigest == "" {
		t.Fatalf("expected digest of metadata")
	}
}

func TestMemoryLoggerIsBounded(t *testing.T) {
	logger := NewMemoryLogger(2)
	for _, id := range []string{"a", "b", "c"} {
		_ = logger.Log(context.Background(), Entry{ID: id})
	}
	entries := logger.Entries()
	if len(entries) != 2 || entries[0].ID != "b" || entries[1].ID != "c" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
