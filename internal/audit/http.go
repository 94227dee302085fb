package audit

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"scada-monitor/internal/auth"
)

// ClientIP extracts client ip from common headers or RemoteAddr.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

// FromRequest builds an entry for the authenticated caller of r.
func FromRequest(r *http.Request, action, resourceType, resourceID string, metadata any) Entry {
	entry := Entry{
		ID:           NewID(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
	if r == nil {
		return entry
	}
	entry.Actor = auth.SubjectFromContext(r.Context())
	entry.Role = string(auth.RoleFromContext(r.Context()))
	entry.IP = ClientIP(r)
	entry.UserAgent = r.UserAgent()
	if metadata != nil {
		if data, err := json.Marshal(metadata); err == nil {
			entry.Metadata = data
			entry.PayloadDigest = DigestJSON(data)
		}
	}
	return entry
}
