package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func serve(t *testing.T, secret []byte, method, target, token string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	mw := NewMiddleware(secret, NewDefaultPolicy([]string{"/healthz"}, nil))
	var subject string
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp, subject
}

func mustToken(t *testing.T, secret []byte, subject string, role Role) string {
	t.Helper()
	token, err := IssueJWT(secret, subject, role, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	resp, _ := serve(t, []byte("test-secret"), http.MethodGet, "/api/v1/alarms", "")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthMiddleware_ExemptPath(t *testing.T) {
	resp, _ := serve(t, []byte("test-secret"), http.MethodGet, "/healthz", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthMiddleware_ViewerForbiddenAcknowledge(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "viewer-1", RoleViewer)
	resp, _ := serve(t, secret, http.MethodPost, "/api/v1/alarms/alarm-1/ack", token)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}

func TestAuthMiddleware_OperatorAcknowledgeCarriesSubject(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "operator-7", RoleOperator)
	resp, subject := serve(t, secret, http.MethodPost, "/api/v1/alarms/alarm-1/ack", token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if subject != "operator-7" {
		t.Fatalf("expected subject in context, got %q", subject)
	}
}

func TestAuthMiddleware_OperatorForbiddenRuleChange(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "operator-7", RoleOperator)
	resp, _ := serve(t, secret, http.MethodPost, "/api/v1/alarm-rules", token)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
	admin := mustToken(t, secret, "admin-1", RoleAdmin)
	resp, _ = serve(t, secret, http.MethodDelete, "/api/v1/alarm-rules/rule-1", admin)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", resp.Code)
	}
}

func TestAuthMiddleware_WebSocketQueryToken(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "viewer-1", RoleViewer)
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+token, nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthMiddleware_WrongSecret(t *testing.T) {
	token := mustToken(t, []byte("other"), "viewer-1", RoleViewer)
	resp, _ := serve(t, []byte("test-secret"), http.MethodGet, "/api/v1/alarms", token)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthMiddleware_ExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueJWT(secret, "op-1", RoleOperator, -time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := ParseJWT(token, secret); !errors.Is(err, ErrTokenExpired) || !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	resp, _ := serve(t, secret, http.MethodGet, "/api/v1/alarms", token)
	if resp.Code != http.StatusUnauthorized || !strings.Contains(resp.Body.String(), "token expired") {
		t.Fatalf("expected 401 token expired, got %d %q", resp.Code, resp.Body.String())
	}
}

func TestNormalizeRoleIgnoresCase(t *testing.T) {
	role, ok := NormalizeRole(" Operator ")
	if !ok || role != RoleOperator {
		t.Fatalf("expected operator, got %q %v", role, ok)
	}
	if _, ok := NormalizeRole("supervisor"); ok {
		t.Fatalf("unknown role accepted")
	}
	if !RoleAdmin.Allows(RoleOperator) || RoleViewer.Allows(RoleOperator) || Role("").Allows(RoleViewer) {
		t.Fatalf("unexpected role ordering")
	}
}
