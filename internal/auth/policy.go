package auth

import (
	"net/http"
	"strings"
)

// Policy determines required roles by request.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
}

// NewDefaultPolicy builds a default policy with exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{ExemptPaths: set, ExemptPrefixes: exemptPrefixes}
}

// IsExempt returns true when a request should skip auth/RBAC.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if r.Method == http.MethodOptions {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// RequiredRole resolves required role for the request: reads need viewer,
// acknowledgements, clears and tag writes need operator, rule changes and
// acquisition control need admin.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	path := r.URL.Path
	method := r.Method
	read := method == http.MethodGet || method == http.MethodHead

	switch {
	case path == "/ws":
		return RoleViewer, true
	case strings.HasPrefix(path, "/api/v1/alarm-rules"):
		if read {
			return RoleViewer, true
		}
		return RoleAdmin, true
	case path == "/api/v1/alarms/classify":
		return RoleViewer, true
	case strings.HasPrefix(path, "/api/v1/alarms"):
		if read {
			return RoleViewer, true
		}
		return RoleOperator, true
	case strings.HasPrefix(path, "/api/v1/devices/") && strings.Contains(path, "/tags/"):
		if read {
			return RoleViewer, true
		}
		return RoleOperator, true
	case strings.HasPrefix(path, "/api/v1/acquisition/"), strings.HasPrefix(path, "/api/v1/scheduler/"):
		if read {
			return RoleViewer, true
		}
		return RoleAdmin, true
	}

	if strings.HasPrefix(path, "/api/") {
		if read {
			return RoleViewer, true
		}
		return RoleOperator, true
	}
	return "", false
}
