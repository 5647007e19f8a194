package rbac

import (
	"log/slog"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
)

// Policy answers "may a caller with these roles perform this action".
type Policy interface {
	CanAny(roles []string, perms ...string) bool
}

// casbin RBAC model: p = role, perm; g binds roles to parent roles.
const modelText = `
[request_definition]
r = sub, obj

[policy_definition]
p = sub, obj

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (r.obj == p.obj || p.obj == "*")
`

// CasbinPolicy enforces role -> permission grants loaded from a CSV file.
type CasbinPolicy struct {
	mu       sync.RWMutex
	enforcer *casbin.Enforcer
	path     string
}

// New loads the policy CSV (rows like `p, ADMIN, proxy:approve`).
func New(policyPath string) (*CasbinPolicy, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	e, err := casbin.NewEnforcer(m, fileadapter.NewAdapter(policyPath))
	if err != nil {
		return nil, err
	}
	return &CasbinPolicy{enforcer: e, path: policyPath}, nil
}

// NewFromGrants builds an in-memory policy (tests, embedded defaults).
func NewFromGrants(grants map[string][]string) (*CasbinPolicy, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}
	for role, perms := range grants {
		for _, p := range perms {
			if _, err := e.AddPolicy(role, p); err != nil {
				return nil, err
			}
		}
	}
	return &CasbinPolicy{enforcer: e}, nil
}

func (p *CasbinPolicy) CanAny(roles []string, perms ...string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, role := range roles {
		for _, perm := range perms {
			if ok, err := p.enforcer.Enforce(role, perm); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// Reload re-reads the policy file.
func (p *CasbinPolicy) Reload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enforcer.LoadPolicy()
}

// DefaultGrants is the built-in policy used when no CSV is configured.
// STAFF own their KPIs and actuals; approver roles decide; ADMIN holds
// the proxy and archive permissions.
func DefaultGrants() map[string][]string {
	return map[string][]string{
		"ADMIN":   {"*"},
		"STAFF":   {"kpi:own", "actual:own", "notify:read"},
		"MANAGER": {"approval:decide", "notify:read"},
		"HOD":     {"approval:decide", "notify:read"},
		"BOD":     {"approval:decide", "notify:read"},
	}
}

// LogDenied is a hook point for audit visibility on denials.
func LogDenied(user string, roles []string, perm string) {
	slog.Debug("rbac denied", "user", user, "roles", roles, "perm", perm)
}
