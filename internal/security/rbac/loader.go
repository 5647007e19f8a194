package rbac

import (
	"log/slog"
	"os"
)

// LoadOrDefault loads the policy CSV when the path exists, otherwise
// falls back to the built-in grants. A configured-but-unreadable path
// is an error rather than a silent fallback.
func LoadOrDefault(policyPath string) (*CasbinPolicy, error) {
	if policyPath == "" {
		slog.Info("rbac: no policy file configured, using built-in grants")
		return NewFromGrants(DefaultGrants())
	}
	if _, err := os.Stat(policyPath); err != nil {
		return nil, err
	}
	slog.Info("rbac: loading policy", "path", policyPath)
	return New(policyPath)
}
