package common

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/viper"
)

func fileExists(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return nil
}

// ValidateServerConfig preflights the server section before startup so
// misconfiguration fails fast instead of surfacing mid-request.
func ValidateServerConfig(v *viper.Viper) error {
	if addr := v.GetString("http_addr"); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("http_addr: %w", err)
		}
	}
	if p := v.GetString("rbac.policy"); p != "" {
		if err := fileExists(p); err != nil {
			return fmt.Errorf("rbac.policy: %w", err)
		}
	}
	if ttl := v.GetDuration("auth.token_ttl"); ttl < 0 {
		return fmt.Errorf("auth.token_ttl must not be negative")
	}
	if v.GetBool("telemetry.enable_tracing") || v.GetBool("telemetry.enable_metrics") {
		if v.GetString("telemetry.collector_url") == "" {
			return fmt.Errorf("telemetry enabled but telemetry.collector_url is empty")
		}
	}
	return nil
}
