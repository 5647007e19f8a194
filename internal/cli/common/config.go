package common

import (
	"fmt"

	"github.com/spf13/viper"
)

// LoadWithIncludes reads the base config file and merges each include
// over it in order. Later files win on conflicting keys, so a deploy
// can layer a site-local file over the shipped defaults.
func LoadWithIncludes(base string, includes []string) (*viper.Viper, error) {
	v := viper.New()
	if base != "" {
		v.SetConfigFile(base)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	for _, inc := range includes {
		iv := viper.New()
		iv.SetConfigFile(inc)
		if err := iv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("include %s: %w", inc, err)
		}
		v.MergeConfigMap(iv.AllSettings())
	}
	return v, nil
}

// mergeMaps recursively merges b into a; b wins on scalar conflicts.
func mergeMaps(a, b map[string]any) map[string]any {
	for k, vb := range b {
		if ma, ok := a[k].(map[string]any); ok {
			if mb, ok2 := vb.(map[string]any); ok2 {
				a[k] = mergeMaps(ma, mb)
				continue
			}
		}
		a[k] = vb
	}
	return a
}

// ApplyProfile overlays the profiles.<name> subtree over the rest of
// the settings, so one file can carry dev/staging/prod variants of the
// server config. Unknown profile names are an error, not a no-op.
func ApplyProfile(v *viper.Viper, profile string) (*viper.Viper, error) {
	if profile == "" {
		return v, nil
	}
	prof := v.Sub("profiles")
	if prof == nil {
		return nil, fmt.Errorf("no profiles section in config")
	}
	p := prof.Sub(profile)
	if p == nil {
		return nil, fmt.Errorf("profile %s not found", profile)
	}
	merged := mergeMaps(v.AllSettings(), p.AllSettings())
	nv := viper.New()
	nv.MergeConfigMap(merged)
	return nv, nil
}
