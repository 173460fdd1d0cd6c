package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
)

// DefaultConfigPath is the configuration file used when no -config flag is given.
const DefaultConfigPath = "config/config.yml"

var environmentAliases = map[string]string{
	"dev":   environmentDevelopment,
	"prod":  environmentProduction,
	"stag":  environmentStaging,
	"stage": environmentStaging,
}

// getAppEnvironment reads the application environment from APP_ENV and
// defaults to development when no value is provided.
func getAppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// AppEnvironment exposes the current application environment as configured
// through APP_ENV, normalised with the same alias rules used to pick files.
func AppEnvironment() string {
	return getAppEnvironment()
}

// envSpecificPath turns config/config.yml into config/config.<env>.yml.
func envSpecificPath(path, env string) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s.%s%s", strings.TrimSuffix(path, ext), env, ext)
}

// ResolveConfigPath selects config.<env>.yml next to the default file when
// the caller kept the default path and such a file exists. Explicit paths are
// returned unchanged.
func ResolveConfigPath(path string) string {
	if path == "" {
		path = DefaultConfigPath
	}
	if path != DefaultConfigPath {
		return path
	}

	candidate := envSpecificPath(path, getAppEnvironment())
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return path
}
