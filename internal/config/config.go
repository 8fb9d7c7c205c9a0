// Package config loads gateway settings from the environment, with an
// optional .env file for development.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the gateway's startup configuration. Every field maps to one
// environment variable.
type Config struct {
	ProxyTo               string `mapstructure:"PROXY_TO"`
	TokenIssuer           string `mapstructure:"TOKEN_ISSUER"`
	AccessChecker         string `mapstructure:"ACCESS_CHECKER"`
	BackendType           string `mapstructure:"BACKEND_TYPE"`
	RunMode               string `mapstructure:"RUN_MODE"`
	AllowedQueriesConfig  string `mapstructure:"ALLOWED_QUERIES_CONFIG"`
	ServerPort            string `mapstructure:"SERVER_PORT"`
	PublicBaseURL         string `mapstructure:"PUBLIC_BASE_URL"`
	BackendAuthToken      string `mapstructure:"BACKEND_AUTH_TOKEN"`
	BackendTimeoutSeconds int    `mapstructure:"BACKEND_TIMEOUT_SECONDS"`
	PermissionPostPolicy  string `mapstructure:"PERMISSION_POST_POLICY"`
	DataIgnoredTypes      string `mapstructure:"DATA_IGNORED_TYPES"`
	DataAllowedMapIDs     string `mapstructure:"DATA_ALLOWED_STRUCTURE_MAP_IDS"`
	BundlePatchTypes      string `mapstructure:"BUNDLE_PATCH_TYPES"`
	BodyLimit             string `mapstructure:"BODY_LIMIT"`
	LogLevel              string `mapstructure:"LOG_LEVEL"`
	CORSOrigins           string `mapstructure:"CORS_ORIGINS"`
	AuditEvents           bool   `mapstructure:"AUDIT_EVENTS"`
}

// Load reads the given env file when present (empty means ./.env), applies
// environment overrides and validates the result.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}

	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("BACKEND_TYPE", "GENERIC")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("BACKEND_TIMEOUT_SECONDS", 30)
	v.SetDefault("PERMISSION_POST_POLICY", "role")
	v.SetDefault("DATA_IGNORED_TYPES", "Questionnaire,StructureMap")
	v.SetDefault("BUNDLE_PATCH_TYPES", "Binary")
	v.SetDefault("BODY_LIMIT", "10M")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("AUDIT_EVENTS", false)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PROXY_TO")
	v.BindEnv("TOKEN_ISSUER")
	v.BindEnv("ACCESS_CHECKER")
	v.BindEnv("BACKEND_TYPE")
	v.BindEnv("RUN_MODE")
	v.BindEnv("ALLOWED_QUERIES_CONFIG")
	v.BindEnv("SERVER_PORT")
	v.BindEnv("PUBLIC_BASE_URL")
	v.BindEnv("BACKEND_AUTH_TOKEN")
	v.BindEnv("BACKEND_TIMEOUT_SECONDS")
	v.BindEnv("PERMISSION_POST_POLICY")
	v.BindEnv("DATA_IGNORED_TYPES")
	v.BindEnv("DATA_ALLOWED_STRUCTURE_MAP_IDS")
	v.BindEnv("BUNDLE_PATCH_TYPES")
	v.BindEnv("BODY_LIMIT")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("AUDIT_EVENTS")

	// Try reading .env, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDev reports whether the gateway runs in development mode, which is the
// only mode the allow-all dev checker may be selected in.
func (c *Config) IsDev() bool {
	return c.RunMode == "DEV"
}

// Validate refuses configurations the gateway must not start with.
func (c *Config) Validate() error {
	if c.ProxyTo == "" {
		return fmt.Errorf("PROXY_TO is required")
	}
	if c.TokenIssuer == "" {
		return fmt.Errorf("TOKEN_ISSUER is required")
	}

	switch c.AccessChecker {
	case "", "list", "patient", "permission", "data", "smart":
	default:
		return fmt.Errorf("ACCESS_CHECKER must be one of list, patient, permission, data, smart or empty, got %q", c.AccessChecker)
	}
	if c.AccessChecker == "" && !c.IsDev() {
		return fmt.Errorf("ACCESS_CHECKER is not set: configure a checker or run with RUN_MODE=DEV")
	}

	switch c.BackendType {
	case "GCP", "GENERIC":
	default:
		return fmt.Errorf("BACKEND_TYPE must be GCP or GENERIC, got %q", c.BackendType)
	}

	switch c.PermissionPostPolicy {
	case "role", "deny", "readonly":
	default:
		return fmt.Errorf("PERMISSION_POST_POLICY must be role, deny or readonly, got %q", c.PermissionPostPolicy)
	}

	if c.BackendTimeoutSeconds <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT_SECONDS must be positive, got %d", c.BackendTimeoutSeconds)
	}
	return nil
}

// IgnoredTypes returns the resource types the data checker passes through.
func (c *Config) IgnoredTypes() []string {
	return splitCSV(c.DataIgnoredTypes)
}

// AllowedStructureMapIDs returns the StructureMap ids exempt from tag
// filtering.
func (c *Config) AllowedStructureMapIDs() []string {
	return splitCSV(c.DataAllowedMapIDs)
}

// PatchableBundleTypes returns the resource types bundle entries may PATCH.
func (c *Config) PatchableBundleTypes() []string {
	return splitCSV(c.BundlePatchTypes)
}

// Origins returns the allowed CORS origins.
func (c *Config) Origins() []string {
	return splitCSV(c.CORSOrigins)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
