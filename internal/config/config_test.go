package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		ProxyTo:               "http://backend:8080/fhir",
		TokenIssuer:           "http://keycloak/realms/test",
		AccessChecker:         "patient",
		BackendType:           "GENERIC",
		ServerPort:            "8080",
		BackendTimeoutSeconds: 30,
		PermissionPostPolicy:  "role",
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PROXY_TO", "http://backend:8080/fhir")
	t.Setenv("TOKEN_ISSUER", "http://keycloak/realms/test")
	t.Setenv("ACCESS_CHECKER", "patient")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.BackendType != "GENERIC" {
		t.Errorf("BackendType = %q, want GENERIC", cfg.BackendType)
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want 8080", cfg.ServerPort)
	}
	if cfg.BackendTimeoutSeconds != 30 {
		t.Errorf("BackendTimeoutSeconds = %d, want 30", cfg.BackendTimeoutSeconds)
	}
	if cfg.PermissionPostPolicy != "role" {
		t.Errorf("PermissionPostPolicy = %q, want role", cfg.PermissionPostPolicy)
	}
	if cfg.BodyLimit != "10M" {
		t.Errorf("BodyLimit = %q, want 10M", cfg.BodyLimit)
	}
	if got := cfg.IgnoredTypes(); len(got) != 2 || got[0] != "Questionnaire" || got[1] != "StructureMap" {
		t.Errorf("IgnoredTypes() = %v, want [Questionnaire StructureMap]", got)
	}
	if got := cfg.PatchableBundleTypes(); len(got) != 1 || got[0] != "Binary" {
		t.Errorf("PatchableBundleTypes() = %v, want [Binary]", got)
	}
	if got := cfg.Origins(); len(got) != 1 || got[0] != "*" {
		t.Errorf("Origins() = %v, want [*]", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PROXY_TO", "https://healthcare.googleapis.com/v1/projects/p/fhir")
	t.Setenv("TOKEN_ISSUER", "http://keycloak/realms/test")
	t.Setenv("ACCESS_CHECKER", "data")
	t.Setenv("BACKEND_TYPE", "GCP")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("BACKEND_TIMEOUT_SECONDS", "5")
	t.Setenv("DATA_IGNORED_TYPES", "Questionnaire")
	t.Setenv("DATA_ALLOWED_STRUCTURE_MAP_IDS", "map-1, map-2")
	t.Setenv("PUBLIC_BASE_URL", "https://gateway.example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.BackendType != "GCP" {
		t.Errorf("BackendType = %q, want GCP", cfg.BackendType)
	}
	if cfg.ServerPort != "9090" {
		t.Errorf("ServerPort = %q, want 9090", cfg.ServerPort)
	}
	if cfg.BackendTimeoutSeconds != 5 {
		t.Errorf("BackendTimeoutSeconds = %d, want 5", cfg.BackendTimeoutSeconds)
	}
	if got := cfg.IgnoredTypes(); len(got) != 1 || got[0] != "Questionnaire" {
		t.Errorf("IgnoredTypes() = %v, want [Questionnaire]", got)
	}
	if got := cfg.AllowedStructureMapIDs(); len(got) != 2 || got[0] != "map-1" || got[1] != "map-2" {
		t.Errorf("AllowedStructureMapIDs() = %v, want trimmed [map-1 map-2]", got)
	}
	if cfg.PublicBaseURL != "https://gateway.example.com" {
		t.Errorf("PublicBaseURL = %q", cfg.PublicBaseURL)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.env")
	content := "PROXY_TO=http://backend:8080/fhir\nTOKEN_ISSUER=http://keycloak/realms/test\nACCESS_CHECKER=list\nSERVER_PORT=7070\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AccessChecker != "list" {
		t.Errorf("AccessChecker = %q, want list", cfg.AccessChecker)
	}
	if cfg.ServerPort != "7070" {
		t.Errorf("ServerPort = %q, want 7070", cfg.ServerPort)
	}
}

func TestLoadRequiresProxyTo(t *testing.T) {
	t.Setenv("PROXY_TO", "")
	t.Setenv("TOKEN_ISSUER", "http://keycloak/realms/test")
	t.Setenv("ACCESS_CHECKER", "patient")

	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "PROXY_TO") {
		t.Fatalf("err = %v, want PROXY_TO error", err)
	}
}

func TestLoadRequiresIssuer(t *testing.T) {
	t.Setenv("PROXY_TO", "http://backend:8080/fhir")
	t.Setenv("TOKEN_ISSUER", "")
	t.Setenv("ACCESS_CHECKER", "patient")

	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "TOKEN_ISSUER") {
		t.Fatalf("err = %v, want TOKEN_ISSUER error", err)
	}
}

func TestLoadUnsetCheckerNeedsDevMode(t *testing.T) {
	t.Setenv("PROXY_TO", "http://backend:8080/fhir")
	t.Setenv("TOKEN_ISSUER", "http://keycloak/realms/test")
	t.Setenv("ACCESS_CHECKER", "")
	t.Setenv("RUN_MODE", "")

	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "ACCESS_CHECKER") {
		t.Fatalf("err = %v, want ACCESS_CHECKER error", err)
	}

	t.Setenv("RUN_MODE", "DEV")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error with RUN_MODE=DEV: %v", err)
	}
	if !cfg.IsDev() {
		t.Error("IsDev() = false, want true")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown checker", func(c *Config) { c.AccessChecker = "acl" }, "ACCESS_CHECKER"},
		{"unknown backend type", func(c *Config) { c.BackendType = "AWS" }, "BACKEND_TYPE"},
		{"unknown post policy", func(c *Config) { c.PermissionPostPolicy = "block" }, "PERMISSION_POST_POLICY"},
		{"zero timeout", func(c *Config) { c.BackendTimeoutSeconds = 0 }, "BACKEND_TIMEOUT_SECONDS"},
		{"negative timeout", func(c *Config) { c.BackendTimeoutSeconds = -1 }, "BACKEND_TIMEOUT_SECONDS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestIsDev(t *testing.T) {
	c := &Config{RunMode: "DEV"}
	if !c.IsDev() {
		t.Error("expected IsDev() for RUN_MODE=DEV")
	}
	c.RunMode = "dev"
	if c.IsDev() {
		t.Error("RUN_MODE is case-sensitive; dev must not enable dev mode")
	}
	c.RunMode = ""
	if c.IsDev() {
		t.Error("empty RUN_MODE must not enable dev mode")
	}
}

func TestSplitCSV(t *testing.T) {
	if got := splitCSV(""); got != nil {
		t.Errorf("splitCSV(\"\") = %v, want nil", got)
	}
	got := splitCSV("a, b ,,c")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("splitCSV = %v, want [a b c]", got)
	}
}
