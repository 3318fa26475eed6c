package config

import (
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if len(cfg.Server.CORS.AllowedOrigins) != 1 {
		t.Errorf("CORS.AllowedOrigins = %v, want 1 entry", cfg.Server.CORS.AllowedOrigins)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Rules.Cache.TTL != 2*time.Minute {
		t.Errorf("Rules.Cache.TTL = %v, want 2m", cfg.Rules.Cache.TTL)
	}
	if cfg.Queries.Enabled {
		t.Error("Queries.Enabled = true, want false from file")
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Observability.LogLevel)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_bad_store_driver(t *testing.T) {
	_, err := Load("testdata/bad_driver.yaml")
	if err == nil {
		t.Fatal("Load() with unknown store driver should return error")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Rules.Cache.TTL != 5*time.Minute {
		t.Errorf("default Rules.Cache.TTL = %v, want 5m", cfg.Rules.Cache.TTL)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if !cfg.Queries.Enabled {
		t.Error("default Queries.Enabled = false, want true")
	}
}

func TestSourceToggles(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Rules.Sources.SourceEnabled("custom") {
		t.Error("custom source should default to enabled")
	}
	if !cfg.Rules.Sources.SourceEnabled("item_metadata") {
		t.Error("item_metadata source should default to enabled")
	}
	if cfg.Rules.Sources.SourceEnabled("native") {
		t.Error("native source disabled in file, SourceEnabled = true")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CRF_SERVER_PORT", "3000")
	t.Setenv("CRF_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_postgres_requires_dsn(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Driver = "postgres"
	cfg.Store.DSNEnv = "CRF_TEST_UNSET_DSN"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() without DSN env should return error")
	}

	t.Setenv("CRF_TEST_UNSET_DSN", "postgres://localhost/crf")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() with DSN set: %v", err)
	}
}

func TestValidate_identity_enabled(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Enabled = true
	cfg.Identity.SecretEnv = "CRF_TEST_JWT_SECRET"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with identity enabled but unconfigured should return error")
	}

	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.Audience = "crf-engine"
	t.Setenv("CRF_TEST_JWT_SECRET", "s3cret")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() with identity configured: %v", err)
	}
}
