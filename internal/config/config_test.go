package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeEnvFile(t, "DATABASE_URL=postgres://localhost/aegis_test\n")
	cfg, err := loadFrom(path)
	if err != nil {
		t.Fatalf("loadFrom failed: %v", err)
	}
	if cfg.Port != "8400" {
		t.Errorf("Port = %q, want 8400", cfg.Port)
	}
	if cfg.LLMConcurrency != 5 {
		t.Errorf("LLMConcurrency = %d, want 5", cfg.LLMConcurrency)
	}
	if cfg.LLMTimeout() != 120*time.Second {
		t.Errorf("LLMTimeout = %v, want 120s", cfg.LLMTimeout())
	}
	if cfg.Strictness != "moderate" {
		t.Errorf("Strictness = %q, want moderate", cfg.Strictness)
	}
	if cfg.FacilityTimeZone != "UTC" {
		t.Errorf("FacilityTimeZone = %q, want UTC", cfg.FacilityTimeZone)
	}
	if got := cfg.IngressSources; len(got) != 2 || got[0] != "fhir" || got[1] != "hl7" {
		t.Errorf("IngressSources = %v, want [fhir hl7]", got)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	path := writeEnvFile(t, "PORT=9000\n")
	if _, err := loadFrom(path); err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeEnvFile(t, "DATABASE_URL=postgres://localhost/x\nFROB_LEVEL=9\n")
	_, err := loadFrom(path)
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	if !strings.Contains(err.Error(), "FROB_LEVEL") {
		t.Errorf("error %q does not name the offending key", err)
	}
}

func TestValidateStrictness(t *testing.T) {
	cfg := validConfig()
	cfg.Strictness = "paranoid"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid strictness")
	}
}

func TestValidateLLMBackend(t *testing.T) {
	cfg := validConfig()
	cfg.LLMBackend = "quantum"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid backend")
	}

	cfg = validConfig()
	cfg.LLMBackend = "hosted"
	cfg.LLMAPIKey = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error: hosted backend without API key")
	}
}

func TestValidateTimeZone(t *testing.T) {
	cfg := validConfig()
	cfg.FacilityTimeZone = "Mars/Olympus_Mons"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid zone")
	}

	cfg.FacilityTimeZone = "America/Chicago"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid zone rejected: %v", err)
	}
	if cfg.FacilityLocation().String() != "America/Chicago" {
		t.Errorf("FacilityLocation = %v", cfg.FacilityLocation())
	}
}

func TestValidateIngressSources(t *testing.T) {
	cfg := validConfig()
	cfg.IngressSources = []string{"fhir", "carrier-pigeon"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown ingress source")
	}
}

func TestSurveillanceWindow(t *testing.T) {
	cfg := validConfig()
	cfg.SurveillanceWindows = "ssi=90, cdi=56"
	if got := cfg.SurveillanceWindow("ssi", 30); got != 90 {
		t.Errorf("SurveillanceWindow(ssi) = %d, want 90", got)
	}
	if got := cfg.SurveillanceWindow("clabsi", 7); got != 7 {
		t.Errorf("SurveillanceWindow(clabsi) default = %d, want 7", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid windows rejected: %v", err)
	}

	cfg.SurveillanceWindows = "ssi=ninety"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-numeric window")
	}
}

func validConfig() *Config {
	return &Config{
		Env:                  "development",
		DatabaseURL:          "postgres://localhost/aegis",
		IngressSources:       []string{"fhir"},
		LLMBackend:           "local",
		LLMConcurrency:       5,
		LLMTimeoutSec:        120,
		Strictness:           "moderate",
		TimerRetryBackoffSec: 300,
		TimerMaxRetries:      3,
		SnoozeDefaultHours:   4,
		FacilityTimeZone:     "UTC",
	}
}
