package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration bag for the surveillance engine. Values
// come from the environment (or a .env file); every recognized option is
// bound explicitly and anything else in the config file is rejected.
type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// Ingress
	IngressSources  []string `mapstructure:"INGRESS_SOURCES"`
	FHIRBaseURL     string   `mapstructure:"FHIR_BASE_URL"`
	FHIRToken       string   `mapstructure:"FHIR_TOKEN"`
	WarehouseURL    string   `mapstructure:"WAREHOUSE_URL"`
	HL7ListenAddr   string   `mapstructure:"HL7_LISTEN_ADDR"`
	PollIntervalSec int      `mapstructure:"POLL_INTERVAL_SEC"`
	IngressStallSec int      `mapstructure:"INGRESS_STALL_SEC"`

	// Language model
	LLMBackend     string `mapstructure:"LLM_BACKEND"` // "local" or "hosted"
	LLMModel       string `mapstructure:"LLM_MODEL"`
	LLMBaseURL     string `mapstructure:"LLM_BASE_URL"`
	LLMAPIKey      string `mapstructure:"LLM_API_KEY"`
	LLMConcurrency int    `mapstructure:"LLM_CONCURRENCY"`
	LLMTimeoutSec  int    `mapstructure:"LLM_TIMEOUT_SEC"`

	// Bundles
	BundleDir      string   `mapstructure:"BUNDLE_DIR"`
	BundlesEnabled []string `mapstructure:"BUNDLES_ENABLED"`

	// Classification
	Strictness string `mapstructure:"STRICTNESS"` // strict, moderate, permissive

	// Timers
	TimerRetryBackoffSec int `mapstructure:"TIMER_RETRY_BACKOFF_SEC"`
	TimerMaxRetries      int `mapstructure:"TIMER_MAX_RETRIES"`

	// Alerts
	SnoozeDefaultHours int    `mapstructure:"ALERT_SNOOZE_DEFAULT_HOURS"`
	EscalationFile     string `mapstructure:"ALERT_ESCALATION_FILE"`
	WebhookURL         string `mapstructure:"WEBHOOK_URL"`
	WebhookSecret      string `mapstructure:"WEBHOOK_SECRET"`

	// Surveillance windows, "kind=days" pairs, e.g. "ssi=90,clabsi=7".
	SurveillanceWindows string `mapstructure:"SURVEILLANCE_WINDOW_DAYS"`

	// Facility identity, stamped into regulatory exports.
	FacilityID   string `mapstructure:"FACILITY_ID"`
	FacilityName string `mapstructure:"FACILITY_NAME"`

	// Clock
	FacilityTimeZone string `mapstructure:"CLOCK_FACILITY_TZ"`

	// Egress API auth
	JWTSecret string `mapstructure:"JWT_SECRET"`
}

// recognizedKeys is the closed set of configuration options. Unknown keys in
// the config file are rejected at load.
var recognizedKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"INGRESS_SOURCES", "FHIR_BASE_URL", "FHIR_TOKEN", "WAREHOUSE_URL",
	"HL7_LISTEN_ADDR", "POLL_INTERVAL_SEC", "INGRESS_STALL_SEC",
	"LLM_BACKEND", "LLM_MODEL", "LLM_BASE_URL", "LLM_API_KEY",
	"LLM_CONCURRENCY", "LLM_TIMEOUT_SEC",
	"BUNDLE_DIR", "BUNDLES_ENABLED",
	"STRICTNESS",
	"TIMER_RETRY_BACKOFF_SEC", "TIMER_MAX_RETRIES",
	"ALERT_SNOOZE_DEFAULT_HOURS", "ALERT_ESCALATION_FILE",
	"WEBHOOK_URL", "WEBHOOK_SECRET",
	"SURVEILLANCE_WINDOW_DAYS",
	"FACILITY_ID", "FACILITY_NAME",
	"CLOCK_FACILITY_TZ",
	"JWT_SECRET",
}

var validIngressSources = map[string]bool{
	"fhir":      true,
	"warehouse": true,
	"hl7":       true,
	"memory":    true,
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	return loadFrom(".env")
}

func loadFrom(file string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(file)
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8400")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("INGRESS_SOURCES", "fhir,hl7")
	v.SetDefault("POLL_INTERVAL_SEC", 60)
	v.SetDefault("INGRESS_STALL_SEC", 30)
	v.SetDefault("LLM_BACKEND", "local")
	v.SetDefault("LLM_CONCURRENCY", 5)
	v.SetDefault("LLM_TIMEOUT_SEC", 120)
	v.SetDefault("BUNDLE_DIR", "bundles")
	v.SetDefault("STRICTNESS", "moderate")
	v.SetDefault("TIMER_RETRY_BACKOFF_SEC", 300)
	v.SetDefault("TIMER_MAX_RETRIES", 3)
	v.SetDefault("ALERT_SNOOZE_DEFAULT_HOURS", 4)
	v.SetDefault("FACILITY_ID", "FAC-0000")
	v.SetDefault("FACILITY_NAME", "Unnamed Facility")
	v.SetDefault("CLOCK_FACILITY_TZ", "UTC")

	for _, key := range recognizedKeys {
		v.BindEnv(key)
	}

	// The .env file is optional, but when present its keys must all be
	// recognized options.
	if err := v.ReadInConfig(); err == nil {
		if err := rejectUnknownKeys(v.AllSettings()); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper does not split env strings into slices on its own.
	if cfg.IngressSources == nil {
		if s := v.GetString("INGRESS_SOURCES"); s != "" {
			cfg.IngressSources = splitList(s)
		}
	}
	if cfg.BundlesEnabled == nil {
		if s := v.GetString("BUNDLES_ENABLED"); s != "" {
			cfg.BundlesEnabled = splitList(s)
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func rejectUnknownKeys(settings map[string]interface{}) error {
	known := make(map[string]bool, len(recognizedKeys))
	for _, k := range recognizedKeys {
		known[strings.ToLower(k)] = true
	}
	var unknown []string
	for k := range settings {
		if !known[strings.ToLower(k)] {
			unknown = append(unknown, strings.ToUpper(k))
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown configuration keys: %s", strings.Join(unknown, ", "))
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsDev returns true in development mode.
func (c *Config) IsDev() bool { return c.Env == "development" }

// LLMTimeout returns the configured wall-clock timeout for a single
// language-model call.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSec) * time.Second
}

// PollInterval returns the adapter polling cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// FacilityLocation resolves the configured facility time zone. The zone is
// validated at startup by Validate, so errors here fall back to UTC.
func (c *Config) FacilityLocation() *time.Location {
	loc, err := time.LoadLocation(c.FacilityTimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SurveillanceWindow returns the configured surveillance window in days for
// the given HAI kind, or def when not configured.
func (c *Config) SurveillanceWindow(kind string, def int) int {
	for _, pair := range splitList(c.SurveillanceWindows) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), kind) {
			continue
		}
		if days, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && days > 0 {
			return days
		}
	}
	return def
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	for _, src := range c.IngressSources {
		if !validIngressSources[src] {
			return fmt.Errorf("INGRESS_SOURCES: unknown source %q (valid: fhir, warehouse, hl7, memory)", src)
		}
	}
	switch c.LLMBackend {
	case "local", "hosted":
	default:
		return fmt.Errorf("LLM_BACKEND must be \"local\" or \"hosted\", got %q", c.LLMBackend)
	}
	if c.LLMBackend == "hosted" && c.LLMAPIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required when LLM_BACKEND is \"hosted\"")
	}
	switch c.Strictness {
	case "strict", "moderate", "permissive":
	default:
		return fmt.Errorf("STRICTNESS must be \"strict\", \"moderate\", or \"permissive\", got %q", c.Strictness)
	}
	if c.LLMConcurrency < 1 {
		return fmt.Errorf("LLM_CONCURRENCY must be at least 1, got %d", c.LLMConcurrency)
	}
	if c.LLMTimeoutSec < 1 {
		return fmt.Errorf("LLM_TIMEOUT_SEC must be at least 1, got %d", c.LLMTimeoutSec)
	}
	if c.TimerMaxRetries < 0 {
		return fmt.Errorf("TIMER_MAX_RETRIES must not be negative, got %d", c.TimerMaxRetries)
	}
	if c.SnoozeDefaultHours < 1 {
		return fmt.Errorf("ALERT_SNOOZE_DEFAULT_HOURS must be at least 1, got %d", c.SnoozeDefaultHours)
	}
	if _, err := time.LoadLocation(c.FacilityTimeZone); err != nil {
		return fmt.Errorf("CLOCK_FACILITY_TZ is not a valid IANA zone: %w", err)
	}
	for _, pair := range splitList(c.SurveillanceWindows) {
		k, val, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("SURVEILLANCE_WINDOW_DAYS: entry %q is not kind=days", pair)
		}
		days, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || days < 1 {
			return fmt.Errorf("SURVEILLANCE_WINDOW_DAYS: %s has invalid day count %q", strings.TrimSpace(k), strings.TrimSpace(val))
		}
	}
	if !c.IsDev() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}
	return nil
}
