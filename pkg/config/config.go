// Package config provides configuration structures and loading logic for the
// routing engine.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/routisai/routis-oss/internal/governance"
	"github.com/routisai/routis-oss/pkg/domain"
	"github.com/routisai/routis-oss/pkg/routing"
)

// Duration wraps time.Duration with YAML string parsing ("250ms", "1h").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds the global configuration for the routing service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Routing   RoutingConfig   `yaml:"routing"`
	Health    HealthConfig    `yaml:"health"`
	Budgets   BudgetsConfig   `yaml:"budgets"`
}

// ServerConfig holds configuration for the admin HTTP server.
type ServerConfig struct {
	AdminAddress string `yaml:"admin_address"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// RoutingConfig declares the profile set and the default profile.
type RoutingConfig struct {
	DefaultProfile string          `yaml:"default_profile"`
	Profiles       []ProfileConfig `yaml:"profiles"`
}

// ProfileConfig declares one routing profile.
type ProfileConfig struct {
	Name          string      `yaml:"name"`
	Candidates    []string    `yaml:"candidates"`
	SelectionMode string      `yaml:"selection_mode"`
	Retry         RetryConfig `yaml:"retry"`
}

// RetryConfig declares a profile's retry policy.
type RetryConfig struct {
	MaxAttempts int        `yaml:"max_attempts"`
	Backoff     []Duration `yaml:"backoff"`
	Retryable   []string   `yaml:"retryable"`
}

// HealthConfig declares the circuit thresholds shared by all backends.
type HealthConfig struct {
	FailureThreshold      int      `yaml:"failure_threshold"`
	CoolDown              Duration `yaml:"cool_down"`
	ProbeSuccessThreshold int      `yaml:"probe_success_threshold"`
}

// BudgetsConfig declares capacity/cost limits: one default plus per-backend
// overrides.
type BudgetsConfig struct {
	Default  BudgetConfig            `yaml:"default"`
	Backends map[string]BudgetConfig `yaml:"backends"`
}

// BudgetConfig declares one backend's limits.
type BudgetConfig struct {
	InflightLimit int      `yaml:"inflight_limit"`
	CostLimit     float64  `yaml:"cost_limit"`
	Window        Duration `yaml:"window"`
}

// Load reads configuration from a file and applies environment variable
// overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server:  ServerConfig{AdminAddress: ":9190"},
		Logging: LoggingConfig{Level: "info"},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("ROUTIS_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("ROUTIS_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("ROUTIS_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("ROUTIS_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("ROUTIS_DEFAULT_PROFILE"); val != "" {
		cfg.Routing.DefaultProfile = val
	}
}

// Validate checks the configuration for structural problems. Profile-level
// invariants are checked again during registry construction; this pass exists
// so a broken file fails fast with a readable error.
func (c *Config) Validate() error {
	if c.Server.AdminAddress == "" {
		return fmt.Errorf("%w: server.admin_address must not be empty", domain.ErrConfigInvalid)
	}
	if len(c.Routing.Profiles) > 0 && c.Routing.DefaultProfile == "" {
		return fmt.Errorf("%w: routing.default_profile must be set when profiles are declared", domain.ErrConfigInvalid)
	}
	for name, b := range c.Budgets.Backends {
		if b.InflightLimit < 0 || b.CostLimit < 0 {
			return fmt.Errorf("%w: budget limits for backend %q must not be negative", domain.ErrConfigInvalid, name)
		}
	}
	return nil
}

// BuildRegistry converts the routing section into an immutable profile
// registry. With no profiles declared the canonical built-in set is used.
func (c *Config) BuildRegistry(opts ...routing.RegistryOption) (*routing.Registry, error) {
	if len(c.Routing.Profiles) == 0 {
		return routing.NewDefaultRegistry(opts...)
	}

	profiles := make([]domain.RoutingProfile, 0, len(c.Routing.Profiles))
	for _, pc := range c.Routing.Profiles {
		profiles = append(profiles, pc.toDomain())
	}
	return routing.NewRegistry(profiles, domain.ProfileName(c.Routing.DefaultProfile), opts...)
}

func (pc ProfileConfig) toDomain() domain.RoutingProfile {
	mode := domain.SelectionMode(pc.SelectionMode)
	if mode == "" {
		mode = domain.SelectStrictPriority
	}

	retry := domain.RetryPolicy{MaxAttempts: pc.Retry.MaxAttempts}
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 1
	}
	for _, b := range pc.Retry.Backoff {
		retry.Backoff = append(retry.Backoff, time.Duration(b))
	}
	if len(pc.Retry.Retryable) > 0 {
		retry.Retryable = make(map[domain.ErrorClass]bool, len(pc.Retry.Retryable))
		for _, class := range pc.Retry.Retryable {
			retry.Retryable[domain.ErrorClass(class)] = true
		}
	}

	return domain.RoutingProfile{
		Name:       domain.ProfileName(pc.Name),
		Candidates: pc.Candidates,
		Mode:       mode,
		Retry:      retry,
	}
}

// BuildHealthConfig converts the health section into governance thresholds.
// Zero values defer to governance defaults.
func (c *Config) BuildHealthConfig() governance.HealthConfig {
	return governance.HealthConfig{
		FailureThreshold:      c.Health.FailureThreshold,
		CoolDown:              time.Duration(c.Health.CoolDown),
		ProbeSuccessThreshold: c.Health.ProbeSuccessThreshold,
	}
}

// BuildBudgetGuard constructs a budget guard from the budgets section,
// applying per-backend overrides.
func (c *Config) BuildBudgetGuard(logger *slog.Logger) *governance.BudgetGuard {
	guard := governance.NewBudgetGuard(governance.BudgetConfig{
		InflightLimit: c.Budgets.Default.InflightLimit,
		CostLimit:     c.Budgets.Default.CostLimit,
		Window:        time.Duration(c.Budgets.Default.Window),
	}, logger)

	for backend, b := range c.Budgets.Backends {
		guard.Configure(backend, governance.BudgetConfig{
			InflightLimit: b.InflightLimit,
			CostLimit:     b.CostLimit,
			Window:        time.Duration(b.Window),
		})
	}
	return guard
}
