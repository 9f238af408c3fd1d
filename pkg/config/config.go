// Package config loads the tenant configuration. The parsed TenantConfig is
// an immutable value threaded explicitly through component constructors
// (never a process-wide singleton), so multiple tenants can be reconciled
// in the same process.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tenetops/tenet/pkg/engine"
)

// TenantConfig describes one tenant under reconciliation.
type TenantConfig struct {
	// Tenant is the tenant identifier.
	Tenant string `yaml:"tenant" validate:"required"`

	// RootScope is the scope path collection starts from.
	RootScope string `yaml:"root_scope" validate:"required,startswith=/"`

	// Mode is the planner's destructive posture. Never inferred from scan
	// results; Brownfield unless the operator says otherwise.
	Mode engine.Mode `yaml:"mode" validate:"omitempty,oneof=Brownfield Greenfield"`

	// ControlPlane selects and configures the control-plane driver.
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`

	// StatePath is the SQLite file holding runs and execution records.
	StatePath string `yaml:"state_path"`

	// RulesDir holds operator-supplied Rego escalation rules.
	RulesDir string `yaml:"rules_dir"`

	// Exclusions mark known out-of-band resources so they classify as
	// intentionally excluded instead of orphaned.
	Exclusions []Exclusion `yaml:"exclusions" validate:"dive"`

	// Retry bounds the executor's transient-failure retries.
	Retry RetryConfig `yaml:"retry"`

	// Logging configures structured log output.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the optional Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing configures span export for reconciliation phases.
	Tracing TracingConfig `yaml:"tracing"`
}

// ControlPlaneConfig selects the control-plane driver.
type ControlPlaneConfig struct {
	// Driver is the registered driver name ("memory" ships with the core).
	Driver string `yaml:"driver"`

	// DSN is driver-specific connection configuration.
	DSN string `yaml:"dsn"`
}

// Exclusion matches observed entities that are intentionally unmanaged.
type Exclusion struct {
	// Kind restricts the exclusion to one entity kind; empty matches all.
	Kind engine.EntityKind `yaml:"kind"`

	// ScopePrefix matches entities at or under the given scope path.
	ScopePrefix string `yaml:"scope_prefix" validate:"omitempty,startswith=/"`

	// Name matches the entity name exactly; empty matches all.
	Name string `yaml:"name"`
}

// Matches reports whether the exclusion applies to the entity.
func (x Exclusion) Matches(e *engine.ManagedEntity) bool {
	if x.Kind != "" && x.Kind != e.Kind {
		return false
	}
	if x.Name != "" && x.Name != e.Name {
		return false
	}
	if x.ScopePrefix != "" {
		if e.Scope != x.ScopePrefix && !hasScopePrefix(e.Scope, x.ScopePrefix) {
			return false
		}
	}
	return true
}

func hasScopePrefix(scope, prefix string) bool {
	for scope != "" && scope != "/" {
		if scope == prefix {
			return true
		}
		scope = path.Dir(scope)
	}
	return false
}

// RetryConfig bounds the executor's retry behavior.
type RetryConfig struct {
	// MaxAttempts is the attempt bound per step.
	MaxAttempts int `yaml:"max_attempts" validate:"omitempty,min=1"`

	// BaseBackoff is the increment of the incremental backoff.
	BaseBackoff time.Duration `yaml:"base_backoff"`

	// CallTimeout bounds each individual control-plane call.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	// Enabled controls whether phase spans are exported (to stderr).
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled controls whether the /metrics listener starts.
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the endpoint bind address.
	ListenAddress string `yaml:"listen_address"`
}

// Default returns the configuration defaults for a tenant.
func Default(tenant, rootScope string) TenantConfig {
	return TenantConfig{
		Tenant:    tenant,
		RootScope: rootScope,
		Mode:      engine.ModeBrownfield,
		ControlPlane: ControlPlaneConfig{
			Driver: "memory",
		},
		StatePath: "tenet.db",
		Retry: RetryConfig{
			MaxAttempts: 10,
			BaseBackoff: 2 * time.Second,
			CallTimeout: 90 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9464",
		},
	}
}

// Load reads and validates a tenant configuration file.
func Load(filePath string) (TenantConfig, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return TenantConfig{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses and validates a tenant configuration from a reader.
func Read(r io.Reader) (TenantConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return TenantConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg TenantConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return TenantConfig{}, engine.NewPermanentError("config is not valid YAML", err).
			WithCode(engine.ErrCodeValidation)
	}

	cfg = applyDefaults(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return TenantConfig{}, engine.NewPermanentError("config failed validation", err).
			WithCode(engine.ErrCodeValidation)
	}
	return cfg, nil
}

func applyDefaults(cfg TenantConfig) TenantConfig {
	def := Default(cfg.Tenant, cfg.RootScope)
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.ControlPlane.Driver == "" {
		cfg.ControlPlane.Driver = def.ControlPlane.Driver
	}
	if cfg.StatePath == "" {
		cfg.StatePath = def.StatePath
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.Retry.BaseBackoff == 0 {
		cfg.Retry.BaseBackoff = def.Retry.BaseBackoff
	}
	if cfg.Retry.CallTimeout == 0 {
		cfg.Retry.CallTimeout = def.Retry.CallTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Metrics.ListenAddress == "" {
		cfg.Metrics.ListenAddress = def.Metrics.ListenAddress
	}
	return cfg
}
