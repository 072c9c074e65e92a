package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Propagation modes selecting how circuit state reaches the worker fleet
const (
	PropagationModeEvents  = "events"
	PropagationModeTraefik = "traefik"
)

// CoordinatorConfig is the top-level configuration of the coordinator process
type CoordinatorConfig struct {
	API          APIConfig         `yaml:"api"`
	LoggingLevel string            `yaml:"logging_level"`
	Database     DatabaseConfig    `yaml:"database"`
	Secrets      SecretConfig      `yaml:"secrets"`
	PermitHash   PermitHashConfig  `yaml:"permit_hash"`
	Propagation  PropagationConfig `yaml:"propagation"`
	HealthCheck  HealthCheckConfig `yaml:"health_check"`
	Liveness     LivenessConfig    `yaml:"liveness"`
	GC           GCConfig          `yaml:"gc"`
	Monitoring   MonitoringConfig  `yaml:"monitoring"`
	Debug        DebugConfig       `yaml:"debug"`
}

// APIConfig describes one HTTP listen address
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr renders the host:port listen address
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// DatabaseConfig holds the control-plane PostgreSQL settings
type DatabaseConfig struct {
	URL                 string        `yaml:"url"`
	MaxConns            int32         `yaml:"max_conns"`
	MinConns            int32         `yaml:"min_conns"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// UnmarshalYAML implements custom unmarshaling for DatabaseConfig
func (d *DatabaseConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		URL                 string `yaml:"url"`
		MaxConns            int32  `yaml:"max_conns"`
		MinConns            int32  `yaml:"min_conns"`
		ConnectTimeout      string `yaml:"connect_timeout"`
		HealthCheckInterval string `yaml:"health_check_interval"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	d.URL = resolveEnvString(temp.URL)
	d.MaxConns = temp.MaxConns
	d.MinConns = temp.MinConns

	var err error
	if d.ConnectTimeout, err = parseDuration(temp.ConnectTimeout, 5*time.Second); err != nil {
		return fmt.Errorf("invalid connect_timeout: %w", err)
	}
	if d.HealthCheckInterval, err = parseDuration(temp.HealthCheckInterval, 10*time.Second); err != nil {
		return fmt.Errorf("invalid health_check_interval: %w", err)
	}
	return nil
}

// SecretConfig holds cluster-wide shared secrets
type SecretConfig struct {
	// JWTSecret signs inference bearer tokens. Must be identical across every
	// node of a single proxy cluster.
	JWTSecret string `yaml:"jwt_secret"`
	// APISecret authenticates calls between workers and the coordinator.
	APISecret string `yaml:"api_secret"`
}

// UnmarshalYAML implements custom unmarshaling for SecretConfig
func (s *SecretConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		JWTSecret string `yaml:"jwt_secret"`
		APISecret string `yaml:"api_secret"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	s.JWTSecret = resolveEnvString(temp.JWTSecret)
	s.APISecret = resolveEnvString(temp.APISecret)
	return nil
}

// PermitHashConfig configures the signed permit cookie for interactive apps
type PermitHashConfig struct {
	Secret    string `yaml:"secret"`
	DigestMod string `yaml:"digest_mod"` // sha1 | sha256 | sha512
}

// PropagationConfig selects and tunes the circuit propagation mode
type PropagationConfig struct {
	Mode       string        `yaml:"mode"` // events | traefik
	AckTimeout time.Duration `yaml:"ack_timeout"`
	Etcd       EtcdConfig    `yaml:"etcd"`
}

// UnmarshalYAML implements custom unmarshaling for PropagationConfig
func (p *PropagationConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Mode       string     `yaml:"mode"`
		AckTimeout string     `yaml:"ack_timeout"`
		Etcd       EtcdConfig `yaml:"etcd"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	p.Mode = temp.Mode
	p.Etcd = temp.Etcd

	var err error
	if p.AckTimeout, err = parseDuration(temp.AckTimeout, 15*time.Second); err != nil {
		return fmt.Errorf("invalid ack_timeout: %w", err)
	}
	return nil
}

// EtcdConfig holds the Traefik-mode key-value store endpoints
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Namespace   string        `yaml:"namespace"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// UnmarshalYAML implements custom unmarshaling for EtcdConfig
func (e *EtcdConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Endpoints   []string `yaml:"endpoints"`
		Namespace   string   `yaml:"namespace"`
		DialTimeout string   `yaml:"dial_timeout"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	e.Endpoints = temp.Endpoints
	e.Namespace = temp.Namespace

	var err error
	if e.DialTimeout, err = parseDuration(temp.DialTimeout, 5*time.Second); err != nil {
		return fmt.Errorf("invalid dial_timeout: %w", err)
	}
	return nil
}

// HealthCheckConfig tunes the route health-check engine
type HealthCheckConfig struct {
	Enabled      bool          `yaml:"enabled"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// UnmarshalYAML implements custom unmarshaling for HealthCheckConfig
func (h *HealthCheckConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Enabled      *bool  `yaml:"enabled"`
		TickInterval string `yaml:"tick_interval"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	if temp.Enabled == nil {
		h.Enabled = true
	} else {
		h.Enabled = *temp.Enabled
	}

	var err error
	if h.TickInterval, err = parseDuration(temp.TickInterval, 10*time.Second); err != nil {
		return fmt.Errorf("invalid tick_interval: %w", err)
	}
	return nil
}

// LivenessConfig tunes worker heartbeat tracking
type LivenessConfig struct {
	Enabled      bool          `yaml:"enabled"`
	TickInterval time.Duration `yaml:"tick_interval"`
	LostAfter    time.Duration `yaml:"lost_after"`
}

// UnmarshalYAML implements custom unmarshaling for LivenessConfig
func (l *LivenessConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Enabled      *bool  `yaml:"enabled"`
		TickInterval string `yaml:"tick_interval"`
		LostAfter    string `yaml:"lost_after"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	if temp.Enabled == nil {
		l.Enabled = true
	} else {
		l.Enabled = *temp.Enabled
	}

	var err error
	if l.TickInterval, err = parseDuration(temp.TickInterval, 15*time.Second); err != nil {
		return fmt.Errorf("invalid tick_interval: %w", err)
	}
	if l.LostAfter, err = parseDuration(temp.LostAfter, 45*time.Second); err != nil {
		return fmt.Errorf("invalid lost_after: %w", err)
	}
	return nil
}

// GCConfig tunes collection of idle interactive circuits
type GCConfig struct {
	Enabled            bool          `yaml:"enabled"`
	TickInterval       time.Duration `yaml:"tick_interval"`
	CircuitIdleTimeout time.Duration `yaml:"circuit_idle_timeout"`
}

// UnmarshalYAML implements custom unmarshaling for GCConfig
func (g *GCConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Enabled            *bool  `yaml:"enabled"`
		TickInterval       string `yaml:"tick_interval"`
		CircuitIdleTimeout string `yaml:"circuit_idle_timeout"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	if temp.Enabled == nil {
		g.Enabled = true
	} else {
		g.Enabled = *temp.Enabled
	}

	var err error
	if g.TickInterval, err = parseDuration(temp.TickInterval, time.Minute); err != nil {
		return fmt.Errorf("invalid tick_interval: %w", err)
	}
	if g.CircuitIdleTimeout, err = parseDuration(temp.CircuitIdleTimeout, time.Hour); err != nil {
		return fmt.Errorf("invalid circuit_idle_timeout: %w", err)
	}
	return nil
}

// MonitoringConfig toggles the operational endpoints
type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	HealthCheckPath   string `yaml:"health_check_path"`
}

// DebugConfig toggles verbose diagnostics
type DebugConfig struct {
	LogEvents bool `yaml:"log_events"`
}

// LoadCoordinator reads and validates a coordinator configuration file
func LoadCoordinator(path string) (*CoordinatorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg CoordinatorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Normalize cleans up configuration values
func (c *CoordinatorConfig) Normalize() {
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.Propagation.Mode == "" {
		c.Propagation.Mode = PropagationModeEvents
	}
	c.Propagation.Mode = strings.ToLower(c.Propagation.Mode)
	if c.Propagation.Etcd.Namespace == "" {
		c.Propagation.Etcd.Namespace = "traefik"
	}
	if c.PermitHash.DigestMod == "" {
		c.PermitHash.DigestMod = "sha256"
	}
	c.PermitHash.DigestMod = strings.ToLower(c.PermitHash.DigestMod)
	if c.Monitoring.HealthCheckPath == "" {
		c.Monitoring.HealthCheckPath = "/health"
	}
}

// Validate checks configuration validity
func (c *CoordinatorConfig) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}

	if c.LoggingLevel != "" {
		validLevels := map[string]bool{"info": true, "debug": true, "error": true}
		if !validLevels[c.LoggingLevel] {
			return fmt.Errorf("invalid logging_level: %s (must be info, debug, or error)", c.LoggingLevel)
		}
	} else {
		c.LoggingLevel = "info"
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if err := validateDatabaseURL(c.Database.URL); err != nil {
		return err
	}

	if c.Secrets.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if c.Secrets.APISecret == "" {
		return fmt.Errorf("api_secret is required")
	}
	if c.PermitHash.Secret == "" {
		return fmt.Errorf("permit_hash secret is required")
	}
	if err := validateDigestMod(c.PermitHash.DigestMod); err != nil {
		return err
	}

	switch c.Propagation.Mode {
	case PropagationModeEvents:
	case PropagationModeTraefik:
		if len(c.Propagation.Etcd.Endpoints) == 0 {
			return fmt.Errorf("traefik propagation requires etcd endpoints")
		}
	default:
		return fmt.Errorf("invalid propagation mode: %s (must be events or traefik)", c.Propagation.Mode)
	}
	if c.Propagation.AckTimeout <= 0 {
		return fmt.Errorf("invalid ack_timeout: %v", c.Propagation.AckTimeout)
	}

	if c.HealthCheck.Enabled && c.HealthCheck.TickInterval <= 0 {
		return fmt.Errorf("invalid health_check tick_interval: %v", c.HealthCheck.TickInterval)
	}
	if c.Liveness.Enabled {
		if c.Liveness.TickInterval <= 0 {
			return fmt.Errorf("invalid liveness tick_interval: %v", c.Liveness.TickInterval)
		}
		if c.Liveness.LostAfter <= 0 {
			return fmt.Errorf("invalid liveness lost_after: %v", c.Liveness.LostAfter)
		}
	}
	if c.GC.Enabled {
		if c.GC.TickInterval <= 0 {
			return fmt.Errorf("invalid gc tick_interval: %v", c.GC.TickInterval)
		}
		if c.GC.CircuitIdleTimeout <= 0 {
			return fmt.Errorf("invalid gc circuit_idle_timeout: %v", c.GC.CircuitIdleTimeout)
		}
	}

	return nil
}

func validateDatabaseURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid database url: %w", err)
	}
	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return fmt.Errorf("database url must use postgres scheme, got: %s", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("database url must have a host")
	}
	return nil
}

func validateDigestMod(mod string) error {
	switch mod {
	case "sha1", "sha256", "sha512":
		return nil
	}
	return fmt.Errorf("invalid permit_hash digest_mod: %s (must be sha1, sha256 or sha512)", mod)
}
