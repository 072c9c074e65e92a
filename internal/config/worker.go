package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerConfig is the top-level configuration of one worker process
type WorkerConfig struct {
	API          APIConfig `yaml:"api"`
	LoggingLevel string    `yaml:"logging_level"`

	Authority        string   `yaml:"authority"`
	FrontendMode     string   `yaml:"frontend_mode"` // port | wildcard_domain
	Protocols        []string `yaml:"protocols"`
	AcceptedAppModes []string `yaml:"accepted_app_modes"`

	BindHost            string `yaml:"bind_host"`
	AdvertisedHost      string `yaml:"advertised_host"`
	PortRange           [2]int `yaml:"port_range"`            // inclusive, port mode only
	WildcardDomain      string `yaml:"wildcard_domain"`       // leading dot, wildcard mode only
	WildcardTrafficPort int    `yaml:"wildcard_traffic_port"` // wildcard mode only

	// TraefikDelegated workers never terminate traffic themselves; Traefik does.
	// The frontend only tracks circuit activity for idle collection.
	TraefikDelegated bool `yaml:"traefik_delegated"`

	Coordinator CoordinatorClientConfig `yaml:"coordinator"`
	Database    DatabaseConfig          `yaml:"database"`
	Secrets     SecretConfig            `yaml:"secrets"`
	PermitHash  PermitHashConfig        `yaml:"permit_hash"`

	UsageLog       UsageLogConfig       `yaml:"usage_log"`
	Fail2Ban       Fail2BanConfig       `yaml:"fail2ban"`
	InferenceLimit InferenceLimitConfig `yaml:"inference_limit"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
}

// CoordinatorClientConfig points a worker at its coordinator
type CoordinatorClientConfig struct {
	URL               string        `yaml:"url"`
	APISecret         string        `yaml:"api_secret"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RegisterRetryMax  int           `yaml:"register_retry_max"`
}

// UnmarshalYAML implements custom unmarshaling for CoordinatorClientConfig
func (c *CoordinatorClientConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		URL               string `yaml:"url"`
		APISecret         string `yaml:"api_secret"`
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		RegisterRetryMax  int    `yaml:"register_retry_max"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	c.URL = resolveEnvString(temp.URL)
	c.APISecret = resolveEnvString(temp.APISecret)
	c.RegisterRetryMax = temp.RegisterRetryMax

	var err error
	if c.HeartbeatInterval, err = parseDuration(temp.HeartbeatInterval, 10*time.Second); err != nil {
		return fmt.Errorf("invalid heartbeat_interval: %w", err)
	}
	return nil
}

// UsageLogConfig tunes the asynchronous circuit-usage flusher
type UsageLogConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Workers       int           `yaml:"workers"`
}

// UnmarshalYAML implements custom unmarshaling for UsageLogConfig
func (u *UsageLogConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		QueueSize     int    `yaml:"queue_size"`
		BatchSize     int    `yaml:"batch_size"`
		FlushInterval string `yaml:"flush_interval"`
		Workers       int    `yaml:"workers"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	u.QueueSize = temp.QueueSize
	u.BatchSize = temp.BatchSize
	u.Workers = temp.Workers

	var err error
	if u.FlushInterval, err = parseDuration(temp.FlushInterval, 5*time.Second); err != nil {
		return fmt.Errorf("invalid flush_interval: %w", err)
	}
	return nil
}

// Fail2BanConfig tunes temporary client-IP bans after repeated auth failures
type Fail2BanConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"max_attempts"`
	BanDuration time.Duration `yaml:"ban_duration"`
}

// UnmarshalYAML implements custom unmarshaling for Fail2BanConfig
func (f *Fail2BanConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Enabled     *bool  `yaml:"enabled"`
		MaxAttempts int    `yaml:"max_attempts"`
		BanDuration string `yaml:"ban_duration"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	if temp.Enabled == nil {
		f.Enabled = true
	} else {
		f.Enabled = *temp.Enabled
	}
	f.MaxAttempts = temp.MaxAttempts

	var err error
	if f.BanDuration, err = parseDuration(temp.BanDuration, 5*time.Minute); err != nil {
		return fmt.Errorf("invalid ban_duration: %w", err)
	}
	return nil
}

// InferenceLimitConfig caps per-circuit request rates for inference apps
type InferenceLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	RPM     int  `yaml:"rpm"` // -1 = unlimited
}

// LoadWorker reads and validates a worker configuration file
func LoadWorker(path string) (*WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg WorkerConfig
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
func (c *WorkerConfig) Normalize() {
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.BindHost == "" {
		c.BindHost = "0.0.0.0"
	}
	c.FrontendMode = strings.ToLower(c.FrontendMode)
	for i := range c.Protocols {
		c.Protocols[i] = strings.ToLower(c.Protocols[i])
	}
	if len(c.Protocols) == 0 {
		c.Protocols = []string{"http"}
	}
	for i := range c.AcceptedAppModes {
		c.AcceptedAppModes[i] = strings.ToLower(c.AcceptedAppModes[i])
	}
	if len(c.AcceptedAppModes) == 0 {
		c.AcceptedAppModes = []string{"interactive", "inference"}
	}
	if c.WildcardTrafficPort == 0 {
		c.WildcardTrafficPort = 80
	}
	if c.Coordinator.RegisterRetryMax == 0 {
		c.Coordinator.RegisterRetryMax = 10
	}
	if c.UsageLog.QueueSize == 0 {
		c.UsageLog.QueueSize = 10000
	}
	if c.UsageLog.BatchSize == 0 {
		c.UsageLog.BatchSize = 200
	}
	if c.UsageLog.Workers == 0 {
		c.UsageLog.Workers = 2
	}
	if c.Fail2Ban.MaxAttempts == 0 {
		c.Fail2Ban.MaxAttempts = 10
	}
	if c.InferenceLimit.RPM == 0 {
		c.InferenceLimit.RPM = -1
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
func (c *WorkerConfig) Validate() error {
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

	if c.Authority == "" {
		return fmt.Errorf("authority is required")
	}

	switch c.FrontendMode {
	case "port":
		if c.PortRange[0] <= 0 || c.PortRange[1] < c.PortRange[0] || c.PortRange[1] > 65535 {
			return fmt.Errorf("invalid port_range: [%d, %d]", c.PortRange[0], c.PortRange[1])
		}
	case "wildcard_domain":
		if !strings.HasPrefix(c.WildcardDomain, ".") {
			return fmt.Errorf("wildcard_domain must start with a dot, got: %s", c.WildcardDomain)
		}
	default:
		return fmt.Errorf("invalid frontend_mode: %s (must be port or wildcard_domain)", c.FrontendMode)
	}

	validProtocols := map[string]bool{"http": true, "tcp": true, "http2": true, "grpc": true, "preopen": true}
	for _, p := range c.Protocols {
		if !validProtocols[p] {
			return fmt.Errorf("invalid protocol: %s", p)
		}
	}
	for _, m := range c.AcceptedAppModes {
		if m != "interactive" && m != "inference" {
			return fmt.Errorf("invalid accepted app mode: %s", m)
		}
	}

	if c.Coordinator.URL == "" {
		return fmt.Errorf("coordinator url is required")
	}
	if err := validateCoordinatorURL(c.Coordinator.URL); err != nil {
		return err
	}
	if c.Coordinator.APISecret == "" {
		return fmt.Errorf("coordinator api_secret is required")
	}

	// Traefik-delegated workers never validate credentials themselves and
	// never touch the event bus, so the remaining settings are optional.
	if c.TraefikDelegated {
		return nil
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
	if c.PermitHash.Secret == "" {
		return fmt.Errorf("permit_hash secret is required")
	}
	if err := validateDigestMod(c.PermitHash.DigestMod); err != nil {
		return err
	}

	return nil
}

func validateCoordinatorURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid coordinator url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("coordinator url must use http or https scheme, got: %s", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("coordinator url must have a host")
	}
	return nil
}
