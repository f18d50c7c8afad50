// Package config loads and validates the Transaction Security Core's YAML
// configuration, adapted from the teacher's payoutd.Config/LoadConfig
// pattern: decode, applyDefaults, validateConfig surfacing a
// ConfigurationError instead of panicking.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amijkko/custody-core/internal/errs"
)

// Duration wraps time.Duration to support human-readable YAML values such as
// "30s" or "6h".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for the Core, covering every key
// named in spec.md §6 plus the ambient keys the transport/telemetry layers need.
type Config struct {
	Environment  string `yaml:"environment"`
	ListenAddr   string `yaml:"listen_address"`
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	DatabaseURL string `yaml:"database_url"`

	EthRPCURL           string `yaml:"eth_rpc_url"`
	ChainID             int64  `yaml:"chain_id"`
	ConfirmationBlocks  uint64 `yaml:"confirmation_blocks"`
	MaxBroadcastRetries int    `yaml:"max_broadcast_retries"`

	ChainListenerPollInterval Duration `yaml:"chain_listener_poll_interval_seconds"`

	PermitTTL        Duration `yaml:"permit_ttl_seconds"`
	PermitSigningKey string   `yaml:"permit_signing_key"`

	JWTSecret string `yaml:"jwt_secret"`

	SignerNodeEndpoint string `yaml:"signer_node_endpoint"`

	ScreenerRemoteEnabled    bool     `yaml:"screener_remote_enabled"`
	ScreenerFallbackOnError  bool     `yaml:"screener_fallback_on_error"`
	ScreenerCacheTTL         Duration `yaml:"screener_cache_ttl_hours"`
	ScreenerRemoteEndpoint   string   `yaml:"screener_remote_endpoint"`
	ScreenerRemoteAPIKey     string   `yaml:"screener_remote_api_key"`
	KYTLocalBlacklist        []string `yaml:"kyt_local_blacklist"`
	KYTLocalGraylist         []string `yaml:"kyt_local_graylist"`

	AuditExportPath string `yaml:"audit_export_path"`
}

// LoadConfig reads and validates configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, errs.Wrap(errs.ConfigurationError, "config.open", "open config file", err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errs.Wrap(errs.ConfigurationError, "config.decode", "decode config file", err)
	}

	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8443"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ChainListenerPollInterval.Duration == 0 {
		cfg.ChainListenerPollInterval.Duration = 15 * time.Second
	}
	if cfg.PermitTTL.Duration == 0 {
		cfg.PermitTTL.Duration = 5 * time.Minute
	}
	if cfg.ScreenerCacheTTL.Duration == 0 {
		cfg.ScreenerCacheTTL.Duration = 6 * time.Hour
	}
	if cfg.ConfirmationBlocks == 0 {
		cfg.ConfirmationBlocks = 12
	}
	if cfg.MaxBroadcastRetries == 0 {
		cfg.MaxBroadcastRetries = 5
	}
	if cfg.KYTLocalBlacklist == nil {
		cfg.KYTLocalBlacklist = []string{}
	}
	if cfg.KYTLocalGraylist == nil {
		cfg.KYTLocalGraylist = []string{}
	}
}

func validateConfig(cfg Config) error {
	var missing []string
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		missing = append(missing, "database_url")
	}
	if strings.TrimSpace(cfg.EthRPCURL) == "" {
		missing = append(missing, "eth_rpc_url")
	}
	if cfg.ChainID <= 0 {
		missing = append(missing, "chain_id")
	}
	if strings.TrimSpace(cfg.PermitSigningKey) == "" {
		missing = append(missing, "permit_signing_key")
	}
	if strings.TrimSpace(cfg.SignerNodeEndpoint) == "" {
		missing = append(missing, "signer_node_endpoint")
	}
	if len(missing) > 0 {
		return errs.New(errs.ConfigurationError, "config.missing_keys",
			fmt.Sprintf("missing required configuration keys: %s", strings.Join(missing, ", ")))
	}
	if cfg.ScreenerRemoteEnabled && strings.TrimSpace(cfg.ScreenerRemoteEndpoint) == "" {
		return errs.New(errs.ConfigurationError, "config.screener_remote_endpoint",
			"screener_remote_enabled is true but screener_remote_endpoint is empty")
	}
	return nil
}
