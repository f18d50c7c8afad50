package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amijkko/custody-core/internal/errs"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "custodycore.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func minimalConfig() string {
	return "database_url: postgres://localhost/custody\n" +
		"eth_rpc_url: https://rpc.example.com\n" +
		"chain_id: 1\n" +
		"permit_signing_key: test-key\n" +
		"signer_node_endpoint: https://signer.example.com\n"
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalConfig())
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Environment != "development" {
		t.Fatalf("expected default environment, got %q", cfg.Environment)
	}
	if cfg.ListenAddr != ":8443" {
		t.Fatalf("expected default listen address, got %q", cfg.ListenAddr)
	}
	if cfg.ConfirmationBlocks != 12 {
		t.Fatalf("expected default confirmation_blocks of 12, got %d", cfg.ConfirmationBlocks)
	}
	if cfg.MaxBroadcastRetries != 5 {
		t.Fatalf("expected default max_broadcast_retries of 5, got %d", cfg.MaxBroadcastRetries)
	}
	if cfg.PermitTTL.Duration != 5*time.Minute {
		t.Fatalf("expected default permit ttl of 5m, got %s", cfg.PermitTTL.Duration)
	}
	if cfg.KYTLocalBlacklist == nil || cfg.KYTLocalGraylist == nil {
		t.Fatalf("expected blacklist/graylist to default to empty slices, not nil")
	}
}

func TestLoadConfigRespectsExplicitValues(t *testing.T) {
	content := minimalConfig() + "confirmation_blocks: 20\nmax_broadcast_retries: 2\npermit_ttl_seconds: 30s\n"
	path := writeConfig(t, content)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ConfirmationBlocks != 20 {
		t.Fatalf("expected explicit confirmation_blocks to be respected, got %d", cfg.ConfirmationBlocks)
	}
	if cfg.MaxBroadcastRetries != 2 {
		t.Fatalf("expected explicit max_broadcast_retries to be respected, got %d", cfg.MaxBroadcastRetries)
	}
	if cfg.PermitTTL.Duration != 30*time.Second {
		t.Fatalf("expected explicit permit ttl to be respected, got %s", cfg.PermitTTL.Duration)
	}
}

func TestLoadConfigRejectsMissingRequiredKeys(t *testing.T) {
	path := writeConfig(t, "log_level: debug\n")
	_, err := LoadConfig(path)
	if errs.KindOf(err) != errs.ConfigurationError {
		t.Fatalf("expected a ConfigurationError for missing required keys, got %v", err)
	}
}

func TestLoadConfigRejectsMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if errs.KindOf(err) != errs.ConfigurationError {
		t.Fatalf("expected a ConfigurationError for a missing config file, got %v", err)
	}
}

func TestLoadConfigRejectsScreenerRemoteEnabledWithoutEndpoint(t *testing.T) {
	content := minimalConfig() + "screener_remote_enabled: true\n"
	path := writeConfig(t, content)
	_, err := LoadConfig(path)
	if errs.KindOf(err) != errs.ConfigurationError {
		t.Fatalf("expected a ConfigurationError when screener_remote_enabled lacks an endpoint, got %v", err)
	}
}

func TestLoadConfigAllowsScreenerRemoteEnabledWithEndpoint(t *testing.T) {
	content := minimalConfig() + "screener_remote_enabled: true\nscreener_remote_endpoint: https://screen.example.com\n"
	path := writeConfig(t, content)
	if _, err := LoadConfig(path); err != nil {
		t.Fatalf("load config: %v", err)
	}
}

func TestLoadConfigParsesLocalLists(t *testing.T) {
	content := minimalConfig() + "kyt_local_blacklist:\n  - \"0xabc\"\n  - \"0xdef\"\n"
	path := writeConfig(t, content)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.KYTLocalBlacklist) != 2 {
		t.Fatalf("expected 2 blacklist entries, got %d", len(cfg.KYTLocalBlacklist))
	}
}
