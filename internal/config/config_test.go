package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"snapcheck/internal/policy"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Sandbox.Backend != "process" {
		t.Errorf("Sandbox.Backend = %q, want process", cfg.Sandbox.Backend)
	}
	if cfg.Sandbox.DefaultTimeout != 60*time.Second {
		t.Errorf("Sandbox.DefaultTimeout = %s, want 60s", cfg.Sandbox.DefaultTimeout)
	}
	if cfg.Sandbox.MaxOutputBytes != 1<<20 {
		t.Errorf("Sandbox.MaxOutputBytes = %d, want 1MB", cfg.Sandbox.MaxOutputBytes)
	}
	if cfg.Store.Dir == "" {
		t.Error("Store.Dir should default to a path")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"default_timeout > max_timeout", func(c *Config) {
			c.Sandbox.DefaultTimeout = 10 * time.Minute
			c.Sandbox.MaxTimeout = 1 * time.Minute
		}, true},
		{"max_concurrent 0", func(c *Config) { c.Sandbox.MaxConcurrent = 0 }, true},
		{"tiny output cap", func(c *Config) { c.Sandbox.MaxOutputBytes = 100 }, true},
		{"unknown backend", func(c *Config) { c.Sandbox.Backend = "firecracker" }, true},
		{"containerd backend", func(c *Config) { c.Sandbox.Backend = "containerd" }, false},
		{"no store at all", func(c *Config) {
			c.Store.Dir = ""
			c.Store.DSN = ""
		}, true},
		{"dsn without dir", func(c *Config) {
			c.Store.Dir = ""
			c.Store.DSN = "postgres://localhost/snapcheck"
		}, false},
		{"page_size 0", func(c *Config) { c.Store.PageSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
sandbox:
  backend: process
  max_concurrent: 8
  default_timeout: 15s
  max_timeout: 120s
policy:
  rules:
    - name: no_netcat
      match: substring
      pattern: "nc -l"
      severity: block
      reason: "listening sockets are not allowed in triage runs"
analyzer:
  patterns:
    - name: custom_oops
      kind: error
      regex: "^OOPS"
store:
  dir: /var/lib/snapcheck
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Sandbox.DefaultTimeout != 15*time.Second {
		t.Errorf("Sandbox.DefaultTimeout = %s, want 15s", cfg.Sandbox.DefaultTimeout)
	}
	if cfg.Store.Dir != "/var/lib/snapcheck" {
		t.Errorf("Store.Dir = %q", cfg.Store.Dir)
	}
	if len(cfg.Policy.Rules) != 1 || cfg.Policy.Rules[0].Name != "no_netcat" {
		t.Errorf("Policy.Rules = %+v", cfg.Policy.Rules)
	}
	if len(cfg.Analyzer.Patterns) != 1 || cfg.Analyzer.Patterns[0].Name != "custom_oops" {
		t.Errorf("Analyzer.Patterns = %+v", cfg.Analyzer.Patterns)
	}

	// Defaults survive partial files.
	if cfg.Sandbox.MaxOutputBytes != 1<<20 {
		t.Errorf("MaxOutputBytes = %d, want default 1MB", cfg.Sandbox.MaxOutputBytes)
	}
}

func TestEffectiveRules(t *testing.T) {
	var p PolicyConfig
	if len(p.EffectiveRules()) != len(policy.DefaultRules()) {
		t.Error("empty config should yield the built-in rules")
	}

	p.Rules = []policy.Rule{{Name: "site_rule", Match: policy.MatchSubstring, Pattern: "x", Severity: "block"}}
	rules := p.EffectiveRules()
	if rules[0].Name != "site_rule" {
		t.Error("site rules must run before the built-ins")
	}
	if len(rules) != 1+len(policy.DefaultRules()) {
		t.Errorf("len = %d", len(rules))
	}

	p.DisableBuiltin = true
	if got := p.EffectiveRules(); len(got) != 1 {
		t.Errorf("disable_builtin should leave only site rules, got %d", len(got))
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml")); err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 0\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for port 0")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.Address(); got != "0.0.0.0:8080" {
		t.Errorf("Address() = %q", got)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	if got := cfg.Address(); got != "127.0.0.1:3000" {
		t.Errorf("Address() = %q", got)
	}
}
