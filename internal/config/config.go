// Package config loads Tako's static server configuration: the YAML file
// read once at process start, with env expansion followed by a
// default-fill pass. Per-app config files are not loaded here; the
// reload command does not read one.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadFromBytes loads server configuration from YAML bytes with environment
// variable expansion applied first, then defaults filled in for anything
// left unset.
func LoadFromBytes(data []byte) (Config, error) {
	var c Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&c)
	return c, nil
}

// LoadFromFile reads and parses the server config file at path.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

func applyDefaults(c *Config) {
	if c.ControlSocketPath == "" {
		c.ControlSocketPath = "tako.sock"
	}
	if c.HTTPSAddr == "" {
		c.HTTPSAddr = "0.0.0.0:443"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = "0.0.0.0:80"
	}
	if c.DNSAddr == "" {
		c.DNSAddr = "127.0.0.1:53"
	}
	if c.DevLoopbackIP == "" {
		c.DevLoopbackIP = "127.77.0.1"
	}
	if c.Health.Path == "" {
		c.Health.Path = "/health"
	}
	if c.Health.IntervalSeconds == 0 {
		c.Health.IntervalSeconds = 10
	}
	if c.Health.ProbeTimeoutSeconds == 0 {
		c.Health.ProbeTimeoutSeconds = 2
	}
	if c.Health.UnhealthyThreshold == 0 {
		c.Health.UnhealthyThreshold = 2
	}
	if c.Health.DeadThreshold == 0 {
		c.Health.DeadThreshold = 5
	}
	if c.Rolling.BatchSize == 0 {
		c.Rolling.BatchSize = 1
	}
	if c.Rolling.StartupTimeoutSeconds == 0 {
		c.Rolling.StartupTimeoutSeconds = 30
	}
	if c.Idle.CheckIntervalSeconds == 0 {
		c.Idle.CheckIntervalSeconds = 30
	}
	if c.Idle.DefaultTimeoutSeconds == 0 {
		c.Idle.DefaultTimeoutSeconds = 300
	}
	if c.ReaperCron == "" {
		c.ReaperCron = "0 * * * * *"
	}
	if c.CertDir == "" {
		c.CertDir = "certs"
	}
	if c.Keychain.ServiceName == "" {
		c.Keychain.ServiceName = "tako"
	}
	if c.Keychain.AccountName == "" {
		c.Keychain.AccountName = "dev-ca-key"
	}
}

// parseBool parses a string as a boolean with a default value.
// Accepts "true", "1", "yes" as true; empty or unrecognized values return
// the default.
func parseBool(s string, defaultVal bool) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return defaultVal
	}
	return s == "true" || s == "1" || s == "yes"
}

// Config is Tako's static server configuration, loaded once at startup.
type Config struct {
	ControlSocketPath string `yaml:"ControlSocketPath"`
	HTTPSAddr         string `yaml:"HTTPSAddr"`
	HTTPAddr          string `yaml:"HTTPAddr"`
	DNSAddr           string `yaml:"DNSAddr"`
	DevLoopbackIP     string `yaml:"DevLoopbackIP"`
	DevMode           string `yaml:"DevMode"`
	CertDir           string `yaml:"CertDir"`
	ReaperCron        string `yaml:"ReaperCron"`

	Health struct {
		Path                string `yaml:"Path"`
		IntervalSeconds     int    `yaml:"IntervalSeconds"`
		ProbeTimeoutSeconds int    `yaml:"ProbeTimeoutSeconds"`
		UnhealthyThreshold  int    `yaml:"UnhealthyThreshold"`
		DeadThreshold       int    `yaml:"DeadThreshold"`
	} `yaml:"Health"`

	Rolling struct {
		BatchSize             int `yaml:"BatchSize"`
		StartupTimeoutSeconds int `yaml:"StartupTimeoutSeconds"`
	} `yaml:"Rolling"`

	Idle struct {
		CheckIntervalSeconds  int `yaml:"CheckIntervalSeconds"`
		DefaultTimeoutSeconds int `yaml:"DefaultTimeoutSeconds"`
	} `yaml:"Idle"`

	Keychain struct {
		Disabled    string `yaml:"Disabled"`
		ServiceName string `yaml:"ServiceName"`
		AccountName string `yaml:"AccountName"`
	} `yaml:"Keychain"`
}

// IsDevMode reports whether the server should run in local developer mode
// (self-signed certs issued on demand, keychain-backed dev CA).
func (c Config) IsDevMode() bool {
	return parseBool(c.DevMode, false)
}

// IsKeychainDisabled reports whether OS keychain storage for the dev CA key
// has been explicitly disabled, e.g. for headless/CI/Docker runs.
func (c Config) IsKeychainDisabled() bool {
	return parseBool(c.Keychain.Disabled, false)
}

// HealthCheckInterval is the period between active health probes.
func (c Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.Health.IntervalSeconds) * time.Second
}

// ProbeTimeout is the per-request timeout for a single health probe.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Health.ProbeTimeoutSeconds) * time.Second
}

// RollingStartupTimeout bounds how long a new instance gets to become
// healthy during a rolling update before the batch is rolled back.
func (c Config) RollingStartupTimeout() time.Duration {
	return time.Duration(c.Rolling.StartupTimeoutSeconds) * time.Second
}

// IdleCheckInterval is the period between idle-monitor sweeps.
func (c Config) IdleCheckInterval() time.Duration {
	return time.Duration(c.Idle.CheckIntervalSeconds) * time.Second
}

// IdleTimeout is the default per-app idle duration before an instance
// becomes eligible to be stopped, used when an app declares none of its
// own.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Idle.DefaultTimeoutSeconds) * time.Second
}
