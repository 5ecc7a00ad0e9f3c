// Package config loads the speedtest server's JSON configuration file and
// watches it for changes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/casterlabs/speedtest/internal/policy"
	"github.com/casterlabs/speedtest/pkg/speedtest/spec"
)

// Limit modes accepted in LimitsConfig.Mode.
const (
	ModeSize = "size"
	ModeTime = "time"
)

// ErrCreated is returned by LoadOrCreate when the configuration file did not
// exist and a default one has been written in its place.
var ErrCreated = errors.New("config file created with default values")

// SSLConfig configures TLS for the main listener.
type SSLConfig struct {
	Enabled bool `json:"enabled"`

	// TLS lists the accepted protocol versions, e.g. "TLSv1_2".
	TLS []string `json:"tls"`
	// EnabledCipherSuites lists cipher suites by IANA name. An empty list
	// enables every suite Go considers secure.
	EnabledCipherSuites []string `json:"enabledCipherSuites"`
	// DHSize is kept for compatibility with existing files. Go does not
	// support finite-field DHE, so it has no effect.
	DHSize int `json:"dhSize"`

	CertificateFile string `json:"certificateFile"`
	PrivateKeyFile  string `json:"privateKeyFile"`
	TrustChainFile  string `json:"trustChainFile"`
}

// LimitsConfig selects the policy bounding every test session.
type LimitsConfig struct {
	Mode            string `json:"mode"`
	MaxSize         int64  `json:"maxSize"`
	TimeLimitMillis int64  `json:"timeLimitMillis"`
}

// Config is the content of the configuration file.
type Config struct {
	Debug         bool      `json:"debug"`
	Port          int       `json:"port"`
	IsBehindProxy bool      `json:"isBehindProxy"`
	HTTP3         bool      `json:"http3"`
	SSL           SSLConfig `json:"ssl"`

	HeartbeatURL             string `json:"heartbeatUrl"`
	HeartbeatIntervalSeconds int64  `json:"heartbeatIntervalSeconds"`

	Limits LimitsConfig `json:"limits"`
}

// Default returns the configuration written for new installations.
func Default() Config {
	return Config{
		Port: 8080,
		SSL: SSLConfig{
			TLS: []string{"TLSv1_2", "TLSv1_3"},
			EnabledCipherSuites: []string{
				"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
				"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
				"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
				"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
				"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
				"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
				"TLS_CHACHA20_POLY1305_SHA256",
				"TLS_AES_256_GCM_SHA384",
				"TLS_AES_128_GCM_SHA256",
			},
			DHSize:          2048,
			CertificateFile: "ssl/crt.pem",
			PrivateKeyFile:  "ssl/key.pem",
			TrustChainFile:  "ssl/chain.pem",
		},
		HeartbeatIntervalSeconds: 15,
		Limits: LimitsConfig{
			Mode:            ModeSize,
			MaxSize:         spec.DefaultMaxSize,
			TimeLimitMillis: spec.DefaultTimeLimit.Milliseconds(),
		},
	}
}

// Load reads the configuration at path. Keys missing from the file keep
// their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("malformed config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadOrCreate loads the configuration at path and writes it back, so that
// keys added since the file was created appear in it. If the file does not
// exist, it writes the defaults and returns ErrCreated.
func LoadOrCreate(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
		return cfg, ErrCreated
	}
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	// Failing to normalise the file is not fatal.
	_ = Save(path, cfg)
	return cfg, nil
}

// Save writes cfg to path as indented JSON.
func Save(path string, cfg Config) error {
	b, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// Validate checks that the configuration can be used to start a server.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.HeartbeatIntervalSeconds < 0 {
		return errors.New("heartbeatIntervalSeconds cannot be negative")
	}
	_, err := c.Policy()
	return err
}

// Policy returns the session policy described by the limits section.
func (c *Config) Policy() (policy.Policy, error) {
	var p policy.Policy
	switch c.Limits.Mode {
	case ModeSize, "":
		p = policy.BySize(c.Limits.MaxSize)
	case ModeTime:
		p = policy.ByTime(time.Duration(c.Limits.TimeLimitMillis) * time.Millisecond)
	default:
		return p, fmt.Errorf("unknown limits mode %q", c.Limits.Mode)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("invalid limits: %w", err)
	}
	return p, nil
}

// Addr returns the listen address for the configured port.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// HeartbeatInterval returns the heartbeat period, or zero when heartbeats
// are disabled.
func (c *Config) HeartbeatInterval() time.Duration {
	if c.HeartbeatURL == "" || c.HeartbeatIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}
