package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress        string `toml:"ListenAddress"`
	DataDir              string `toml:"DataDir"`
	StorageBackend       string `toml:"StorageBackend"`
	ProgramID            string `toml:"ProgramID"`
	PlansFile            string `toml:"PlansFile"`
	Environment          string `toml:"Environment"`
	AllowMigrate         bool   `toml:"AllowMigrate"`
	RPCReadHeaderTimeout int    `toml:"RPCReadHeaderTimeout"`
	RPCReadTimeout       int    `toml:"RPCReadTimeout"`
	RPCWriteTimeout      int    `toml:"RPCWriteTimeout"`
	RPCIdleTimeout       int    `toml:"RPCIdleTimeout"`

	Logging     Logging     `toml:"logging"`
	Auth        Auth        `toml:"auth"`
	RateLimit   RateLimit   `toml:"ratelimit"`
	Idempotency Idempotency `toml:"idempotency"`
	Audit       Audit       `toml:"audit"`
	Telemetry   Telemetry   `toml:"telemetry"`
}

// Load loads the configuration from the given path. A missing file is
// replaced by a freshly generated default, including a random token secret.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	applyDefaults(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without touching disk.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./paymentengine-data"
	}
	if strings.TrimSpace(cfg.StorageBackend) == "" {
		cfg.StorageBackend = "leveldb"
	}
	if cfg.RPCReadHeaderTimeout <= 0 {
		cfg.RPCReadHeaderTimeout = 5
	}
	if cfg.RPCReadTimeout <= 0 {
		cfg.RPCReadTimeout = 15
	}
	if cfg.RPCWriteTimeout <= 0 {
		cfg.RPCWriteTimeout = 15
	}
	if cfg.RPCIdleTimeout <= 0 {
		cfg.RPCIdleTimeout = 60
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Auth.ClockSkewSeconds <= 0 {
		cfg.Auth.ClockSkewSeconds = 30
	}
	if strings.TrimSpace(cfg.Auth.Audience) == "" {
		cfg.Auth.Audience = "paymentengine"
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 20
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 40
	}
	if strings.TrimSpace(cfg.Idempotency.Path) == "" {
		cfg.Idempotency.Path = filepath.Join(cfg.DataDir, "idempotency.db")
	}
	if cfg.Idempotency.TTLSeconds <= 0 {
		cfg.Idempotency.TTLSeconds = 24 * 60 * 60
	}
}

// Secret resolves the token secret, preferring the environment variable
// when one is named.
func (a Auth) Secret() ([]byte, error) {
	if env := strings.TrimSpace(a.HMACSecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return []byte(value), nil
		}
	}
	if secret := strings.TrimSpace(a.HMACSecret); secret != "" {
		return []byte(secret), nil
	}
	return nil, fmt.Errorf("auth: no HMAC secret configured")
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	cfg := Default()
	cfg.Auth.HMACSecret = hex.EncodeToString(secret[:])

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
