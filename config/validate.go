package config

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"

	"paymentengine/observability/logging"
	"paymentengine/storage"
)

func ValidateConfig(cfg *Config) error {
	switch cfg.StorageBackend {
	case storage.BackendLevelDB, storage.BackendBolt, storage.BackendMemory:
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.StorageBackend)
	}
	if id := strings.TrimSpace(cfg.ProgramID); id != "" {
		if _, err := solana.PublicKeyFromBase58(id); err != nil {
			return fmt.Errorf("program id: %w", err)
		}
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 || cfg.RateLimit.Burst <= 0 {
		return fmt.Errorf("ratelimit: rate and burst must be positive")
	}
	switch cfg.Audit.Driver {
	case "":
	case "sqlite", "postgres":
		if strings.TrimSpace(cfg.Audit.DSN) == "" {
			return fmt.Errorf("audit: dsn required for driver %s", cfg.Audit.Driver)
		}
	default:
		return fmt.Errorf("audit: unknown driver %q", cfg.Audit.Driver)
	}
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry: sample ratio must be within [0, 1]")
	}
	return nil
}
