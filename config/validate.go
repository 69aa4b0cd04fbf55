package config

import (
	"errors"
	"fmt"
	"strings"

	"tipledger/observability/logging"
	"tipledger/storage"
)

// Validate checks the configuration using the same bounds the governance
// setters enforce at runtime.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("DataDir must be set")
	}
	switch strings.ToLower(strings.TrimSpace(c.StorageBackend)) {
	case "", storage.BackendLevelDB, storage.BackendBolt:
	default:
		return fmt.Errorf("unknown StorageBackend %q", c.StorageBackend)
	}
	stable := strings.TrimSpace(c.StableSymbol)
	reward := strings.TrimSpace(c.RewardSymbol)
	if stable == "" || reward == "" {
		return errors.New("StableSymbol and RewardSymbol must be set")
	}
	if strings.EqualFold(stable, reward) {
		return fmt.Errorf("StableSymbol and RewardSymbol must differ, both are %q", stable)
	}
	if _, err := c.Engine(); err != nil {
		return err
	}

	params, err := c.Settlement.Params()
	if err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return fmt.Errorf("settlement: %w", err)
	}

	if c.Delegation.StoreRatePerMinute < 0 {
		return errors.New("delegation: StoreRatePerMinute must not be negative")
	}
	if c.Delegation.StoreRatePerMinute > 0 && c.Delegation.StoreBurst < 1 {
		return errors.New("delegation: StoreBurst must be at least 1 when throttling")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging: unknown format %q", c.Logging.Format)
	}

	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 {
		return errors.New("logging: MaxSizeMB and MaxBackups must not be negative")
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio %v outside [0,1]", c.Telemetry.SampleRatio)
	}
	return nil
}
