// Package config holds the server options, loaded from a JSON file and
// overridden by command-line flags.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"fee-backend/models"
)

// Storage backends.
const (
	BackendBadger = "badger"
	BackendJSON   = "json"
	BackendMemory = "memory"
)

// LogOptions configure the zap logger and its rotating file.
type LogOptions struct {
	Level      string `json:"level"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Console    bool   `json:"console"`
}

type Options struct {
	StorageDir     string               `json:"storage_dir"`
	Backend        string               `json:"backend"`
	Port           int                  `json:"port"`
	Pricing        models.PricingConfig `json:"pricing"`
	Owner          string               `json:"owner"`
	Contract       string               `json:"contract"`
	NetworkKeyFile string               `json:"network_key_file"`
	RevenueKeyBits int                  `json:"revenue_key_bits"`
	QueueSize      int                  `json:"queue_size"`
	Log            LogOptions           `json:"log"`
}

// Default returns the options of a local deployment: 30-minute blocks at 50
// cents, capped at 96 blocks (48 hours).
func Default() Options {
	return Options{
		StorageDir: "data",
		Backend:    BackendBadger,
		Port:       8080,
		Pricing: models.PricingConfig{
			PricePerBlock:    50,
			MaxBlocks:        96,
			BlockSizeMinutes: 30,
		},
		NetworkKeyFile: "network.key",
		RevenueKeyBits: 2048,
		QueueSize:      100,
		Log: LogOptions{
			Level:      "info",
			File:       "logs/fee-backend.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Console:    true,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Options, error) {
	opts := Default()
	if path == "" {
		return opts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return opts, nil
}

func (o Options) Validate() error {
	switch o.Backend {
	case BackendBadger, BackendJSON, BackendMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", o.Backend)
	}
	if o.Backend != BackendMemory && o.StorageDir == "" {
		return errors.New("storage_dir is required")
	}
	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("invalid port %d", o.Port)
	}
	if err := o.Pricing.Validate(); err != nil {
		return fmt.Errorf("pricing: %w", err)
	}
	if !common.IsHexAddress(o.Owner) || o.OwnerAddress() == (common.Address{}) {
		return fmt.Errorf("owner %q is not an address", o.Owner)
	}
	if !common.IsHexAddress(o.Contract) || o.ContractAddress() == (common.Address{}) {
		return fmt.Errorf("contract %q is not an address", o.Contract)
	}
	if o.RevenueKeyBits != 0 && o.RevenueKeyBits < 512 {
		return fmt.Errorf("revenue_key_bits must be 0 or at least 512, got %d", o.RevenueKeyBits)
	}
	if o.QueueSize <= 0 {
		return fmt.Errorf("invalid queue size %d", o.QueueSize)
	}
	return nil
}

func (o Options) OwnerAddress() common.Address {
	return common.HexToAddress(o.Owner)
}

func (o Options) ContractAddress() common.Address {
	return common.HexToAddress(o.Contract)
}
