package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fee-backend/models"
)

func validOptions() Options {
	opts := Default()
	opts.Owner = "0x00000000000000000000000000000000000a11ce"
	opts.Contract = "0x00000000000000000000000000000000000fee01"
	return opts
}

func TestDefaults(t *testing.T) {
	opts, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), opts)
	assert.Equal(t, models.PricingConfig{PricePerBlock: 50, MaxBlocks: 96, BlockSizeMinutes: 30}, opts.Pricing)

	// addresses have no sensible default
	assert.Error(t, opts.Validate())
	assert.NoError(t, validOptions().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"backend": "json",
		"port": 9090,
		"pricing": {"price_per_block": 75, "max_blocks": 48, "block_size_minutes": 15},
		"log": {"level": "debug"}
	}`), 0644))

	opts, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendJSON, opts.Backend)
	assert.Equal(t, 9090, opts.Port)
	assert.Equal(t, uint64(75), opts.Pricing.PricePerBlock)
	assert.Equal(t, uint16(48), opts.Pricing.MaxBlocks)
	assert.Equal(t, "debug", opts.Log.Level)
	// untouched fields keep their defaults
	assert.Equal(t, "data", opts.StorageDir)
	assert.Equal(t, 100, opts.Log.MaxSizeMB)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Options){
		"backend":      func(o *Options) { o.Backend = "redis" },
		"storage dir":  func(o *Options) { o.StorageDir = "" },
		"port":         func(o *Options) { o.Port = 0 },
		"price":        func(o *Options) { o.Pricing.PricePerBlock = 0 },
		"cap":          func(o *Options) { o.Pricing.MaxBlocks = 0 },
		"owner":        func(o *Options) { o.Owner = "alice" },
		"zero owner":   func(o *Options) { o.Owner = "0x0000000000000000000000000000000000000000" },
		"contract":     func(o *Options) { o.Contract = "" },
		"revenue bits": func(o *Options) { o.RevenueKeyBits = 128 },
		"queue":        func(o *Options) { o.QueueSize = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opts := validOptions()
			mutate(&opts)
			assert.Error(t, opts.Validate())
		})
	}

	t.Run("memory needs no dir", func(t *testing.T) {
		opts := validOptions()
		opts.Backend = BackendMemory
		opts.StorageDir = ""
		assert.NoError(t, opts.Validate())
	})

	t.Run("price error is a policy error", func(t *testing.T) {
		opts := validOptions()
		opts.Pricing.PricePerBlock = 0
		assert.ErrorIs(t, opts.Validate(), models.ErrInvalidPolicy)
	})
}
