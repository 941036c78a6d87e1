package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	// GIVEN a file that sets only a few fields
	path := writeConfig(t, `
cache:
  total_blocks: 64
policy:
  admission: aging
  age_weight: 0.5
admission_timeout: 2s
`)

	// WHEN loaded
	cfg, err := LoadConfig(path)

	// THEN the given fields win and the rest keep their defaults
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Cache.TotalBlocks)
	assert.Equal(t, DefaultConfig().Cache.BlockSize, cfg.Cache.BlockSize)
	assert.Equal(t, 2*time.Second, cfg.AdmissionTimeout)
	aging, ok := cfg.admissionPolicy().(*AgingAdmission)
	require.True(t, ok)
	assert.Equal(t, 0.5, aging.AgeWeight)
}

func TestLoadConfig_UnknownField_Errors(t *testing.T) {
	path := writeConfig(t, "cache:\n  total_block: 64\n")

	_, err := LoadConfig(path)

	assert.ErrorContains(t, err, "total_block")
}

func TestLoadConfig_MissingFile_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestConfig_Validate_RejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"zero blocks":        func(c *Config) { c.Cache.TotalBlocks = 0 },
		"zero block size":    func(c *Config) { c.Cache.BlockSize = 0 },
		"zero batch tokens":  func(c *Config) { c.Batch.MaxBatchTokens = 0 },
		"zero sequences":     func(c *Config) { c.Batch.MaxSequences = 0 },
		"negative model len": func(c *Config) { c.Batch.MaxModelLen = -1 },
		"zero catch-ups":     func(c *Config) { c.Batch.MaxConcurrentCatchups = 0 },
		"admission policy":   func(c *Config) { c.Policy.Admission = "lottery" },
		"eviction policy":    func(c *Config) { c.Policy.Eviction = "random" },
		"negative age":       func(c *Config) { c.Policy.AgeWeight = -1 },
		"negative timeout":   func(c *Config) { c.AdmissionTimeout = -time.Second },
		"trace level":        func(c *Config) { c.TraceLevel = "verbose" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
