package engine

import (
	"bytes"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/inference-engine/engine/trace"
)

// CacheConfig groups KV cache parameters for the block pool.
type CacheConfig struct {
	TotalBlocks int `yaml:"total_blocks"` // pool capacity in blocks (must be > 0)
	BlockSize   int `yaml:"block_size"`   // positions per block (must be > 0)
}

// BatchConfig groups batch composition parameters.
type BatchConfig struct {
	MaxBatchTokens        int  `yaml:"max_batch_tokens"`        // max positions in one main batch
	MaxSequences          int  `yaml:"max_sequences"`           // max sequences holding cache at once
	MaxModelLen           int  `yaml:"max_model_len"`           // max prompt + generated tokens; 0 = unlimited
	MaxConcurrentCatchups int  `yaml:"max_concurrent_catchups"` // catch-up sub-batches executing at once
	ConcurrentCatchup     bool `yaml:"concurrent_catchup"`      // false = run catch-up before the main step
}

// PolicyConfig groups admission and eviction policy selection.
type PolicyConfig struct {
	Admission           string  `yaml:"admission"`            // "priority-fcfs" (default), "fcfs", "sjf", "aging"
	Eviction            string  `yaml:"eviction"`             // "priority-lifo" (default), "lifo", "largest-first"
	AdmissionPreemption bool    `yaml:"admission_preemption"` // let waiting sequences evict strictly lower priorities
	AgeWeight           float64 `yaml:"age_weight"`           // aging policy gain per second waited
}

// Config is the full engine configuration. All sections must be listed to satisfy
// KnownFields(true) strict parsing.
type Config struct {
	Cache            CacheConfig   `yaml:"cache"`
	Batch            BatchConfig   `yaml:"batch"`
	Policy           PolicyConfig  `yaml:"policy"`
	AdmissionTimeout time.Duration `yaml:"admission_timeout"` // 0 = wait forever
	RequestLogPath   string        `yaml:"request_log"`       // JSON-lines request/response log; empty disables
	TraceLevel       string        `yaml:"trace_level"`       // "none" (default), "decisions", "batches"
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Cache: CacheConfig{
			TotalBlocks: 1024,
			BlockSize:   16,
		},
		Batch: BatchConfig{
			MaxBatchTokens:        2048,
			MaxSequences:          64,
			MaxModelLen:           4096,
			MaxConcurrentCatchups: 4,
			ConcurrentCatchup:     true,
		},
		Policy: PolicyConfig{
			Admission: "priority-fcfs",
			Eviction:  "priority-lifo",
			AgeWeight: DefaultAgeWeight,
		},
		TraceLevel: string(trace.TraceLevelNone),
	}
}

// Validate checks that all sizes, policy names and parameter ranges are valid.
func (c Config) Validate() error {
	if c.Cache.TotalBlocks <= 0 {
		return errors.Errorf("cache.total_blocks must be > 0, got %d", c.Cache.TotalBlocks)
	}
	if c.Cache.BlockSize <= 0 {
		return errors.Errorf("cache.block_size must be > 0, got %d", c.Cache.BlockSize)
	}
	if c.Batch.MaxBatchTokens <= 0 {
		return errors.Errorf("batch.max_batch_tokens must be > 0, got %d", c.Batch.MaxBatchTokens)
	}
	if c.Batch.MaxSequences <= 0 {
		return errors.Errorf("batch.max_sequences must be > 0, got %d", c.Batch.MaxSequences)
	}
	if c.Batch.MaxModelLen < 0 {
		return errors.Errorf("batch.max_model_len must be >= 0, got %d", c.Batch.MaxModelLen)
	}
	if c.Batch.MaxConcurrentCatchups <= 0 {
		return errors.Errorf("batch.max_concurrent_catchups must be > 0, got %d", c.Batch.MaxConcurrentCatchups)
	}
	if !ValidAdmissionPolicies[c.Policy.Admission] {
		return errors.Errorf("unknown admission policy %q", c.Policy.Admission)
	}
	if !ValidEvictionPolicies[c.Policy.Eviction] {
		return errors.Errorf("unknown eviction policy %q", c.Policy.Eviction)
	}
	if c.Policy.AgeWeight < 0 {
		return errors.Errorf("policy.age_weight must be >= 0, got %v", c.Policy.AgeWeight)
	}
	if c.AdmissionTimeout < 0 {
		return errors.Errorf("admission_timeout must be >= 0, got %v", c.AdmissionTimeout)
	}
	if !trace.IsValidTraceLevel(c.TraceLevel) {
		return errors.Errorf("unknown trace level %q", c.TraceLevel)
	}
	return nil
}

// LoadConfig reads a YAML configuration file over DefaultConfig. Unknown fields are
// errors so typos cannot silently fall back to defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading engine config")
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, errors.Wrap(err, "parsing engine config")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(err, "invalid engine config")
	}
	return cfg, nil
}

// admissionPolicy builds the configured admission policy.
func (c Config) admissionPolicy() AdmissionPolicy {
	p := NewAdmissionPolicy(c.Policy.Admission)
	if aging, ok := p.(*AgingAdmission); ok {
		aging.AgeWeight = c.Policy.AgeWeight
	}
	return p
}
