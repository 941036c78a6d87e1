package workload

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// LengthSampler generates token count samples.
type LengthSampler interface {
	// Sample returns a positive token count (>= 1).
	Sample(rng *rand.Rand) int
}

// LengthSpec describes a clamped Gaussian token length. StdDev 0 or Min == Max
// yields a constant.
type LengthSpec struct {
	Mean   float64 `yaml:"mean"`
	StdDev float64 `yaml:"std_dev"`
	Min    int     `yaml:"min"`
	Max    int     `yaml:"max"`
}

// Sampler validates the spec and builds its sampler.
func (s LengthSpec) Sampler() (LengthSampler, error) {
	if s.Min < 1 {
		return nil, errors.Errorf("length min must be >= 1, got %d", s.Min)
	}
	if s.Max < s.Min {
		return nil, errors.Errorf("length max %d below min %d", s.Max, s.Min)
	}
	if s.StdDev < 0 || math.IsNaN(s.StdDev) || math.IsNaN(s.Mean) {
		return nil, errors.Errorf("invalid length distribution mean=%v std_dev=%v", s.Mean, s.StdDev)
	}
	return &GaussianSampler{mean: s.Mean, stdDev: s.StdDev, min: s.Min, max: s.Max}, nil
}

// GaussianSampler produces clamped Gaussian token lengths.
type GaussianSampler struct {
	mean, stdDev float64
	min, max     int
}

func (s *GaussianSampler) Sample(rng *rand.Rand) int {
	if s.min == s.max {
		return s.min
	}
	val := rng.NormFloat64()*s.stdDev + s.mean
	clamped := math.Min(float64(s.max), math.Max(float64(s.min), val))
	return max(int(math.Round(clamped)), 1)
}

// ArrivalSampler generates inter-arrival gaps.
type ArrivalSampler interface {
	// SampleGap returns the time until the next arrival in microseconds (>= 0).
	SampleGap(rng *rand.Rand) int64
}

// PoissonSampler generates exponentially-distributed inter-arrival times.
type PoissonSampler struct {
	rateMicros float64 // requests per microsecond
}

// NewPoissonSampler creates a sampler for rate requests per second.
func NewPoissonSampler(rate float64) *PoissonSampler {
	return &PoissonSampler{rateMicros: rate / 1e6}
}

func (s *PoissonSampler) SampleGap(rng *rand.Rand) int64 {
	return max(int64(rng.ExpFloat64()/s.rateMicros), 1)
}

// BurstSampler submits everything at once.
type BurstSampler struct{}

func (BurstSampler) SampleGap(*rand.Rand) int64 { return 0 }
