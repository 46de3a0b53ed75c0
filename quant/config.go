// elQuant: a high-performance tool for quantifying transcripts from SAM/BAM files.
// Copyright (c) 2021 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elquant/blob/master/LICENSE.txt>.

package quant

import (
	"fmt"
	"math"
	"os"
	"runtime"

	"github.com/exascience/elquant/alignment"
	"github.com/exascience/elquant/bias"
	"github.com/exascience/elquant/eqclass"
	"github.com/exascience/elquant/em"

	"gopkg.in/yaml.v3"
)

// Config is the complete set of quantification options. The YAML keys
// double as the long command line flag names, with dashes.
type Config struct {
	FilterGroup            string  `yaml:"filter_group"`
	FivePrimeClipMax       int64   `yaml:"five_prime_clip_max"`
	ThreePrimeClipMax      int64   `yaml:"three_prime_clip_max"`
	ScoreThresholdFraction float64 `yaml:"score_threshold_fraction"`
	MinAlignedFraction     float64 `yaml:"min_aligned_fraction"`
	MinAlignedLen          int32   `yaml:"min_aligned_len"`
	RequiredStrand         string  `yaml:"required_strand"`

	BiasModel          string  `yaml:"bias_model"`
	LogisticGrowthRate float64 `yaml:"logistic_growth_rate"`
	CoverageBinCount   int     `yaml:"coverage_bin_count"`
	KDEBandwidth       float64 `yaml:"kde_bandwidth"`
	LengthBucketCount  int     `yaml:"length_bucket_count"`

	ScoreBucketResolution float64 `yaml:"score_bucket_resolution"`

	ConvergenceTolerance float64 `yaml:"convergence_tolerance"`
	MaxIterations        int     `yaml:"max_iterations"`
	MinIterations        int     `yaml:"min_iterations"`
	AbundanceFloor       float64 `yaml:"abundance_floor"`

	// WriteAssignmentProbs requests the per-read assignment
	// probabilities under the final estimate.
	WriteAssignmentProbs bool `yaml:"write_assignment_probs"`

	Threads int  `yaml:"threads"`
	Verbose bool `yaml:"verbose"`
	// Quiet suppresses informational log output; warnings and errors
	// are still logged.
	Quiet   bool `yaml:"quiet"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	f := alignment.DefaultFilters()
	opts := em.DefaultOptions()
	return Config{
		FilterGroup:            "default",
		FivePrimeClipMax:       f.FivePrimeClipMax,
		ThreePrimeClipMax:      f.ThreePrimeClipMax,
		ScoreThresholdFraction: f.ScoreThreshold,
		MinAlignedFraction:     f.MinAlignedFraction,
		MinAlignedLen:          f.MinAlignedLength,
		RequiredStrand:         f.Strand.String(),
		BiasModel:              bias.None.String(),
		LogisticGrowthRate:     2,
		CoverageBinCount:       10,
		KDEBandwidth:           0.05,
		LengthBucketCount:      1,
		ScoreBucketResolution:  eqclass.DefaultResolution,
		ConvergenceTolerance:   opts.Tolerance,
		MaxIterations:          opts.MaxIterations,
		MinIterations:          opts.MinIterations,
		AbundanceFloor:         opts.AbundanceFloor,
		Threads:                runtime.GOMAXPROCS(0),
	}
}

// ApplyFilterGroup overwrites the filter thresholds with the named preset.
func (cfg *Config) ApplyFilterGroup(name string) error {
	f, ok := alignment.FilterGroup(name)
	if !ok {
		return &ConfigError{Option: "filter_group", Msg: fmt.Sprintf("unknown filter group %q", name)}
	}
	cfg.FilterGroup = name
	cfg.FivePrimeClipMax = f.FivePrimeClipMax
	cfg.ThreePrimeClipMax = f.ThreePrimeClipMax
	cfg.ScoreThresholdFraction = f.ScoreThreshold
	cfg.MinAlignedFraction = f.MinAlignedFraction
	cfg.MinAlignedLen = f.MinAlignedLength
	cfg.RequiredStrand = f.Strand.String()
	return nil
}

// LoadConfig reads a YAML options file over the defaults. A filter
// group named in the file is applied first, so that individual
// thresholds in the same file override it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var group struct {
		FilterGroup string `yaml:"filter_group"`
	}
	if err := yaml.Unmarshal(data, &group); err != nil {
		return cfg, fmt.Errorf("%w, while parsing options file %v", err, path)
	}
	if group.FilterGroup != "" {
		if err := cfg.ApplyFilterGroup(group.FilterGroup); err != nil {
			return cfg, err
		}
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w, while parsing options file %v", err, path)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// applyDefaults fills in options that were left at their zero value
// and have no meaningful zero setting.
func applyDefaults(cfg *Config) {
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.GOMAXPROCS(0)
	}
	if cfg.ScoreBucketResolution == 0 {
		cfg.ScoreBucketResolution = eqclass.DefaultResolution
	}
	if cfg.MinIterations == 0 {
		cfg.MinIterations = 1
	}
	if cfg.LengthBucketCount == 0 {
		cfg.LengthBucketCount = 1
	}
}

// A ConfigError reports an invalid option. It is always fatal.
type ConfigError struct {
	Option string
	Msg    string
}

func (err *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration option %v: %v", err.Option, err.Msg)
}

func configErrorf(option, format string, v ...interface{}) error {
	return &ConfigError{Option: option, Msg: fmt.Sprintf(format, v...)}
}

// Filters returns the alignment filters of the configuration.
func (cfg *Config) Filters() (alignment.Filters, error) {
	strand, err := alignment.ParseStrand(cfg.RequiredStrand)
	if err != nil {
		return alignment.Filters{}, &ConfigError{Option: "required_strand", Msg: err.Error()}
	}
	return alignment.Filters{
		FivePrimeClipMax:   cfg.FivePrimeClipMax,
		ThreePrimeClipMax:  cfg.ThreePrimeClipMax,
		ScoreThreshold:     cfg.ScoreThresholdFraction,
		MinAlignedFraction: cfg.MinAlignedFraction,
		MinAlignedLength:   cfg.MinAlignedLen,
		Strand:             strand,
	}, nil
}

// BiasKind returns the configured bias model kind.
func (cfg *Config) BiasKind() (bias.Kind, error) {
	kind, err := bias.ParseKind(cfg.BiasModel)
	if err != nil {
		return bias.None, &ConfigError{Option: "bias_model", Msg: err.Error()}
	}
	return kind, nil
}

// EMOptions returns the estimator options of the configuration.
func (cfg *Config) EMOptions() em.Options {
	return em.Options{
		Tolerance:      cfg.ConvergenceTolerance,
		MaxIterations:  cfg.MaxIterations,
		MinIterations:  cfg.MinIterations,
		AbundanceFloor: cfg.AbundanceFloor,
		Partitions:     cfg.Threads,
		Verbose:        cfg.Verbose,
	}
}

func isFraction(x float64) bool {
	return x >= 0 && x <= 1
}

// Validate checks the configuration for invalid and contradictory
// options. It returns a *ConfigError.
func (cfg *Config) Validate() error {
	if _, err := cfg.Filters(); err != nil {
		return err
	}
	kind, err := cfg.BiasKind()
	if err != nil {
		return err
	}
	switch {
	case cfg.FivePrimeClipMax < 0:
		return configErrorf("five_prime_clip_max", "must not be negative, got %v", cfg.FivePrimeClipMax)
	case cfg.ThreePrimeClipMax < 0:
		return configErrorf("three_prime_clip_max", "must not be negative, got %v", cfg.ThreePrimeClipMax)
	case !isFraction(cfg.ScoreThresholdFraction):
		return configErrorf("score_threshold_fraction", "must be in [0,1], got %v", cfg.ScoreThresholdFraction)
	case !isFraction(cfg.MinAlignedFraction):
		return configErrorf("min_aligned_fraction", "must be in [0,1], got %v", cfg.MinAlignedFraction)
	case cfg.MinAlignedLen < 0:
		return configErrorf("min_aligned_len", "must not be negative, got %v", cfg.MinAlignedLen)
	case !(cfg.ScoreBucketResolution > 0 && cfg.ScoreBucketResolution <= 1):
		return configErrorf("score_bucket_resolution", "must be in (0,1], got %v", cfg.ScoreBucketResolution)
	case !(cfg.ConvergenceTolerance > 0):
		return configErrorf("convergence_tolerance", "must be positive, got %v", cfg.ConvergenceTolerance)
	case cfg.MaxIterations < 1:
		return configErrorf("max_iterations", "must be at least 1, got %v", cfg.MaxIterations)
	case cfg.MinIterations > cfg.MaxIterations:
		return configErrorf("min_iterations", "%v exceeds max_iterations %v", cfg.MinIterations, cfg.MaxIterations)
	case cfg.AbundanceFloor < 0 || math.IsNaN(cfg.AbundanceFloor):
		return configErrorf("abundance_floor", "must not be negative, got %v", cfg.AbundanceFloor)
	case cfg.Threads < 1:
		return configErrorf("threads", "must be at least 1, got %v", cfg.Threads)
	case cfg.Quiet && cfg.Verbose:
		return configErrorf("quiet", "cannot be combined with verbose")
	}
	if kind == bias.None {
		return nil
	}
	switch {
	case cfg.CoverageBinCount < 1 || cfg.CoverageBinCount > math.MaxUint16:
		return configErrorf("coverage_bin_count", "must be in [1,%v] when a bias model is used, got %v", math.MaxUint16, cfg.CoverageBinCount)
	case kind == bias.Empirical && !(cfg.KDEBandwidth > 0):
		return configErrorf("kde_bandwidth", "must be positive for the empirical bias model, got %v", cfg.KDEBandwidth)
	case kind == bias.Empirical && cfg.LengthBucketCount < 1:
		return configErrorf("length_bucket_count", "must be at least 1, got %v", cfg.LengthBucketCount)
	case kind == bias.Logistic && (cfg.LogisticGrowthRate == 0 || math.IsNaN(cfg.LogisticGrowthRate) || math.IsInf(cfg.LogisticGrowthRate, 0)):
		return configErrorf("logistic_growth_rate", "must be finite and non-zero for the logistic bias model, got %v", cfg.LogisticGrowthRate)
	}
	return nil
}
