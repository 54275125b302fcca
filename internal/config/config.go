// Package config loads the optional YAML tuning file named by
// CONFIG_FILE. Operational settings (ports, caps, backends) come from
// the environment in main; this file only carries the knobs an operator
// tunes per deployment: scorer weights and loop cache lifetime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ringtrade/internal/trade"
)

// Tuning is the full tuning file.
//
//	scorer:
//	  weights:
//	    directness: 0.20
//	    ...
//	  fairnessBand: 0.10
//	  recencyTauHours: 168
//	  noveltyDecay: 0.5
//	  referenceValueUSD: 10000
//	cache:
//	  loopTTLMinutes: 15
type Tuning struct {
	Scorer ScorerTuning `yaml:"scorer"`
	Cache  CacheTuning  `yaml:"cache"`
}

// ScorerTuning tunes loop ranking. A zero Weights block falls back to
// the engine defaults; a partially filled one must still sum to 1.
type ScorerTuning struct {
	Weights           trade.Weights `yaml:"weights"`
	FairnessBand      float64       `yaml:"fairnessBand"`
	RecencyTauHours   float64       `yaml:"recencyTauHours"`
	NoveltyDecay      float64       `yaml:"noveltyDecay"`
	ReferenceValueUSD float64       `yaml:"referenceValueUSD"`
}

// CacheTuning tunes the per-tenant loop cache.
type CacheTuning struct {
	LoopTTLMinutes int `yaml:"loopTTLMinutes"`
}

// Default returns the tuning the engine runs with when no file is
// given.
func Default() *Tuning {
	sc := trade.DefaultScorerConfig()
	return &Tuning{
		Scorer: ScorerTuning{
			Weights:           sc.Weights,
			FairnessBand:      sc.FairnessBand,
			RecencyTauHours:   sc.RecencyTau.Hours(),
			NoveltyDecay:      sc.NoveltyDecay,
			ReferenceValueUSD: sc.ReferenceValue,
		},
		Cache: CacheTuning{LoopTTLMinutes: 15},
	}
}

// Load reads and validates a tuning file.
func Load(path string) (*Tuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects weight sets not summing to 1 and out-of-range knobs.
func (t *Tuning) Validate() error {
	if t.Scorer.Weights != (trade.Weights{}) {
		if err := t.Scorer.Weights.Validate(); err != nil {
			return fmt.Errorf("scorer weights: %w", err)
		}
	}
	if t.Scorer.FairnessBand < 0 || t.Scorer.FairnessBand > 1 {
		return fmt.Errorf("scorer fairnessBand %v out of range [0,1]", t.Scorer.FairnessBand)
	}
	if t.Scorer.NoveltyDecay < 0 || t.Scorer.NoveltyDecay > 1 {
		return fmt.Errorf("scorer noveltyDecay %v out of range [0,1]", t.Scorer.NoveltyDecay)
	}
	if t.Scorer.RecencyTauHours < 0 {
		return fmt.Errorf("scorer recencyTauHours must not be negative")
	}
	if t.Cache.LoopTTLMinutes < 0 {
		return fmt.Errorf("cache loopTTLMinutes must not be negative")
	}
	return nil
}

// ScorerConfig converts the tuning into the scorer's native form.
func (t *Tuning) ScorerConfig() trade.ScorerConfig {
	return trade.ScorerConfig{
		Weights:        t.Scorer.Weights,
		FairnessBand:   t.Scorer.FairnessBand,
		RecencyTau:     time.Duration(t.Scorer.RecencyTauHours * float64(time.Hour)),
		NoveltyDecay:   t.Scorer.NoveltyDecay,
		ReferenceValue: t.Scorer.ReferenceValueUSD,
	}
}

// LoopTTL returns the cache lifetime as a duration.
func (t *Tuning) LoopTTL() time.Duration {
	return time.Duration(t.Cache.LoopTTLMinutes) * time.Minute
}
