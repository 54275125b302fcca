package trade

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Weights spreads the composite score across the sub-scores. A weights
// set must sum to 1.
type Weights struct {
	Directness          float64 `yaml:"directness" json:"directness"`
	ValueBalance        float64 `yaml:"valueBalance" json:"valueBalance"`
	Fairness            float64 `yaml:"fairness" json:"fairness"`
	DemandDensity       float64 `yaml:"demandDensity" json:"demandDensity"`
	CollectionCoherence float64 `yaml:"collectionCoherence" json:"collectionCoherence"`
	Recency             float64 `yaml:"recency" json:"recency"`
	Novelty             float64 `yaml:"novelty" json:"novelty"`
	DirectWants         float64 `yaml:"directWants" json:"directWants"`
	ValueMagnitude      float64 `yaml:"valueMagnitude" json:"valueMagnitude"`
	PriceConfidence     float64 `yaml:"priceConfidence" json:"priceConfidence"`
}

// DefaultWeights is the tuned production mix.
func DefaultWeights() Weights {
	return Weights{
		Directness:          0.20,
		ValueBalance:        0.15,
		Fairness:            0.15,
		DemandDensity:       0.10,
		CollectionCoherence: 0.05,
		Recency:             0.10,
		Novelty:             0.05,
		DirectWants:         0.10,
		ValueMagnitude:      0.05,
		PriceConfidence:     0.05,
	}
}

const weightSumTolerance = 1e-9

// Validate rejects negative weights and any set not summing to 1.
func (w Weights) Validate() error {
	vals := w.slice()
	sum := 0.0
	for i, v := range vals {
		if v < 0 {
			return fmt.Errorf("weight %d is negative", i)
		}
		sum += v
	}
	if math.Abs(sum-1) > weightSumTolerance {
		return fmt.Errorf("weights sum to %.12f, want 1", sum)
	}
	return nil
}

func (w Weights) slice() []float64 {
	return []float64{
		w.Directness, w.ValueBalance, w.Fairness, w.DemandDensity,
		w.CollectionCoherence, w.Recency, w.Novelty, w.DirectWants,
		w.ValueMagnitude, w.PriceConfidence,
	}
}

// Breakdown carries each normalised sub-score in [0,1].
type Breakdown struct {
	Directness          float64
	ValueBalance        float64
	Fairness            float64
	DemandDensity       float64
	CollectionCoherence float64
	Recency             float64
	Novelty             float64
	DirectWants         float64
	ValueMagnitude      float64
	PriceConfidence     float64
}

// Composite folds the breakdown under the weights.
func (b Breakdown) Composite(w Weights) float64 {
	vals := []float64{
		b.Directness, b.ValueBalance, b.Fairness, b.DemandDensity,
		b.CollectionCoherence, b.Recency, b.Novelty, b.DirectWants,
		b.ValueMagnitude, b.PriceConfidence,
	}
	sum := 0.0
	for i, wv := range w.slice() {
		sum += wv * vals[i]
	}
	return clamp01(sum)
}

// ScorerConfig tunes the scorer.
type ScorerConfig struct {
	Weights Weights
	// FairnessBand is the relative value-delta band counted as fair.
	FairnessBand float64
	// RecencyTau is the e-folding time of the activity decay.
	RecencyTau time.Duration
	// NoveltyDecay is the novelty score of an already-cached loop.
	NoveltyDecay float64
	// ReferenceValue anchors the log value-magnitude scale.
	ReferenceValue float64
}

// DefaultScorerConfig returns the production defaults.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		Weights:        DefaultWeights(),
		FairnessBand:   0.10,
		RecencyTau:     7 * 24 * time.Hour,
		NoveltyDecay:   0.5,
		ReferenceValue: 10000,
	}
}

// ScoreContext is the per-query state scoring runs against.
type ScoreContext struct {
	Now time.Time
	// MedianDemand is the tenant-wide median want indegree, used to
	// normalise demand density.
	MedianDemand float64
	// Known reports whether the fingerprint is already cached.
	Known func(fingerprint string) bool
}

// Scorer ranks validated loops. It never rejects; every loop gets a
// composite in [0,1].
type Scorer struct {
	cfg ScorerConfig
}

// NewScorer builds a scorer after validating the weight set.
func NewScorer(cfg ScorerConfig) (*Scorer, error) {
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	def := DefaultScorerConfig()
	if cfg.FairnessBand <= 0 {
		cfg.FairnessBand = def.FairnessBand
	}
	if cfg.RecencyTau <= 0 {
		cfg.RecencyTau = def.RecencyTau
	}
	if cfg.NoveltyDecay <= 0 || cfg.NoveltyDecay > 1 {
		cfg.NoveltyDecay = def.NoveltyDecay
	}
	if cfg.ReferenceValue <= 0 {
		cfg.ReferenceValue = def.ReferenceValue
	}
	return &Scorer{cfg: cfg}, nil
}

// Score computes the breakdown, stamps loop.TotalValue and loop.Score,
// and returns the breakdown for callers that want the detail.
func (s *Scorer) Score(loop *Loop, view View, sctx ScoreContext) Breakdown {
	k := len(loop.Steps)
	var b Breakdown
	if k == 0 {
		return b
	}

	b.Directness = 1 / float64(k)

	// Per-step given values; To of step i receives NFT i.
	values := make([]float64, k)
	knownValues := 0
	for i, st := range loop.Steps {
		if v := view.NFTValue(st.NFT); v != nil {
			values[i] = *v
			knownValues++
		}
	}
	loop.TotalValue = 0
	for _, v := range values {
		loop.TotalValue += v
	}

	// Participant From_i gives NFT i and receives NFT i-1.
	deltas := make([]float64, k)
	for i := range loop.Steps {
		deltas[i] = values[(i-1+k)%k] - values[i]
	}

	meanValue := stat.Mean(values, nil)
	sd := 0.0
	if k >= 2 {
		sd = stat.StdDev(deltas, nil)
	}
	switch {
	case meanValue > 0:
		b.ValueBalance = clamp01(1 - sd/meanValue)
	case sd == 0:
		b.ValueBalance = 1
	default:
		b.ValueBalance = 0
	}

	fair := 0
	for i := range deltas {
		given := values[i]
		if given > 0 {
			if math.Abs(deltas[i]) <= s.cfg.FairnessBand*given {
				fair++
			}
		} else if deltas[i] == 0 {
			fair++
		}
	}
	b.Fairness = float64(fair) / float64(k)

	demand := 0.0
	for _, st := range loop.Steps {
		demand += float64(view.WantIndegree(st.NFT))
	}
	demand /= float64(k)
	med := sctx.MedianDemand
	if med <= 0 {
		med = 1
	}
	ratio := demand / med
	b.DemandDensity = ratio / (1 + ratio)

	coherent, direct := 0, 0
	for _, st := range loop.Steps {
		if coll := view.NFTCollection(st.NFT); coll != "" && view.WantsCollection(st.To, coll) {
			coherent++
		}
		if view.WantsNFT(st.To, st.NFT, false) {
			direct++
		}
	}
	b.CollectionCoherence = float64(coherent) / float64(k)
	b.DirectWants = float64(direct) / float64(k)

	recency := 0.0
	for _, st := range loop.Steps {
		if last, ok := view.WalletLastActivity(st.From); ok {
			age := sctx.Now.Sub(last).Seconds()
			if age < 0 {
				age = 0
			}
			recency += math.Exp(-age / s.cfg.RecencyTau.Seconds())
		}
	}
	b.Recency = recency / float64(k)

	b.Novelty = 1
	if sctx.Known != nil && sctx.Known(loop.ID) {
		b.Novelty = s.cfg.NoveltyDecay
	}

	if loop.TotalValue > 0 {
		b.ValueMagnitude = clamp01(math.Log1p(loop.TotalValue) / math.Log1p(s.cfg.ReferenceValue))
	}
	b.PriceConfidence = float64(knownValues) / float64(k)

	loop.Score = b.Composite(s.cfg.Weights)
	return b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
