package dataset

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// WeightedStyleSampler draws sample indices so that rare styles are
// boosted without fully equalizing the corpus. With correction strength
// alpha, a style holding n samples is drawn with probability
// proportional to n^(1-alpha): alpha 0 reproduces the raw corpus
// distribution, alpha 1 equalizes styles. Each style's share is
// additionally capped so boosted styles cannot dominate a batch.
type WeightedStyleSampler struct {
	rng *rand.Rand

	styleProbs   []float64
	cumulative   []float64
	byStyle      [][]int
	activeStyles []int
}

// SamplerConfig tunes the imbalance correction.
type SamplerConfig struct {
	// Alpha in [0, 1] sets correction strength.
	Alpha float64
	// MaxStyleShare bounds any single style's draw probability.
	// Zero disables the cap.
	MaxStyleShare float64
}

// DefaultSamplerConfig applies moderate correction with a 25% cap.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{Alpha: 0.5, MaxStyleShare: 0.25}
}

// NewWeightedStyleSampler builds a sampler over the dataset's samples.
func NewWeightedStyleSampler(ds *StyleImageDataset, numStyles int, cfg SamplerConfig, rng *rand.Rand) (*WeightedStyleSampler, error) {
	if rng == nil {
		return nil, errors.New("rng must not be nil")
	}
	if cfg.Alpha < 0 || cfg.Alpha > 1 {
		return nil, errors.Errorf("alpha must be in [0, 1], got %f", cfg.Alpha)
	}
	if cfg.MaxStyleShare < 0 || cfg.MaxStyleShare > 1 {
		return nil, errors.Errorf("max style share must be in [0, 1], got %f", cfg.MaxStyleShare)
	}

	byStyle := make([][]int, numStyles)
	for i, style := range ds.StyleIDs() {
		if style < 0 || style >= numStyles {
			return nil, errors.Errorf("sample %d has style id %d outside [0, %d)", i, style, numStyles)
		}
		byStyle[style] = append(byStyle[style], i)
	}

	var active []int
	for s := 0; s < numStyles; s++ {
		if len(byStyle[s]) > 0 {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil, errors.New("dataset has no samples")
	}

	probs := make([]float64, len(active))
	var total float64
	for i, s := range active {
		probs[i] = math.Pow(float64(len(byStyle[s])), 1-cfg.Alpha)
		total += probs[i]
	}
	for i := range probs {
		probs[i] /= total
	}

	if cfg.MaxStyleShare > 0 && len(active) > 1 {
		capStyleShares(probs, cfg.MaxStyleShare)
	}

	cumulative := make([]float64, len(probs))
	sum := 0.0
	for i, p := range probs {
		sum += p
		cumulative[i] = sum
	}
	cumulative[len(cumulative)-1] = 1.0

	return &WeightedStyleSampler{
		rng:          rng,
		styleProbs:   probs,
		cumulative:   cumulative,
		byStyle:      byStyle,
		activeStyles: active,
	}, nil
}

// capStyleShares clips probabilities above the cap and redistributes
// the excess proportionally over the uncapped styles. Iterates because
// redistribution can push another style over the cap.
func capStyleShares(probs []float64, maxShare float64) {
	for iter := 0; iter < len(probs); iter++ {
		excess := 0.0
		uncapped := 0.0
		for _, p := range probs {
			if p > maxShare {
				excess += p - maxShare
			} else {
				uncapped += p
			}
		}
		if excess == 0 || uncapped == 0 {
			return
		}
		scale := (uncapped + excess) / uncapped
		for i, p := range probs {
			if p > maxShare {
				probs[i] = maxShare
			} else {
				probs[i] = p * scale
			}
		}
	}
}

// StyleProbability reports the effective draw probability of a style.
func (s *WeightedStyleSampler) StyleProbability(style int) float64 {
	for i, id := range s.activeStyles {
		if id == style {
			return s.styleProbs[i]
		}
	}
	return 0
}

// Next draws one sample index: a style by weighted choice, then a
// uniform sample within that style.
func (s *WeightedStyleSampler) Next() int {
	u := s.rng.Float64()
	choice := len(s.cumulative) - 1
	for i, c := range s.cumulative {
		if u < c {
			choice = i
			break
		}
	}
	members := s.byStyle[s.activeStyles[choice]]
	return members[s.rng.Intn(len(members))]
}

// NextBatch draws n sample indices.
func (s *WeightedStyleSampler) NextBatch(n int) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = s.Next()
	}
	return indices
}
