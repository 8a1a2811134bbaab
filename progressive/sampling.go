package progressive

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Sampling defaults: 95% confidence, 5% margin of error, worst-case
// proportion p=0.5.
const (
	DefaultConfidence = 0.95
	DefaultMargin     = 0.05

	// SampleCap bounds any sample at 10,000 records; the 10%-of-population
	// cap is applied on top in SampleSize.
	SampleCap = 10000
)

// SampleOptions configures a statistical-sample run.
type SampleOptions struct {
	Confidence float64
	Margin     float64

	// StratifyBy, when set, draws a size-proportional sample per stratum
	// instead of a simple random sample.
	StratifyBy func(index int) string

	// Seed fixes the random source for reproducible draws; 0 seeds from
	// the clock.
	Seed int64
}

// SampleRun carries the processed sample plus the sizing facts callers
// need to present a confidence indicator.
type SampleRun[R any] struct {
	Results    []R
	SampleSize int
	Population int
	Confidence float64
	Margin     float64
}

// SampleSize computes the required sample size for a population using the
// standard proportion formula n0 = z²·p·(1−p)/e² with finite-population
// correction, capped at min(SampleCap, 10% of the population).
func SampleSize(population int, confidence, margin float64) int {
	if population <= 0 {
		return 0
	}
	if confidence <= 0 {
		confidence = DefaultConfidence
	}
	if margin <= 0 {
		margin = DefaultMargin
	}

	z := zScore(confidence)
	const p = 0.5
	n0 := z * z * p * (1 - p) / (margin * margin)

	// Finite-population correction.
	n := n0 / (1 + (n0-1)/float64(population))
	size := int(math.Ceil(n))

	limit := SampleCap
	if tenth := population / 10; tenth < limit {
		limit = tenth
	}
	if limit < 1 {
		limit = 1
	}
	if size > limit {
		size = limit
	}
	if size > population {
		size = population
	}
	return size
}

// zScore maps the common confidence levels to their normal quantiles.
func zScore(confidence float64) float64 {
	switch {
	case confidence >= 0.99:
		return 2.576
	case confidence >= 0.95:
		return 1.96
	case confidence >= 0.90:
		return 1.645
	default:
		return 1.96
	}
}

// StatisticalSample sizes a sample for the dataset, draws it (simple
// random, or proportional per stratum when StratifyBy is set), and runs
// the full pausable loop over just that sample.
func (p *Processor[T, R]) StatisticalSample(ctx context.Context, items []T, opts SampleOptions) (*SampleRun[R], error) {
	if opts.Confidence <= 0 {
		opts.Confidence = DefaultConfidence
	}
	if opts.Margin <= 0 {
		opts.Margin = DefaultMargin
	}

	size := SampleSize(len(items), opts.Confidence, opts.Margin)
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	var indices []int
	if opts.StratifyBy != nil {
		indices = stratifiedIndices(len(items), size, opts.StratifyBy, rng)
	} else {
		indices = rng.Perm(len(items))[:size]
	}

	sample := make([]T, len(indices))
	for i, idx := range indices {
		sample[i] = items[idx]
	}

	p.logger.Debug().
		Int("population", len(items)).
		Int("sample_size", len(sample)).
		Float64("confidence", opts.Confidence).
		Msg("Drew statistical sample")

	results, err := p.Full(ctx, sample)
	if err != nil {
		return nil, fmt.Errorf("process sample: %w", err)
	}
	return &SampleRun[R]{
		Results:    results,
		SampleSize: len(sample),
		Population: len(items),
		Confidence: opts.Confidence,
		Margin:     opts.Margin,
	}, nil
}

// stratifiedIndices allocates the sample across strata proportionally to
// stratum size, with at least one draw per non-empty stratum.
func stratifiedIndices(population, size int, keyOf func(int) string, rng *rand.Rand) []int {
	strata := make(map[string][]int)
	var order []string
	for i := 0; i < population; i++ {
		k := keyOf(i)
		if _, seen := strata[k]; !seen {
			order = append(order, k)
		}
		strata[k] = append(strata[k], i)
	}

	var out []int
	for _, k := range order {
		members := strata[k]
		take := int(math.Round(float64(size) * float64(len(members)) / float64(population)))
		if take < 1 {
			take = 1
		}
		if take > len(members) {
			take = len(members)
		}
		perm := rng.Perm(len(members))
		for _, j := range perm[:take] {
			out = append(out, members[j])
		}
	}
	return out
}
