package progressive

import (
	"context"

	"github.com/chunkflow/chunkflow/models"
)

// Result is what the mode dispatcher hands back: the processed records
// plus a declared accuracy estimate so callers can show a confidence
// indicator next to the numbers.
type Result[R any] struct {
	Mode          models.AnalysisMode `json:"mode"`
	Results       []R                 `json:"results"`
	Accuracy      float64             `json:"accuracy"`
	ProcessedRows int                 `json:"processed_rows"`
	TotalRows     int                 `json:"total_rows"`
}

// Process dispatches by named trade-off: quick runs a preview (lowest
// accuracy), balanced runs a statistical sample (medium), thorough runs
// the full pausable loop (highest).
func (p *Processor[T, R]) Process(ctx context.Context, items []T, mode models.AnalysisMode, sampleOpts SampleOptions) (*Result[R], error) {
	switch mode {
	case models.ModeQuick:
		results, err := p.Preview(ctx, items)
		if err != nil {
			return nil, err
		}
		n := len(items)
		if n > PreviewLimit {
			n = PreviewLimit
		}
		return &Result[R]{
			Mode:          mode,
			Results:       results,
			Accuracy:      coverage(n, len(items)),
			ProcessedRows: n,
			TotalRows:     len(items),
		}, nil

	case models.ModeBalanced:
		run, err := p.StatisticalSample(ctx, items, sampleOpts)
		if err != nil {
			return nil, err
		}
		return &Result[R]{
			Mode:          mode,
			Results:       run.Results,
			Accuracy:      run.Confidence,
			ProcessedRows: run.SampleSize,
			TotalRows:     run.Population,
		}, nil

	case models.ModeThorough, "":
		results, err := p.Full(ctx, items)
		if err != nil {
			return nil, err
		}
		return &Result[R]{
			Mode:          models.ModeThorough,
			Results:       results,
			Accuracy:      1.0,
			ProcessedRows: len(items),
			TotalRows:     len(items),
		}, nil

	default:
		return nil, models.Invalid("unknown analysis mode %q", mode)
	}
}

func coverage(done, total int) float64 {
	if total == 0 {
		return 1
	}
	f := float64(done) / float64(total)
	if f > 1 {
		f = 1
	}
	return f
}
