// Package analyzer is the default processing routine for video-analysis
// jobs. Route and player detection are not implemented yet; the routine
// validates and probes the video, walks it in segments and asks the model
// service about each one.
package analyzer

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/mitt-app/mitt-worker/internal/adapter/validation"
	"github.com/mitt-app/mitt-worker/internal/domain"
	"github.com/mitt-app/mitt-worker/internal/infrastructure/logger"
	"github.com/mitt-app/mitt-worker/internal/port"
)

const (
	DefaultSteps      = 10
	placeholderResult = "placeholder"
)

type Analyzer struct {
	prober    port.VideoProber
	predictor port.Predictor
	steps     int
	stepDelay time.Duration
}

type Option func(*Analyzer)

func WithProber(p port.VideoProber) Option {
	return func(a *Analyzer) { a.prober = p }
}

func WithPredictor(p port.Predictor) Option {
	return func(a *Analyzer) { a.predictor = p }
}

// WithSteps sets how many segments the video is split into.
func WithSteps(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.steps = n
		}
	}
}

// WithStepDelay adds a fixed pause per segment, used to simulate work.
func WithStepDelay(d time.Duration) Option {
	return func(a *Analyzer) { a.stepDelay = d }
}

func New(opts ...Option) *Analyzer {
	a := &Analyzer{steps: DefaultSteps}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Analyzer) Process(ctx context.Context, payload domain.Payload, progress port.ProgressFunc) (domain.Result, error) {
	if progress == nil {
		progress = func(int) {}
	}

	if _, err := validation.VideoURL(payload.VideoURL); err != nil {
		return nil, fmt.Errorf("%w: videoUrl: %v", domain.ErrProcessing, err)
	}

	result := domain.VideoAnalysisResult{
		RoutesDetected:   []string{},
		Players:          []domain.PlayerAnalysis{},
		AnalysisComplete: true,
	}

	if a.prober != nil {
		probe, err := a.prober.Probe(ctx, payload.VideoURL)
		if err != nil {
			return nil, fmt.Errorf("%w: probe video: %v", domain.ErrProcessing, err)
		}
		result.Video = probe.Meta()
		logger.Debug.Printf("probed %s: %+v", logger.SanitizeForLog(payload.VideoURL), result.Video)
	}

	for step := 1; step <= a.steps; step++ {
		if err := a.wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: segment %d: %v", domain.ErrProcessing, step, err)
		}

		if a.predictor != nil {
			prediction, err := a.predictor.Predict(ctx, nil)
			if err != nil {
				return nil, fmt.Errorf("%w: predict segment %d: %v", domain.ErrProcessing, step, err)
			}
			label := prediction.Label
			if label != "" && label != placeholderResult && !slices.Contains(result.RoutesDetected, label) {
				result.RoutesDetected = append(result.RoutesDetected, label)
			}
		}

		progress(step * 100 / a.steps)
	}

	return result, nil
}

func (a *Analyzer) wait(ctx context.Context) error {
	if a.stepDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(a.stepDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ port.Processor = (*Analyzer)(nil)
