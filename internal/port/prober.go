package port

import (
	"context"

	"github.com/mitt-app/mitt-worker/internal/domain"
)

type VideoProber interface {
	Probe(ctx context.Context, input string) (*domain.ProbeResult, error)
}

type Predictor interface {
	Predict(ctx context.Context, coordinates [][2]float64) (*domain.Prediction, error)
}
