package port

import (
	"context"

	"github.com/mitt-app/mitt-worker/internal/domain"
)

// ProgressFunc receives a percentage in [0,100]. Calling it is optional.
type ProgressFunc func(percent int)

type Processor interface {
	Process(ctx context.Context, payload domain.Payload, progress ProgressFunc) (domain.Result, error)
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context, payload domain.Payload, progress ProgressFunc) (domain.Result, error)

func (f ProcessorFunc) Process(ctx context.Context, payload domain.Payload, progress ProgressFunc) (domain.Result, error) {
	return f(ctx, payload, progress)
}
