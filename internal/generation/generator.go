package generation

import (
	"context"

	"github.com/phrazzld/scry-queue/internal/domain"
)

// Generator produces text from a prompt.
type Generator interface {
	// Generate returns the model's completion of prompt. An empty model
	// selects the generator's default. Errors wrap the sentinels in
	// errors.go so callers can tell transient failures from permanent ones.
	Generate(ctx context.Context, prompt, model string, params domain.GenerationParameters) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt, model string, params domain.GenerationParameters) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, prompt, model string, params domain.GenerationParameters) (string, error) {
	return f(ctx, prompt, model, params)
}
