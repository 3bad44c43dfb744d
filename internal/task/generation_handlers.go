package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/generation"
	"github.com/phrazzld/scry-queue/internal/redact"
)

// GeneratedItem is one sub-result of a batch generation task.
type GeneratedItem struct {
	Index  int    `json:"index"`
	Prompt string `json:"prompt"`
	Text   string `json:"text,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RegisterGenerationHandlers binds the text and batch generation task types
// to handlers backed by gen.
func RegisterGenerationHandlers(r *HandlerRegistry, gen generation.Generator) error {
	if gen == nil {
		return errors.New("generator cannot be nil")
	}
	if err := r.Register(domain.TaskTypeTextGeneration, NewTextGenerationHandler(gen)); err != nil {
		return err
	}
	return r.Register(domain.TaskTypeBatchGeneration, NewBatchGenerationHandler(gen))
}

// NewTextGenerationHandler returns a handler producing one completion for a
// TextGenerationPayload.
func NewTextGenerationHandler(gen generation.Generator) Handler {
	return HandlerFunc(func(ctx context.Context, job *Job) (*Outcome, error) {
		p, ok := job.Payload.(domain.TextGenerationPayload)
		if !ok {
			return nil, Permanent(fmt.Errorf("%w: expected %s payload", domain.ErrInvalidFormat, domain.TaskTypeTextGeneration))
		}

		text, err := gen.Generate(ctx, p.Prompt, p.Model, p.Parameters)
		if err != nil {
			return nil, err
		}
		job.ReportProgress(100)

		meta := map[string]any{"prompt_length": len(p.Prompt)}
		if p.Model != "" {
			meta["model"] = p.Model
		}
		return &Outcome{
			ResultType: domain.ResultTypeText,
			Data:       text,
			Metadata:   meta,
		}, nil
	})
}

// NewBatchGenerationHandler returns a handler that runs every prompt of a
// BatchGenerationPayload in order. A prompt rejected permanently becomes a
// failed item; a transient error fails the whole attempt so the task is
// retried.
func NewBatchGenerationHandler(gen generation.Generator) Handler {
	return HandlerFunc(func(ctx context.Context, job *Job) (*Outcome, error) {
		p, ok := job.Payload.(domain.BatchGenerationPayload)
		if !ok {
			return nil, Permanent(fmt.Errorf("%w: expected %s payload", domain.ErrInvalidFormat, domain.TaskTypeBatchGeneration))
		}

		items := make([]GeneratedItem, 0, len(p.Prompts))
		failed := 0
		for i, prompt := range p.Prompts {
			if err := ctx.Err(); err != nil {
				return nil, context.Cause(ctx)
			}

			item := GeneratedItem{Index: i, Prompt: prompt}
			text, err := gen.Generate(ctx, prompt, p.Model, p.Parameters)
			switch {
			case err == nil:
				item.Text = text
			case generation.IsPermanent(err):
				item.Error = redact.Error(err)
				failed++
			default:
				return nil, err
			}
			items = append(items, item)

			// 100 is reserved for completion
			job.ReportProgress(min((i+1)*100/len(p.Prompts), 99))
		}

		if failed == len(p.Prompts) {
			return nil, Permanent(fmt.Errorf("all %d prompts failed: %s", failed, items[0].Error))
		}
		return &Outcome{
			ResultType:     domain.ResultTypeJSON,
			Data:           items,
			Metadata:       map[string]any{"model": p.Model, "prompt_count": len(p.Prompts)},
			TotalItems:     len(p.Prompts),
			ProcessedItems: len(p.Prompts) - failed,
			FailedItems:    failed,
		}, nil
	})
}
