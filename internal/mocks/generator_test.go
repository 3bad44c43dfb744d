package mocks_test

import (
	"context"
	"errors"
	"testing"

	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/generation"
	"github.com/phrazzld/scry-queue/internal/mocks"
	"github.com/stretchr/testify/assert"
)

func TestMockGenerator(t *testing.T) {
	t.Parallel()

	t.Run("default response", func(t *testing.T) {
		t.Parallel()
		gen := mocks.NewMockGeneratorWithResponse("Paris")

		out, err := gen.Generate(context.Background(), "Capital of France?", "gemini-2.0-flash", domain.GenerationParameters{})
		assert.NoError(t, err)
		assert.Equal(t, "Paris", out)
		assert.Equal(t, 1, gen.Calls())
		assert.Equal(t, []string{"Capital of France?"}, gen.GenerateCalls.Prompts)
		assert.Equal(t, []string{"gemini-2.0-flash"}, gen.GenerateCalls.Models)
	})

	t.Run("custom function wins", func(t *testing.T) {
		t.Parallel()
		gen := mocks.NewMockGeneratorWithResponse("ignored")
		gen.GenerateFn = func(_ context.Context, prompt, _ string, _ domain.GenerationParameters) (string, error) {
			return "echo: " + prompt, nil
		}

		out, err := gen.Generate(context.Background(), "hi", "", domain.GenerationParameters{})
		assert.NoError(t, err)
		assert.Equal(t, "echo: hi", out)
	})

	t.Run("failure presets", func(t *testing.T) {
		t.Parallel()
		_, err := mocks.MockGeneratorWithTransientFailure().Generate(context.Background(), "p", "", domain.GenerationParameters{})
		assert.ErrorIs(t, err, generation.ErrTransientFailure)
		assert.False(t, generation.IsPermanent(err))

		_, err = mocks.MockGeneratorWithContentBlocked().Generate(context.Background(), "p", "", domain.GenerationParameters{})
		assert.True(t, generation.IsPermanent(err))

		boom := errors.New("boom")
		_, err = mocks.NewMockGeneratorWithError(boom).Generate(context.Background(), "p", "", domain.GenerationParameters{})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("reset", func(t *testing.T) {
		t.Parallel()
		gen := mocks.NewMockGeneratorWithResponse("x")
		_, _ = gen.Generate(context.Background(), "p", "", domain.GenerationParameters{})
		gen.Reset()
		assert.Zero(t, gen.Calls())
		assert.Empty(t, gen.GenerateCalls.Prompts)
	})
}
