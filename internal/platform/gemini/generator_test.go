package gemini

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/phrazzld/scry-queue/internal/config"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/generation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeModels struct {
	responses []*genai.GenerateContentResponse
	errs      []error
	calls     int
	lastModel string
	lastCfg   *genai.GenerateContentConfig
}

func (f *fakeModels) GenerateContent(
	_ context.Context,
	model string,
	_ []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	i := f.calls
	f.calls++
	f.lastModel = model
	f.lastCfg = cfg
	var resp *genai.GenerateContentResponse
	var err error
	if i < len(f.responses) {
		resp = f.responses[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return resp, err
}

func textResponse(parts ...string) *genai.GenerateContentResponse {
	content := &genai.Content{Role: "model"}
	for _, p := range parts {
		content.Parts = append(content.Parts, &genai.Part{Text: p})
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: content, FinishReason: genai.FinishReasonStop}},
	}
}

func newTestGenerator(models *fakeModels, maxRetries int) *Generator {
	g := newGenerator(
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		config.LLMConfig{ModelName: "gemini-default", MaxRetries: maxRetries, RetryDelaySeconds: 1},
		models,
	)
	g.sleep = func(context.Context, time.Duration) error { return nil }
	return g
}

func TestGenerate_Success(t *testing.T) {
	t.Parallel()
	models := &fakeModels{responses: []*genai.GenerateContentResponse{textResponse("Hello, ", "world")}}
	g := newTestGenerator(models, 2)

	temp := float32(0.3)
	text, err := g.Generate(context.Background(), "say hi", "", domain.GenerationParameters{Temperature: &temp})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", text)
	assert.Equal(t, "gemini-default", models.lastModel)
	require.NotNil(t, models.lastCfg.Temperature)
	assert.Equal(t, temp, *models.lastCfg.Temperature)
	assert.Nil(t, models.lastCfg.TopP)
}

func TestGenerate_RetriesTransientErrors(t *testing.T) {
	t.Parallel()
	models := &fakeModels{
		errs:      []error{errors.New("503"), errors.New("503")},
		responses: []*genai.GenerateContentResponse{nil, nil, textResponse("ok")},
	}
	g := newTestGenerator(models, 3)

	text, err := g.Generate(context.Background(), "p", "gemini-custom", domain.GenerationParameters{})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, 3, models.calls)
	assert.Equal(t, "gemini-custom", models.lastModel)
}

func TestGenerate_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()
	models := &fakeModels{errs: []error{errors.New("a"), errors.New("b"), errors.New("c")}}
	g := newTestGenerator(models, 1)

	_, err := g.Generate(context.Background(), "p", "", domain.GenerationParameters{})
	assert.ErrorIs(t, err, generation.ErrTransientFailure)
	assert.Equal(t, 2, models.calls)
	assert.False(t, generation.IsPermanent(err))
}

func TestGenerate_PermanentErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp *genai.GenerateContentResponse
		want error
	}{
		{"no candidates", &genai.GenerateContentResponse{}, generation.ErrInvalidResponse},
		{"safety block", &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}},
		}, generation.ErrContentBlocked},
		{"empty text", textResponse(), generation.ErrInvalidResponse},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			models := &fakeModels{responses: []*genai.GenerateContentResponse{tc.resp}}
			g := newTestGenerator(models, 3)
			_, err := g.Generate(context.Background(), "p", "", domain.GenerationParameters{})
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, 1, models.calls, "permanent errors are not retried")
		})
	}
}

func TestGenerate_EmptyPrompt(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(&fakeModels{}, 0)
	_, err := g.Generate(context.Background(), "  ", "", domain.GenerationParameters{})
	assert.ErrorIs(t, err, generation.ErrEmptyPrompt)
}

func TestNewGenerator_ValidatesConfig(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewGenerator(context.Background(), logger, config.LLMConfig{ModelName: "m"})
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)

	_, err = NewGenerator(context.Background(), logger, config.LLMConfig{GeminiAPIKey: "k"})
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)

	_, err = NewGenerator(context.Background(), nil, config.LLMConfig{GeminiAPIKey: "k", ModelName: "m"})
	assert.Error(t, err)
}
