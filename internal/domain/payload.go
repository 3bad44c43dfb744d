package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Task types with a typed payload variant.
const (
	TaskTypeTextGeneration  = "text_generation"
	TaskTypeBatchGeneration = "batch_generation"
)

// Payload is the typed body of a task. The set of variants is closed; each
// variant is keyed by the task type it belongs to.
type Payload interface {
	TaskType() string
	Validate() error
	isPayload()
}

// GenerationParameters tunes a single model call. Nil fields use the
// provider's defaults.
type GenerationParameters struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
}

func (p GenerationParameters) validate() error {
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return fmt.Errorf("%w: temperature must be between 0 and 2", ErrValidation)
	}
	if p.TopP != nil && (*p.TopP < 0 || *p.TopP > 1) {
		return fmt.Errorf("%w: top_p must be between 0 and 1", ErrValidation)
	}
	return nil
}

// TextGenerationPayload asks for one completion of one prompt.
type TextGenerationPayload struct {
	Prompt     string               `json:"prompt"`
	Model      string               `json:"model,omitempty"`
	Parameters GenerationParameters `json:"parameters,omitempty"`
}

// TaskType implements Payload.
func (TextGenerationPayload) TaskType() string { return TaskTypeTextGeneration }

// Validate implements Payload.
func (p TextGenerationPayload) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return fmt.Errorf("%w: prompt cannot be empty", ErrValidation)
	}
	return p.Parameters.validate()
}

func (TextGenerationPayload) isPayload() {}

// BatchGenerationPayload runs several prompts inside one task and yields one
// sub-result per prompt.
type BatchGenerationPayload struct {
	Prompts    []string             `json:"prompts"`
	Model      string               `json:"model,omitempty"`
	Parameters GenerationParameters `json:"parameters,omitempty"`
}

// TaskType implements Payload.
func (BatchGenerationPayload) TaskType() string { return TaskTypeBatchGeneration }

// Validate implements Payload.
func (p BatchGenerationPayload) Validate() error {
	if len(p.Prompts) == 0 {
		return fmt.Errorf("%w: prompts cannot be empty", ErrValidation)
	}
	for i, prompt := range p.Prompts {
		if strings.TrimSpace(prompt) == "" {
			return fmt.Errorf("%w: prompt %d cannot be empty", ErrValidation, i)
		}
	}
	return p.Parameters.validate()
}

func (BatchGenerationPayload) isPayload() {}

// KnownTaskType reports whether taskType has a payload variant.
func KnownTaskType(taskType string) bool {
	switch taskType {
	case TaskTypeTextGeneration, TaskTypeBatchGeneration:
		return true
	default:
		return false
	}
}

// DecodePayload parses raw into the variant selected by taskType and
// validates it. Unknown fields are rejected.
func DecodePayload(taskType string, raw json.RawMessage) (Payload, error) {
	switch taskType {
	case TaskTypeTextGeneration:
		var p TextGenerationPayload
		if err := decodeStrict(raw, &p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return p, nil
	case TaskTypeBatchGeneration:
		var p BatchGenerationPayload
		if err := decodeStrict(raw, &p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayload, taskType)
	}
}

// EncodePayload marshals p for storage in an envelope.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.TaskType(), err)
	}
	return data, nil
}

func decodeStrict(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: payload cannot be empty", ErrValidation)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return nil
}
