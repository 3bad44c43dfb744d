package generation

import "errors"

// Errors returned by generators. Handlers classify them with IsPermanent.
var (
	// ErrGenerationFailed wraps provider failures that fit no other category.
	ErrGenerationFailed = errors.New("failed to generate content")

	// ErrInvalidResponse means the provider answered with nothing usable.
	ErrInvalidResponse = errors.New("invalid response from language model")

	// ErrContentBlocked means the provider's safety filters refused the prompt.
	ErrContentBlocked = errors.New("content blocked by language model safety filters")

	// ErrTransientFailure marks errors worth retrying, such as rate limits.
	ErrTransientFailure = errors.New("transient error during generation")

	// ErrInvalidConfig means the generator cannot be built or called as configured.
	ErrInvalidConfig = errors.New("invalid generator configuration")

	// ErrEmptyPrompt rejects blank prompts before any provider call.
	ErrEmptyPrompt = errors.New("prompt cannot be empty")
)

// IsPermanent reports whether retrying the same request cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrContentBlocked) ||
		errors.Is(err, ErrInvalidResponse) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrEmptyPrompt)
}
