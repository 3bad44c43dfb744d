package task

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler() Handler {
	return HandlerFunc(func(context.Context, *Job) (*Outcome, error) { return nil, nil })
}

func TestHandlerRegistry(t *testing.T) {
	t.Parallel()
	r := NewHandlerRegistry()

	require.NoError(t, r.Register("b", noopHandler()))
	require.NoError(t, r.Register("a", noopHandler()))
	assert.ErrorIs(t, r.Register("a", noopHandler()), ErrDuplicateHandler)
	assert.Error(t, r.Register(" ", noopHandler()))
	assert.Error(t, r.Register("c", nil))

	_, ok := r.Lookup("a")
	assert.True(t, ok)
	_, ok = r.Lookup("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, r.Types())

	assert.Panics(t, func() { r.MustRegister("a", noopHandler()) })
}

func TestPermanent(t *testing.T) {
	t.Parallel()
	base := errors.New("bad input")

	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(base))

	wrapped := fmt.Errorf("handler: %w", Permanent(base))
	assert.True(t, IsPermanent(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, "handler: bad input", wrapped.Error())
}
