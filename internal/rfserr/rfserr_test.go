package rfserr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := Wrap(NotFound, "missing rule", errors.New("boom"))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrIoError))
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(IoError, "read failed", cause)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestNewHasNilCause(t *testing.T) {
	err := New(Invalid, "bad path")
	assert.Nil(t, err.Cause)
	assert.Contains(t, err.Error(), "bad path")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "ProcessFailed", ProcessFailed.String())
	assert.Equal(t, "Unknown", Kind(999).String())
}
