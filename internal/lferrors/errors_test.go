package lferrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrappedErrorIsDetectableViaErrorsAs(t *testing.T) {
	cause := errors.New("boom")
	err := New(WUNotFound, "claim", cause).WithWU("WU-1").WithLane("backend")

	wrapped := fmt.Errorf("context: %w", err)

	var lfErr *Error
	require.True(t, errors.As(wrapped, &lfErr))
	require.Equal(t, WUNotFound, lfErr.Code)
	require.True(t, errors.Is(wrapped, cause))
}

func TestCodeOfAndIs(t *testing.T) {
	err := New(LockError, "acquire", nil)
	require.Equal(t, LockError, CodeOf(err))
	require.True(t, Is(err, LockError))
	require.False(t, Is(err, StateError))
	require.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestErrorMessageIncludesContext(t *testing.T) {
	err := New(InvalidLane, "create", nil).WithWU("WU-9").WithLane("payments")
	msg := err.Error()
	require.Contains(t, msg, "WU-9")
	require.Contains(t, msg, "payments")
	require.Contains(t, msg, "INVALID_LANE")
}
