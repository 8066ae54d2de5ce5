package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDefinitions(t *testing.T) {
	t.Parallel()

	// Verify all errors are defined and unique
	errs := []error{
		ErrNotFound,
		ErrNoSpace,
		ErrNoFreeNid,
		ErrNoVictim,
		ErrCorrupted,
		ErrCheckpointError,
		ErrReadOnly,
		ErrIO,
		ErrOutOfRange,
	}

	t.Run("all errors are non-nil", func(t *testing.T) {
		t.Parallel()
		for i, err := range errs {
			require.NotNil(t, err, "error at index %d should not be nil", i)
		}
	})

	t.Run("all error messages are unique", func(t *testing.T) {
		t.Parallel()
		seen := make(map[string]bool)
		for _, err := range errs {
			msg := err.Error()
			assert.False(t, seen[msg], "duplicate error message: %s", msg)
			seen[msg] = true
		}
	})
}

func TestErrorIs(t *testing.T) {
	t.Parallel()

	t.Run("fmt.Errorf %w wrapping preserves identity", func(t *testing.T) {
		t.Parallel()
		wrapped := fmt.Errorf("segment 42: %w", ErrCorrupted)
		assert.True(t, errors.Is(wrapped, ErrCorrupted))
		assert.False(t, errors.Is(wrapped, ErrIO))
	})

	t.Run("string concatenation does not match", func(t *testing.T) {
		t.Parallel()
		fake := errors.New("wrapped: " + ErrNoSpace.Error())
		assert.False(t, errors.Is(fake, ErrNoSpace))
	})
}
