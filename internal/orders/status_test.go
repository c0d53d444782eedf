package orders

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusConfirmed, true},
		{StatusConfirmed, StatusCancelled, true},
		{StatusConfirmed, StatusCompleted, true},
		{StatusCancelled, StatusConfirmed, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusConfirmed, StatusPending, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
	assert.False(t, Status("shipped").Valid())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{&InsufficientBalanceError{Shortfall: 1}, KindInsufficientBalance},
		{invalid("x", "nope"), KindInvalidMenuSelection},
		{&ConflictError{Attempts: 3}, KindConflict},
		{fmt.Errorf("load: %w", ErrOrderNotFound), KindNotFound},
		{fmt.Errorf("x: %w", ErrInvalidTransition), KindInvalidTransition},
		{ErrForbidden, KindForbidden},
		{errors.New("disk on fire"), KindInternal},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, KindOf(tc.err), "%v", tc.err)
	}
}
