package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_ExactBalanceIsAdmissible(t *testing.T) {
	d, err := Evaluate(Policy{}, 10000, 10000)
	require.NoError(t, err)
	assert.True(t, d.Admissible())
	assert.Equal(t, int64(0), d.Remaining)
}

func TestEvaluate_OneCentShort(t *testing.T) {
	d, err := Evaluate(Policy{}, 9999, 10000)
	require.NoError(t, err)
	assert.Equal(t, Insufficient, d.Verdict)
	assert.Equal(t, int64(1), d.Shortfall)
}

func TestEvaluate_MinBalancePolicy(t *testing.T) {
	// GIVEN: the school keeps 50.00 in every wallet
	p := Policy{MinBalance: 5000}

	d, err := Evaluate(p, 10000, 5000)
	require.NoError(t, err)
	assert.True(t, d.Admissible())

	d, err = Evaluate(p, 10000, 5001)
	require.NoError(t, err)
	assert.False(t, d.Admissible())
	assert.Equal(t, int64(1), d.Shortfall)
}

func TestEvaluate_RejectsInvalidInput(t *testing.T) {
	_, err := Evaluate(Policy{}, -1, 100)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = Evaluate(Policy{}, 100, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = Evaluate(Policy{MinBalance: -5}, 100, 10)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEvaluate_Deterministic(t *testing.T) {
	first, err := Evaluate(Policy{}, 4000, 6000)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Evaluate(Policy{}, 4000, 6000)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, int64(2000), first.Shortfall)
}
