package money

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"100.00", 10000},
		{"45.5", 4550},
		{"0.01", 1},
		{"7", 700},
		{" 12.30 ", 1230},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParse_RejectsSubCentAndGarbage(t *testing.T) {
	for _, in := range []string{"1.005", "abc", "", "99999999999999999999"} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrInvalidAmount, in)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "100.00", Format(10000))
	assert.Equal(t, "0.01", Format(1))
	assert.Equal(t, "0.00", Format(0))
	assert.Equal(t, "-12.34", Format(-1234))
}

func TestMulAndAdd_Overflow(t *testing.T) {
	v, err := Mul(6500, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(19500), v)

	_, err = Mul(math.MaxInt64/2+1, 2)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Add(math.MaxInt64, 1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	v, err = Add(4000, 6000)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), v)
}
