package handlers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpin(t *testing.T) {
	used, err := Spin(1, 2*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, used, 2*time.Millisecond)
}

func TestSpin_ZeroBudget(t *testing.T) {
	used, err := Spin(1, 0)
	require.NoError(t, err)
	assert.Less(t, used, time.Millisecond)
}

func TestSleep(t *testing.T) {
	used, err := Sleep(1, time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, used, time.Millisecond)
}

func TestFraction(t *testing.T) {
	half, err := Fraction(0.5, 4*time.Millisecond)
	require.NoError(t, err)

	used, err := half(1, 4*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Millisecond, used)
}

func TestFraction_TailCompletes(t *testing.T) {
	half, err := Fraction(0.5, time.Millisecond)
	require.NoError(t, err)

	// Budgets capped at the remaining work must still drain it.
	remaining := 2 * time.Millisecond
	calls := 0
	for remaining > 0 && calls < 100 {
		used, err := half(1, min(remaining, time.Millisecond))
		require.NoError(t, err)
		require.Positive(t, used)
		remaining -= used
		calls++
	}
	assert.Zero(t, remaining)
	assert.Equal(t, 4, calls)
}

func TestFraction_TinyStepStillProgresses(t *testing.T) {
	tiny, err := Fraction(0.1, 5)
	require.NoError(t, err)

	used, err := tiny(1, 1)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(1), used)
}

func TestFraction_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		f       float64
		quantum time.Duration
	}{
		{"above one", 1.5, time.Millisecond},
		{"negative", -0.1, time.Millisecond},
		{"zero never progresses", 0, time.Millisecond},
		{"zero quantum", 0.5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Fraction(tt.f, tt.quantum)
			assert.Error(t, err)
		})
	}
}
