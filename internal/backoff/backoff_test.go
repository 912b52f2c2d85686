package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialJitter(t *testing.T) {
	strategy := ExponentialJitter{}

	tests := []struct {
		name     string
		attempt  int
		expected time.Duration
	}{
		{"attempt 0", 0, 100 * time.Millisecond},
		{"attempt 1", 1, 200 * time.Millisecond},
		{"attempt 2", 2, 400 * time.Millisecond},
		{"negative attempt", -3, 100 * time.Millisecond},
		{"capped at max", 10, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strategy.Calculate(tt.attempt, 100*time.Millisecond, 5*time.Second, 2.0, 0)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestExponentialJitterStaysWithinBounds(t *testing.T) {
	strategy := ExponentialJitter{}
	for i := 0; i < 100; i++ {
		got := strategy.Calculate(1, 100*time.Millisecond, time.Second, 2.0, 0.5)
		assert.GreaterOrEqual(t, got, 200*time.Millisecond)
		assert.LessOrEqual(t, got, 300*time.Millisecond)
	}
}

func TestDecorrelatedJitter(t *testing.T) {
	strategy := DecorrelatedJitter{}

	assert.Equal(t, 100*time.Millisecond, strategy.Calculate(0, 100*time.Millisecond, 5*time.Second, 2.0, 0))

	for i := 0; i < 100; i++ {
		got := strategy.Calculate(1, 100*time.Millisecond, 5*time.Second, 2.0, 0)
		assert.GreaterOrEqual(t, got, 100*time.Millisecond)
		assert.LessOrEqual(t, got, 300*time.Millisecond)
	}

	assert.LessOrEqual(t, strategy.Calculate(50, 100*time.Millisecond, time.Second, 2.0, 0), time.Second)
}

func TestConstant(t *testing.T) {
	assert.Equal(t, 250*time.Millisecond, Constant{}.Calculate(7, 250*time.Millisecond, time.Second, 2.0, 0.3))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		expected Strategy
	}{
		{"", ExponentialJitter{}},
		{"exponential", ExponentialJitter{}},
		{"Decorrelated", DecorrelatedJitter{}},
		{"decorrelated_jitter", DecorrelatedJitter{}},
		{" constant ", Constant{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	_, err := Parse("fibonacci")
	assert.Error(t, err)
}

func TestClampJitter(t *testing.T) {
	assert.Equal(t, 0.0, clampJitter(-0.5))
	assert.Equal(t, 0.5, clampJitter(0.5))
	assert.Equal(t, 1.0, clampJitter(1.5))
}

func BenchmarkExponentialJitter(b *testing.B) {
	strategy := ExponentialJitter{}
	for i := 0; i < b.N; i++ {
		strategy.Calculate(i%10, 100*time.Millisecond, 5*time.Second, 2.0, 0.1)
	}
}
