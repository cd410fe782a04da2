package sizing

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errOverflow = errors.New("overflow")

func TestToInt64(t *testing.T) {
	t.Parallel()

	n, err := ToInt64(42, errOverflow)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	n, err = ToInt64(math.MaxInt64, errOverflow)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), n)

	_, err = ToInt64(math.MaxInt64+1, errOverflow)
	require.ErrorIs(t, err, errOverflow)
}

func TestRangeEnd(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		off, length uint64
		want        uint64
		ok          bool
	}{
		{"zero", 0, 0, 0, true},
		{"simple", 10, 5, 15, true},
		{"to max", math.MaxUint64 - 1, 1, math.MaxUint64, true},
		{"overflow", math.MaxUint64, 1, 0, false},
		{"large overflow", math.MaxUint64 / 2, math.MaxUint64, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			end, ok := RangeEnd(tt.off, tt.length)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, end)
		})
	}
}
