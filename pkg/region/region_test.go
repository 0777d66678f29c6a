package region

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContains(t *testing.T) {
	r := Region{Offset: 100, Size: 50}
	assert.True(t, r.Contains(100))
	assert.True(t, r.Contains(149))
	assert.False(t, r.Contains(150))
	assert.False(t, r.Contains(99))
}

func TestClampTo(t *testing.T) {
	r := Region{Offset: 10, Size: 1000}
	clamped, err := r.ClampTo(100)
	require.NoError(t, err)
	assert.Equal(t, Region{Offset: 10, Size: 90}, clamped)
}

func TestClampToRejectsOutOfBounds(t *testing.T) {
	r := Region{Offset: 200, Size: 10}
	_, err := r.ClampTo(100)
	assert.Error(t, err)
}

func TestFromHTTPRange(t *testing.T) {
	r, err := FromHTTPRange(300000, 399999, 1000000)
	require.NoError(t, err)
	assert.Equal(t, Region{Offset: 300000, Size: 100000}, r)
}

func TestFromHTTPRangeClampsEnd(t *testing.T) {
	r, err := FromHTTPRange(0, 999, 500)
	require.NoError(t, err)
	assert.Equal(t, Region{Offset: 0, Size: 500}, r)
}

func TestFromHTTPRangeUnsatisfiable(t *testing.T) {
	_, err := FromHTTPRange(500, 600, 500)
	assert.Error(t, err)
}
