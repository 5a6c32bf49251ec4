package diffim

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"psfmatch/internal/image"
)

func TestSubtractLeavesFlatResidual(t *testing.T) {
	truth := gaussianKernel(5, 0.8, 0)
	template := starField(64, 64, gridStars, 1.0, 31)
	science := convolve(template, truth)
	addBackground(science, 2)

	m, err := NewMatcher[float64](testConfig(), discardLogger())
	require.NoError(t, err)
	res, err := m.Match(context.Background(), template, science)
	require.NoError(t, err)

	diff, err := Subtract(template, science, res.Model, 16)
	require.NoError(t, err)
	edge, _ := diff.Planes.PlaneBitMask(image.PlaneEdge)

	var maxAbs float64
	for y := 2; y < 62; y++ {
		for x := 2; x < 62; x++ {
			v, variance, mask := diff.At(x, y)
			require.Zero(t, mask&edge, "interior pixel (%d,%d) flagged EDGE", x, y)
			assert.Greater(t, variance, 0.0)
			maxAbs = math.Max(maxAbs, math.Abs(v))
		}
	}
	assert.Less(t, maxAbs, 1e-3)

	_, _, corner := diff.At(0, 0)
	assert.NotZero(t, corner&edge)
}

func TestSubtractRejectsMismatch(t *testing.T) {
	_, err := Subtract(image.New[float64](4, 4), image.New[float64](5, 4), &SpatialModel{}, 8)
	assert.Error(t, err)
}
