package diffim

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"psfmatch/internal/image"
)

// linearSolutions places candidates on a grid with coefficients a+bx+cy and a
// constant background.
func linearSolutions(nx, ny int, bg float64) []*CandidateSolution {
	var out []*CandidateSolution
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			x, y := float64(10+20*i), float64(10+20*j)
			out = append(out, &CandidateSolution{
				ID:           len(out),
				X:            x,
				Y:            y,
				Coefficients: []float64{1 + 0.01*x - 0.005*y, 0.2},
				Background:   bg,
				Chi2:         1,
				NPix:         100,
				Status:       StatusValid,
			})
		}
	}
	return out
}

func twoKernelBasis() []Kernel {
	a := NewKernel(3, 3)
	a.Set(1, 1, 1)
	b := NewKernel(3, 3)
	b.Set(0, 1, 1)
	b.Set(2, 1, -1)
	return []Kernel{a, b}
}

func newTestFitter(field image.Box) *SpatialKernelFitter {
	cfg := DefaultConfig().Spatial
	return NewSpatialKernelFitter(cfg, field, discardLogger())
}

func TestSpatialFitRecoversLinearModel(t *testing.T) {
	solutions := linearSolutions(4, 4, 2.5)
	field := image.NewBox(0, 0, 80, 80)
	model, err := newTestFitter(field).Fit(solutions, twoKernelBasis())
	require.NoError(t, err)

	assert.Equal(t, 0, model.NumClipped())
	assert.Equal(t, 1, model.Iterations())
	assert.Equal(t, 16, model.NumCandidates())
	assert.Equal(t, 1, model.KernelOrder())
	for _, s := range solutions {
		assert.True(t, s.Valid())
	}
	for _, p := range [][2]float64{{0, 0}, {40, 40}, {79, 12}, {33, 70}} {
		c := model.CoefficientsAt(p[0], p[1])
		assert.InDelta(t, 1+0.01*p[0]-0.005*p[1], c[0], 1e-9)
		assert.InDelta(t, 0.2, c[1], 1e-9)
		assert.InDelta(t, 2.5, model.BackgroundAt(p[0], p[1]), 1e-9)
		k := model.KernelAt(p[0], p[1])
		assert.InDelta(t, c[0], k.At(1, 1), 1e-12)
		assert.InDelta(t, c[0], model.KernelSumAt(p[0], p[1]), 1e-9)
	}
}

func TestSpatialFitClipsOutlier(t *testing.T) {
	solutions := linearSolutions(5, 4, 0)
	solutions[7].Coefficients[1] += 10
	model, err := newTestFitter(image.NewBox(0, 0, 100, 80)).Fit(solutions, twoKernelBasis())
	require.NoError(t, err)

	assert.Equal(t, 1, model.NumClipped())
	assert.Equal(t, 2, model.Iterations())
	assert.Equal(t, 19, model.NumCandidates())
	assert.Equal(t, StatusInvalid, solutions[7].Status)
	assert.Equal(t, ReasonSigmaClipped, solutions[7].Reason)
	assert.InDelta(t, 0.2, model.CoefficientsAt(50, 50)[1], 1e-9)
}

func TestSpatialFitLastIterationDoesNotClip(t *testing.T) {
	solutions := linearSolutions(5, 4, 0)
	solutions[7].Coefficients[1] += 10
	fitter := newTestFitter(image.Box{})
	fitter.MaxIterations = 1
	model, err := fitter.Fit(solutions, twoKernelBasis())
	require.NoError(t, err)
	assert.Equal(t, 0, model.NumClipped())
	assert.True(t, solutions[7].Valid())
}

func TestSpatialFitReducesOrder(t *testing.T) {
	solutions := linearSolutions(2, 1, 1)
	model, err := newTestFitter(image.Box{}).Fit(solutions, twoKernelBasis())
	require.NoError(t, err)
	assert.Equal(t, 0, model.KernelOrder())
	assert.Equal(t, 0, model.BackgroundOrder())
	assert.Len(t, model.KernelCoefficients()[0], 1)
}

func TestSpatialFitSkipsInvalid(t *testing.T) {
	solutions := linearSolutions(4, 4, 0)
	solutions[0].Invalidate(ReasonSingular)
	solutions[0].Coefficients = nil
	model, err := newTestFitter(image.Box{}).Fit(solutions, twoKernelBasis())
	require.NoError(t, err)
	assert.Equal(t, 15, model.NumCandidates())
	assert.Equal(t, ReasonSingular, solutions[0].Reason)
}

func TestSpatialFitNoValidCandidates(t *testing.T) {
	solutions := linearSolutions(2, 2, 0)
	for _, s := range solutions {
		s.Invalidate(ReasonIllConditioned)
	}
	_, err := newTestFitter(image.Box{}).Fit(solutions, twoKernelBasis())
	assert.True(t, errors.Is(err, ErrNoCandidates))
}

func TestSpatialModelGrid(t *testing.T) {
	model, err := newTestFitter(image.Box{}).Fit(linearSolutions(3, 3, 1), twoKernelBasis())
	require.NoError(t, err)
	grid := model.Grid(image.NewBox(0, 0, 101, 51), 3, 3)
	require.Len(t, grid, 9)
	assert.Equal(t, 0.0, grid[0].X)
	assert.Equal(t, 50.0, grid[4].X)
	assert.Equal(t, 25.0, grid[4].Y)
	assert.Equal(t, 100.0, grid[8].X)
	for _, g := range grid {
		assert.InDelta(t, 1+0.01*g.X-0.005*g.Y, g.KernelSum, 1e-9)
		assert.InDelta(t, 1.0, g.Background, 1e-9)
	}
}

func TestSpatialModelIsImmutable(t *testing.T) {
	basis := twoKernelBasis()
	model, err := newTestFitter(image.Box{}).Fit(linearSolutions(3, 3, 0), basis)
	require.NoError(t, err)
	basis[0].Set(1, 1, 99)
	model.KernelCoefficients()[0][0] = 42
	model.Basis()[0].Set(1, 1, 7)
	assert.Equal(t, 1.0, model.Basis()[0].At(1, 1))
	assert.NotEqual(t, 42.0, model.KernelCoefficients()[0][0])
}
