package diffim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"psfmatch/internal/footprint"
	"psfmatch/internal/image"
)

func boxRegion(id int, box image.Box) CandidateRegion {
	return CandidateRegion{ID: id, Footprint: footprint.FromBox(box)}
}

func newTestSolver(t *testing.T, cfg KernelConfig) *CandidateKernelSolver[float64] {
	t.Helper()
	basis, err := BuildBasis(cfg)
	require.NoError(t, err)
	return NewCandidateKernelSolver[float64](basis, cfg)
}

func TestSolveRecoversKernelAndBackground(t *testing.T) {
	truth := gaussianKernel(5, 0.9, 0.3)
	template := starField(40, 40, []star{{20, 20, 100}}, 1.0, 11)
	science := convolve(template, truth)
	addBackground(science, 5)

	solver := newTestSolver(t, testConfig().Kernel)
	assert.Equal(t, 26, solver.Unknowns())
	sol := solver.Solve(boxRegion(3, image.NewBox(12, 12, 17, 17)), template, science)

	require.True(t, sol.Valid(), "status %v reason %v", sol.Status, sol.Reason)
	assert.Equal(t, 3, sol.ID)
	assert.Equal(t, 20.0, sol.X)
	assert.Equal(t, 20.0, sol.Y)
	assert.Equal(t, 17*17, sol.NPix)
	assert.Greater(t, sol.Condition, 1.0)
	assert.InDelta(t, 5.0, sol.Background, 1e-6)
	assert.InDelta(t, 0.0, sol.Chi2, 1e-8)
	require.Len(t, sol.Coefficients, 25)
	for i, want := range truth.Data {
		assert.InDelta(t, want, sol.Coefficients[i], 1e-6, "coefficient %d", i)
		assert.InDelta(t, want, sol.Kernel.Data[i], 1e-6, "kernel pixel %d", i)
	}
}

func TestSolveWithoutBackground(t *testing.T) {
	truth := gaussianKernel(3, 0.7, 0)
	template := starField(30, 30, []star{{15, 15, 80}}, 1.0, 12)
	science := convolve(template, truth)

	cfg := testConfig().Kernel
	cfg.KernelSize = 3
	cfg.FitForBackground = false
	solver := newTestSolver(t, cfg)
	assert.Equal(t, 9, solver.Unknowns())

	sol := solver.Solve(boxRegion(0, image.NewBox(8, 8, 15, 15)), template, science)
	require.True(t, sol.Valid())
	assert.Zero(t, sol.Background)
	assert.InDelta(t, 1.0, sol.Kernel.Sum(), 1e-8)
}

func TestSolveWithRegularization(t *testing.T) {
	truth := gaussianKernel(5, 0.9, 0.3)
	template := starField(40, 40, []star{{20, 20, 100}}, 1.0, 15)
	science := convolve(template, truth)
	addBackground(science, 5)
	region := boxRegion(0, image.NewBox(12, 12, 17, 17))

	solveWith := func(lambda float64) (*CandidateSolution, *mat.SymDense) {
		cfg := testConfig().Kernel
		cfg.UseRegularization = true
		cfg.Regularization.Lambda = lambda
		basis, err := BuildBasis(cfg)
		require.NoError(t, err)
		require.NotNil(t, basis.Regularization)
		sol := NewCandidateKernelSolver[float64](basis, cfg).Solve(region, template, science)
		require.True(t, sol.Valid(), "lambda %g: status %v reason %v", lambda, sol.Status, sol.Reason)
		return sol, basis.Regularization
	}

	free, h := solveWith(0)
	penalized, _ := solveWith(1e3)

	roughness := func(c []float64) float64 {
		v := mat.NewVecDense(len(c), c)
		return mat.Inner(v, h, v)
	}
	assert.Less(t, roughness(penalized.Coefficients), roughness(free.Coefficients))
	assert.GreaterOrEqual(t, penalized.Chi2, free.Chi2)
	assert.NotEqual(t, free.Coefficients, penalized.Coefficients)
	assert.InDelta(t, 1.0, penalized.Kernel.Sum(), 0.02)
	for i, want := range truth.Data {
		assert.InDelta(t, want, free.Coefficients[i], 1e-6, "coefficient %d", i)
	}

	// 25 pixels cannot constrain 25 kernel coefficients plus a background
	cfg := testConfig().Kernel
	cfg.UseRegularization = true
	basis, err := BuildBasis(cfg)
	require.NoError(t, err)
	sol := NewCandidateKernelSolver[float64](basis, cfg).Solve(boxRegion(1, image.NewBox(18, 18, 5, 5)), template, science)
	assert.Equal(t, ReasonTooFewPixels, sol.Reason)
}

func TestSolveTooFewPixels(t *testing.T) {
	template := starField(30, 30, []star{{15, 15, 80}}, 1.0, 13)
	science := convolve(template, gaussianKernel(5, 1, 0))
	solver := newTestSolver(t, testConfig().Kernel)

	sol := solver.Solve(boxRegion(0, image.NewBox(15, 15, 1, 1)), template, science)
	assert.Equal(t, StatusInvalid, sol.Status)
	assert.Equal(t, ReasonTooFewPixels, sol.Reason)

	// the region is large enough but the kernel only fits over a 4x4 corner of it
	sol = solver.Solve(boxRegion(1, image.NewBox(0, 0, 6, 6)), template, science)
	assert.Equal(t, ReasonTooFewPixels, sol.Reason)
	assert.Equal(t, 16, sol.NPix)
	assert.False(t, sol.Valid())
}

func TestSolveSingular(t *testing.T) {
	template := image.New[float64](30, 30)
	template.FillVariance(1)
	science := image.New[float64](30, 30)
	science.FillVariance(1)
	solver := newTestSolver(t, testConfig().Kernel)

	sol := solver.Solve(boxRegion(0, image.NewBox(8, 8, 12, 12)), template, science)
	assert.Equal(t, StatusInvalid, sol.Status)
	assert.Equal(t, ReasonSingular, sol.Reason)
}

func TestSolveIllConditioned(t *testing.T) {
	template := starField(30, 30, []star{{15, 15, 80}}, 1.0, 14)
	science := convolve(template, gaussianKernel(5, 1, 0))
	cfg := testConfig().Kernel
	cfg.MaxConditionNumber = 1.5
	solver := newTestSolver(t, cfg)

	sol := solver.Solve(boxRegion(0, image.NewBox(6, 6, 18, 18)), template, science)
	assert.Equal(t, ReasonIllConditioned, sol.Reason)
	assert.Greater(t, sol.Condition, 1.5)
}

func TestInvalidateIsTerminal(t *testing.T) {
	sol := &CandidateSolution{Status: StatusValid}
	sol.Invalidate(ReasonSigmaClipped)
	assert.False(t, sol.Valid())
	assert.Equal(t, "sigma_clipped", sol.Reason.String())
	assert.Equal(t, "invalid", sol.Status.String())
}
