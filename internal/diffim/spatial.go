package diffim

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"psfmatch/internal/image"
)

// clipScaleFloor is the residual scale below which a fit is treated as exact
// and sigma clipping is skipped.
const clipScaleFloor = 1e-10

// chi2Floor keeps candidate weights finite for noiseless fits.
const chi2Floor = 1e-12

// polyTerms is the number of monomials x^i y^j with i+j <= order.
func polyTerms(order int) int { return (order + 1) * (order + 2) / 2 }

// polyBasis fills out with the monomials of (u, v) ordered by total degree,
// then by descending power of u: 1, u, v, u^2, uv, v^2, ...
func polyBasis(order int, u, v float64, out []float64) {
	n := 0
	for d := 0; d <= order; d++ {
		for j := 0; j <= d; j++ {
			out[n] = math.Pow(u, float64(d-j)) * math.Pow(v, float64(j))
			n++
		}
	}
}

// SpatialKernelFitter models each basis coefficient and the background as a
// 2-D polynomial over the field, rejecting outlying candidates between passes.
type SpatialKernelFitter struct {
	KernelOrder   int
	BgOrder       int
	SigmaClip     float64
	MaxIterations int
	// Field sets the coordinate normalization. Empty means the candidates' extent.
	Field  image.Box
	Logger *slog.Logger
}

// NewSpatialKernelFitter builds a fitter from cfg over field.
func NewSpatialKernelFitter(cfg SpatialConfig, field image.Box, logger *slog.Logger) *SpatialKernelFitter {
	return &SpatialKernelFitter{
		KernelOrder:   cfg.KernelOrder,
		BgOrder:       cfg.BgOrder,
		SigmaClip:     cfg.SigmaClip,
		MaxIterations: cfg.MaxIterations,
		Field:         field,
		Logger:        logger,
	}
}

// Fit runs weighted polynomial fits over the valid solutions, invalidating
// sigma-clipped ones in place. It stops when a pass rejects nothing or after
// MaxIterations fits, keeping the last fit.
func (f *SpatialKernelFitter) Fit(solutions []*CandidateSolution, basis []Kernel) (*SpatialModel, error) {
	log := f.Logger
	if log == nil {
		log = slog.Default()
	}
	if len(basis) == 0 {
		return nil, configErrorf("kernel.basis", "spatial fit needs a non-empty basis")
	}
	if f.MaxIterations < 1 {
		return nil, configErrorf("spatial.max_iterations", "must be >= 1, got %d", f.MaxIterations)
	}
	if f.KernelOrder < 0 || f.BgOrder < 0 {
		return nil, configErrorf("spatial.kernel_order", "spatial orders must be >= 0")
	}

	var active []*CandidateSolution
	for _, s := range solutions {
		if s.Valid() {
			if len(s.Coefficients) != len(basis) {
				return nil, fmt.Errorf("candidate %d has %d coefficients, basis has %d", s.ID, len(s.Coefficients), len(basis))
			}
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil, &NoCandidatesError{Stage: "spatial fit", Detected: len(solutions)}
	}

	model := &SpatialModel{basis: cloneKernels(basis)}
	model.setNormalization(f.Field, active)
	kOrder := f.KernelOrder
	bOrder := f.BgOrder

	clipped := 0
	for iter := 1; ; iter++ {
		kOrder = reduceOrder(kOrder, len(active))
		bOrder = reduceOrder(bOrder, len(active))
		kc, kres, kOrderUsed, err := model.fitColumns(active, kOrder, func(s *CandidateSolution) []float64 { return s.Coefficients })
		if err != nil {
			return nil, err
		}
		bc, bres, bOrderUsed, err := model.fitColumns(active, bOrder, func(s *CandidateSolution) []float64 { return []float64{s.Background} })
		if err != nil {
			return nil, err
		}
		if kOrderUsed != f.KernelOrder || bOrderUsed != f.BgOrder {
			log.Warn("spatial order reduced", "kernel_order", kOrderUsed, "bg_order", bOrderUsed,
				"requested_kernel_order", f.KernelOrder, "requested_bg_order", f.BgOrder, "candidates", len(active))
		}
		model.kernelOrder, model.kernelCoeffs = kOrderUsed, kc
		model.bgOrder, model.bgCoeffs = bOrderUsed, bc[0]
		model.iterations = iter
		model.nCandidates = len(active)

		if iter >= f.MaxIterations {
			break
		}
		reject := f.outliers(active, kres, polyTerms(kOrderUsed))
		for i, r := range f.outliers(active, bres, polyTerms(bOrderUsed)) {
			reject[i] = reject[i] || r
		}
		nReject := 0
		for _, r := range reject {
			if r {
				nReject++
			}
		}
		if nReject == 0 {
			break
		}
		minTerms := max(polyTerms(kOrderUsed), polyTerms(bOrderUsed))
		if len(active)-nReject < minTerms {
			log.Warn("sigma clipping stopped, too few candidates would remain",
				"remaining", len(active)-nReject, "needed", minTerms)
			break
		}
		kept := active[:0:0]
		for i, s := range active {
			if reject[i] {
				s.Invalidate(ReasonSigmaClipped)
				continue
			}
			kept = append(kept, s)
		}
		clipped += nReject
		log.Debug("sigma clipped candidates", "iteration", iter, "rejected", nReject, "remaining", len(kept))
		active = kept
	}
	model.clipped = clipped
	log.Info("spatial kernel fit complete", "candidates", model.nCandidates, "clipped", clipped,
		"iterations", model.iterations, "kernel_order", model.kernelOrder, "bg_order", model.bgOrder)
	return model, nil
}

// reduceOrder lowers order until its term count fits n candidates.
func reduceOrder(order, n int) int {
	for order > 0 && polyTerms(order) > n {
		order--
	}
	return order
}

// outliers flags candidates whose residual in any column exceeds SigmaClip
// times that column's residual scale.
func (f *SpatialKernelFitter) outliers(active []*CandidateSolution, residuals *mat.Dense, nTerms int) []bool {
	n, cols := residuals.Dims()
	flags := make([]bool, n)
	dof := n - nTerms
	if dof < 1 {
		return flags
	}
	for c := 0; c < cols; c++ {
		var ss float64
		for i := 0; i < n; i++ {
			r := residuals.At(i, c)
			ss += r * r
		}
		sigma := math.Sqrt(ss / float64(dof))
		if sigma <= clipScaleFloor {
			continue
		}
		for i := 0; i < n; i++ {
			if math.Abs(residuals.At(i, c)) > f.SigmaClip*sigma {
				flags[i] = true
			}
		}
	}
	return flags
}

// candidateWeight is the inverse variance of a candidate's coefficients,
// estimated as chi2/npix.
func candidateWeight(s *CandidateSolution) float64 {
	chi2 := s.Chi2
	if !(chi2 > chi2Floor) {
		chi2 = chi2Floor
	}
	npix := s.NPix
	if npix < 1 {
		npix = 1
	}
	return float64(npix) / chi2
}

// SpatialModel is the fitted, immutable spatially varying kernel.
type SpatialModel struct {
	basis        []Kernel
	kernelOrder  int
	bgOrder      int
	kernelCoeffs [][]float64
	bgCoeffs     []float64

	xMid, yMid     float64
	xScale, yScale float64

	nCandidates int
	iterations  int
	clipped     int
}

func (m *SpatialModel) setNormalization(field image.Box, active []*CandidateSolution) {
	var minX, maxX, minY, maxY float64
	if !field.Empty() {
		minX, maxX = float64(field.MinX), float64(field.MaxX)
		minY, maxY = float64(field.MinY), float64(field.MaxY)
	} else {
		minX, maxX = math.Inf(1), math.Inf(-1)
		minY, maxY = math.Inf(1), math.Inf(-1)
		for _, s := range active {
			minX, maxX = math.Min(minX, s.X), math.Max(maxX, s.X)
			minY, maxY = math.Min(minY, s.Y), math.Max(maxY, s.Y)
		}
	}
	m.xMid, m.yMid = 0.5*(minX+maxX), 0.5*(minY+maxY)
	m.xScale, m.yScale = 0.5*(maxX-minX), 0.5*(maxY-minY)
	if m.xScale <= 0 {
		m.xScale = 1
	}
	if m.yScale <= 0 {
		m.yScale = 1
	}
}

func (m *SpatialModel) normalize(x, y float64) (float64, float64) {
	return (x - m.xMid) / m.xScale, (y - m.yMid) / m.yScale
}

// fitColumns solves the weighted least-squares polynomial fit of every column
// returned by values, all sharing one QR factorization. If the design is rank
// deficient the order is lowered until it is not.
func (m *SpatialModel) fitColumns(active []*CandidateSolution, order int, values func(*CandidateSolution) []float64) ([][]float64, *mat.Dense, int, error) {
	n := len(active)
	cols := len(values(active[0]))
	for ; order >= 0; order-- {
		nt := polyTerms(order)
		a := mat.NewDense(n, nt, nil)
		b := mat.NewDense(n, cols, nil)
		terms := make([]float64, nt)
		for i, s := range active {
			sw := math.Sqrt(candidateWeight(s))
			u, v := m.normalize(s.X, s.Y)
			polyBasis(order, u, v, terms)
			for t, val := range terms {
				a.Set(i, t, sw*val)
			}
			for c, val := range values(s) {
				b.Set(i, c, sw*val)
			}
		}
		var qr mat.QR
		qr.Factorize(a)
		var x mat.Dense
		if err := qr.SolveTo(&x, false, b); err != nil {
			if order == 0 {
				return nil, nil, 0, fmt.Errorf("spatial fit: %w", err)
			}
			continue
		}

		params := make([][]float64, cols)
		for c := range params {
			params[c] = make([]float64, nt)
			for t := 0; t < nt; t++ {
				params[c][t] = x.At(t, c)
			}
		}
		residuals := mat.NewDense(n, cols, nil)
		for i, s := range active {
			u, v := m.normalize(s.X, s.Y)
			polyBasis(order, u, v, terms)
			for c, val := range values(s) {
				residuals.Set(i, c, val-dot(params[c], terms))
			}
		}
		return params, residuals, order, nil
	}
	return nil, nil, 0, fmt.Errorf("spatial fit: no usable polynomial order")
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// Basis returns a copy of the basis kernels.
func (m *SpatialModel) Basis() []Kernel { return cloneKernels(m.basis) }

func (m *SpatialModel) KernelOrder() int     { return m.kernelOrder }
func (m *SpatialModel) BackgroundOrder() int { return m.bgOrder }
func (m *SpatialModel) NumCandidates() int   { return m.nCandidates }
func (m *SpatialModel) Iterations() int      { return m.iterations }
func (m *SpatialModel) NumClipped() int      { return m.clipped }

// KernelCoefficients returns a copy of the polynomial parameters per basis
// kernel, in the monomial order 1, u, v, u^2, uv, v^2, ... of normalized
// coordinates.
func (m *SpatialModel) KernelCoefficients() [][]float64 {
	out := make([][]float64, len(m.kernelCoeffs))
	for i, c := range m.kernelCoeffs {
		out[i] = append([]float64(nil), c...)
	}
	return out
}

// BackgroundCoefficients returns a copy of the background polynomial parameters.
func (m *SpatialModel) BackgroundCoefficients() []float64 {
	return append([]float64(nil), m.bgCoeffs...)
}

// Normalize maps field coordinates into the polynomial's [-1, 1] domain.
func (m *SpatialModel) Normalize(x, y float64) (float64, float64) { return m.normalize(x, y) }

// CoefficientsAt evaluates every basis coefficient polynomial at (x, y).
func (m *SpatialModel) CoefficientsAt(x, y float64) []float64 {
	u, v := m.normalize(x, y)
	terms := make([]float64, polyTerms(m.kernelOrder))
	polyBasis(m.kernelOrder, u, v, terms)
	out := make([]float64, len(m.kernelCoeffs))
	for i, c := range m.kernelCoeffs {
		out[i] = dot(c, terms)
	}
	return out
}

// KernelAt evaluates the spatially varying kernel at (x, y).
func (m *SpatialModel) KernelAt(x, y float64) Kernel {
	k, err := LinearCombination(m.basis, m.CoefficientsAt(x, y))
	if err != nil {
		// basis and coefficients are sized together at fit time
		panic(err)
	}
	return k
}

// KernelSumAt is the sum of the kernel at (x, y).
func (m *SpatialModel) KernelSumAt(x, y float64) float64 { return m.KernelAt(x, y).Sum() }

// BackgroundAt evaluates the differential background at (x, y).
func (m *SpatialModel) BackgroundAt(x, y float64) float64 {
	u, v := m.normalize(x, y)
	terms := make([]float64, polyTerms(m.bgOrder))
	polyBasis(m.bgOrder, u, v, terms)
	return dot(m.bgCoeffs, terms)
}

// GridSample is the model evaluated at one field position.
type GridSample struct {
	X, Y       float64
	KernelSum  float64
	Background float64
}

// Grid evaluates the model on an nx by ny lattice spanning box, corners included.
func (m *SpatialModel) Grid(box image.Box, nx, ny int) []GridSample {
	if nx < 1 {
		nx = 1
	}
	if ny < 1 {
		ny = 1
	}
	step := func(lo, hi, i, n int) float64 {
		if n == 1 {
			return 0.5 * float64(lo+hi)
		}
		return float64(lo) + float64(i)*float64(hi-lo)/float64(n-1)
	}
	out := make([]GridSample, 0, nx*ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			x := step(box.MinX, box.MaxX, i, nx)
			y := step(box.MinY, box.MaxY, j, ny)
			out = append(out, GridSample{X: x, Y: y, KernelSum: m.KernelSumAt(x, y), Background: m.BackgroundAt(x, y)})
		}
	}
	return out
}

func cloneKernels(in []Kernel) []Kernel {
	out := make([]Kernel, len(in))
	for i, k := range in {
		out[i] = k.Clone()
	}
	return out
}
