package diffim

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"psfmatch/internal/image"
)

// CandidateStatus is the validity state of a candidate solution.
// Pending -> Valid -> (Valid | Invalid); Invalid is terminal.
type CandidateStatus int

const (
	StatusPending CandidateStatus = iota
	StatusValid
	StatusInvalid
)

func (s CandidateStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// InvalidReason records why a candidate was excluded from the spatial fit.
type InvalidReason int

const (
	ReasonNone InvalidReason = iota
	ReasonTooFewPixels
	ReasonSingular
	ReasonIllConditioned
	ReasonSigmaClipped
)

func (r InvalidReason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonTooFewPixels:
		return "too_few_pixels"
	case ReasonSingular:
		return "singular"
	case ReasonIllConditioned:
		return "ill_conditioned"
	case ReasonSigmaClipped:
		return "sigma_clipped"
	default:
		return "unknown"
	}
}

// CandidateSolution is the kernel fit for one region. Only Status and Reason
// change after it is created, and only from Valid to Invalid.
type CandidateSolution struct {
	ID           int
	X, Y         float64
	Coefficients []float64
	Background   float64
	Kernel       Kernel
	Chi2         float64
	NPix         int
	Condition    float64
	Status       CandidateStatus
	Reason       InvalidReason
}

// Valid reports whether the solution takes part in the spatial fit.
func (s *CandidateSolution) Valid() bool { return s.Status == StatusValid }

// Invalidate marks a solution as excluded. It never reinstates one.
func (s *CandidateSolution) Invalidate(reason InvalidReason) {
	s.Status = StatusInvalid
	s.Reason = reason
}

// CandidateKernelSolver fits basis coefficients and a differential background
// for one region by weighted linear least squares.
type CandidateKernelSolver[T image.Pixel] struct {
	basis              []Kernel
	regularization     *mat.SymDense
	lambda             float64
	fitBackground      bool
	maxConditionNumber float64
}

// NewCandidateKernelSolver builds a solver for basis. When basis carries a
// regularization matrix, lambda*H is added to the Gram matrix.
func NewCandidateKernelSolver[T image.Pixel](basis Basis, cfg KernelConfig) *CandidateKernelSolver[T] {
	return &CandidateKernelSolver[T]{
		basis:              basis.Kernels,
		regularization:     basis.Regularization,
		lambda:             basis.Lambda,
		fitBackground:      cfg.FitForBackground,
		maxConditionNumber: cfg.MaxConditionNumber,
	}
}

// Unknowns is the number of parameters solved per candidate.
func (s *CandidateKernelSolver[T]) Unknowns() int {
	if s.fitBackground {
		return len(s.basis) + 1
	}
	return len(s.basis)
}

// Solve fits the region. Ill-posed systems yield an Invalid solution, never an error.
func (s *CandidateKernelSolver[T]) Solve(region CandidateRegion, template, science *image.MaskedImage[T]) *CandidateSolution {
	cx, cy := region.Center()
	sol := &CandidateSolution{ID: region.ID, X: cx, Y: cy, Status: StatusPending}
	nb := len(s.basis)
	nu := s.Unknowns()

	if region.Area() < nu {
		sol.Invalidate(ReasonTooFewPixels)
		return sol
	}

	// design rows: one per usable pixel of the region's bounding box
	box := region.BBox()
	var (
		rows    []float64
		targets []float64
		weights []float64
	)
	row := make([]float64, nu)
	for y := box.MinY; y <= box.MaxY; y++ {
		for x := box.MinX; x <= box.MaxX; x++ {
			if !science.In(x, y) {
				continue
			}
			value, variance, _ := science.At(x, y)
			if !image.Finite(value) || !image.Finite(variance) || !(variance > 0) {
				continue
			}
			ok := true
			for i, k := range s.basis {
				c, inside := convolveAt(template, k, x, y)
				if !inside {
					ok = false
					break
				}
				row[i] = c
			}
			if !ok {
				continue
			}
			if s.fitBackground {
				row[nb] = 1
			}
			rows = append(rows, row...)
			targets = append(targets, float64(value))
			weights = append(weights, 1/float64(variance))
		}
	}
	npix := len(targets)
	sol.NPix = npix
	if npix < nu {
		sol.Invalidate(ReasonTooFewPixels)
		return sol
	}

	gram := make([]float64, nu*nu)
	rhs := make([]float64, nu)
	for p := 0; p < npix; p++ {
		r := rows[p*nu : (p+1)*nu]
		w := weights[p]
		for i := 0; i < nu; i++ {
			wi := w * r[i]
			rhs[i] += wi * targets[p]
			for j := i; j < nu; j++ {
				gram[i*nu+j] += wi * r[j]
			}
		}
	}
	for i := 0; i < nu; i++ {
		for j := 0; j < i; j++ {
			gram[i*nu+j] = gram[j*nu+i]
		}
	}
	if s.regularization != nil && s.lambda > 0 {
		for i := 0; i < nb; i++ {
			for j := 0; j < nb; j++ {
				gram[i*nu+j] += s.lambda * s.regularization.At(i, j)
			}
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(nu, gram)); !ok {
		sol.Invalidate(ReasonSingular)
		return sol
	}
	sol.Condition = chol.Cond()
	if math.IsInf(sol.Condition, 0) || math.IsNaN(sol.Condition) || sol.Condition > s.maxConditionNumber {
		sol.Invalidate(ReasonIllConditioned)
		return sol
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(nu, rhs)); err != nil {
		sol.Invalidate(ReasonIllConditioned)
		return sol
	}

	coeffs := make([]float64, nb)
	for i := range coeffs {
		coeffs[i] = x.AtVec(i)
	}
	if s.fitBackground {
		sol.Background = x.AtVec(nb)
	}

	var chi2 float64
	for p := 0; p < npix; p++ {
		r := rows[p*nu : (p+1)*nu]
		model := 0.0
		for i := 0; i < nu; i++ {
			model += r[i] * x.AtVec(i)
		}
		d := targets[p] - model
		chi2 += weights[p] * d * d
	}
	dof := npix - nu
	if dof < 1 {
		dof = 1
	}
	sol.Chi2 = chi2 / float64(dof)

	kernel, err := LinearCombination(s.basis, coeffs)
	if err != nil {
		sol.Invalidate(ReasonSingular)
		return sol
	}
	sol.Coefficients = coeffs
	sol.Kernel = kernel
	sol.Status = StatusValid
	return sol
}
