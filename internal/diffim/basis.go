package diffim

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// machineEpsilon is the gap between 1.0 and the next float64.
var machineEpsilon = math.Nextafter(1, 2) - 1

// Basis is a list of basis kernels plus the optional penalty used when solving for them.
type Basis struct {
	Kernels        []Kernel
	Regularization *mat.SymDense
	Lambda         float64
}

// BuildBasis generates the configured basis set and, for delta-function bases
// with regularization enabled, the matching penalty matrix.
func BuildBasis(cfg KernelConfig) (Basis, error) {
	switch cfg.BasisSet {
	case BasisDeltaFunction:
		kernels, err := GenerateDeltaFunctionBasisSet(cfg.KernelSize, cfg.KernelSize)
		if err != nil {
			return Basis{}, err
		}
		b := Basis{Kernels: kernels}
		if cfg.UseRegularization {
			r := cfg.Regularization
			h, err := GenerateFiniteDifferenceRegularization(cfg.KernelSize, cfg.KernelSize, r.Order, r.Boundary, r.Difference)
			if err != nil {
				return Basis{}, err
			}
			b.Regularization = h
			b.Lambda = r.Lambda
		}
		return b, nil
	case BasisAlardLupton:
		al := cfg.AlardLupton
		kernels, err := GenerateAlardLuptonBasisSet(al.HalfWidth, al.NGauss, al.Sigmas, al.Degrees)
		if err != nil {
			return Basis{}, err
		}
		return Basis{Kernels: kernels}, nil
	default:
		return Basis{}, configErrorf("kernel.basis_set", "unknown basis set %q", cfg.BasisSet)
	}
}

// GenerateDeltaFunctionBasisSet returns width*height unit impulses, one per
// pixel, enumerated row-major.
func GenerateDeltaFunctionBasisSet(width, height int) ([]Kernel, error) {
	if width < 1 || height < 1 {
		return nil, configErrorf("kernel.kernel_size", "delta-function basis needs positive dimensions, got %dx%d", width, height)
	}
	out := make([]Kernel, 0, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			k := NewKernel(width, height)
			k.Set(x, y, 1)
			out = append(out, k)
		}
	}
	return out, nil
}

// GenerateAlardLuptonBasisSet builds Gaussians of the given widths modulated by
// u^i v^j for every i+j <= degree, then renormalizes the list.
// Kernels are (2*halfWidth+1) pixels square.
func GenerateAlardLuptonBasisSet(halfWidth, nGauss int, sigmas []float64, degrees []int) ([]Kernel, error) {
	if err := validateAlardLupton(halfWidth, nGauss, sigmas, degrees); err != nil {
		return nil, err
	}
	size := 2*halfWidth + 1
	var raw []Kernel
	for g := 0; g < nGauss; g++ {
		inv := 1 / (2 * sigmas[g] * sigmas[g])
		for i := 0; i <= degrees[g]; i++ {
			for j := 0; j <= degrees[g]-i; j++ {
				k := NewKernel(size, size)
				for y := 0; y < size; y++ {
					v := float64(y - halfWidth)
					for x := 0; x < size; x++ {
						u := float64(x - halfWidth)
						k.Set(x, y, math.Exp(-(u*u+v*v)*inv)*math.Pow(u, float64(i))*math.Pow(v, float64(j)))
					}
				}
				raw = append(raw, k)
			}
		}
	}
	return RenormalizeKernelList(raw)
}

func validateAlardLupton(halfWidth, nGauss int, sigmas []float64, degrees []int) error {
	if halfWidth < 0 {
		return configErrorf("kernel.alard_lupton.half_width", "must be >= 0, got %d", halfWidth)
	}
	if nGauss < 1 {
		return configErrorf("kernel.alard_lupton.n_gauss", "must be >= 1, got %d", nGauss)
	}
	if len(sigmas) != nGauss {
		return configErrorf("kernel.alard_lupton.sigmas", "have %d entries, n_gauss is %d", len(sigmas), nGauss)
	}
	if len(degrees) != nGauss {
		return configErrorf("kernel.alard_lupton.degrees", "have %d entries, n_gauss is %d", len(degrees), nGauss)
	}
	for i, s := range sigmas {
		if !(s > 0) {
			return configErrorf("kernel.alard_lupton.sigmas", "entry %d must be > 0, got %g", i, s)
		}
		if degrees[i] < 0 {
			return configErrorf("kernel.alard_lupton.degrees", "entry %d must be >= 0, got %d", i, degrees[i])
		}
	}
	return nil
}

// RenormalizeKernelList scales kernel 0 to unit sum. Every later kernel is
// divided by its own sum, has kernel 0 subtracted and is scaled to unit norm,
// so it sums to zero. A later kernel whose sum is already negligible passes
// through unscaled. The input is not modified.
func RenormalizeKernelList(kernels []Kernel) ([]Kernel, error) {
	if len(kernels) == 0 {
		return nil, configErrorf("kernel.basis", "cannot renormalize an empty kernel list")
	}
	first := kernels[0].Clone()
	sum0 := first.Sum()
	if negligibleSum(sum0, first.Data) {
		return nil, configErrorf("kernel.basis", "first basis kernel sums to %g and cannot be normalized", sum0)
	}
	floats.Scale(1/sum0, first.Data)

	out := make([]Kernel, 0, len(kernels))
	out = append(out, first)
	for i := 1; i < len(kernels); i++ {
		k := kernels[i].Clone()
		if !k.SameShape(first) {
			return nil, configErrorf("kernel.basis", "kernel %d shape %dx%d differs from kernel 0", i, k.Width, k.Height)
		}
		ksum := k.Sum()
		if negligibleSum(ksum, k.Data) {
			out = append(out, k)
			continue
		}
		floats.Scale(1/ksum, k.Data)
		floats.Sub(k.Data, first.Data)
		if norm := k.Norm(); norm > 0 {
			floats.Scale(1/norm, k.Data)
		}
		out = append(out, k)
	}
	return out, nil
}

// negligibleSum treats sums below machine epsilon, relative to the kernel's
// absolute mass when that exceeds one, as zero.
func negligibleSum(sum float64, data []float64) bool {
	scale := 0.0
	for _, v := range data {
		scale += math.Abs(v)
	}
	return math.Abs(sum) < machineEpsilon*math.Max(1, scale)
}
