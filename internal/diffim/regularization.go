package diffim

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// maxRegularizationOrder is the highest smooth derivative order supported.
const maxRegularizationOrder = 2

// BoundaryStyle controls finite-difference stencils near the kernel edge.
type BoundaryStyle int

const (
	// BoundaryUnwrapped drops stencils that would leave the kernel.
	BoundaryUnwrapped BoundaryStyle = iota
	// BoundaryWrapped treats the kernel as periodic.
	BoundaryWrapped
	// BoundaryTapered lowers the stencil order near edges until it fits.
	BoundaryTapered
)

func (b BoundaryStyle) String() string {
	switch b {
	case BoundaryUnwrapped:
		return "unwrapped"
	case BoundaryWrapped:
		return "wrapped"
	case BoundaryTapered:
		return "tapered"
	default:
		return "unknown"
	}
}

// ParseBoundaryStyle maps a configuration string onto a BoundaryStyle.
func ParseBoundaryStyle(s string) (BoundaryStyle, error) {
	switch strings.ToLower(s) {
	case "unwrapped":
		return BoundaryUnwrapped, nil
	case "wrapped":
		return BoundaryWrapped, nil
	case "tapered":
		return BoundaryTapered, nil
	}
	return 0, configErrorf("kernel.regularization.boundary", "unknown boundary style %q", s)
}

// DifferenceStyle selects forward or central finite differences.
type DifferenceStyle int

const (
	DifferenceForward DifferenceStyle = iota
	DifferenceCentral
)

func (d DifferenceStyle) String() string {
	if d == DifferenceCentral {
		return "central"
	}
	return "forward"
}

// ParseDifferenceStyle maps a configuration string onto a DifferenceStyle.
func ParseDifferenceStyle(s string) (DifferenceStyle, error) {
	switch strings.ToLower(s) {
	case "forward":
		return DifferenceForward, nil
	case "central":
		return DifferenceCentral, nil
	}
	return 0, configErrorf("kernel.regularization.difference", "unknown difference style %q", s)
}

// stencil is a 1-D finite-difference operator: coefficient i applies at offset i.
type stencil struct {
	offsets []int
	coeffs  []float64
}

// forwardStencil is the n-th forward difference: (-1)^(n-k) C(n,k) at offset k.
func forwardStencil(n int) stencil {
	s := stencil{offsets: make([]int, n+1), coeffs: make([]float64, n+1)}
	c := 1.0
	for k := 0; k <= n; k++ {
		sign := 1.0
		if (n-k)%2 == 1 {
			sign = -1
		}
		s.offsets[k] = k
		s.coeffs[k] = sign * c
		c = c * float64(n-k) / float64(k+1)
	}
	return s
}

func differenceStencil(n int, style DifferenceStyle) stencil {
	fwd := forwardStencil(n)
	if style == DifferenceForward {
		return fwd
	}
	if n%2 == 0 {
		for i := range fwd.offsets {
			fwd.offsets[i] -= n / 2
		}
		return fwd
	}
	// odd order: average the two forward stencils straddling the pixel
	acc := map[int]float64{}
	for _, shift := range []int{-(n + 1) / 2, -(n - 1) / 2} {
		for i, off := range fwd.offsets {
			acc[off+shift] += 0.5 * fwd.coeffs[i]
		}
	}
	var s stencil
	for off := -(n + 1) / 2; off <= (n+1)/2; off++ {
		s.offsets = append(s.offsets, off)
		s.coeffs = append(s.coeffs, acc[off])
	}
	return s
}

func (s stencil) fits(pos, size int) bool {
	lo, hi := s.offsets[0], s.offsets[len(s.offsets)-1]
	return pos+lo >= 0 && pos+hi < size
}

// GenerateFiniteDifferenceRegularization returns H = B^T B for a width*height
// delta-function basis. Each row of B applies the (order+1)-th difference along
// x or y at one kernel pixel, so derivatives up to order are left unpenalized.
func GenerateFiniteDifferenceRegularization(width, height, order int, boundary BoundaryStyle, difference DifferenceStyle) (*mat.SymDense, error) {
	if width < 1 || height < 1 {
		return nil, configErrorf("kernel.kernel_size", "regularization needs positive dimensions, got %dx%d", width, height)
	}
	if order < 0 || order > maxRegularizationOrder {
		return nil, configErrorf("kernel.regularization.order", "must be in [0,%d], got %d", maxRegularizationOrder, order)
	}
	switch boundary {
	case BoundaryUnwrapped, BoundaryWrapped, BoundaryTapered:
	default:
		return nil, configErrorf("kernel.regularization.boundary", "unknown boundary style %v", boundary)
	}
	switch difference {
	case DifferenceForward, DifferenceCentral:
	default:
		return nil, configErrorf("kernel.regularization.difference", "unknown difference style %v", difference)
	}

	n := width * height
	h := make([]float64, n*n)
	addRow := func(row map[int]float64) {
		for i, ci := range row {
			for j, cj := range row {
				h[i*n+j] += ci * cj
			}
		}
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			for axis := 0; axis < 2; axis++ {
				pos, size := x, width
				if axis == 1 {
					pos, size = y, height
				}
				st, ok := boundaryStencil(order+1, difference, boundary, pos, size)
				if !ok {
					continue
				}
				row := make(map[int]float64, len(st.offsets))
				for i, off := range st.offsets {
					p := pos + off
					if boundary == BoundaryWrapped {
						p = ((p % size) + size) % size
					}
					px, py := p, y
					if axis == 1 {
						px, py = x, p
					}
					row[py*width+px] += st.coeffs[i]
				}
				addRow(row)
			}
		}
	}
	return mat.NewSymDense(n, h), nil
}

func boundaryStencil(n int, difference DifferenceStyle, boundary BoundaryStyle, pos, size int) (stencil, bool) {
	switch boundary {
	case BoundaryWrapped:
		return differenceStencil(n, difference), true
	case BoundaryUnwrapped:
		st := differenceStencil(n, difference)
		return st, st.fits(pos, size)
	case BoundaryTapered:
		for m := n; m >= 1; m-- {
			if st := differenceStencil(m, difference); st.fits(pos, size) {
				return st, true
			}
		}
		return stencil{}, false
	}
	panic(fmt.Sprintf("unhandled boundary style %v", boundary))
}
