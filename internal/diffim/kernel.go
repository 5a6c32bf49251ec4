package diffim

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Kernel is a small fixed convolution kernel stored row-major. (CtrX, CtrY)
// is the pixel that lines up with the output pixel.
type Kernel struct {
	Width, Height int
	CtrX, CtrY    int
	Data          []float64
}

// NewKernel allocates a zero kernel centred at (width/2, height/2).
func NewKernel(width, height int) Kernel {
	return Kernel{
		Width:  width,
		Height: height,
		CtrX:   width / 2,
		CtrY:   height / 2,
		Data:   make([]float64, width*height),
	}
}

func (k Kernel) At(x, y int) float64 { return k.Data[y*k.Width+x] }

func (k Kernel) Set(x, y int, v float64) { k.Data[y*k.Width+x] = v }

// Sum is the sum of all coefficients.
func (k Kernel) Sum() float64 { return floats.Sum(k.Data) }

// Norm is the Euclidean norm of the coefficients.
func (k Kernel) Norm() float64 { return floats.Norm(k.Data, 2) }

// Clone returns a deep copy.
func (k Kernel) Clone() Kernel {
	out := k
	out.Data = append([]float64(nil), k.Data...)
	return out
}

// SameShape reports whether k and other can be combined element-wise.
func (k Kernel) SameShape(other Kernel) bool {
	return k.Width == other.Width && k.Height == other.Height && k.CtrX == other.CtrX && k.CtrY == other.CtrY
}

func (k Kernel) String() string {
	return fmt.Sprintf("kernel %dx%d ctr=(%d,%d) sum=%.4g", k.Width, k.Height, k.CtrX, k.CtrY, k.Sum())
}

// LinearCombination returns sum(coeffs[i] * kernels[i]).
func LinearCombination(kernels []Kernel, coeffs []float64) (Kernel, error) {
	if len(kernels) == 0 {
		return Kernel{}, fmt.Errorf("linear combination of empty kernel list")
	}
	if len(kernels) != len(coeffs) {
		return Kernel{}, fmt.Errorf("linear combination: %d kernels but %d coefficients", len(kernels), len(coeffs))
	}
	out := NewKernel(kernels[0].Width, kernels[0].Height)
	out.CtrX, out.CtrY = kernels[0].CtrX, kernels[0].CtrY
	for i, k := range kernels {
		if !k.SameShape(out) {
			return Kernel{}, fmt.Errorf("linear combination: kernel %d shape %dx%d differs", i, k.Width, k.Height)
		}
		floats.AddScaled(out.Data, coeffs[i], k.Data)
	}
	return out, nil
}
