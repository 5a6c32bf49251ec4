package diffim

import "psfmatch/internal/image"

// convolveAt evaluates sum_{i,j} k(i,j) * img(x+i-ctrX, y+j-ctrY). It reports
// false when the kernel footprint leaves img or touches a non-finite pixel.
func convolveAt[T image.Pixel](img *image.MaskedImage[T], k Kernel, x, y int) (float64, bool) {
	x0 := x - k.CtrX
	y0 := y - k.CtrY
	if !img.In(x0, y0) || !img.In(x0+k.Width-1, y0+k.Height-1) {
		return 0, false
	}
	var sum float64
	for j := 0; j < k.Height; j++ {
		for i := 0; i < k.Width; i++ {
			c := k.Data[j*k.Width+i]
			if c == 0 {
				continue
			}
			v := img.Value(x0+i, y0+j)
			if !image.Finite(v) {
				return 0, false
			}
			sum += c * float64(v)
		}
	}
	return sum, true
}

// convolveVarianceAt propagates variance through a kernel whose coefficients
// are already squared.
func convolveVarianceAt[T image.Pixel](img *image.MaskedImage[T], sq Kernel, x, y int) float64 {
	x0 := x - sq.CtrX
	y0 := y - sq.CtrY
	var sum float64
	for j := 0; j < sq.Height; j++ {
		for i := 0; i < sq.Width; i++ {
			_, v, _ := img.At(x0+i, y0+j)
			sum += sq.Data[j*sq.Width+i] * float64(v)
		}
	}
	return sum
}
