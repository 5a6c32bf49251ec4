package diffim

import (
	"io"
	"log/slog"
	"math"
	"math/rand/v2"

	"psfmatch/internal/footprint"
	"psfmatch/internal/image"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type star struct {
	x, y int
	amp  float64
}

var gridStars = []star{
	{16, 16, 100}, {48, 16, 120}, {32, 32, 110}, {16, 48, 90}, {48, 48, 105},
}

// starField draws Gaussian stars over a low-level random texture so that the
// delta-function normal equations stay well conditioned.
func starField(w, h int, stars []star, sigma float64, seed uint64) *image.MaskedImage[float64] {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	img := image.New[float64](w, h)
	img.FillVariance(1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 10 * rng.Float64()
			for _, s := range stars {
				dx, dy := float64(x-s.x), float64(y-s.y)
				v += s.amp * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
			}
			img.SetValue(x, y, v)
		}
	}
	return img
}

// gaussianKernel is a normalized w*w Gaussian nudged off-centre by shift.
func gaussianKernel(w int, sigma, shift float64) Kernel {
	k := NewKernel(w, w)
	for y := 0; y < w; y++ {
		for x := 0; x < w; x++ {
			dx := float64(x-k.CtrX) - shift
			dy := float64(y - k.CtrY)
			k.Set(x, y, math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma)))
		}
	}
	s := k.Sum()
	for i := range k.Data {
		k.Data[i] /= s
	}
	return k
}

// addBackground adds a constant to every value.
func addBackground(img *image.MaskedImage[float64], bg float64) {
	for i := range img.Image {
		img.Image[i] += bg
	}
}

// testConfig detects the gridStars field with a small delta-function basis.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Detection.FpNpixMin = 3
	cfg.Detection.FpGrowPix = 6
	cfg.Detection.DetThreshold = 50
	cfg.Detection.DetThresholdType = footprint.ThresholdValue
	cfg.Kernel.BasisSet = BasisDeltaFunction
	cfg.Kernel.KernelSize = 5
	cfg.Spatial.NStarPerCell = 0
	cfg.Workers = 2
	return cfg
}

// convolve applies k to every pixel of img whose kernel footprint fits inside
// img. Other pixels are copied through and flagged EDGE. Variance is
// propagated with the squared kernel.
func convolve[T image.Pixel](img *image.MaskedImage[T], k Kernel) *image.MaskedImage[T] {
	out := image.NewWithOrigin[T](img.X0, img.Y0, img.Width, img.Height)
	out.Planes = img.Planes
	var edge image.MaskPixel
	if img.Planes != nil {
		edge, _ = img.Planes.PlaneBitMask(image.PlaneEdge)
	}
	sq := k.Clone()
	for i, v := range sq.Data {
		sq.Data[i] = v * v
	}
	for y := img.Y0; y < img.Y0+img.Height; y++ {
		for x := img.X0; x < img.X0+img.Width; x++ {
			value, variance, mask := img.At(x, y)
			cv, ok := convolveAt(img, k, x, y)
			if !ok {
				out.Set(x, y, value, variance, mask|edge)
				continue
			}
			cvar := convolveVarianceAt(img, sq, x, y)
			out.Set(x, y, T(cv), T(cvar), mask)
		}
	}
	return out
}
