// Package imageio reads frames from disk into masked images and writes
// difference images back out.
package imageio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/gographics/imagick.v3/imagick"

	"psfmatch/internal/config"
	"psfmatch/internal/image"
)

// Options control the variance model and mask derivation.
type Options struct {
	Gain            float64 // e-/ADU; <= 0 disables the Poisson term
	ReadNoise       float64 // ADU
	SaturationLevel float64 // normalized level at or above which SAT is set
	Scale           float64 // multiplier from normalized [0,1] to ADU
}

// OptionsFromConfig copies the imageio section of cfg.
func OptionsFromConfig(cfg config.ImageIO) Options {
	return Options{
		Gain:            cfg.Gain,
		ReadNoise:       cfg.ReadNoise,
		SaturationLevel: cfg.SaturationLevel,
		Scale:           cfg.Scale,
	}
}

// Loader reads frames with a fixed set of options.
type Loader struct {
	Opts Options
}

// Load implements the pipeline's frame loader.
func (l Loader) Load(path string) (*image.MaskedImage[float32], error) {
	return Load(path, l.Opts)
}

// Load reads path as a single-channel intensity frame.
func Load(path string, opts Options) (*image.MaskedImage[float32], error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read image %s: %v", filepath.Base(path), err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
		return nil, fmt.Errorf("failed to convert to grayscale: %v", err)
	}

	width := mw.GetImageWidth()
	height := mw.GetImageHeight()
	pixels, err := mw.ExportImagePixels(0, 0, width, height, "I", imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, fmt.Errorf("failed to export pixels: %v", err)
	}
	return FromPixels(int(width), int(height), pixels.([]float32), opts)
}

// FromPixels builds a masked image from normalized row-major intensities.
// Variance is value/gain + readNoise^2. Non-finite pixels are flagged NO_DATA
// with zero variance and saturated ones SAT.
func FromPixels(width, height int, pixels []float32, opts Options) (*image.MaskedImage[float32], error) {
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("frame has no pixels (%dx%d)", width, height)
	}
	if len(pixels) != width*height {
		return nil, fmt.Errorf("have %d pixels for a %dx%d frame", len(pixels), width, height)
	}
	scale := opts.Scale
	if scale <= 0 {
		scale = 1
	}

	img := image.New[float32](width, height)
	sat, err := img.Planes.PlaneBitMask(image.PlaneSat)
	if err != nil {
		return nil, err
	}
	noData, err := img.Planes.PlaneBitMask(image.PlaneNoData)
	if err != nil {
		return nil, err
	}

	rn2 := opts.ReadNoise * opts.ReadNoise
	for i, p := range pixels {
		if !image.Finite(p) {
			img.Image[i] = 0
			img.Variance[i] = 0
			img.Mask[i] = noData
			continue
		}
		v := float64(p) * scale
		variance := rn2
		if opts.Gain > 0 && v > 0 {
			variance += v / opts.Gain
		}
		if variance <= 0 {
			variance = 1
		}
		img.Image[i] = float32(v)
		img.Variance[i] = float32(variance)
		if opts.SaturationLevel > 0 && float64(p) >= opts.SaturationLevel {
			img.Mask[i] |= sat
		}
	}
	return img, nil
}

// Write stores img's values, divided by scale and clamped to [0,1], as a
// single-channel image whose format follows the extension of path.
func Write(path string, img *image.MaskedImage[float32], scale float64) error {
	return WriteOffset(path, img, scale, 0)
}

// WriteDifference writes a signed difference image with zero at mid-grey.
func WriteDifference(path string, img *image.MaskedImage[float32], scale float64) error {
	return WriteOffset(path, img, scale, 0.5)
}

// WriteOffset is Write with offset added to the normalized values before clamping.
func WriteOffset(path string, img *image.MaskedImage[float32], scale, offset float64) error {
	if scale <= 0 {
		scale = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	imagick.Initialize()
	defer imagick.Terminate()

	pw := imagick.NewPixelWand()
	defer pw.Destroy()
	pw.SetColor("black")

	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	if err := mw.NewImage(uint(img.Width), uint(img.Height), pw); err != nil {
		return fmt.Errorf("failed to allocate output image: %v", err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
		return fmt.Errorf("failed to set colorspace: %v", err)
	}
	out := make([]float32, len(img.Image))
	for i, v := range img.Image {
		out[i] = float32(math.Min(1, math.Max(0, float64(v)/scale+offset)))
	}
	if err := mw.ImportImagePixels(0, 0, uint(img.Width), uint(img.Height), "I", imagick.PIXEL_FLOAT, out); err != nil {
		return fmt.Errorf("failed to import pixels: %v", err)
	}
	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("failed to write %s: %v", path, err)
	}
	return nil
}
