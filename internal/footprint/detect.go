package footprint

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"

	"psfmatch/internal/image"
)

// ThresholdType selects how a Threshold value is interpreted.
type ThresholdType int

const (
	// ThresholdValue compares pixel values against the threshold directly.
	ThresholdValue ThresholdType = iota
	// ThresholdPixelStdev compares each pixel's significance value/sqrt(variance).
	ThresholdPixelStdev
	// ThresholdStdev scales the threshold by the standard deviation of the image.
	ThresholdStdev
)

func (t ThresholdType) String() string {
	switch t {
	case ThresholdValue:
		return "value"
	case ThresholdPixelStdev:
		return "pixel_stdev"
	case ThresholdStdev:
		return "stdev"
	default:
		return "unknown"
	}
}

// ParseThresholdType maps a configuration string onto a ThresholdType.
func ParseThresholdType(s string) (ThresholdType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "value":
		return ThresholdValue, nil
	case "pixel_stdev":
		return ThresholdPixelStdev, nil
	case "stdev":
		return ThresholdStdev, nil
	default:
		return 0, fmt.Errorf("unknown threshold type %q", s)
	}
}

// Threshold is a detection level and its interpretation.
type Threshold struct {
	Value float64
	Type  ThresholdType
}

// Detect returns the 8-connected groups of pixels above threshold that have at
// least npixMin members, ordered by their first pixel in row-major order.
func Detect[T image.Pixel](img *image.MaskedImage[T], th Threshold, npixMin int) ([]*Footprint, error) {
	if img == nil || img.Width == 0 || img.Height == 0 {
		return nil, fmt.Errorf("detect: empty image")
	}
	above, err := thresholdMask(img, th)
	if err != nil {
		return nil, err
	}

	w, h := img.Width, img.Height
	visited := make([]bool, len(above))
	var out []*Footprint
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if !above[idx] || visited[idx] {
				continue
			}
			pixels := floodFill(above, visited, x, y, w, h)
			if len(pixels) < npixMin {
				continue
			}
			for i := range pixels {
				pixels[i].X += img.X0
				pixels[i].Y += img.Y0
			}
			out = append(out, FromPoints(pixels))
		}
	}
	return out, nil
}

func thresholdMask[T image.Pixel](img *image.MaskedImage[T], th Threshold) ([]bool, error) {
	above := make([]bool, len(img.Image))
	switch th.Type {
	case ThresholdValue, ThresholdStdev:
		level := th.Value
		if th.Type == ThresholdStdev {
			level *= imageStdDev(img)
		}
		for i, v := range img.Image {
			above[i] = image.Finite(v) && float64(v) > level
		}
	case ThresholdPixelStdev:
		for i, v := range img.Image {
			variance := float64(img.Variance[i])
			if !image.Finite(v) || !(variance > 0) {
				continue
			}
			above[i] = float64(v)/math.Sqrt(variance) > th.Value
		}
	default:
		return nil, fmt.Errorf("detect: unsupported threshold type %v", th.Type)
	}
	return above, nil
}

func imageStdDev[T image.Pixel](img *image.MaskedImage[T]) float64 {
	values := make([]float64, 0, len(img.Image))
	for _, v := range img.Image {
		if image.Finite(v) {
			values = append(values, float64(v))
		}
	}
	if len(values) < 2 {
		return 0
	}
	_, sd := stat.MeanStdDev(values, nil)
	return sd
}

// floodFill collects the 8-connected component containing (startX, startY) in local coordinates.
func floodFill(above, visited []bool, startX, startY, width, height int) []Point {
	var result []Point
	stack := []Point{{startX, startY}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if p.X < 0 || p.X >= width || p.Y < 0 || p.Y >= height {
			continue
		}
		idx := p.Y*width + p.X
		if visited[idx] || !above[idx] {
			continue
		}
		visited[idx] = true
		result = append(result, p)
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx != 0 || dy != 0 {
					stack = append(stack, Point{p.X + dx, p.Y + dy})
				}
			}
		}
	}
	return result
}
