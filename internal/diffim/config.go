package diffim

import (
	"psfmatch/internal/footprint"
	"psfmatch/internal/image"
)

// BasisSetType names a family of basis kernels.
type BasisSetType string

const (
	BasisDeltaFunction BasisSetType = "delta-function"
	BasisAlardLupton   BasisSetType = "alard-lupton"
)

// Config is the validated settings for one template/science match.
// Build it once, call Validate, then hand it to NewMatcher.
type Config struct {
	Detection DetectionConfig
	Kernel    KernelConfig
	Spatial   SpatialConfig
	// Workers bounds concurrent per-candidate solves. Values below 1 mean 1.
	Workers int
}

// DetectionConfig drives CandidateFinder.
type DetectionConfig struct {
	FpNpixMin        int
	FpNpixMax        int
	FpGrowPix        int
	DetThreshold     float64
	DetThresholdType footprint.ThresholdType
	DetOnTemplate    bool
	BadMaskPlanes    []string
}

// KernelConfig drives basis construction and the per-candidate solve.
type KernelConfig struct {
	BasisSet           BasisSetType
	KernelSize         int
	AlardLupton        AlardLuptonConfig
	UseRegularization  bool
	Regularization     RegularizationConfig
	FitForBackground   bool
	MaxConditionNumber float64
}

// AlardLuptonConfig describes a Gaussian-times-polynomial basis.
type AlardLuptonConfig struct {
	HalfWidth int
	NGauss    int
	Sigmas    []float64
	Degrees   []int
}

// RegularizationConfig describes the finite-difference penalty.
type RegularizationConfig struct {
	Order      int
	Boundary   BoundaryStyle
	Difference DifferenceStyle
	Lambda     float64
}

// SpatialConfig drives SpatialKernelFitter and cell selection.
type SpatialConfig struct {
	KernelOrder   int
	BgOrder       int
	SigmaClip     float64
	MaxIterations int
	SizeCellX     int
	SizeCellY     int
	NStarPerCell  int
}

// DefaultConfig mirrors the stock image-subtraction settings.
func DefaultConfig() Config {
	return Config{
		Detection: DetectionConfig{
			FpNpixMin:        5,
			FpNpixMax:        500,
			FpGrowPix:        15,
			DetThreshold:     10,
			DetThresholdType: footprint.ThresholdStdev,
			DetOnTemplate:    true,
			BadMaskPlanes:    []string{image.PlaneEdge, image.PlaneSat, image.PlaneBad},
		},
		Kernel: KernelConfig{
			BasisSet:   BasisAlardLupton,
			KernelSize: 19,
			AlardLupton: AlardLuptonConfig{
				HalfWidth: 9,
				NGauss:    3,
				Sigmas:    []float64{0.7, 1.5, 3.0},
				Degrees:   []int{4, 3, 2},
			},
			Regularization: RegularizationConfig{
				Order:      1,
				Boundary:   BoundaryTapered,
				Difference: DifferenceForward,
				Lambda:     0.2,
			},
			FitForBackground:   true,
			MaxConditionNumber: 5e7,
		},
		Spatial: SpatialConfig{
			KernelOrder:   1,
			BgOrder:       1,
			SigmaClip:     3,
			MaxIterations: 3,
			SizeCellX:     128,
			SizeCellY:     128,
			NStarPerCell:  3,
		},
		Workers: 4,
	}
}

// Validate returns a *ConfigurationError for the first invalid field.
func (c Config) Validate() error {
	d := c.Detection
	if d.FpNpixMin < 1 {
		return configErrorf("detection.fp_npix_min", "must be >= 1, got %d", d.FpNpixMin)
	}
	if d.FpNpixMax < 1 {
		return configErrorf("detection.fp_npix_max", "must be >= 1, got %d", d.FpNpixMax)
	}
	if d.FpGrowPix < 0 {
		return configErrorf("detection.fp_grow_pix", "must be >= 0, got %d", d.FpGrowPix)
	}
	switch d.DetThresholdType {
	case footprint.ThresholdValue, footprint.ThresholdPixelStdev, footprint.ThresholdStdev:
	default:
		return configErrorf("detection.det_threshold_type", "unsupported type %v", d.DetThresholdType)
	}

	k := c.Kernel
	switch k.BasisSet {
	case BasisDeltaFunction:
		if k.KernelSize < 1 {
			return configErrorf("kernel.kernel_size", "must be >= 1, got %d", k.KernelSize)
		}
	case BasisAlardLupton:
		if err := validateAlardLupton(k.AlardLupton.HalfWidth, k.AlardLupton.NGauss, k.AlardLupton.Sigmas, k.AlardLupton.Degrees); err != nil {
			return err
		}
		if k.UseRegularization {
			return configErrorf("kernel.use_regularization", "regularization requires the %s basis", BasisDeltaFunction)
		}
	default:
		return configErrorf("kernel.basis_set", "unknown basis set %q", k.BasisSet)
	}
	if k.UseRegularization {
		if k.Regularization.Lambda < 0 {
			return configErrorf("kernel.regularization.lambda", "must be >= 0, got %g", k.Regularization.Lambda)
		}
		if k.Regularization.Order < 0 || k.Regularization.Order > maxRegularizationOrder {
			return configErrorf("kernel.regularization.order", "must be in [0,%d], got %d", maxRegularizationOrder, k.Regularization.Order)
		}
	}
	if !(k.MaxConditionNumber > 1) {
		return configErrorf("kernel.max_condition_number", "must be > 1, got %g", k.MaxConditionNumber)
	}

	s := c.Spatial
	if s.KernelOrder < 0 {
		return configErrorf("spatial.kernel_order", "must be >= 0, got %d", s.KernelOrder)
	}
	if s.BgOrder < 0 {
		return configErrorf("spatial.bg_order", "must be >= 0, got %d", s.BgOrder)
	}
	if !(s.SigmaClip > 0) {
		return configErrorf("spatial.sigma_clip", "must be > 0, got %g", s.SigmaClip)
	}
	if s.MaxIterations < 1 {
		return configErrorf("spatial.max_iterations", "must be >= 1, got %d", s.MaxIterations)
	}
	if s.NStarPerCell < 0 {
		return configErrorf("spatial.n_star_per_cell", "must be >= 0, got %d", s.NStarPerCell)
	}
	if s.NStarPerCell > 0 && (s.SizeCellX < 1 || s.SizeCellY < 1) {
		return configErrorf("spatial.size_cell", "cell size must be positive when cell selection is enabled")
	}
	return nil
}
