package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"psfmatch/internal/diffim"
	"psfmatch/internal/footprint"
)

const (
	defaultConfigPath = "~/.config/psfmatch/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for psfmatch.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Detection  Detection  `json:"detection"`
	Kernel     Kernel     `json:"kernel"`
	Spatial    Spatial    `json:"spatial"`
	Server     Server     `json:"server"`
	Watch      Watch      `json:"watch"`
	ImageIO    ImageIO    `json:"imageio"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs  int    `json:"parallel_jobs"`  // concurrent match jobs
	SolverWorkers int    `json:"solver_workers"` // concurrent candidate solves per job
	TempDir       string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Detection mirrors diffim.DetectionConfig with string enums.
type Detection struct {
	FpNpixMin        int      `json:"fp_npix_min"`
	FpNpixMax        int      `json:"fp_npix_max"`
	FpGrowPix        int      `json:"fp_grow_pix"`
	DetThreshold     float64  `json:"det_threshold"`
	DetThresholdType string   `json:"det_threshold_type"` // value, pixel_stdev, stdev
	DetOnTemplate    bool     `json:"det_on_template"`
	BadMaskPlanes    []string `json:"bad_mask_planes"`
}

// Kernel configures the basis and per-candidate solve.
type Kernel struct {
	BasisSet           string         `json:"basis_set"` // delta-function, alard-lupton
	KernelSize         int            `json:"kernel_size"`
	AlardLupton        AlardLupton    `json:"alard_lupton"`
	UseRegularization  bool           `json:"use_regularization"`
	Regularization     Regularization `json:"regularization"`
	FitForBackground   bool           `json:"fit_for_background"`
	MaxConditionNumber float64        `json:"max_condition_number"`
}

type AlardLupton struct {
	HalfWidth int       `json:"half_width"`
	NGauss    int       `json:"n_gauss"`
	Sigmas    []float64 `json:"sigmas"`
	Degrees   []int     `json:"degrees"`
}

type Regularization struct {
	Order      int     `json:"order"`
	Boundary   string  `json:"boundary"`   // unwrapped, wrapped, tapered
	Difference string  `json:"difference"` // forward, central
	Lambda     float64 `json:"lambda"`
}

// Spatial configures the spatial kernel fit and candidate cells.
type Spatial struct {
	KernelOrder   int     `json:"kernel_order"`
	BgOrder       int     `json:"bg_order"`
	SigmaClip     float64 `json:"sigma_clip"`
	MaxIterations int     `json:"max_iterations"`
	SizeCellX     int     `json:"size_cell_x"`
	SizeCellY     int     `json:"size_cell_y"`
	NStarPerCell  int     `json:"n_star_per_cell"`
}

// Server configures the HTTP API.
type Server struct {
	Addr string `json:"addr"`
}

// Watch configures the directory watcher.
type Watch struct {
	Directories []string `json:"directories"`
	Template    string   `json:"template"`   // template frame matched against every new science frame
	Extensions  []string `json:"extensions"` // science frame extensions, lower case with dot
	DebounceMS  int      `json:"debounce_ms"`
}

// ImageIO controls how frames are turned into masked images.
type ImageIO struct {
	Gain            float64 `json:"gain"`             // e-/ADU for the Poisson variance term
	ReadNoise       float64 `json:"read_noise"`       // ADU
	SaturationLevel float64 `json:"saturation_level"` // normalized [0,1] level flagged SAT
	Scale           float64 `json:"scale"`            // multiplier applied to normalized pixel values
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("PSFMATCH_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

func defaultConfig() *Config {
	d := diffim.DefaultConfig()
	return &Config{
		Processing: Processing{
			ParallelJobs:  defaultParallel,
			SolverWorkers: d.Workers,
			TempDir:       os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "psfmatch.db"),
		},
		Detection: Detection{
			FpNpixMin:        d.Detection.FpNpixMin,
			FpNpixMax:        d.Detection.FpNpixMax,
			FpGrowPix:        d.Detection.FpGrowPix,
			DetThreshold:     d.Detection.DetThreshold,
			DetThresholdType: d.Detection.DetThresholdType.String(),
			DetOnTemplate:    d.Detection.DetOnTemplate,
			BadMaskPlanes:    append([]string(nil), d.Detection.BadMaskPlanes...),
		},
		Kernel: Kernel{
			BasisSet:   string(d.Kernel.BasisSet),
			KernelSize: d.Kernel.KernelSize,
			AlardLupton: AlardLupton{
				HalfWidth: d.Kernel.AlardLupton.HalfWidth,
				NGauss:    d.Kernel.AlardLupton.NGauss,
				Sigmas:    append([]float64(nil), d.Kernel.AlardLupton.Sigmas...),
				Degrees:   append([]int(nil), d.Kernel.AlardLupton.Degrees...),
			},
			UseRegularization: d.Kernel.UseRegularization,
			Regularization: Regularization{
				Order:      d.Kernel.Regularization.Order,
				Boundary:   d.Kernel.Regularization.Boundary.String(),
				Difference: d.Kernel.Regularization.Difference.String(),
				Lambda:     d.Kernel.Regularization.Lambda,
			},
			FitForBackground:   d.Kernel.FitForBackground,
			MaxConditionNumber: d.Kernel.MaxConditionNumber,
		},
		Spatial: Spatial{
			KernelOrder:   d.Spatial.KernelOrder,
			BgOrder:       d.Spatial.BgOrder,
			SigmaClip:     d.Spatial.SigmaClip,
			MaxIterations: d.Spatial.MaxIterations,
			SizeCellX:     d.Spatial.SizeCellX,
			SizeCellY:     d.Spatial.SizeCellY,
			NStarPerCell:  d.Spatial.NStarPerCell,
		},
		Server: Server{Addr: ":8080"},
		Watch: Watch{
			Extensions: []string{".fits", ".fit", ".tif", ".tiff", ".png"},
			DebounceMS: 500,
		},
		ImageIO: ImageIO{
			Gain:            1,
			ReadNoise:       5,
			SaturationLevel: 0.999,
			Scale:           65535,
		},
	}
}

// ToDiffim converts the file settings into a validated diffim.Config.
func (c *Config) ToDiffim() (diffim.Config, error) {
	thType, err := footprint.ParseThresholdType(c.Detection.DetThresholdType)
	if err != nil {
		return diffim.Config{}, &diffim.ConfigurationError{Field: "detection.det_threshold_type", Reason: err.Error()}
	}
	boundary, err := diffim.ParseBoundaryStyle(c.Kernel.Regularization.Boundary)
	if err != nil {
		return diffim.Config{}, err
	}
	difference, err := diffim.ParseDifferenceStyle(c.Kernel.Regularization.Difference)
	if err != nil {
		return diffim.Config{}, err
	}

	out := diffim.Config{
		Detection: diffim.DetectionConfig{
			FpNpixMin:        c.Detection.FpNpixMin,
			FpNpixMax:        c.Detection.FpNpixMax,
			FpGrowPix:        c.Detection.FpGrowPix,
			DetThreshold:     c.Detection.DetThreshold,
			DetThresholdType: thType,
			DetOnTemplate:    c.Detection.DetOnTemplate,
			BadMaskPlanes:    append([]string(nil), c.Detection.BadMaskPlanes...),
		},
		Kernel: diffim.KernelConfig{
			BasisSet:   diffim.BasisSetType(c.Kernel.BasisSet),
			KernelSize: c.Kernel.KernelSize,
			AlardLupton: diffim.AlardLuptonConfig{
				HalfWidth: c.Kernel.AlardLupton.HalfWidth,
				NGauss:    c.Kernel.AlardLupton.NGauss,
				Sigmas:    append([]float64(nil), c.Kernel.AlardLupton.Sigmas...),
				Degrees:   append([]int(nil), c.Kernel.AlardLupton.Degrees...),
			},
			UseRegularization: c.Kernel.UseRegularization,
			Regularization: diffim.RegularizationConfig{
				Order:      c.Kernel.Regularization.Order,
				Boundary:   boundary,
				Difference: difference,
				Lambda:     c.Kernel.Regularization.Lambda,
			},
			FitForBackground:   c.Kernel.FitForBackground,
			MaxConditionNumber: c.Kernel.MaxConditionNumber,
		},
		Spatial: diffim.SpatialConfig{
			KernelOrder:   c.Spatial.KernelOrder,
			BgOrder:       c.Spatial.BgOrder,
			SigmaClip:     c.Spatial.SigmaClip,
			MaxIterations: c.Spatial.MaxIterations,
			SizeCellX:     c.Spatial.SizeCellX,
			SizeCellY:     c.Spatial.SizeCellY,
			NStarPerCell:  c.Spatial.NStarPerCell,
		},
		Workers: c.Processing.SolverWorkers,
	}
	if err := out.Validate(); err != nil {
		return diffim.Config{}, err
	}
	return out, nil
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
