package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"psfmatch/internal/diffim"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	t.Setenv("PSFMATCH_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Kernel.BasisSet != "alard-lupton" || cfg.Detection.DetThresholdType != "stdev" {
		t.Fatalf("unexpected defaults: %+v", cfg.Kernel)
	}
	if _, err := cfg.ToDiffim(); err != nil {
		t.Fatalf("default config does not convert: %v", err)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"kernel": {"basis_set": "delta-function", "kernel_size": 7, "use_regularization": true,
		"regularization": {"order": 2, "boundary": "wrapped", "difference": "central", "lambda": 0.5}},
		"spatial": {"kernel_order": 2}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PSFMATCH_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	d, err := cfg.ToDiffim()
	if err != nil {
		t.Fatalf("ToDiffim: %v", err)
	}
	if d.Kernel.BasisSet != diffim.BasisDeltaFunction || d.Kernel.KernelSize != 7 {
		t.Fatalf("kernel = %+v", d.Kernel)
	}
	if d.Kernel.Regularization.Boundary != diffim.BoundaryWrapped || d.Kernel.Regularization.Difference != diffim.DifferenceCentral {
		t.Fatalf("regularization = %+v", d.Kernel.Regularization)
	}
	if d.Spatial.KernelOrder != 2 || d.Spatial.BgOrder != 1 {
		t.Fatalf("spatial = %+v", d.Spatial)
	}
	// untouched sections keep their defaults
	if d.Detection.FpGrowPix != 15 {
		t.Fatalf("fp_grow_pix = %d", d.Detection.FpGrowPix)
	}
}

func TestToDiffimRejectsBadEnums(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{"threshold", func(c *Config) { c.Detection.DetThresholdType = "sigma" }, "detection.det_threshold_type"},
		{"boundary", func(c *Config) { c.Kernel.Regularization.Boundary = "mirror" }, "kernel.regularization.boundary"},
		{"basis", func(c *Config) { c.Kernel.BasisSet = "pca" }, "kernel.basis_set"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.edit(cfg)
			_, err := cfg.ToDiffim()
			var cerr *diffim.ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if cerr.Field != tc.field {
				t.Fatalf("field = %q, want %q", cerr.Field, tc.field)
			}
		})
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandUser("~/x/y.json")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "x/y.json") {
		t.Fatalf("expandUser = %q", got)
	}
	if got, _ := expandUser("/abs"); got != "/abs" {
		t.Fatalf("absolute path changed to %q", got)
	}
}
