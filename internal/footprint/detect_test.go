package footprint

import (
	"math"
	"testing"

	"psfmatch/internal/image"
)

func TestDetectGroupsEightConnected(t *testing.T) {
	img := image.NewWithOrigin[float64](100, 200, 10, 8)
	img.FillVariance(1)
	// diagonal pair joins, isolated pixel and 3-pixel bar are separate
	for _, p := range []Point{{1, 1}, {2, 2}, {7, 1}, {4, 5}, {5, 5}, {6, 5}} {
		img.SetValue(100+p.X, 200+p.Y, 10)
	}

	fps, err := Detect(img, Threshold{Value: 5, Type: ThresholdValue}, 1)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(fps) != 3 {
		t.Fatalf("found %d footprints, want 3", len(fps))
	}
	areas := []int{fps[0].Area(), fps[1].Area(), fps[2].Area()}
	if areas[0] != 2 || areas[1] != 1 || areas[2] != 3 {
		t.Fatalf("areas = %v, want [2 1 3]", areas)
	}
	if !fps[0].Contains(101, 201) || !fps[0].Contains(102, 202) {
		t.Fatalf("footprints are not in parent coordinates")
	}

	fps, err = Detect(img, Threshold{Value: 5, Type: ThresholdValue}, 2)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(fps) != 2 {
		t.Fatalf("npixMin=2 kept %d footprints, want 2", len(fps))
	}
}

func TestDetectThresholdTypes(t *testing.T) {
	img := image.New[float64](8, 8)
	img.FillVariance(4)
	img.SetValue(3, 3, 7)
	img.SetValue(5, 5, math.NaN())

	tests := []struct {
		name string
		th   Threshold
		want int
	}{
		{"value", Threshold{Value: 6, Type: ThresholdValue}, 1},
		{"value above peak", Threshold{Value: 8, Type: ThresholdValue}, 0},
		{"pixel stdev", Threshold{Value: 3, Type: ThresholdPixelStdev}, 1},
		{"pixel stdev high", Threshold{Value: 4, Type: ThresholdPixelStdev}, 0},
		{"stdev", Threshold{Value: 5, Type: ThresholdStdev}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fps, err := Detect(img, tc.th, 1)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if len(fps) != tc.want {
				t.Fatalf("got %d footprints, want %d", len(fps), tc.want)
			}
		})
	}
}

func TestParseThresholdType(t *testing.T) {
	for _, s := range []string{"value", "pixel_stdev", "STDEV"} {
		tt, err := ParseThresholdType(s)
		if err != nil {
			t.Fatalf("ParseThresholdType(%q): %v", s, err)
		}
		if tt.String() == "unknown" {
			t.Fatalf("ParseThresholdType(%q) gave unknown type", s)
		}
	}
	if _, err := ParseThresholdType("sigma"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestDetectEmptyImage(t *testing.T) {
	if _, err := Detect(image.New[float32](0, 0), Threshold{}, 1); err == nil {
		t.Fatalf("expected error for empty image")
	}
}
