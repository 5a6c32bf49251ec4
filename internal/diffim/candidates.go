package diffim

import (
	"fmt"
	"log/slog"

	"psfmatch/internal/footprint"
	"psfmatch/internal/image"
)

// CandidateRegion is a grown, validated footprint around which a kernel is fit.
type CandidateRegion struct {
	ID        int
	Footprint *footprint.Footprint
}

// BBox is the extent of the grown footprint.
func (r CandidateRegion) BBox() image.Box { return r.Footprint.BBox() }

// Area is the pixel count of the grown footprint.
func (r CandidateRegion) Area() int { return r.Footprint.Area() }

// Center is the midpoint of the bounding box in parent coordinates.
func (r CandidateRegion) Center() (float64, float64) {
	b := r.BBox()
	return 0.5 * float64(b.MinX+b.MaxX), 0.5 * float64(b.MinY+b.MaxY)
}

// CandidateFinder detects sources in one image and keeps the footprints that
// can be grown into clean, in-bounds regions of both images.
type CandidateFinder[T image.Pixel] struct {
	cfg DetectionConfig
	log *slog.Logger
}

// NewCandidateFinder returns a finder for cfg. A nil logger uses slog.Default().
func NewCandidateFinder[T image.Pixel](cfg DetectionConfig, logger *slog.Logger) *CandidateFinder[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &CandidateFinder[T]{cfg: cfg, log: logger}
}

// BadBitMask ORs the bits of the configured bad planes. Unknown planes are
// logged and skipped.
func (f *CandidateFinder[T]) BadBitMask(planes *image.MaskPlanes) image.MaskPixel {
	if planes == nil {
		planes = image.DefaultMaskPlanes()
	}
	var bits image.MaskPixel
	for _, name := range f.cfg.BadMaskPlanes {
		bit, err := planes.PlaneBitMask(name)
		if err != nil {
			f.log.Warn("cannot update bad bit mask", "plane", name, "error", err)
			continue
		}
		bits |= bit
	}
	f.log.Debug("using bad bit mask", "mask", uint32(bits))
	return bits
}

// Detect runs detection on the configured image and returns the usable
// regions in detection order, plus per-reason rejection counts. It returns a
// *NoCandidatesError when nothing survives.
func (f *CandidateFinder[T]) Detect(template, science *image.MaskedImage[T]) ([]CandidateRegion, RejectionCounts, error) {
	badBits := f.BadBitMask(template.Planes)

	th := footprint.Threshold{Value: f.cfg.DetThreshold, Type: f.cfg.DetThresholdType}
	detImage, which := science, "science"
	if f.cfg.DetOnTemplate {
		detImage, which = template, "template"
	}
	raw, err := footprint.Detect(detImage, th, f.cfg.FpNpixMin)
	if err != nil {
		return nil, nil, fmt.Errorf("detect on %s: %w", which, err)
	}
	f.log.Debug("found footprints", "image", which, "count", len(raw),
		"threshold", f.cfg.DetThreshold, "type", th.Type.String())

	rejected := RejectionCounts{}
	var regions []CandidateRegion
	for _, fp := range raw {
		grown, reason, ok := f.growCandidate(fp, template, science, badBits)
		if !ok {
			rejected[reason]++
			continue
		}
		regions = append(regions, CandidateRegion{ID: len(regions), Footprint: grown})
	}

	if len(regions) == 0 {
		return nil, rejected, &NoCandidatesError{Stage: "detection", Detected: len(raw), Rejections: rejected}
	}
	f.log.Info("found clean footprints", "accepted", len(regions), "detected", len(raw),
		"rejected", rejected.Total(), "threshold", f.cfg.DetThreshold)
	return regions, rejected, nil
}

// growCandidate dilates fp by the grow radius and checks the result against
// both images. Oversized footprints are first replaced by a single pixel at the
// centre of their bounding box.
func (f *CandidateFinder[T]) growCandidate(fp *footprint.Footprint, template, science *image.MaskedImage[T], badBits image.MaskPixel) (*footprint.Footprint, RejectReason, bool) {
	if fp.Area() > f.cfg.FpNpixMax {
		c := fp.BBoxCentroid()
		f.log.Debug("footprint has too many pixels, using core",
			"npix", fp.Area(), "max", f.cfg.FpNpixMax, "x", c.X, "y", c.Y)
		core := footprint.FromBox(image.NewBox(c.X, c.Y, 1, 1))
		return f.growCandidate(core, template, science, badBits)
	}

	grown := fp.DilateManhattan(f.cfg.FpGrowPix)
	box := grown.BBox()
	if !template.BBox().Contains(box) {
		f.log.Debug("footprint grown off image", "bbox", box.String())
		return nil, RejectOffImage, false
	}

	tsub, err := template.SubImage(box)
	if err != nil {
		f.log.Debug("cannot extract template subimage", "bbox", box.String(), "error", err)
		return nil, RejectExtraction, false
	}
	ssub, err := science.SubImage(box)
	if err != nil {
		f.log.Debug("cannot extract science subimage", "bbox", box.String(), "error", err)
		return nil, RejectExtraction, false
	}
	if bits := tsub.MaskBits(); bits&badBits != 0 {
		f.log.Debug("footprint has masked pixels in image to convolve", "bits", uint32(bits))
		return nil, RejectMaskedTemplate, false
	}
	if bits := ssub.MaskBits(); bits&badBits != 0 {
		f.log.Debug("footprint has masked pixels in image not to convolve", "bits", uint32(bits))
		return nil, RejectMaskedScience, false
	}
	return grown, 0, true
}
