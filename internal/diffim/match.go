package diffim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"psfmatch/internal/footprint"
	"psfmatch/internal/image"
)

// MatchStats summarizes one Match call.
type MatchStats struct {
	Detected     int
	Accepted     int
	Selected     int
	Solved       int
	IllPosed     int
	SigmaClipped int
	Iterations   int
	Duration     time.Duration
}

// MatchResult is everything produced while matching a template to a science image.
type MatchResult struct {
	Model      *SpatialModel
	Basis      Basis
	Regions    []CandidateRegion
	Solutions  []*CandidateSolution
	Rejections RejectionCounts
	Stats      MatchStats
}

// Matcher runs detection, per-candidate solving and the spatial fit for one
// image pair.
type Matcher[T image.Pixel] struct {
	cfg   Config
	basis Basis
	log   *slog.Logger
}

// NewMatcher validates cfg and builds its basis once so it can be reused
// across image pairs.
func NewMatcher[T image.Pixel](cfg Config, logger *slog.Logger) (*Matcher[T], error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	basis, err := BuildBasis(cfg.Kernel)
	if err != nil {
		return nil, err
	}
	logger.Debug("built kernel basis", "type", string(cfg.Kernel.BasisSet), "size", len(basis.Kernels),
		"regularized", basis.Regularization != nil)
	return &Matcher[T]{cfg: cfg, basis: basis, log: logger}, nil
}

// Basis is the basis every candidate is fit with.
func (m *Matcher[T]) Basis() Basis { return m.basis }

// Match fits a spatially varying kernel K and background B such that
// science ~= K * template + B. Candidate solves run on up to cfg.Workers
// goroutines and all finish before the spatial fit starts.
func (m *Matcher[T]) Match(ctx context.Context, template, science *image.MaskedImage[T]) (*MatchResult, error) {
	start := time.Now()
	if template.BBox() != science.BBox() {
		return nil, fmt.Errorf("template %s and science %s do not cover the same pixels",
			template.BBox(), science.BBox())
	}

	finder := NewCandidateFinder[T](m.cfg.Detection, m.log)
	regions, rejected, err := finder.Detect(template, science)
	res := &MatchResult{Basis: m.basis, Rejections: rejected}
	if err != nil {
		return res, err
	}
	res.Regions = regions
	res.Stats.Accepted = len(regions)
	res.Stats.Detected = len(regions) + rejected.Total()

	selected, err := m.selectRegions(regions, template, science)
	if err != nil {
		return res, err
	}
	res.Stats.Selected = len(selected)

	solutions, err := m.solveAll(ctx, selected, template, science)
	if err != nil {
		return res, err
	}
	res.Solutions = solutions
	for _, s := range solutions {
		if s.Valid() {
			res.Stats.Solved++
			continue
		}
		res.Stats.IllPosed++
		m.log.Debug("ill-posed candidate solve", "id", s.ID, "reason", s.Reason.String(),
			"npix", s.NPix, "condition", s.Condition)
	}
	if res.Stats.Solved == 0 {
		return res, &NoCandidatesError{Stage: "kernel solving", Detected: res.Stats.Detected, Rejections: rejected}
	}

	fitter := NewSpatialKernelFitter(m.cfg.Spatial, template.BBox(), m.log)
	model, err := fitter.Fit(solutions, m.basis.Kernels)
	if err != nil {
		return res, fmt.Errorf("spatial kernel fit: %w", err)
	}
	res.Model = model
	res.Stats.SigmaClipped = model.NumClipped()
	res.Stats.Iterations = model.Iterations()
	res.Stats.Duration = time.Since(start)
	m.log.Info("psf match complete", "detected", res.Stats.Detected, "accepted", res.Stats.Accepted,
		"solved", res.Stats.Solved, "clipped", res.Stats.SigmaClipped, "duration", res.Stats.Duration)
	return res, nil
}

// selectRegions keeps the brightest NStarPerCell regions of each spatial cell.
func (m *Matcher[T]) selectRegions(regions []CandidateRegion, template, science *image.MaskedImage[T]) ([]CandidateRegion, error) {
	sp := m.cfg.Spatial
	if sp.NStarPerCell < 1 {
		return regions, nil
	}
	cells, err := NewSpatialCellSet(template.BBox(), sp.SizeCellX, sp.SizeCellY)
	if err != nil {
		return nil, err
	}
	det := science
	if m.cfg.Detection.DetOnTemplate {
		det = template
	}
	for _, r := range regions {
		cells.Insert(r, footprint.Sum(r.Footprint, det))
	}
	selected := cells.Select(sp.NStarPerCell)
	m.log.Debug("selected candidates by cell", "cells", cells.Len(), "selected", len(selected), "accepted", len(regions))
	return selected, nil
}

func (m *Matcher[T]) solveAll(ctx context.Context, regions []CandidateRegion, template, science *image.MaskedImage[T]) ([]*CandidateSolution, error) {
	solver := NewCandidateKernelSolver[T](m.basis, m.cfg.Kernel)
	solutions := make([]*CandidateSolution, len(regions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(m.cfg.Workers, 1))
	for i, r := range regions {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			solutions[i] = solver.Solve(r, template, science)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return solutions, nil
}
