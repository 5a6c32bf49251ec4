package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"psfmatch/internal/diffim"
	"psfmatch/internal/fsutil"
	"psfmatch/internal/image"
	"psfmatch/internal/imageio"
	"psfmatch/internal/logging"
	"psfmatch/internal/report"
	"psfmatch/internal/storage"
)

// diffBlockSize is the side of the square over which one kernel is applied
// when building difference images.
const diffBlockSize = 32

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log      *slog.Logger
	store    *storage.Store
	cfg      diffim.Config
	loader   frameLoader
	matchFn  matchFunc
	reporter reporter
	writeFn  diffWriter
	exts     []string
}

type frameLoader interface {
	Load(path string) (*image.MaskedImage[float32], error)
}

type matchFunc func(ctx context.Context, cfg diffim.Config, logger *slog.Logger, template, science *image.MaskedImage[float32]) (*diffim.MatchResult, error)

type diffWriter func(path string, img *image.MaskedImage[float32]) error

type reporter interface {
	CandidateMap(path string, solutions []*diffim.CandidateSolution, field image.Box) error
	KernelSumMap(path string, model *diffim.SpatialModel, field image.Box) error
}

type plotReporter struct{}

func (plotReporter) CandidateMap(path string, solutions []*diffim.CandidateSolution, field image.Box) error {
	return report.WriteCandidateMap(path, solutions, field)
}

func (plotReporter) KernelSumMap(path string, model *diffim.SpatialModel, field image.Box) error {
	return report.WriteKernelSumMap(path, model, field, 3)
}

func runMatch(ctx context.Context, cfg diffim.Config, logger *slog.Logger, template, science *image.MaskedImage[float32]) (*diffim.MatchResult, error) {
	m, err := diffim.NewMatcher[float32](cfg, logger)
	if err != nil {
		return nil, err
	}
	return m.Match(ctx, template, science)
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg diffim.Config, ioOpts imageio.Options) Processor {
	return &router{
		log:      logger,
		store:    store,
		cfg:      cfg,
		loader:   imageio.Loader{Opts: ioOpts},
		matchFn:  runMatch,
		reporter: plotReporter{},
		writeFn: func(path string, img *image.MaskedImage[float32]) error {
			return imageio.WriteDifference(path, img, ioOpts.Scale)
		},
		exts: fsutil.DefaultFrameExts,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobMatch:
		return r.handleMatch(ctx, job)
	case JobBatch:
		return r.handleBatch(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleMatch(ctx context.Context, job Job) Result {
	cfg, err := applyOptions(r.cfg, job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	template, err := r.loader.Load(job.Template)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("template: %w", err)}
	}
	meta, err := r.matchFrame(ctx, job, cfg, template, job.Science, job.Output)
	return Result{Job: job, Error: err, Meta: meta}
}

// handleBatch matches every frame in job.Science against one template. A frame
// without usable candidates is recorded in the meta and does not fail the batch.
func (r *router) handleBatch(ctx context.Context, job Job) Result {
	cfg, err := applyOptions(r.cfg, job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	frames, err := fsutil.ListFrames(job.Science, r.exts, job.Template)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if len(frames) == 0 {
		return Result{Job: job, Error: fmt.Errorf("no frames found in %s", job.Science)}
	}
	template, err := r.loader.Load(job.Template)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("template: %w", err)}
	}

	perFrame := make(map[string]any, len(frames))
	failed := 0
	for i, frame := range frames {
		if err := ctx.Err(); err != nil {
			return Result{Job: job, Error: err, Meta: map[string]any{"frames": perFrame}}
		}
		sub := job
		sub.ID = fmt.Sprintf("%s-%03d", job.ID, i)
		sub.Science = frame
		out := ""
		if job.Output != "" {
			out = filepath.Join(job.Output, strings.TrimSuffix(filepath.Base(frame), filepath.Ext(frame)))
		}
		logging.LogProcessingStep(r.log, job.ID, "match", "started", map[string]any{"frame": frame, "index": i})
		meta, err := r.matchFrame(ctx, sub, cfg, template, frame, out)
		if err != nil {
			failed++
			if meta == nil {
				meta = map[string]any{}
			}
			meta["error"] = err.Error()
			if !errors.Is(err, diffim.ErrNoCandidates) {
				r.log.Warn("frame match failed", "job", job.ID, "frame", frame, "error", err)
			}
		}
		perFrame[filepath.Base(frame)] = meta
	}
	meta := map[string]any{"frames": perFrame, "total": len(frames), "failed": failed}
	if failed == len(frames) {
		return Result{Job: job, Error: fmt.Errorf("all %d frames failed to match", failed), Meta: meta}
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) matchFrame(ctx context.Context, job Job, cfg diffim.Config, template *image.MaskedImage[float32], sciencePath, outDir string) (map[string]any, error) {
	science, err := r.loader.Load(sciencePath)
	if err != nil {
		return nil, fmt.Errorf("science: %w", err)
	}
	res, err := r.matchFn(ctx, cfg, r.log.With("job", job.ID), template, science)
	meta := resultMeta(res)
	r.persist(job.ID, cfg, res)
	if err != nil {
		return meta, err
	}

	field := template.BBox()
	cx, cy := 0.5*float64(field.MinX+field.MaxX), 0.5*float64(field.MinY+field.MaxY)
	meta["kernel_sum_center"] = res.Model.KernelSumAt(cx, cy)
	meta["background_center"] = res.Model.BackgroundAt(cx, cy)

	if outDir == "" {
		return meta, nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return meta, err
	}
	base := strings.TrimSuffix(filepath.Base(sciencePath), filepath.Ext(sciencePath))
	diffPath := filepath.Join(outDir, base+"_diff.tif")
	diff, err := diffim.Subtract(template, science, res.Model, diffBlockSize)
	if err != nil {
		return meta, err
	}
	if err := r.writeFn(diffPath, diff); err != nil {
		return meta, fmt.Errorf("write difference image: %w", err)
	}
	meta["difference"] = diffPath

	candPath := filepath.Join(outDir, base+"_candidates.png")
	if err := r.reporter.CandidateMap(candPath, res.Solutions, field); err != nil {
		r.log.Warn("candidate map failed", "job", job.ID, "error", err)
	} else {
		meta["candidate_map"] = candPath
	}
	sumPath := filepath.Join(outDir, base+"_kernel_sum.png")
	if err := r.reporter.KernelSumMap(sumPath, res.Model, field); err != nil {
		r.log.Warn("kernel sum map failed", "job", job.ID, "error", err)
	} else {
		meta["kernel_sum_map"] = sumPath
	}
	return meta, nil
}

func (r *router) persist(jobID string, cfg diffim.Config, res *diffim.MatchResult) {
	if r.store == nil || res == nil {
		return
	}
	sum := storage.MatchSummary{
		JobID:        jobID,
		BasisSet:     string(cfg.Kernel.BasisSet),
		BasisSize:    len(res.Basis.Kernels),
		Detected:     res.Stats.Detected,
		Accepted:     res.Stats.Accepted,
		Selected:     res.Stats.Selected,
		Solved:       res.Stats.Solved,
		IllPosed:     res.Stats.IllPosed,
		SigmaClipped: res.Stats.SigmaClipped,
		Iterations:   res.Stats.Iterations,
		Rejections:   rejectionMap(res.Rejections),
		Duration:     res.Stats.Duration,
	}
	if res.Model != nil {
		sum.KernelOrder = res.Model.KernelOrder()
		sum.BgOrder = res.Model.BackgroundOrder()
		sum.KernelCoeffs = res.Model.KernelCoefficients()
		sum.BgCoeffs = res.Model.BackgroundCoefficients()
	}
	if err := r.store.RecordMatchSummary(sum); err != nil {
		r.log.Warn("failed to record match summary", "job", jobID, "error", err)
	}

	recs := make([]storage.CandidateRecord, 0, len(res.Solutions))
	for _, s := range res.Solutions {
		recs = append(recs, storage.CandidateRecord{
			ID:         s.ID,
			X:          s.X,
			Y:          s.Y,
			NPix:       s.NPix,
			Chi2:       s.Chi2,
			Condition:  s.Condition,
			Background: s.Background,
			KernelSum:  s.Kernel.Sum(),
			Status:     s.Status.String(),
			Reason:     s.Reason.String(),
		})
	}
	if err := r.store.RecordCandidates(jobID, recs); err != nil {
		r.log.Warn("failed to record candidates", "job", jobID, "error", err)
	}
}

func resultMeta(res *diffim.MatchResult) map[string]any {
	if res == nil {
		return map[string]any{}
	}
	return map[string]any{
		"detected":      res.Stats.Detected,
		"accepted":      res.Stats.Accepted,
		"selected":      res.Stats.Selected,
		"solved":        res.Stats.Solved,
		"ill_posed":     res.Stats.IllPosed,
		"sigma_clipped": res.Stats.SigmaClipped,
		"iterations":    res.Stats.Iterations,
		"basis_size":    len(res.Basis.Kernels),
		"rejections":    rejectionMap(res.Rejections),
		"duration_ms":   res.Stats.Duration.Milliseconds(),
	}
}

func rejectionMap(c diffim.RejectionCounts) map[string]int {
	out := make(map[string]int, len(c))
	for reason, n := range c {
		out[reason.String()] = n
	}
	return out
}

// applyOptions returns cfg with per-job overrides applied and validated.
func applyOptions(cfg diffim.Config, options map[string]any) (diffim.Config, error) {
	if s := getStringOption(options, "basisSet"); s != "" {
		cfg.Kernel.BasisSet = diffim.BasisSetType(s)
	}
	if v, ok := getIntOption(options, "kernelSize"); ok {
		cfg.Kernel.KernelSize = v
	}
	if v, ok := getIntOption(options, "spatialOrder"); ok {
		cfg.Spatial.KernelOrder = v
	}
	if v, ok := getIntOption(options, "bgOrder"); ok {
		cfg.Spatial.BgOrder = v
	}
	if v, ok := getIntOption(options, "growPix"); ok {
		cfg.Detection.FpGrowPix = v
	}
	if v := getFloat64Option(options, "threshold"); v > 0 {
		cfg.Detection.DetThreshold = v
	}
	if getBoolOption(options, "regularize") {
		cfg.Kernel.UseRegularization = true
	}
	if getBoolOption(options, "noBackground") {
		cfg.Kernel.FitForBackground = false
	}
	if err := cfg.Validate(); err != nil {
		return diffim.Config{}, err
	}
	return cfg, nil
}

// Helper functions to safely extract typed options from job.Options map
func getBoolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}

func getFloat64Option(options map[string]any, key string) float64 {
	if val, ok := options[key].(float64); ok {
		return val
	}
	return 0.0
}

func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}

// getIntOption accepts ints and the float64s produced by JSON decoding.
func getIntOption(options map[string]any, key string) (int, bool) {
	switch val := options[key].(type) {
	case int:
		return val, true
	case float64:
		return int(val), true
	}
	return 0, false
}
