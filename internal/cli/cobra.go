package cli

import (
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"psfmatch/internal/config"
	"psfmatch/internal/diffim"
	"psfmatch/internal/pipeline"
	"psfmatch/internal/storage"
	"psfmatch/internal/watch"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "psfmatch",
		Short: "psfmatch fits spatially varying PSF-matching kernels between exposures",
		Long: `psfmatch detects isolated sources, solves a convolution kernel and background
for each, and fits a spatial model that maps a template exposure onto a science
exposure. Difference images and diagnostics are written per job.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newMatchCmd(root))
	rootCmd.AddCommand(newBasisCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newMatchCmd(root *Root) *cobra.Command {
	var (
		output       string
		basisSet     string
		kernelSize   int
		spatialOrder int
		bgOrder      int
		threshold    float64
		growPix      int
		regularize   bool
		noBackground bool
		batch        bool
	)

	cmd := &cobra.Command{
		Use:   "match <template> <science>",
		Short: "Match a template frame to a science frame",
		Long: `Fit a spatially varying kernel that maps the template onto the science frame,
then write the difference image and diagnostic plots to the output directory.
With --batch the second argument is a directory and every frame in it is matched.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			template, science := args[0], args[1]
			if output == "" {
				base := strings.TrimSuffix(filepath.Base(science), filepath.Ext(science))
				output = filepath.Join(root.cfg.Paths.DefaultOutput, base)
			}

			opts := map[string]any{"source": "cli"}
			flags := cmd.Flags()
			if flags.Changed("basis") {
				opts["basisSet"] = basisSet
			}
			if flags.Changed("kernel-size") {
				opts["kernelSize"] = kernelSize
			}
			if flags.Changed("spatial-order") {
				opts["spatialOrder"] = spatialOrder
			}
			if flags.Changed("bg-order") {
				opts["bgOrder"] = bgOrder
			}
			if flags.Changed("threshold") {
				opts["threshold"] = threshold
			}
			if flags.Changed("grow") {
				opts["growPix"] = growPix
			}
			if regularize {
				opts["regularize"] = true
			}
			if noBackground {
				opts["noBackground"] = true
			}

			job := pipeline.Job{
				ID:       newID(),
				Type:     pipeline.JobMatch,
				Template: template,
				Science:  science,
				Output:   output,
				Options:  opts,
			}
			if batch {
				job.Type = pipeline.JobBatch
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			printMeta(cmd, res.Meta)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default <default_output>/<science name>)")
	cmd.Flags().StringVar(&basisSet, "basis", "", "basis set (delta-function|alard-lupton)")
	cmd.Flags().IntVar(&kernelSize, "kernel-size", 0, "delta-function kernel width in pixels")
	cmd.Flags().IntVar(&spatialOrder, "spatial-order", 0, "polynomial order of the kernel spatial variation")
	cmd.Flags().IntVar(&bgOrder, "bg-order", 0, "polynomial order of the background")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "detection threshold")
	cmd.Flags().IntVar(&growPix, "grow", 0, "pixels to grow each footprint by")
	cmd.Flags().BoolVar(&regularize, "regularize", false, "apply finite-difference regularization (delta-function basis only)")
	cmd.Flags().BoolVar(&noBackground, "no-background", false, "do not fit a differential background")
	cmd.Flags().BoolVar(&batch, "batch", false, "treat <science> as a directory of frames")

	return cmd
}

func printMeta(cmd *cobra.Command, meta map[string]any) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", k, meta[k])
	}
}

func newBasisCmd(root *Root) *cobra.Command {
	var (
		basisSet   string
		kernelSize int
		regularize bool
	)

	cmd := &cobra.Command{
		Use:   "basis",
		Short: "Build the configured kernel basis and describe it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.cfg.ToDiffim()
			if err != nil {
				return err
			}
			if basisSet != "" {
				cfg.Kernel.BasisSet = diffim.BasisSetType(basisSet)
			}
			if kernelSize > 0 {
				cfg.Kernel.KernelSize = kernelSize
			}
			if regularize {
				cfg.Kernel.UseRegularization = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			basis, err := diffim.BuildBasis(cfg.Kernel)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "basis: %s\n", cfg.Kernel.BasisSet)
			fmt.Fprintf(cmd.OutOrStdout(), "kernels: %d\n", len(basis.Kernels))
			if len(basis.Kernels) > 0 {
				k := basis.Kernels[0]
				fmt.Fprintf(cmd.OutOrStdout(), "dimensions: %dx%d\n", k.Width, k.Height)
			}
			if basis.Regularization != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "regularization: %dx%d (lambda %g)\n", basis.Regularization.SymmetricDim(), basis.Regularization.SymmetricDim(), basis.Lambda)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tSUM\tNORM")
			for i, k := range basis.Kernels {
				fmt.Fprintf(w, "%d\t%.6g\t%.6g\n", i, k.Sum(), k.Norm())
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&basisSet, "basis", "", "basis set (delta-function|alard-lupton)")
	cmd.Flags().IntVar(&kernelSize, "kernel-size", 0, "delta-function kernel width in pixels")
	cmd.Flags().BoolVar(&regularize, "regularize", false, "include the regularization matrix")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr       string
		watchPaths []string
		template   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP server that accepts match jobs and reports their progress.
Optionally watches directories and matches every new frame against a template.

Examples:
  psfmatch serve --addr :8080
  psfmatch serve --addr :8080 --watch /data/night1 --template /data/ref.fits`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			root.log.Info("starting server", "addr", addr, "watch_paths", watchPaths)

			if len(watchPaths) > 0 {
				opts := watch.OptionsFromConfig(root.cfg)
				opts.Directories = watchPaths
				if template != "" {
					opts.Template = template
				}
				errCh := make(chan error, 1)
				go func() { errCh <- root.watchFn(ctx, opts, root.pipeline, root.log) }()
				select {
				case err := <-errCh:
					if err != nil {
						return fmt.Errorf("watcher: %w", err)
					}
				case <-time.After(100 * time.Millisecond):
				}
			}
			return root.serveFn(ctx, addr, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", nil, "directories to watch for new science frames")
	cmd.Flags().StringVar(&template, "template", "", "template frame for watched directories")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		template string
		output   string
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <directory>...",
		Short: "Match every new frame in the given directories against a template",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := watch.OptionsFromConfig(root.cfg)
			opts.Directories = args
			if template != "" {
				opts.Template = template
			}
			if output != "" {
				opts.Output = output
			}
			if debounce > 0 {
				opts.Debounce = debounce
			}
			if opts.Template == "" {
				return fmt.Errorf("a template frame is required (--template or watch.template)")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return root.watchFn(ctx, opts, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVarP(&template, "template", "t", "", "template frame")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output root directory")
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "quiet period before a new frame is matched")
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var (
		limit  int
		status string
	)

	cmd := &cobra.Command{
		Use:   "jobs [job-id]",
		Short: "List recent jobs or show one job's summary",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("job history unavailable: no database configured")
			}
			if len(args) == 1 {
				return showJob(cmd, root.store, args[0], status)
			}
			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tSCIENCE\tCREATED")
			for _, rec := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.JobType, rec.Status, rec.SciencePath, rec.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to list")
	cmd.Flags().StringVar(&status, "status", "", "candidate status filter when showing a job (valid|invalid)")
	return cmd
}

func showJob(cmd *cobra.Command, store *storage.Store, id, status string) error {
	sum, err := store.MatchSummary(id)
	if err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "job: %s\n", id)
	fmt.Fprintf(cmd.OutOrStdout(), "basis: %s (%d kernels)\n", sum.BasisSet, sum.BasisSize)
	fmt.Fprintf(cmd.OutOrStdout(), "orders: kernel %d, background %d\n", sum.KernelOrder, sum.BgOrder)
	fmt.Fprintf(cmd.OutOrStdout(), "candidates: detected %d, accepted %d, selected %d, solved %d, ill-posed %d, clipped %d\n",
		sum.Detected, sum.Accepted, sum.Selected, sum.Solved, sum.IllPosed, sum.SigmaClipped)
	fmt.Fprintf(cmd.OutOrStdout(), "iterations: %d\n", sum.Iterations)
	fmt.Fprintf(cmd.OutOrStdout(), "duration: %s\n", sum.Duration)

	cands, err := store.Candidates(id, status)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tX\tY\tNPIX\tCHI2\tKSUM\tSTATUS\tREASON")
	for _, c := range cands {
		fmt.Fprintf(w, "%d\t%.1f\t%.1f\t%d\t%.4g\t%.4f\t%s\t%s\n", c.ID, c.X, c.Y, c.NPix, c.Chi2, c.KernelSum, c.Status, c.Reason)
	}
	return w.Flush()
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "psfmatch v%s\n", Version)
		},
	}
}
