package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"psfmatch/internal/config"
	"psfmatch/internal/pipeline"
	"psfmatch/internal/server"
	"psfmatch/internal/storage"
	"psfmatch/internal/watch"
)

// Version is reported by the version command.
const Version = "0.3.0"

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

type watchFunc func(ctx context.Context, opts watch.Options, pipe pipelineClient, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	real, ok := pipe.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}
	return server.NewServer(addr, store, real, log).Start(ctx)
}

// defaultWatch runs a watcher until ctx is cancelled.
func defaultWatch(ctx context.Context, opts watch.Options, pipe pipelineClient, log *slog.Logger) error {
	w, err := watch.New(opts, pipe, log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	<-ctx.Done()
	return w.Stop()
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	watchFn  watchFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
		watchFn:  defaultWatch,
	}
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "science", job.Science)
	return nil
}

func newID() string {
	return uuid.NewString()
}
