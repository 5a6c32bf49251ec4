package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"psfmatch/internal/config"
	"psfmatch/internal/pipeline"
	"psfmatch/internal/storage"
	"psfmatch/internal/watch"
)

func TestMatchCommandQueuesJob(t *testing.T) {
	root, fakePipe := newTestRoot(t)

	out, err := execute(root, "match", "ref.tif", "night/frame7.tif", "--spatial-order", "2", "--basis", "delta-function", "--no-background")
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if len(fakePipe.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
	}
	job := fakePipe.jobs[0]
	if job.Type != pipeline.JobMatch {
		t.Fatalf("expected match job, got %s", job.Type)
	}
	if job.Template != "ref.tif" || job.Science != "night/frame7.tif" {
		t.Fatalf("unexpected frames: %+v", job)
	}
	if want := filepath.Join(root.cfg.Paths.DefaultOutput, "frame7"); job.Output != want {
		t.Fatalf("expected output %s, got %s", want, job.Output)
	}
	if job.Options["spatialOrder"] != 2 || job.Options["basisSet"] != "delta-function" || job.Options["noBackground"] != true {
		t.Fatalf("flags not forwarded: %v", job.Options)
	}
	if _, ok := job.Options["bgOrder"]; ok {
		t.Fatalf("unset flag forwarded: %v", job.Options)
	}
	if !strings.Contains(out, "ok: true") {
		t.Fatalf("expected result meta in output, got %q", out)
	}
}

func TestMatchBatchFlag(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	if _, err := execute(root, "match", "ref.tif", t.TempDir(), "--batch", "-o", "out"); err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if fakePipe.jobs[0].Type != pipeline.JobBatch || fakePipe.jobs[0].Output != "out" {
		t.Fatalf("unexpected job: %+v", fakePipe.jobs[0])
	}
}

func TestMatchValidatesArguments(t *testing.T) {
	root, _ := newTestRoot(t)
	if _, err := execute(root, "match", "only-one.tif"); err == nil {
		t.Fatalf("expected error for missing science frame")
	}
}

func TestEnqueueAndWaitPropagatesErrors(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	fakePipe.jobErrors["err-job"] = context.DeadlineExceeded
	job := pipeline.Job{ID: "err-job", Type: pipeline.JobMatch}
	if _, err := root.enqueueAndWait(context.Background(), job); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected error from pipeline result, got %v", err)
	}
}

func TestBasisCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(root, "basis", "--basis", "delta-function", "--kernel-size", "5", "--regularize")
	if err != nil {
		t.Fatalf("basis failed: %v", err)
	}
	for _, want := range []string{"kernels: 25", "dimensions: 5x5", "regularization: 25x25"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}

	if _, err := execute(root, "basis", "--basis", "gaussian"); err == nil {
		t.Fatalf("expected error for unknown basis")
	}
}

func TestConfigShowAndVersion(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(root, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, `"basis_set": "alard-lupton"`) {
		t.Fatalf("expected config JSON, got:\n%s", out)
	}
	if out, err = execute(root, "config", "validate"); err != nil || !strings.Contains(out, "ok") {
		t.Fatalf("config validate: %v %q", err, out)
	}

	out, err = execute(root, "version")
	if err != nil || !strings.Contains(out, Version) {
		t.Fatalf("version: %v %q", err, out)
	}
}

func TestJobsCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	if _, err := execute(root, "jobs"); err == nil {
		t.Fatalf("expected error without a store")
	}

	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer store.Close()
	root.store = store
	if err := store.RecordJobQueued(storage.JobRecord{ID: "job-42", JobType: "match", Status: "queued", SciencePath: "sci.tif"}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordMatchSummary(storage.MatchSummary{JobID: "job-42", BasisSet: "alard-lupton", BasisSize: 31, Solved: 12}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordCandidates("job-42", []storage.CandidateRecord{{ID: 3, X: 10, Y: 20, Status: "valid", Reason: "none"}}); err != nil {
		t.Fatal(err)
	}

	out, err := execute(root, "jobs")
	if err != nil || !strings.Contains(out, "job-42") {
		t.Fatalf("jobs list: %v %q", err, out)
	}
	out, err = execute(root, "jobs", "job-42")
	if err != nil {
		t.Fatalf("jobs show: %v", err)
	}
	if !strings.Contains(out, "alard-lupton (31 kernels)") || !strings.Contains(out, "solved 12") {
		t.Fatalf("unexpected job summary:\n%s", out)
	}
}

func TestWatchCommandRequiresTemplate(t *testing.T) {
	root, _ := newTestRoot(t)
	called := false
	root.watchFn = func(context.Context, watch.Options, pipelineClient, *slog.Logger) error {
		called = true
		return nil
	}
	if _, err := execute(root, "watch", t.TempDir()); err == nil {
		t.Fatalf("expected error without template")
	}
	if called {
		t.Fatalf("watcher started without template")
	}

	dir := t.TempDir()
	var got watch.Options
	root.watchFn = func(_ context.Context, opts watch.Options, _ pipelineClient, _ *slog.Logger) error {
		got = opts
		return nil
	}
	if _, err := execute(root, "watch", dir, "--template", "ref.tif"); err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if len(got.Directories) != 1 || got.Directories[0] != dir || got.Template != "ref.tif" {
		t.Fatalf("unexpected watch options: %+v", got)
	}
}

func TestServeUsesServeFunc(t *testing.T) {
	root, _ := newTestRoot(t)
	var addr string
	root.serveFn = func(_ context.Context, a string, _ *storage.Store, _ pipelineClient, _ *slog.Logger) error {
		addr = a
		return nil
	}
	if _, err := execute(root, "serve"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if addr != root.cfg.Server.Addr {
		t.Fatalf("expected default addr %s, got %s", root.cfg.Server.Addr, addr)
	}
}

// Test helpers

func execute(root *Root, args ...string) (string, error) {
	cmd := newRootCmd(root)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "psfmatch.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		store:    nil,
		serveFn:  defaultServe,
		watchFn:  defaultWatch,
	}
	return root, pipe
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	res := pipeline.Result{Job: job, Error: f.jobErrors[job.ID], Meta: map[string]any{"ok": true}}
	for _, ch := range f.subs {
		select {
		case ch <- res:
		default:
		}
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}
