package watch

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"psfmatch/internal/pipeline"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []pipeline.Job
}

func (r *recordingSubmitter) Submit(job pipeline.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingSubmitter) snapshot() []pipeline.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.Job(nil), r.jobs...)
}

func TestWatcherQueuesOneJobPerFrame(t *testing.T) {
	dir := t.TempDir()
	out := t.TempDir()
	template := filepath.Join(dir, "template.tif")
	sub := &recordingSubmitter{}

	w, err := New(Options{
		Directories: []string{dir},
		Template:    template,
		Output:      out,
		Extensions:  []string{".tif"},
		Debounce:    50 * time.Millisecond,
	}, sub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	frame := filepath.Join(dir, "night1.tif")
	f, err := os.Create(frame)
	require.NoError(t, err)
	for range 3 {
		_, err := f.Write([]byte("chunk"))
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(template, []byte("x"), 0o644))

	require.Eventually(t, func() bool { return len(sub.snapshot()) >= 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	jobs := sub.snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, pipeline.JobMatch, jobs[0].Type)
	assert.Equal(t, frame, jobs[0].Science)
	assert.Equal(t, template, jobs[0].Template)
	assert.Equal(t, filepath.Join(out, "night1"), jobs[0].Output)
	assert.NotEmpty(t, jobs[0].ID)
}

func TestNewValidatesOptions(t *testing.T) {
	sub := &recordingSubmitter{}
	_, err := New(Options{Template: "t.tif"}, sub, nil)
	assert.Error(t, err)
	_, err = New(Options{Directories: []string{t.TempDir()}}, sub, nil)
	assert.Error(t, err)
	_, err = New(Options{Directories: []string{t.TempDir()}, Template: "t.tif"}, nil, nil)
	assert.Error(t, err)
}

func TestStartFailsOnMissingDirectory(t *testing.T) {
	dirs := []string{t.TempDir(), filepath.Join(t.TempDir(), "missing")}
	w, err := New(Options{Directories: dirs, Template: "t.tif"}, &recordingSubmitter{}, nil)
	require.NoError(t, err)
	assert.Error(t, w.Start())

	// the fsnotify watcher is released without a Stop call
	assert.ErrorIs(t, w.fsw.Add(t.TempDir()), fsnotify.ErrClosed)
	assert.NoError(t, w.Stop())
}
