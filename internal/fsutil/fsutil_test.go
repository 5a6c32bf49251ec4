package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestListFrames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.FITS", "a.tif", "ref.tif", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.tif"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := ListFrames(dir, nil, filepath.Join(dir, "ref.tif"))
	if err != nil {
		t.Fatalf("ListFrames: %v", err)
	}
	want := []string{filepath.Join(dir, "a.tif"), filepath.Join(dir, "b.FITS")}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestHasExt(t *testing.T) {
	if !HasExt("x/Frame.TIFF", []string{".tiff"}) {
		t.Fatalf("expected case-insensitive match")
	}
	if HasExt("x/frame.jpg", DefaultFrameExts) {
		t.Fatalf("jpg is not a frame extension")
	}
}
