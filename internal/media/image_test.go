package media

import (
	"image/color"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
)

func writeTestImage(t *testing.T, name string, width, height int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	img := imaging.New(width, height, color.NRGBA{R: 40, G: 80, B: 120, A: 255})
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("save test image: %v", err)
	}
	return path
}

func TestDownscaleImageBoundsLongEdge(t *testing.T) {
	src := writeTestImage(t, "in.png", 400, 200)
	out, changed, err := DownscaleImage(src, 100)
	if err != nil {
		t.Fatalf("DownscaleImage: %v", err)
	}
	if !changed {
		t.Fatal("expected a downscaled copy")
	}
	if !strings.HasSuffix(out, "_small.png") {
		t.Errorf("out = %q, want _small.png sibling", out)
	}
	scaled, err := imaging.Open(out)
	if err != nil {
		t.Fatalf("open scaled image: %v", err)
	}
	if b := scaled.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Errorf("scaled bounds = %dx%d, want 100x50", b.Dx(), b.Dy())
	}
}

func TestDownscaleImageKeepsSmallImages(t *testing.T) {
	src := writeTestImage(t, "small.png", 60, 40)
	out, changed, err := DownscaleImage(src, 100)
	if err != nil {
		t.Fatalf("DownscaleImage: %v", err)
	}
	if changed || out != src {
		t.Errorf("out = %q changed = %v, want original untouched", out, changed)
	}
}

func TestDownscaleImageDisabled(t *testing.T) {
	out, changed, err := DownscaleImage("does-not-exist.png", 0)
	if err != nil || changed || out != "does-not-exist.png" {
		t.Errorf("out = %q changed = %v err = %v, want no-op", out, changed, err)
	}
}

func TestPrepareInboundImagesSwapsScaledCopies(t *testing.T) {
	big := writeTestImage(t, "photo.jpg", 300, 300)
	paths := PrepareInboundImages([]string{big, "note.ogg"}, 100)
	if len(paths) != 2 {
		t.Fatalf("got %d paths, want 2", len(paths))
	}
	if !strings.HasSuffix(paths[0], "_small.jpg") {
		t.Errorf("paths[0] = %q, want scaled copy", paths[0])
	}
	if paths[1] != "note.ogg" {
		t.Errorf("paths[1] = %q, want non-image untouched", paths[1])
	}
}

func TestPrepareInboundImagesKeepsPathOnError(t *testing.T) {
	paths := PrepareInboundImages([]string{"missing.jpg"}, 100)
	if len(paths) != 1 || paths[0] != "missing.jpg" {
		t.Errorf("paths = %v, want original kept on failure", paths)
	}
}
