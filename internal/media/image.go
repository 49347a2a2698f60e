package media

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// IsImagePath reports whether the file extension is a decodable image
// format.
func IsImagePath(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// DownscaleImage bounds the long edge of the image at path, writing the
// scaled copy next to the original. It returns the path callers should
// hand to the assistant: the original when it is already within bounds,
// the scaled copy otherwise.
func DownscaleImage(path string, maxEdge int) (string, bool, error) {
	if maxEdge <= 0 {
		return path, false, nil
	}
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return path, false, fmt.Errorf("open image: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxEdge && bounds.Dy() <= maxEdge {
		return path, false, nil
	}
	resized := imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
	ext := filepath.Ext(path)
	out := strings.TrimSuffix(path, ext) + "_small" + ext
	if err := imaging.Save(resized, out, imaging.JPEGQuality(85)); err != nil {
		return path, false, fmt.Errorf("save downscaled image: %w", err)
	}
	return out, true, nil
}

// PrepareInboundImages downscales any oversized images in paths,
// substituting scaled copies where one was written. Failures keep the
// original path so the assistant still sees the attachment.
func PrepareInboundImages(paths []string, maxEdge int) []string {
	if len(paths) == 0 {
		return paths
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !IsImagePath(p) {
			out = append(out, p)
			continue
		}
		scaled, changed, err := DownscaleImage(p, maxEdge)
		if err != nil {
			slog.Debug("image downscale skipped", "path", p, "error", err)
			out = append(out, p)
			continue
		}
		if changed {
			slog.Debug("image downscaled", "path", p, "scaled", scaled, "max_edge", maxEdge)
		}
		out = append(out, scaled)
	}
	return out
}
