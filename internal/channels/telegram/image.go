package telegram

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// maxVisionDimension caps the longest image side before handing it to a
// vision model; provider limits vary but everything accepts 2048.
const maxVisionDimension = 2048

// sanitizeImage re-encodes a downloaded image as a bounded JPEG: strips
// metadata, normalizes exotic formats, and caps dimensions. Returns the path
// of the sanitized copy.
func sanitizeImage(path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxVisionDimension || bounds.Dy() > maxVisionDimension {
		img = imaging.Fit(img, maxVisionDimension, maxVisionDimension, imaging.Lanczos)
	}

	out := strings.TrimSuffix(path, filepath.Ext(path)) + ".sanitized.jpg"
	if err := imaging.Save(img, out, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	// The original is no longer needed once the sanitized copy exists.
	if out != path {
		os.Remove(path)
	}
	return out, nil
}
