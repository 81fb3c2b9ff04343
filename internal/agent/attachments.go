package agent

import (
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openclaw/gateway/internal/providers"
)

// maxAttachmentImageBytes caps a single inbound image file.
const maxAttachmentImageBytes = 10 * 1024 * 1024

// readImageAttachments loads local image files into base64 image blocks
// for the model request. Unreadable, oversized, and non-image files are
// skipped with a log line rather than failing the turn.
func readImageAttachments(paths []string) []providers.ImageContent {
	var images []providers.ImageContent
	for _, p := range paths {
		mime, ok := imageMimeFor(p)
		if !ok {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			slog.Warn("vision: image read failed", "path", p, "error", err)
			continue
		}
		if len(data) > maxAttachmentImageBytes {
			slog.Warn("vision: image too large, skipped", "path", p, "size", len(data))
			continue
		}
		images = append(images, providers.ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return images
}

// imageMimeFor maps a file extension to the MIME types vision providers
// accept.
func imageMimeFor(path string) (string, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg", true
	case ".png":
		return "image/png", true
	case ".gif":
		return "image/gif", true
	case ".webp":
		return "image/webp", true
	}
	return "", false
}
