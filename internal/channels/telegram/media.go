package telegram

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mymmrac/telego"
)

const (
	// defaultMediaMaxBytes matches the Bot API's own download ceiling.
	defaultMediaMaxBytes int64 = 20 * 1024 * 1024

	// fetchRetries is how often a file download is attempted.
	fetchRetries = 3

	docMaxChars = 200_000
)

// mediaItem is one downloaded attachment from an inbound message.
type mediaItem struct {
	Type        string // image | video | audio | voice | document | animation
	FilePath    string // local path after download; images are re-encoded first
	FileID      string
	ContentType string
	FileName    string
	FileSize    int64
	Transcript  string // filled for audio/voice once transcription succeeds
}

// collectMedia downloads every attachment on msg that the gateway can use.
// Video content is noted but not downloaded; only its caption survives.
func (c *Channel) collectMedia(ctx context.Context, msg *telego.Message) []mediaItem {
	maxBytes := c.config.MediaMaxBytes
	if maxBytes == 0 {
		maxBytes = defaultMediaMaxBytes
	}

	var items []mediaItem

	if len(msg.Photo) > 0 {
		// Highest resolution is last.
		photo := msg.Photo[len(msg.Photo)-1]
		path, err := c.fetchFile(ctx, photo.FileID, maxBytes)
		if err != nil {
			slog.Warn("photo download failed", "file_id", photo.FileID, "error", err)
		} else {
			// Re-encode for vision: strips EXIF, caps dimensions.
			clean, sErr := sanitizeImage(path)
			if sErr != nil {
				slog.Warn("image sanitize failed, using original", "error", sErr)
				clean = path
			}
			items = append(items, mediaItem{
				Type:        "image",
				FilePath:    clean,
				FileID:      photo.FileID,
				ContentType: "image/jpeg",
				FileSize:    int64(photo.FileSize),
			})
		}
	}

	if msg.Video != nil {
		items = append(items, mediaItem{
			Type:        "video",
			FileID:      msg.Video.FileID,
			ContentType: msg.Video.MimeType,
			FileName:    msg.Video.FileName,
			FileSize:    int64(msg.Video.FileSize),
		})
	}
	if msg.VideoNote != nil {
		items = append(items, mediaItem{
			Type:        "video",
			FileID:      msg.VideoNote.FileID,
			ContentType: "video/mp4",
			FileSize:    int64(msg.VideoNote.FileSize),
		})
	}
	if msg.Animation != nil {
		items = append(items, mediaItem{
			Type:        "animation",
			FileID:      msg.Animation.FileID,
			ContentType: msg.Animation.MimeType,
			FileName:    msg.Animation.FileName,
			FileSize:    int64(msg.Animation.FileSize),
		})
	}

	if msg.Audio != nil {
		path, err := c.fetchFile(ctx, msg.Audio.FileID, maxBytes)
		if err != nil {
			slog.Warn("audio download failed", "file_id", msg.Audio.FileID, "error", err)
		} else {
			items = append(items, mediaItem{
				Type:        "audio",
				FilePath:    path,
				FileID:      msg.Audio.FileID,
				ContentType: msg.Audio.MimeType,
				FileName:    msg.Audio.FileName,
				FileSize:    int64(msg.Audio.FileSize),
			})
		}
	}
	if msg.Voice != nil {
		path, err := c.fetchFile(ctx, msg.Voice.FileID, maxBytes)
		if err != nil {
			slog.Warn("voice download failed", "file_id", msg.Voice.FileID, "error", err)
		} else {
			items = append(items, mediaItem{
				Type:        "voice",
				FilePath:    path,
				FileID:      msg.Voice.FileID,
				ContentType: msg.Voice.MimeType,
				FileSize:    int64(msg.Voice.FileSize),
			})
		}
	}

	if msg.Document != nil {
		path, err := c.fetchFile(ctx, msg.Document.FileID, maxBytes)
		if err != nil {
			slog.Warn("document download failed", "file_id", msg.Document.FileID, "error", err)
		} else {
			items = append(items, mediaItem{
				Type:        "document",
				FilePath:    path,
				FileID:      msg.Document.FileID,
				ContentType: msg.Document.MimeType,
				FileName:    msg.Document.FileName,
				FileSize:    int64(msg.Document.FileSize),
			})
		}
	}

	return items
}

// fetchFile resolves a file_id and downloads it to a temp file, enforcing
// maxBytes both before and during the transfer.
func (c *Channel) fetchFile(ctx context.Context, fileID string, maxBytes int64) (string, error) {
	var file *telego.File
	var err error
	for attempt := 1; attempt <= fetchRetries; attempt++ {
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < fetchRetries {
			slog.Debug("retrying file fetch", "file_id", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info after %d attempts: %w", fetchRetries, err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > maxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxBytes)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.config.Token, file.FilePath)
	resp, err := http.Get(downloadURL)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	tmp, err := os.CreateTemp("", "openclaw_media_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()

	written, err := io.Copy(tmp, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > maxBytes {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("file exceeds max size during download: %d bytes", written)
	}

	return tmp.Name(), nil
}

// renderMediaTags produces the tag block prepended to the message text.
// Transcribed audio/voice items carry their transcript inline, escaped.
func renderMediaTags(items []mediaItem) string {
	var tags []string
	for _, m := range items {
		switch m.Type {
		case "image":
			tags = append(tags, "<media:image>")
		case "video", "animation":
			tags = append(tags, "<media:video>")
		case "audio", "voice":
			tag := "<media:" + m.Type + ">"
			if m.Transcript != "" {
				tag += fmt.Sprintf("\n<transcript>%s</transcript>", html.EscapeString(m.Transcript))
			}
			tags = append(tags, tag)
		case "document":
			tags = append(tags, "<media:document>")
		}
	}
	return strings.Join(tags, "\n")
}

// textMimeByExt lists the extensions treated as extractable text.
var textMimeByExt = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".tsv":  "text/tab-separated-values",
	".json": "application/json",
	".yaml": "text/yaml",
	".yml":  "text/yaml",
	".xml":  "text/xml",
	".log":  "text/plain",
	".ini":  "text/plain",
	".cfg":  "text/plain",
	".env":  "text/plain",
	".sh":   "text/x-shellscript",
	".py":   "text/x-python",
	".go":   "text/x-go",
	".js":   "text/javascript",
	".ts":   "text/typescript",
	".html": "text/html",
	".css":  "text/css",
	".sql":  "text/x-sql",
	".rs":   "text/x-rust",
	".java": "text/x-java",
	".c":    "text/x-c",
	".cpp":  "text/x-c++",
	".h":    "text/x-c",
	".rb":   "text/x-ruby",
	".php":  "text/x-php",
	".toml": "text/x-toml",
}

// documentText reads an attached document into a <file> block for the
// agent. Binary formats get a placeholder; content is escaped so a file
// can't smuggle markup into the prompt.
func documentText(filePath, fileName string) (string, error) {
	if filePath == "" {
		return fmt.Sprintf("[File: %s — download failed]", fileName), nil
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	mime, isText := textMimeByExt[ext]
	if !isText {
		return fmt.Sprintf("[File: %s — binary format not supported, only text files can be processed]", fileName), nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", fileName, err)
	}

	content := string(data)
	if len(content) > docMaxChars {
		content = content[:docMaxChars] + "\n... [truncated]"
	}

	return fmt.Sprintf("<file name=%q mime=%q>\n%s\n</file>", fileName, mime, html.EscapeString(content)), nil
}
