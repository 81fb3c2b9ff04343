package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultTranscribeTimeout = 30 * time.Second

	// transcribePath is appended to the configured proxy base URL.
	transcribePath = "/transcribe_audio"
)

type transcribeResult struct {
	Transcript string `json:"transcript"`
}

// transcribeAudio sends a downloaded voice/audio file to the configured
// speech-to-text proxy and returns the transcript. It returns ("", nil)
// when STT is unconfigured or the file never made it to disk, so callers
// can treat "no transcript" uniformly; real HTTP or parse failures come
// back as errors for the caller to log.
func (c *Channel) transcribeAudio(ctx context.Context, filePath string) (string, error) {
	if c.config.STTProxyURL == "" || filePath == "" {
		return "", nil
	}

	timeout := defaultTranscribeTimeout
	if c.config.STTTimeoutSeconds > 0 {
		timeout = time.Duration(c.config.STTTimeoutSeconds) * time.Second
	}

	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("stt: open audio file %q: %w", filePath, err)
	}
	defer f.Close()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	fw, err := form.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return "", fmt.Errorf("stt: create form file field: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", fmt.Errorf("stt: write audio bytes to form: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("stt: close multipart writer: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.config.STTProxyURL + transcribePath
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("stt: build request to %q: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if c.config.STTAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.STTAPIKey)
	}

	slog.Debug("telegram: calling STT proxy", "url", endpoint, "file", filepath.Base(filePath))

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return "", fmt.Errorf("stt: request to %q failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("stt: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stt: upstream returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result transcribeResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("stt: parse response JSON: %w", err)
	}

	preview := result.Transcript
	if len(preview) > 80 {
		preview = preview[:80] + "..."
	}
	slog.Debug("telegram: transcript received", "length", len(result.Transcript), "preview", preview)

	return result.Transcript, nil
}
