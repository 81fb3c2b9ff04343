package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/openclaw/gateway/internal/config"
)

// sttChannel builds a minimal Channel for transcription tests, skipping
// bot construction (which needs a live token).
func sttChannel(cfg config.TelegramConfig) *Channel {
	return &Channel{config: cfg}
}

func tempAudio(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "voice_*.ogg")
	if err != nil {
		t.Fatalf("create temp audio file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp audio file: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestTranscribeAudio_NoProxy(t *testing.T) {
	c := sttChannel(config.TelegramConfig{})
	transcript, err := c.transcribeAudio(context.Background(), "/any/file.ogg")
	if err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}
	if transcript != "" {
		t.Fatalf("expected empty transcript, got: %q", transcript)
	}
}

func TestTranscribeAudio_EmptyFilePath(t *testing.T) {
	c := sttChannel(config.TelegramConfig{STTProxyURL: "https://stt.example.com"})
	transcript, err := c.transcribeAudio(context.Background(), "")
	if err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}
	if transcript != "" {
		t.Fatalf("expected empty transcript, got: %q", transcript)
	}
}

func TestTranscribeAudio_MissingFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected HTTP call for missing file")
	}))
	defer srv.Close()

	c := sttChannel(config.TelegramConfig{STTProxyURL: srv.URL})
	if _, err := c.transcribeAudio(context.Background(), "/nonexistent/file.ogg"); err == nil {
		t.Fatal("expected an error for missing file, got nil")
	}
}

func TestTranscribeAudio_Success(t *testing.T) {
	audioFile := tempAudio(t, "fake-ogg-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != transcribePath {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("expected 'file' field in multipart form: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transcribeResult{Transcript: "hello world"})
	}))
	defer srv.Close()

	c := sttChannel(config.TelegramConfig{STTProxyURL: srv.URL})
	transcript, err := c.transcribeAudio(context.Background(), audioFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transcript != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", transcript)
	}
}

func TestTranscribeAudio_BearerToken(t *testing.T) {
	audioFile := tempAudio(t, "fake-ogg-bytes")

	const wantKey = "super-secret-key"
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transcribeResult{Transcript: "ok"})
	}))
	defer srv.Close()

	c := sttChannel(config.TelegramConfig{STTProxyURL: srv.URL, STTAPIKey: wantKey})
	if _, err := c.transcribeAudio(context.Background(), audioFile); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer "+wantKey {
		t.Errorf("expected Authorization %q, got %q", "Bearer "+wantKey, gotAuth)
	}
}

func TestTranscribeAudio_NoAuthHeader(t *testing.T) {
	audioFile := tempAudio(t, "fake-ogg-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("expected no Authorization header, got %q", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transcribeResult{Transcript: "ok"})
	}))
	defer srv.Close()

	c := sttChannel(config.TelegramConfig{STTProxyURL: srv.URL})
	if _, err := c.transcribeAudio(context.Background(), audioFile); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTranscribeAudio_UpstreamError(t *testing.T) {
	audioFile := tempAudio(t, "fake-ogg-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := sttChannel(config.TelegramConfig{STTProxyURL: srv.URL})
	_, err := c.transcribeAudio(context.Background(), audioFile)
	if err == nil {
		t.Fatal("expected error for non-200 response, got nil")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("expected error to mention status 503, got: %v", err)
	}
}

func TestTranscribeAudio_InvalidJSON(t *testing.T) {
	audioFile := tempAudio(t, "fake-ogg-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`not-json`))
	}))
	defer srv.Close()

	c := sttChannel(config.TelegramConfig{STTProxyURL: srv.URL})
	if _, err := c.transcribeAudio(context.Background(), audioFile); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestTranscribeAudio_EmptyTranscript(t *testing.T) {
	audioFile := tempAudio(t, "fake-ogg-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transcribeResult{Transcript: ""})
	}))
	defer srv.Close()

	c := sttChannel(config.TelegramConfig{STTProxyURL: srv.URL})
	transcript, err := c.transcribeAudio(context.Background(), audioFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transcript != "" {
		t.Errorf("expected empty transcript, got %q", transcript)
	}
}

func TestTranscribeAudio_ContextCancelled(t *testing.T) {
	audioFile := tempAudio(t, "fake-ogg-bytes")

	// The handler blocks until the client gives up, so the cancel is what
	// ends the call.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := sttChannel(config.TelegramConfig{STTProxyURL: srv.URL})
	if _, err := c.transcribeAudio(ctx, audioFile); err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}
