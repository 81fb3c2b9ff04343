package telegram

import (
	"strings"
	"testing"
)

func TestRenderMediaTags_NoTranscript(t *testing.T) {
	tests := []struct {
		name  string
		items []mediaItem
		want  string
	}{
		{name: "image", items: []mediaItem{{Type: "image"}}, want: "<media:image>"},
		{name: "video", items: []mediaItem{{Type: "video"}}, want: "<media:video>"},
		{name: "animation", items: []mediaItem{{Type: "animation"}}, want: "<media:video>"},
		{name: "audio without transcript", items: []mediaItem{{Type: "audio"}}, want: "<media:audio>"},
		{name: "voice without transcript", items: []mediaItem{{Type: "voice"}}, want: "<media:voice>"},
		{name: "document", items: []mediaItem{{Type: "document"}}, want: "<media:document>"},
		{name: "empty list", items: []mediaItem{}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderMediaTags(tt.items); got != tt.want {
				t.Errorf("renderMediaTags(%v) = %q, want %q", tt.items, got, tt.want)
			}
		})
	}
}

func TestRenderMediaTags_VoiceWithTranscript(t *testing.T) {
	got := renderMediaTags([]mediaItem{{Type: "voice", Transcript: "xin chào"}})

	if !strings.HasPrefix(got, "<media:voice>") {
		t.Errorf("expected output to start with <media:voice>, got: %q", got)
	}
	if !strings.Contains(got, "<transcript>") || !strings.Contains(got, "</transcript>") {
		t.Errorf("expected <transcript> block, got: %q", got)
	}
	if !strings.Contains(got, "xin chào") {
		t.Errorf("expected transcript text in output, got: %q", got)
	}
}

func TestRenderMediaTags_AudioWithTranscript(t *testing.T) {
	got := renderMediaTags([]mediaItem{{Type: "audio", Transcript: "hello world"}})

	if !strings.HasPrefix(got, "<media:audio>") {
		t.Errorf("expected output to start with <media:audio>, got: %q", got)
	}
	if !strings.Contains(got, "<transcript>hello world</transcript>") {
		t.Errorf("expected transcript content, got: %q", got)
	}
}

// A transcript is attacker-controlled text; raw markup must not survive
// into the prompt.
func TestRenderMediaTags_TranscriptEscaping(t *testing.T) {
	got := renderMediaTags([]mediaItem{{Type: "voice", Transcript: `<script>alert("xss")</script>`}})

	if strings.Contains(got, "<script>") {
		t.Errorf("unescaped <script> tag found in output: %q", got)
	}
	if !strings.Contains(got, "&lt;script&gt;") {
		t.Errorf("expected escaped content, got: %q", got)
	}
}

func TestRenderMediaTags_MultipleItems(t *testing.T) {
	got := renderMediaTags([]mediaItem{
		{Type: "image"},
		{Type: "voice", Transcript: "hey there"},
		{Type: "document"},
	})

	if !strings.HasPrefix(got, "<media:image>") {
		t.Errorf("expected image tag first, got: %q", got)
	}
	for _, want := range []string{"<media:voice>", "hey there", "<media:document>"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in output, not found in: %q", want, got)
		}
	}
}

func TestRenderMediaTags_UnknownType(t *testing.T) {
	if got := renderMediaTags([]mediaItem{{Type: "sticker"}}); got != "" {
		t.Errorf("expected empty string for unknown type, got: %q", got)
	}
}
