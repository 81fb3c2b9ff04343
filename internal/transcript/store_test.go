package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "session.jsonl")
}

func TestEnsureWritesHeaderOnce(t *testing.T) {
	s := New()
	path := testPath(t)

	if err := s.Ensure(path, "sess-1", "/work"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	// Second ensure is a no-op.
	if err := s.Ensure(path, "sess-1", "/work"); err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	info2, _ := os.Stat(path)
	if info1.Size() != info2.Size() {
		t.Fatalf("ensure rewrote an existing file: %d != %d", info1.Size(), info2.Size())
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"type":"session"`) {
		t.Fatalf("missing session header: %s", data)
	}
}

func TestAppendAndRead(t *testing.T) {
	s := New()
	path := testPath(t)
	if err := s.Ensure(path, "sess-1", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	for _, text := range []string{"hello", "world", "again"} {
		if _, err := s.Append(path, Message{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: text}},
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	records, err := s.Read(path, ReadOptions{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[2].Message.Content[0].Text != "again" {
		t.Fatalf("records out of order: %+v", records)
	}
}

func TestReadSkipsCorruptTrailingLine(t *testing.T) {
	s := New()
	path := testPath(t)
	s.Ensure(path, "sess-1", "")
	s.Append(path, Message{Role: "user", Content: []ContentBlock{{Type: "text", Text: "ok"}}})

	// Simulate a crash mid-write: a torn trailing line.
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString(`{"type":"message","id":"trunc`)
	f.Close()

	records, err := s.Read(path, ReadOptions{})
	if err != nil {
		t.Fatalf("read with corrupt tail: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1 (corrupt line skipped)", len(records))
	}
}

func TestReadLimitCaps(t *testing.T) {
	s := New()
	path := testPath(t)
	s.Ensure(path, "sess-1", "")
	for i := 0; i < 10; i++ {
		s.Append(path, Message{Role: "user", Content: []ContentBlock{{Type: "text", Text: "m"}}})
	}

	records, _ := s.Read(path, ReadOptions{Limit: 4})
	if len(records) != 4 {
		t.Fatalf("limit 4: got %d", len(records))
	}

	// A limit beyond MaxReadLimit is capped, not rejected.
	records, err := s.Read(path, ReadOptions{Limit: MaxReadLimit + 500})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 10 {
		t.Fatalf("capped read: got %d, want 10", len(records))
	}
}

func TestReadMissingFile(t *testing.T) {
	s := New()
	records, err := s.Read(filepath.Join(t.TempDir(), "absent.jsonl"), ReadOptions{})
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if records != nil {
		t.Fatalf("missing file should yield no records, got %d", len(records))
	}
}

func TestDeleteRenames(t *testing.T) {
	s := New()
	path := testPath(t)
	s.Ensure(path, "sess-1", "")

	if err := s.Delete(path); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("original should be gone")
	}

	matches, _ := filepath.Glob(path + ".deleted.*")
	if len(matches) != 1 {
		t.Fatalf("expected one renamed transcript, got %v", matches)
	}
}
