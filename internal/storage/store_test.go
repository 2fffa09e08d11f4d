package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	base := t.TempDir()
	store, err := NewStore(filepath.Join(base, "recordings"), filepath.Join(base, "captures"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	return store
}

func TestWriteRecording(t *testing.T) {
	store := newTestStore(t)

	data := []byte("RIFF....WAVE")
	path, err := store.WriteRecording("s1", "seg1", data)
	if err != nil {
		t.Fatalf("WriteRecording failed: %v", err)
	}

	if filepath.Base(path) != "s1_seg1.wav" {
		t.Errorf("Expected file name s1_seg1.wav, got %s", filepath.Base(path))
	}

	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read recording back: %v", err)
	}

	if string(written) != string(data) {
		t.Errorf("Recording content mismatch: expected %q, got %q", data, written)
	}

	// No temp file left behind
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Temp file was not cleaned up")
	}
}

func TestRecordingNameSanitized(t *testing.T) {
	name := RecordingName("sess/1", "seg:2")
	if name != "sess-1_seg-2.wav" {
		t.Errorf("Expected sess-1_seg-2.wav, got %s", name)
	}
}

func TestListRecordings(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.WriteRecording("s1", "seg1", []byte("a")); err != nil {
		t.Fatalf("WriteRecording failed: %v", err)
	}
	if _, err := store.WriteRecording("s1", "seg2", []byte("bb")); err != nil {
		t.Fatalf("WriteRecording failed: %v", err)
	}

	recordings, err := store.ListRecordings()
	if err != nil {
		t.Fatalf("ListRecordings failed: %v", err)
	}

	if len(recordings) != 2 {
		t.Fatalf("Expected 2 recordings, got %d", len(recordings))
	}

	for _, r := range recordings {
		if r.SessionID != "s1" {
			t.Errorf("Expected session id s1, got %q", r.SessionID)
		}
		if r.SegmentID != "seg1" && r.SegmentID != "seg2" {
			t.Errorf("Unexpected segment id %q", r.SegmentID)
		}
	}
}

func TestOpenRecordingRejectsPathTraversal(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.OpenRecording("../escape.wav"); err == nil {
		t.Error("Expected error for path traversal name")
	}

	if _, err := store.OpenRecording("a/b.wav"); err == nil {
		t.Error("Expected error for name with separator")
	}
}

func TestCaptureAppend(t *testing.T) {
	store := newTestStore(t)

	if !store.CaptureEnabled() {
		t.Fatal("Expected captures to be enabled")
	}

	capture, err := store.OpenCapture("s1", "seg1")
	if err != nil {
		t.Fatalf("OpenCapture failed: %v", err)
	}

	if err := capture.Append([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := capture.Append([]byte{4, 5}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := capture.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Close must be idempotent: finalize and teardown paths may both run.
	if err := capture.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}

	data, err := os.ReadFile(capture.Path())
	if err != nil {
		t.Fatalf("Failed to read capture: %v", err)
	}

	expected := []byte{1, 2, 3, 4, 5}
	if len(data) != len(expected) {
		t.Fatalf("Expected %d bytes, got %d", len(expected), len(data))
	}

	for i := range expected {
		if data[i] != expected[i] {
			t.Errorf("Byte %d: expected %d, got %d", i, expected[i], data[i])
		}
	}
}

func TestCaptureDisabled(t *testing.T) {
	store, err := NewStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if store.CaptureEnabled() {
		t.Error("Expected captures to be disabled")
	}

	if _, err := store.OpenCapture("s1", "seg1"); err == nil {
		t.Error("Expected error opening capture when disabled")
	}
}
