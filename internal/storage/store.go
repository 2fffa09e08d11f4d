package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Store writes finalized recordings and raw captures under a base directory.
type Store struct {
	recordingsDir string
	capturesDir   string
}

// RecordingInfo describes one finalized recording on disk.
type RecordingInfo struct {
	Name       string    `json:"name"`
	SessionID  string    `json:"session_id"`
	SegmentID  string    `json:"segment_id"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

// NewStore creates the recordings and captures directories if needed.
func NewStore(recordingsDir, capturesDir string) (*Store, error) {
	if recordingsDir == "" {
		return nil, fmt.Errorf("recordings directory cannot be empty")
	}

	if err := os.MkdirAll(recordingsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory %s: %w", recordingsDir, err)
	}

	if capturesDir != "" {
		if err := os.MkdirAll(capturesDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create captures directory %s: %w", capturesDir, err)
		}
	}

	return &Store{
		recordingsDir: recordingsDir,
		capturesDir:   capturesDir,
	}, nil
}

// RecordingName returns the deterministic file name for a segment recording.
func RecordingName(sessionID, segmentID string) string {
	return fmt.Sprintf("%s_%s.wav", sanitize(sessionID), sanitize(segmentID))
}

// WriteRecording durably writes a finalized container. The data is written to
// a temp file and renamed so a partially-written recording is never visible
// under its final name.
func (s *Store) WriteRecording(sessionID, segmentID string, data []byte) (string, error) {
	name := RecordingName(sessionID, segmentID)
	path := filepath.Join(s.recordingsDir, name)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write recording %s: %w", name, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to publish recording %s: %w", name, err)
	}

	return path, nil
}

// OpenRecording opens a finalized recording for reading. The name must be a
// bare file name produced by RecordingName; path separators are rejected.
func (s *Store) OpenRecording(name string) (*os.File, error) {
	if name != filepath.Base(name) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid recording name %q", name)
	}

	f, err := os.Open(filepath.Join(s.recordingsDir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to open recording %s: %w", name, err)
	}

	return f, nil
}

// ListRecordings enumerates finalized recordings, newest first.
func (s *Store) ListRecordings() ([]RecordingInfo, error) {
	entries, err := os.ReadDir(s.recordingsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	recordings := make([]RecordingInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wav") {
			continue
		}

		fi, err := entry.Info()
		if err != nil {
			continue
		}

		sessionID, segmentID := splitRecordingName(entry.Name())
		recordings = append(recordings, RecordingInfo{
			Name:       entry.Name(),
			SessionID:  sessionID,
			SegmentID:  segmentID,
			SizeBytes:  fi.Size(),
			ModifiedAt: fi.ModTime(),
		})
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].ModifiedAt.After(recordings[j].ModifiedAt)
	})

	return recordings, nil
}

// Capture is an exclusively-owned append handle for one segment's raw input
// log. It is acquired on the segment's first media chunk and must be released
// on finalize or teardown, on every exit path.
type Capture struct {
	file *os.File
	path string
}

// CaptureEnabled reports whether raw captures are configured.
func (s *Store) CaptureEnabled() bool {
	return s.capturesDir != ""
}

// OpenCapture opens (or resumes) the raw capture log for a segment.
func (s *Store) OpenCapture(sessionID, segmentID string) (*Capture, error) {
	if s.capturesDir == "" {
		return nil, fmt.Errorf("raw captures are not configured")
	}

	name := fmt.Sprintf("%s_%s.raw", sanitize(sessionID), sanitize(segmentID))
	path := filepath.Join(s.capturesDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture %s: %w", name, err)
	}

	return &Capture{file: f, path: path}, nil
}

// Append writes one raw chunk to the capture log.
func (c *Capture) Append(data []byte) error {
	if _, err := c.file.Write(data); err != nil {
		return fmt.Errorf("failed to append to capture %s: %w", c.path, err)
	}
	return nil
}

// Path returns the capture file path.
func (c *Capture) Path() string {
	return c.path
}

// Close releases the capture handle. Safe to call more than once.
func (c *Capture) Close() error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

// sanitize keeps ids filesystem-safe; the ids are opaque strings from the
// transport and may contain separators.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '-'
		}
		return r
	}, id)
}

// splitRecordingName recovers (session id, segment id) from a recording file
// name. Best effort: sanitized ids are not reversible, but the split is
// unambiguous for ids without underscores.
func splitRecordingName(name string) (string, string) {
	base := strings.TrimSuffix(name, ".wav")
	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return base, ""
	}
	return base[:idx], base[idx+1:]
}
