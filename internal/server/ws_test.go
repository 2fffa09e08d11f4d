package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/dialog-audio-service/internal/audio"
	"github.com/skypro1111/dialog-audio-service/internal/config"
	"github.com/skypro1111/dialog-audio-service/internal/segment"
	"github.com/skypro1111/dialog-audio-service/internal/session"
	"github.com/skypro1111/dialog-audio-service/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestIngest(t *testing.T, maxSessions int) (*IngestServer, *session.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewStore(dir, "")
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	registry := session.NewRegistry(testLogger())
	dispatcher := session.NewDispatcher(registry,
		segment.Config{Store: store, Logger: testLogger()}, nil, nil, testLogger())

	cfg := config.ServerConfig{
		Port:                  0,
		BindAddress:           "127.0.0.1",
		MaxConcurrentSessions: maxSessions,
	}
	return NewIngestServer(cfg, dispatcher, testLogger(), nil), registry, dir
}

func wsURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http")
}

func sendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
}

func TestIngestEndToEnd(t *testing.T) {
	ingest, _, dir := newTestIngest(t, 10)

	srv := httptest.NewServer(http.HandlerFunc(ingest.handleStream))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	frame := strings.Repeat("\xff", 160)
	sendJSON(t, conn, map[string]interface{}{
		"session_id": "s1",
		"dialog_init": map[string]interface{}{
			"account": map[string]string{"id": "acc-1"},
			"dialog":  map[string]string{"id": "d-1", "type": "inbound"},
		},
	})
	sendJSON(t, conn, map[string]interface{}{
		"session_id": "s1",
		"segment_start": map[string]interface{}{
			"segment_id":   "seg-a",
			"participant":  map[string]string{"id": "p-1", "type": "contact"},
			"audio_format": map[string]interface{}{"codec": "ulaw", "rate": 8000, "ptime": 20},
		},
	})
	sendJSON(t, conn, map[string]interface{}{
		"session_id": "s1",
		"segment_media": map[string]interface{}{
			"segment_id": "seg-a",
			"audio_content": map[string]interface{}{
				"payload":     []byte(frame),
				"seq":         0,
				"duration_ms": 20,
			},
		},
	})
	sendJSON(t, conn, map[string]interface{}{
		"session_id":   "s1",
		"segment_stop": map[string]interface{}{"segment_id": "seg-a"},
	})

	// Clean close; the server answers with its own close frame once the
	// dispatcher has drained.
	deadline := time.Now().Add(time.Second)
	if err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected close frame, got a data message")
	}

	// Finalization is synchronous with the dispatcher, but the handler
	// returns after this test observes the close frame; poll briefly.
	path := filepath.Join(dir, storage.RecordingName("s1", "seg-a"))
	waitDeadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(waitDeadline) {
			t.Fatal("Recording was not written")
		}
		time.Sleep(10 * time.Millisecond)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if rate != 8000 {
		t.Errorf("Expected rate 8000, got %d", rate)
	}
	if len(samples) != 160 {
		t.Errorf("Expected 160 samples, got %d", len(samples))
	}
}

func TestIngestRecoversOnAbruptClose(t *testing.T) {
	ingest, _, dir := newTestIngest(t, 10)

	srv := httptest.NewServer(http.HandlerFunc(ingest.handleStream))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	sendJSON(t, conn, map[string]interface{}{
		"session_id": "s1",
		"dialog_init": map[string]interface{}{
			"account": map[string]string{"id": "acc-1"},
			"dialog":  map[string]string{"id": "d-1", "type": "inbound"},
		},
	})
	sendJSON(t, conn, map[string]interface{}{
		"session_id": "s1",
		"segment_media": map[string]interface{}{
			"segment_id": "seg-x",
			"audio_content": map[string]interface{}{
				"payload":     []byte(strings.Repeat("\xff", 160)),
				"seq":         0,
				"duration_ms": 20,
			},
		},
	})

	// Drop the TCP connection without a close handshake. The dispatcher must
	// still finalize the buffered segment.
	conn.Close()

	path := filepath.Join(dir, storage.RecordingName("s1", "seg-x"))
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Recovery finalize did not persist the recording")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIngestRejectsAtCapacity(t *testing.T) {
	ingest, _, _ := newTestIngest(t, 1)

	// Occupy the single slot.
	ingest.sem <- struct{}{}
	defer func() { <-ingest.sem }()

	srv := httptest.NewServer(http.HandlerFunc(ingest.handleStream))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 at capacity, got %d", resp.StatusCode)
	}

	stats := ingest.GetStats()
	if stats.Rejected != 1 {
		t.Errorf("Expected 1 rejected connection, got %d", stats.Rejected)
	}
}

func TestIngestSkipsMalformedFrames(t *testing.T) {
	ingest, _, dir := newTestIngest(t, 10)

	srv := httptest.NewServer(http.HandlerFunc(ingest.handleStream))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	sendJSON(t, conn, map[string]interface{}{
		"session_id": "s1",
		"dialog_init": map[string]interface{}{
			"account": map[string]string{"id": "acc-1"},
			"dialog":  map[string]string{"id": "d-1", "type": "inbound"},
		},
	})

	// Garbage frame must be dropped without killing the stream.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	sendJSON(t, conn, map[string]interface{}{
		"session_id": "s1",
		"segment_media": map[string]interface{}{
			"segment_id": "seg-a",
			"audio_content": map[string]interface{}{
				"payload":     []byte(strings.Repeat("\xff", 160)),
				"seq":         0,
				"duration_ms": 20,
			},
		},
	})
	sendJSON(t, conn, map[string]interface{}{
		"session_id":   "s1",
		"segment_stop": map[string]interface{}{"segment_id": "seg-a"},
	})

	path := filepath.Join(dir, storage.RecordingName("s1", "seg-a"))
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Stream did not survive the malformed frame")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopDrainsLiveSessions(t *testing.T) {
	ingest, reg, dir := newTestIngest(t, 10)

	srv := httptest.NewServer(http.HandlerFunc(ingest.handleStream))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	sendJSON(t, conn, map[string]interface{}{
		"session_id": "s1",
		"dialog_init": map[string]interface{}{
			"account": map[string]string{"id": "acc-1"},
			"dialog":  map[string]string{"id": "d-1", "type": "inbound"},
		},
	})
	sendJSON(t, conn, map[string]interface{}{
		"session_id": "s1",
		"segment_start": map[string]interface{}{
			"segment_id":  "seg-a",
			"participant": map[string]string{"id": "p-1", "type": "contact"},
		},
	})
	sendJSON(t, conn, map[string]interface{}{
		"session_id": "s1",
		"segment_media": map[string]interface{}{
			"segment_id": "seg-a",
			"audio_content": map[string]interface{}{
				"payload":     []byte(strings.Repeat("\xff", 160)),
				"seq":         0,
				"duration_ms": 20,
			},
		},
	})

	// Wait for the chunk to land in the session buffer before shutting down.
	waitDeadline := time.Now().Add(2 * time.Second)
	for {
		if sess, ok := reg.Get("s1"); ok {
			info := sess.GetInfo()
			if len(info.Segments) == 1 && info.Segments[0].BufferedBytes == 160 {
				break
			}
		}
		if time.Now().After(waitDeadline) {
			t.Fatal("Session never buffered the media chunk")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// No client close: Stop itself must close the live connection and wait
	// for the recovery finalize to run.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ingest.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if reg.Count() != 0 {
		t.Errorf("Expected session removed by shutdown drain, count=%d", reg.Count())
	}

	data, err := os.ReadFile(filepath.Join(dir, storage.RecordingName("s1", "seg-a")))
	if err != nil {
		t.Fatalf("Shutdown did not persist the buffered recording: %v", err)
	}
	samples, _, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if len(samples) != 160 {
		t.Errorf("Expected 160 samples, got %d", len(samples))
	}
}
