package segment

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/dialog-audio-service/internal/audio"
	"github.com/skypro1111/dialog-audio-service/internal/codec"
	"github.com/skypro1111/dialog-audio-service/internal/protocol"
	"github.com/skypro1111/dialog-audio-service/internal/storage"
)

// State is the lifecycle state of a segment.
type State int

const (
	StateCreated State = iota // start event seen, no media yet
	StateReceiving
	StateStopped // buffer frozen, awaiting finalize
	StateFinalized
)

// String returns the state name for logging and the monitoring API.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReceiving:
		return "receiving"
	case StateStopped:
		return "stopped"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// DefaultFormat is the deployment default applied at finalize time when a
// segment never declared a format: G.711 µ-law at 8 kHz, 20 ms frames.
var DefaultFormat = protocol.AudioFormat{
	Codec: protocol.CodecULaw,
	Rate:  8000,
	Ptime: 20,
}

// Config carries the dependencies a segment needs to persist its audio.
type Config struct {
	Store      *storage.Store
	Logger     *slog.Logger
	RawCapture bool // append every chunk to a raw capture log as it arrives
}

// Segment accumulates one participant's audio within a session and writes it
// out as a WAV recording when stopped. All methods are safe for the single
// dispatcher goroutine plus concurrent monitoring reads.
type Segment struct {
	sessionID string
	id        string

	participant protocol.Participant
	format      *protocol.AudioFormat // declared by the start event; nil until resolved
	implicit    bool                  // created by a media event arriving before its start event

	buf        []byte
	chunks     uint64
	durationMS uint64
	lastSeq    uint32
	seqSeen    bool

	state     State
	createdAt time.Time
	updatedAt time.Time

	capture *storage.Capture
	cfg     Config

	result *Result

	mu sync.Mutex
}

// Result describes a completed finalization.
type Result struct {
	Path          string                // recording file path
	DataBytes     int                   // container data size after transcoding
	SampleWidth   int                   // bytes per sample written
	Transcoded    bool                  // false means best-effort raw dump
	DefaultFormat bool                  // format was resolved to the deployment default
	Format        protocol.AudioFormat  // resolved format
}

// Info is a point-in-time snapshot for the monitoring API.
type Info struct {
	SessionID     string    `json:"session_id"`
	SegmentID     string    `json:"segment_id"`
	State         string    `json:"state"`
	Participant   string    `json:"participant_type"`
	ParticipantID string    `json:"participant_id"`
	Codec         string    `json:"codec"`
	Rate          int       `json:"rate"`
	BufferedBytes int       `json:"buffered_bytes"`
	Chunks        uint64    `json:"chunks"`
	DurationMS    uint64    `json:"duration_ms"`
	LastSeq       uint32    `json:"last_seq"`
	Implicit      bool      `json:"implicit"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// New creates a segment from its start event data. format may be nil; it is
// then resolved to DefaultFormat at finalize time.
func New(sessionID, segmentID string, participant protocol.Participant, format *protocol.AudioFormat, cfg Config) *Segment {
	now := time.Now()
	return &Segment{
		sessionID:   sessionID,
		id:          segmentID,
		participant: participant,
		format:      format,
		state:       StateCreated,
		createdAt:   now,
		updatedAt:   now,
		cfg:         cfg,
	}
}

// NewImplicit creates a segment for a media event whose start event has not
// arrived. Format stays unknown unless a late start event fills it in.
func NewImplicit(sessionID, segmentID string, cfg Config) *Segment {
	s := New(sessionID, segmentID, protocol.Participant{}, nil, cfg)
	s.implicit = true
	return s
}

// ID returns the segment identifier.
func (s *Segment) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Segment) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AdoptStart fills in participant and format from a start event that arrived
// after media. The declared format is immutable: once set it is never
// replaced, matching the start-event-sets-format invariant.
func (s *Segment) AdoptStart(participant protocol.Participant, format *protocol.AudioFormat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.participant = participant
	if s.format == nil {
		s.format = format
	}
	s.implicit = false
	s.updatedAt = time.Now()
}

// Append adds one media chunk to the buffer in arrival order. The declared
// seq is recorded for observability only; a regression is reported so the
// caller can log it, never reordered.
func (s *Segment) Append(seq uint32, payload []byte, durationMS uint32) (seqRegression bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped || s.state == StateFinalized {
		return false, fmt.Errorf("segment %s is %s, buffer is frozen", s.id, s.state)
	}

	if s.seqSeen && seq <= s.lastSeq {
		seqRegression = true
	}
	s.lastSeq = seq
	s.seqSeen = true

	s.buf = append(s.buf, payload...)
	s.chunks++
	s.durationMS += uint64(durationMS)
	s.state = StateReceiving
	s.updatedAt = time.Now()

	if s.cfg.RawCapture && s.cfg.Store != nil {
		if s.capture == nil {
			capture, openErr := s.cfg.Store.OpenCapture(s.sessionID, s.id)
			if openErr != nil {
				// Capture is an additional safety net; losing it does not
				// fail ingestion of the chunk itself.
				s.logger().Warn("Failed to open raw capture",
					slog.String("session_id", s.sessionID),
					slog.String("segment_id", s.id),
					slog.String("error", openErr.Error()),
				)
			} else {
				s.capture = capture
			}
		}

		if s.capture != nil {
			if appendErr := s.capture.Append(payload); appendErr != nil {
				s.logger().Warn("Failed to append to raw capture",
					slog.String("session_id", s.sessionID),
					slog.String("segment_id", s.id),
					slog.String("error", appendErr.Error()),
				)
			}
		}
	}

	return seqRegression, nil
}

// Stop freezes the buffer. Stopping an already stopped or finalized segment
// is a no-op.
func (s *Segment) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped || s.state == StateFinalized {
		return
	}

	s.state = StateStopped
	s.updatedAt = time.Now()
}

// Finalize resolves the audio format, transcodes the buffer and writes the
// WAV container. It is idempotent: once a finalize has succeeded, further
// calls return the same result without touching storage. A failed finalize
// leaves the segment stopped so the caller may retry; the raw capture handle
// is released on every path.
func (s *Segment) Finalize() (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateFinalized {
		return s.result, nil
	}

	if s.state != StateStopped {
		s.state = StateStopped
	}

	// Release the capture handle first: the raw log is complete whether or
	// not the container write below succeeds.
	if s.capture != nil {
		if err := s.capture.Close(); err != nil {
			s.logger().Warn("Failed to close raw capture",
				slog.String("session_id", s.sessionID),
				slog.String("segment_id", s.id),
				slog.String("error", err.Error()),
			)
		}
		s.capture = nil
	}

	format := s.format
	usedDefault := false
	if format == nil {
		f := DefaultFormat
		format = &f
		usedDefault = true
	}

	rate := format.Rate
	if rate <= 0 {
		rate = DefaultFormat.Rate
	}

	transcoded := codec.Transcode(format.Codec, s.buf)

	// A declared 16-bit stream can arrive with a dangling half sample; drop
	// it rather than losing the whole recording.
	if rem := len(transcoded.Data) % transcoded.SampleWidth; rem != 0 {
		s.logger().Warn("Truncating trailing partial sample",
			slog.String("session_id", s.sessionID),
			slog.String("segment_id", s.id),
			slog.Int("trailing_bytes", rem),
		)
		transcoded.Data = transcoded.Data[:len(transcoded.Data)-rem]
	}

	container, err := audio.EncodePCM(transcoded.Data, rate, transcoded.SampleWidth)
	if err != nil {
		return nil, fmt.Errorf("failed to encode container for segment %s: %w", s.id, err)
	}

	path, err := s.cfg.Store.WriteRecording(s.sessionID, s.id, container)
	if err != nil {
		return nil, fmt.Errorf("failed to persist segment %s: %w", s.id, err)
	}

	s.result = &Result{
		Path:          path,
		DataBytes:     len(transcoded.Data),
		SampleWidth:   transcoded.SampleWidth,
		Transcoded:    transcoded.Transcoded,
		DefaultFormat: usedDefault,
		Format:        *format,
	}

	s.buf = nil
	s.state = StateFinalized
	s.updatedAt = time.Now()

	return s.result, nil
}

// Release closes the raw capture handle without finalizing. Used on abnormal
// teardown paths where finalize itself cannot run.
func (s *Segment) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture != nil {
		s.capture.Close()
		s.capture = nil
	}
}

// BufferedBytes returns the current buffer length before transcoding.
func (s *Segment) BufferedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Open reports whether the segment still accepts media.
func (s *Segment) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateCreated || s.state == StateReceiving
}

// GetInfo returns a snapshot for the monitoring API.
func (s *Segment) GetInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	codecName := ""
	rate := DefaultFormat.Rate
	if s.format != nil {
		codecName = s.format.Codec
		if s.format.Rate != 0 {
			rate = s.format.Rate
		}
	}

	return Info{
		SessionID:     s.sessionID,
		SegmentID:     s.id,
		State:         s.state.String(),
		Participant:   s.participant.Type,
		ParticipantID: s.participant.ID,
		Codec:         codecName,
		Rate:          rate,
		BufferedBytes: len(s.buf),
		Chunks:        s.chunks,
		DurationMS:    s.durationMS,
		LastSeq:       s.lastSeq,
		Implicit:      s.implicit,
		CreatedAt:     s.createdAt,
		UpdatedAt:     s.updatedAt,
	}
}

func (s *Segment) logger() *slog.Logger {
	if s.cfg.Logger != nil {
		return s.cfg.Logger
	}
	return slog.Default()
}
