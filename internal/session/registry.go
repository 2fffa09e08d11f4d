package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/dialog-audio-service/internal/protocol"
	"github.com/skypro1111/dialog-audio-service/internal/segment"
)

// Session holds one live dialog: its call metadata and its segments. A
// session is owned by the single dispatcher goroutine consuming its stream;
// the internal mutex exists for the monitoring API reading snapshots.
type Session struct {
	ID        string
	Account   protocol.Account
	Dialog    protocol.Dialog
	StartTime time.Time

	segments  map[string]*segment.Segment
	infoLog   []InfoEntry
	finalized uint64

	mu sync.RWMutex
}

// InfoEntry is one opaque segment-info event retained in arrival order.
type InfoEntry struct {
	SegmentID string    `json:"segment_id"`
	Event     string    `json:"event"`
	Data      string    `json:"data,omitempty"`
	At        time.Time `json:"at"`
}

// Info is a point-in-time session snapshot for the monitoring API.
type Info struct {
	SessionID    string         `json:"session_id"`
	DialogID     string         `json:"dialog_id"`
	DialogType   string         `json:"dialog_type"`
	ANI          string         `json:"ani,omitempty"`
	DNIS         string         `json:"dnis,omitempty"`
	Language     string         `json:"language,omitempty"`
	AccountID    string         `json:"account_id"`
	StartTime    time.Time      `json:"start_time"`
	Duration     time.Duration  `json:"duration"`
	Segments     []segment.Info `json:"segments"`
	InfoEvents   int            `json:"info_events"`
	Finalized    uint64         `json:"finalized_segments"`
}

// SetMetadata records the dialog-init payload.
func (s *Session) SetMetadata(account protocol.Account, dialog protocol.Dialog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Account = account
	s.Dialog = dialog
}

// Metadata returns the account and dialog metadata.
func (s *Session) Metadata() (protocol.Account, protocol.Dialog) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Account, s.Dialog
}

// Segment returns the currently tracked segment for an id, if any.
func (s *Session) Segment(id string) (*segment.Segment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, ok := s.segments[id]
	return seg, ok
}

// PutSegment tracks a segment, replacing any previous (finalized) holder of
// the same id.
func (s *Session) PutSegment(seg *segment.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[seg.ID()] = seg
}

// OpenSegments returns the segments still accepting media.
func (s *Session) OpenSegments() []*segment.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	open := make([]*segment.Segment, 0, len(s.segments))
	for _, seg := range s.segments {
		if seg.Open() {
			open = append(open, seg)
		}
	}
	return open
}

// UnfinalizedSegments returns every segment whose recording has not been
// persisted yet: open ones and stopped ones whose finalize failed.
func (s *Session) UnfinalizedSegments() []*segment.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]*segment.Segment, 0, len(s.segments))
	for _, seg := range s.segments {
		if seg.State() != segment.StateFinalized {
			pending = append(pending, seg)
		}
	}
	return pending
}

// MarkFinalized bumps the finalized segment counter.
func (s *Session) MarkFinalized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized++
}

// AppendInfo appends one opaque info event to the session log.
func (s *Session) AppendInfo(segmentID, event, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infoLog = append(s.infoLog, InfoEntry{
		SegmentID: segmentID,
		Event:     event,
		Data:      data,
		At:        time.Now(),
	})
}

// InfoLog returns a copy of the opaque info event log.
func (s *Session) InfoLog() []InfoEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]InfoEntry, len(s.infoLog))
	copy(out, s.infoLog)
	return out
}

// GetInfo returns a snapshot for the monitoring API.
func (s *Session) GetInfo() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	segments := make([]segment.Info, 0, len(s.segments))
	for _, seg := range s.segments {
		segments = append(segments, seg.GetInfo())
	}

	return Info{
		SessionID:  s.ID,
		DialogID:   s.Dialog.ID,
		DialogType: s.Dialog.Type,
		ANI:        s.Dialog.ANI,
		DNIS:       s.Dialog.DNIS,
		Language:   s.Dialog.Language,
		AccountID:  s.Account.ID,
		StartTime:  s.StartTime,
		Duration:   time.Since(s.StartTime),
		Segments:   segments,
		InfoEvents: len(s.infoLog),
		Finalized:  s.finalized,
	}
}

// Registry maps session identifiers to live sessions. Create and Remove are
// called by dispatchers; GetAll/Get serve the read-only monitoring boundary.
type Registry struct {
	sessions map[string]*Session
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Create registers a new session. If the id is already present (a second
// stream claiming the same session), the existing session is returned and
// the caller decides how to treat the duplicate.
func (r *Registry) Create(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.sessions[sessionID]; exists {
		r.logger.Warn("Session already exists in registry",
			slog.String("session_id", sessionID),
		)
		return existing, false
	}

	sess := &Session{
		ID:        sessionID,
		StartTime: time.Now(),
		segments:  make(map[string]*segment.Segment),
	}
	r.sessions[sessionID] = sess

	return sess, true
}

// Get retrieves a session by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, exists := r.sessions[sessionID]
	return sess, exists
}

// Remove drops a session from the registry once its stream has ended and all
// segments are finalized.
func (r *Registry) Remove(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionID]; !exists {
		return false
	}
	delete(r.sessions, sessionID)
	return true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// GetAll returns a snapshot of all live sessions for monitoring.
func (r *Registry) GetAll() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}
