package protocol

import (
	"encoding/json"
	"fmt"
)

// Audio codec identifiers carried in SegmentStartEvent.AudioFormat.
const (
	CodecUnspecified = ""
	CodecOpus        = "opus"
	CodecALaw        = "alaw"
	CodecULaw        = "ulaw"
	CodecLinear16    = "linear16"
	CodecFLAC        = "flac"
)

// Participant types for a segment speaker.
const (
	ParticipantContact = "contact"
	ParticipantAgent   = "agent"
	ParticipantBot     = "bot"
)

// Dialog direction types.
const (
	DialogInbound  = "inbound"
	DialogOutbound = "outbound"
)

// Product types for the optional SegmentStartEvent product reference.
const (
	ProductQueue    = "queue"
	ProductCampaign = "campaign"
	ProductIVR      = "ivr"
)

// StreamEvent is one message on a session's ordered event stream. Exactly one
// of the event pointers is set.
type StreamEvent struct {
	SessionID    string             `json:"session_id"`
	DialogInit   *DialogInitEvent   `json:"dialog_init,omitempty"`
	SegmentStart *SegmentStartEvent `json:"segment_start,omitempty"`
	SegmentMedia *SegmentMediaEvent `json:"segment_media,omitempty"`
	SegmentInfo  *SegmentInfoEvent  `json:"segment_info,omitempty"`
	SegmentStop  *SegmentStopEvent  `json:"segment_stop,omitempty"`
}

// DialogInitEvent carries call-level metadata and must be the first event of
// every session stream.
type DialogInitEvent struct {
	Account Account `json:"account"`
	Dialog  Dialog  `json:"dialog"`
}

// Account identifies the owning account of a dialog.
type Account struct {
	ID           string `json:"id"`
	SubAccountID string `json:"sub_account_id,omitempty"`
	RCAccountID  string `json:"rc_account_id,omitempty"`
}

// Dialog describes the call itself.
type Dialog struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"` // inbound or outbound
	ANI        string            `json:"ani,omitempty"`
	DNIS       string            `json:"dnis,omitempty"`
	Language   string            `json:"language,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// SegmentStartEvent announces a new independently-spoken audio segment.
type SegmentStartEvent struct {
	SegmentID   string       `json:"segment_id"`
	Product     *Product     `json:"product,omitempty"`
	Participant Participant  `json:"participant"`
	AudioFormat *AudioFormat `json:"audio_format,omitempty"`
}

// Product optionally ties a segment to the routing product that produced it.
type Product struct {
	ID   string `json:"id"`
	Type string `json:"type"` // queue, campaign or ivr
}

// Participant identifies the speaker of a segment.
type Participant struct {
	ID   string `json:"id"`
	Type string `json:"type"` // contact, agent or bot
	Name string `json:"name,omitempty"`
}

// AudioFormat declares the encoding of a segment's media payloads.
type AudioFormat struct {
	Codec string `json:"codec"`
	Rate  int    `json:"rate"`  // sample rate in Hz, 8000 for this deployment
	Ptime int    `json:"ptime"` // frame duration in milliseconds
}

// SegmentMediaEvent carries one raw audio chunk for a segment.
type SegmentMediaEvent struct {
	SegmentID    string       `json:"segment_id"`
	AudioContent AudioContent `json:"audio_content"`
}

// AudioContent is the media payload of a SegmentMediaEvent. Payload bytes are
// base64 on the JSON wire.
type AudioContent struct {
	Payload    []byte `json:"payload"`
	Seq        uint32 `json:"seq"`
	DurationMS uint32 `json:"duration_ms"`
}

// SegmentInfoEvent is opaque pass-through metadata attached to a segment. The
// core appends it to a session-scoped log without interpreting it.
type SegmentInfoEvent struct {
	SegmentID string `json:"segment_id"`
	Event     string `json:"event"`
	Data      string `json:"data,omitempty"`
}

// SegmentStopEvent freezes a segment's buffer and triggers finalization.
type SegmentStopEvent struct {
	SegmentID string `json:"segment_id"`
}

// ParseEvent decodes and validates one wire message.
func ParseEvent(data []byte) (*StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse stream event: %w", err)
	}

	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stream event: %w", err)
	}

	return &ev, nil
}

// Validate checks that the event is well formed: a session id is present and
// exactly one event payload is set.
func (e *StreamEvent) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("session_id cannot be empty")
	}

	count := 0
	if e.DialogInit != nil {
		count++
	}
	if e.SegmentStart != nil {
		count++
		if e.SegmentStart.SegmentID == "" {
			return fmt.Errorf("segment_start: segment_id cannot be empty")
		}
	}
	if e.SegmentMedia != nil {
		count++
		if e.SegmentMedia.SegmentID == "" {
			return fmt.Errorf("segment_media: segment_id cannot be empty")
		}
	}
	if e.SegmentInfo != nil {
		count++
		if e.SegmentInfo.SegmentID == "" {
			return fmt.Errorf("segment_info: segment_id cannot be empty")
		}
	}
	if e.SegmentStop != nil {
		count++
		if e.SegmentStop.SegmentID == "" {
			return fmt.Errorf("segment_stop: segment_id cannot be empty")
		}
	}

	if count == 0 {
		return fmt.Errorf("event payload missing")
	}
	if count > 1 {
		return fmt.Errorf("expected exactly one event payload, got %d", count)
	}

	return nil
}

// Type returns the event payload type name for logging.
func (e *StreamEvent) Type() string {
	switch {
	case e.DialogInit != nil:
		return "dialog_init"
	case e.SegmentStart != nil:
		return "segment_start"
	case e.SegmentMedia != nil:
		return "segment_media"
	case e.SegmentInfo != nil:
		return "segment_info"
	case e.SegmentStop != nil:
		return "segment_stop"
	default:
		return "unknown"
	}
}

// SegmentID returns the segment id the event refers to, or "" for
// session-level events.
func (e *StreamEvent) SegmentID() string {
	switch {
	case e.SegmentStart != nil:
		return e.SegmentStart.SegmentID
	case e.SegmentMedia != nil:
		return e.SegmentMedia.SegmentID
	case e.SegmentInfo != nil:
		return e.SegmentInfo.SegmentID
	case e.SegmentStop != nil:
		return e.SegmentStop.SegmentID
	default:
		return ""
	}
}

// IsValidCodec checks whether the codec identifier is one the schema knows.
// Unknown values are still accepted by the pipeline (pass-through policy), so
// this is informational only.
func IsValidCodec(codec string) bool {
	switch codec {
	case CodecUnspecified, CodecOpus, CodecALaw, CodecULaw, CodecLinear16, CodecFLAC:
		return true
	}
	return false
}

// IsValidParticipantType checks the declared participant type.
func IsValidParticipantType(ptype string) bool {
	switch ptype {
	case ParticipantContact, ParticipantAgent, ParticipantBot:
		return true
	}
	return false
}

// String returns a human-readable representation of the format.
func (f *AudioFormat) String() string {
	codec := f.Codec
	if codec == "" {
		codec = "unspecified"
	}
	return fmt.Sprintf("AudioFormat{Codec:%s, Rate:%d, Ptime:%d}", codec, f.Rate, f.Ptime)
}
