package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/skypro1111/dialog-audio-service/internal/forward"
	"github.com/skypro1111/dialog-audio-service/internal/metrics"
	"github.com/skypro1111/dialog-audio-service/internal/protocol"
	"github.com/skypro1111/dialog-audio-service/internal/segment"
)

// EventStream is the transport-side source of one session's ordered events.
// Next blocks until an event arrives, returns io.EOF on clean stream end, or
// any other error on transport failure.
type EventStream interface {
	Next() (*protocol.StreamEvent, error)
}

// Protocol violations that end a session stream.
var (
	ErrMissingDialogInit = errors.New("first event of a session stream must be dialog_init")
)

// Dispatcher consumes one session's event stream, routing each event through
// the segment state machine. One dispatcher instance runs per stream; event
// processing within a session is strictly sequential.
type Dispatcher struct {
	registry   *Registry
	segmentCfg segment.Config
	forwarder  *forward.Forwarder // optional audio tap
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewDispatcher creates a dispatcher bound to the shared registry. forwarder
// and m may be nil.
func NewDispatcher(registry *Registry, segmentCfg segment.Config, forwarder *forward.Forwarder, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		segmentCfg: segmentCfg,
		forwarder:  forwarder,
		metrics:    m,
		logger:     logger,
	}
}

// Run processes the stream until it ends. On clean end (io.EOF) it returns
// nil; on transport failure it returns the transport error. Either way every
// open segment is finalized through the recovery path and the session is
// removed from the registry before Run returns: cancellation never skips
// finalization of already-buffered audio.
func (d *Dispatcher) Run(ctx context.Context, stream EventStream) error {
	var sess *Session

	defer func() {
		if sess != nil {
			d.drain(sess)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("session stream failed: %w", err)
		}

		d.metrics.RecordEvent(ev.Type())

		if sess == nil {
			if ev.DialogInit == nil {
				return fmt.Errorf("%w: got %s", ErrMissingDialogInit, ev.Type())
			}
			sess = d.initSession(ev)
			continue
		}

		if ev.SessionID != sess.ID {
			d.anomaly(sess, "session_id_mismatch", "Event for foreign session on this stream",
				slog.String("event_session_id", ev.SessionID),
				slog.String("event_type", ev.Type()),
			)
			continue
		}

		switch {
		case ev.DialogInit != nil:
			d.anomaly(sess, "duplicate_dialog_init", "Duplicate dialog_init event")
		case ev.SegmentStart != nil:
			d.handleSegmentStart(sess, ev.SegmentStart)
		case ev.SegmentMedia != nil:
			d.handleSegmentMedia(sess, ev.SegmentMedia)
		case ev.SegmentInfo != nil:
			d.handleSegmentInfo(sess, ev.SegmentInfo)
		case ev.SegmentStop != nil:
			d.handleSegmentStop(sess, ev.SegmentStop)
		}
	}
}

// initSession creates the registry entry from the stream's dialog_init.
func (d *Dispatcher) initSession(ev *protocol.StreamEvent) *Session {
	sess, created := d.registry.Create(ev.SessionID)
	if !created {
		d.anomaly(sess, "duplicate_session", "Session id already live, updating metadata")
	} else {
		d.metrics.RecordSessionCreated()
	}

	sess.SetMetadata(ev.DialogInit.Account, ev.DialogInit.Dialog)

	d.logger.Info("Session initialized",
		slog.String("session_id", sess.ID),
		slog.String("dialog_id", ev.DialogInit.Dialog.ID),
		slog.String("dialog_type", ev.DialogInit.Dialog.Type),
		slog.String("account_id", ev.DialogInit.Account.ID),
		slog.String("language", ev.DialogInit.Dialog.Language),
	)

	return sess
}

func (d *Dispatcher) handleSegmentStart(sess *Session, ev *protocol.SegmentStartEvent) {
	if existing, ok := sess.Segment(ev.SegmentID); ok && existing.State() != segment.StateFinalized {
		info := existing.GetInfo()
		if existing.Open() && info.Implicit {
			// The media that created this segment beat its start event; fill
			// in the declared participant and format now.
			existing.AdoptStart(ev.Participant, ev.AudioFormat)
			d.anomaly(sess, "late_segment_start", "Start event arrived after media",
				slog.String("segment_id", ev.SegmentID),
			)
			return
		}

		// A stopped segment with a failed finalize keeps its buffer until the
		// drain retry; it must not be displaced either.
		d.anomaly(sess, "duplicate_segment_start", "Duplicate start for live segment",
			slog.String("segment_id", ev.SegmentID),
		)
		return
	}

	seg := segment.New(sess.ID, ev.SegmentID, ev.Participant, ev.AudioFormat, d.segmentCfg)
	sess.PutSegment(seg)
	d.metrics.RecordSegmentStarted(false)

	formatStr := "default"
	if ev.AudioFormat != nil {
		formatStr = ev.AudioFormat.String()
	}
	d.logger.Info("Segment started",
		slog.String("session_id", sess.ID),
		slog.String("segment_id", ev.SegmentID),
		slog.String("participant_type", ev.Participant.Type),
		slog.String("participant_id", ev.Participant.ID),
		slog.String("audio_format", formatStr),
	)
}

func (d *Dispatcher) handleSegmentMedia(sess *Session, ev *protocol.SegmentMediaEvent) {
	seg, ok := sess.Segment(ev.SegmentID)
	if !ok || seg.State() == segment.StateFinalized {
		// Media before start (or after a finalized reuse): accept it into a
		// fresh implicit segment rather than dropping audio. A stopped
		// segment awaiting a finalize retry is NOT replaced; its media is
		// rejected by Append below so the buffered audio survives.
		seg = segment.NewImplicit(sess.ID, ev.SegmentID, d.segmentCfg)
		sess.PutSegment(seg)
		d.metrics.RecordSegmentStarted(true)
		d.anomaly(sess, "media_without_start", "Media for untracked segment, created implicitly",
			slog.String("segment_id", ev.SegmentID),
		)
	}

	content := ev.AudioContent
	regression, err := seg.Append(content.Seq, content.Payload, content.DurationMS)
	if err != nil {
		d.anomaly(sess, "media_after_stop", "Media for frozen segment dropped",
			slog.String("segment_id", ev.SegmentID),
			slog.String("error", err.Error()),
		)
		return
	}

	if regression {
		d.anomaly(sess, "seq_regression", "Chunk sequence number went backwards, kept arrival order",
			slog.String("segment_id", ev.SegmentID),
			slog.Uint64("seq", uint64(content.Seq)),
		)
	}

	if d.forwarder != nil && len(content.Payload) > 0 {
		d.forwardChunk(sess, seg, content)
	}
}

// forwardChunk publishes a copy of the chunk to the audio tap. The copy
// matters: the segment buffer and the consumer must never share bytes.
func (d *Dispatcher) forwardChunk(sess *Session, seg *segment.Segment, content protocol.AudioContent) {
	payload := make([]byte, len(content.Payload))
	copy(payload, content.Payload)

	info := seg.GetInfo()
	_, dialog := sess.Metadata()

	chunk := &forward.Chunk{
		SessionID:  sess.ID,
		SegmentID:  seg.ID(),
		Seq:        content.Seq,
		DurationMS: content.DurationMS,
		Payload:    payload,
		Codec:      info.Codec,
		Rate:       info.Rate,
		Participant: protocol.Participant{
			ID:   info.ParticipantID,
			Type: info.Participant,
		},
		Dialog:     dialog,
		ReceivedAt: time.Now(),
	}

	delivered := d.forwarder.Publish(chunk)
	d.metrics.RecordChunkForwarded(!delivered)
}

func (d *Dispatcher) handleSegmentInfo(sess *Session, ev *protocol.SegmentInfoEvent) {
	if ev.Event == "" {
		d.anomaly(sess, "empty_info_event", "Info event with empty name",
			slog.String("segment_id", ev.SegmentID),
		)
	}

	sess.AppendInfo(ev.SegmentID, ev.Event, ev.Data)

	d.logger.Debug("Segment info recorded",
		slog.String("session_id", sess.ID),
		slog.String("segment_id", ev.SegmentID),
		slog.String("event", ev.Event),
	)
}

func (d *Dispatcher) handleSegmentStop(sess *Session, ev *protocol.SegmentStopEvent) {
	seg, ok := sess.Segment(ev.SegmentID)
	if !ok || !seg.Open() {
		d.anomaly(sess, "stop_unknown_segment", "Stop for unknown or finalized segment",
			slog.String("segment_id", ev.SegmentID),
		)
		return
	}

	seg.Stop()
	d.finalizeSegment(sess, seg, false)
}

// finalizeSegment runs the finalize pipeline for one segment. Failures are
/// scoped to the segment: they are logged and counted, the session continues.
func (d *Dispatcher) finalizeSegment(sess *Session, seg *segment.Segment, recovered bool) {
	rawBytes := seg.BufferedBytes()

	res, err := seg.Finalize()
	if err != nil {
		d.metrics.RecordFinalizeError()
		seg.Release()
		d.logger.Error("Segment finalize failed",
			slog.String("session_id", sess.ID),
			slog.String("segment_id", seg.ID()),
			slog.Bool("recovered", recovered),
			slog.String("error", err.Error()),
		)
		return
	}

	sess.MarkFinalized()
	d.metrics.RecordSegmentFinalized(rawBytes, res.Transcoded, res.DefaultFormat, recovered)

	d.logger.Info("Segment finalized",
		slog.String("session_id", sess.ID),
		slog.String("segment_id", seg.ID()),
		slog.String("path", res.Path),
		slog.Int("data_bytes", res.DataBytes),
		slog.Int("sample_width", res.SampleWidth),
		slog.Bool("transcoded", res.Transcoded),
		slog.Bool("default_format", res.DefaultFormat),
		slog.Bool("recovered", recovered),
	)
}

// drain force-finalizes every unfinalized segment and removes the session.
// This is the recovery path for streams ending without explicit stop events,
/// normal or not: no buffered audio is silently dropped. Stopped segments
// whose earlier finalize failed get one retry here.
func (d *Dispatcher) drain(sess *Session) {
	pending := sess.UnfinalizedSegments()

	if len(pending) > 0 {
		d.logger.Info("Stream ended with unfinalized segments, running recovery finalize",
			slog.String("session_id", sess.ID),
			slog.Int("pending_segments", len(pending)),
		)
	}

	for _, seg := range pending {
		seg.Stop()
		d.finalizeSegment(sess, seg, true)
	}

	info := sess.GetInfo()
	d.registry.Remove(sess.ID)
	d.metrics.RecordSessionClosed(time.Since(sess.StartTime).Seconds())

	d.logger.Info("Session closed",
		slog.String("session_id", sess.ID),
		slog.String("dialog_id", info.DialogID),
		slog.Duration("duration", info.Duration),
		slog.Uint64("finalized_segments", info.Finalized),
		slog.Int("info_events", info.InfoEvents),
	)
}

// anomaly logs a recoverable protocol anomaly. Anomalies never fail the
// session; the stream keeps flowing.
func (d *Dispatcher) anomaly(sess *Session, kind, msg string, attrs ...any) {
	d.metrics.RecordAnomaly(kind)

	sessionID := ""
	if sess != nil {
		sessionID = sess.ID
	}

	args := append([]any{
		slog.String("session_id", sessionID),
		slog.String("anomaly", kind),
	}, attrs...)

	d.logger.Warn(msg, args...)
}
