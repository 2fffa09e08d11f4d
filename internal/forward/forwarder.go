package forward

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/dialog-audio-service/internal/protocol"
)

// Chunk is one raw media chunk copied out of the ingest path, enriched with
// the session context a downstream consumer needs.
type Chunk struct {
	SessionID   string
	SegmentID   string
	Seq         uint32
	DurationMS  uint32
	Payload     []byte
	Codec       string
	Rate        int
	Participant protocol.Participant
	Dialog      protocol.Dialog
	ReceivedAt  time.Time
}

// Consumer processes forwarded chunks. Errors are logged and counted; they
// never propagate back into the ingest path.
type Consumer interface {
	Consume(ctx context.Context, chunk *Chunk) error
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(ctx context.Context, chunk *Chunk) error

// Consume implements Consumer.
func (f ConsumerFunc) Consume(ctx context.Context, chunk *Chunk) error {
	return f(ctx, chunk)
}

// Stats reports forwarder throughput for monitoring.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Consumed  uint64 `json:"consumed"`
	Failed    uint64 `json:"failed"`
	QueueSize int    `json:"queue_size"`
	QueueCap  int    `json:"queue_capacity"`
}

// Forwarder fans chunks out to a consumer through a bounded queue.
type Forwarder struct {
	queue    chan *Chunk
	consumer Consumer
	workers  int
	logger   *slog.Logger

	published uint64
	dropped   uint64
	consumed  uint64
	failed    uint64
	mu        sync.Mutex
}

// New creates a forwarder with the given queue capacity and worker count.
func New(consumer Consumer, queueSize, workers int, logger *slog.Logger) *Forwarder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 4
	}

	return &Forwarder{
		queue:    make(chan *Chunk, queueSize),
		consumer: consumer,
		workers:  workers,
		logger:   logger,
	}
}

// Publish enqueues a chunk without blocking. Returns false when the queue is
// full and the chunk was dropped: the recording path is authoritative and
// must never stall behind a lagging consumer.
func (f *Forwarder) Publish(chunk *Chunk) bool {
	select {
	case f.queue <- chunk:
		f.mu.Lock()
		f.published++
		f.mu.Unlock()
		return true
	default:
		f.mu.Lock()
		f.dropped++
		dropped := f.dropped
		f.mu.Unlock()

		// Log the first drop and then every 100th to avoid flooding.
		if dropped == 1 || dropped%100 == 0 {
			f.logger.Warn("Forward queue full, dropping chunk",
				slog.String("session_id", chunk.SessionID),
				slog.String("segment_id", chunk.SegmentID),
				slog.Uint64("total_dropped", dropped),
			)
		}
		return false
	}
}

// Run drains the queue with a worker pool until the context is cancelled.
// Chunks still queued at cancellation are abandoned; the tap is best-effort.
func (f *Forwarder) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < f.workers; i++ {
		workerID := i
		g.Go(func() error {
			f.logger.Debug("Forward worker started", slog.Int("worker_id", workerID))

			for {
				select {
				case <-ctx.Done():
					f.logger.Debug("Forward worker stopping", slog.Int("worker_id", workerID))
					return nil
				case chunk := <-f.queue:
					f.deliver(ctx, chunk, workerID)
				}
			}
		})
	}

	return g.Wait()
}

func (f *Forwarder) deliver(ctx context.Context, chunk *Chunk, workerID int) {
	if err := f.consumer.Consume(ctx, chunk); err != nil {
		f.mu.Lock()
		f.failed++
		f.mu.Unlock()

		f.logger.Warn("Forward consumer failed",
			slog.String("session_id", chunk.SessionID),
			slog.String("segment_id", chunk.SegmentID),
			slog.Uint64("seq", uint64(chunk.Seq)),
			slog.Int("worker_id", workerID),
			slog.String("error", err.Error()),
		)
		return
	}

	f.mu.Lock()
	f.consumed++
	f.mu.Unlock()
}

// GetStats returns current forwarder statistics.
func (f *Forwarder) GetStats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	return Stats{
		Published: f.published,
		Dropped:   f.dropped,
		Consumed:  f.consumed,
		Failed:    f.failed,
		QueueSize: len(f.queue),
		QueueCap:  cap(f.queue),
	}
}
