// Package forward decouples audio ingestion from downstream consumers such as
// transcription. The dispatcher publishes copies of raw media chunks into a
// bounded queue; a worker pool drains it at the consumer's pace. When the
// queue is full chunks are dropped and counted, never blocking ingestion.
package forward
