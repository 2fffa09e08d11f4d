// Package segment owns the per-segment audio reconstruction pipeline: the
// lifecycle state machine (created, receiving, stopped, finalized), the
// arrival-ordered byte buffer with its raw capture handle, and finalization
// into a durable WAV container.
package segment
