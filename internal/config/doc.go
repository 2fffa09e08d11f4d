// Package config loads and validates the YAML service configuration:
// WebSocket ingest server, HTTP API, audio defaults, recording storage,
// the live audio forward tap, transcription API access and logging.
package config
