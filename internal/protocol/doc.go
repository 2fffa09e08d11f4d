// Package protocol defines the inbound dialog event schema and its JSON wire
// codec. Every message on a session stream is a StreamEvent carrying exactly
// one of the five event payloads (dialog init, segment start/media/info/stop).
package protocol
