// Package server contains the two network surfaces of the service: the
// WebSocket ingest server that accepts one session event stream per
// connection, and the HTTP API for health, session monitoring, recording
// access, configuration and Prometheus metrics.
package server
