// Package session tracks live dialog sessions and drives each session's
// ordered event stream through the per-segment reconstruction pipeline. One
// dispatcher runs per inbound stream; the registry is the only state shared
// across sessions and is locked only at the monitoring boundary.
package session
