// Package storage persists finalized segment recordings and the optional raw
// incremental captures. Recordings are flat WAV files named deterministically
// by (session id, segment id); captures are append-only logs of the raw
// inbound payloads, written before any container assembly happens.
package storage
