// Package codec provides stateless audio transcoding from companded G.711
// A-law and µ-law samples to linear 16-bit PCM. Codecs the service cannot
// decode are passed through unmodified and flagged as best-effort.
package codec
