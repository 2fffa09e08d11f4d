// Package transcription provides an HTTP client for posting finalized
// segment recordings to an external speech-to-text API. Requests carry the
// WAV container as a multipart file plus dialog metadata form fields, are
// concurrency-limited by a semaphore, and retried with exponential backoff.
package transcription
