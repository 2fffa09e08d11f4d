// Package audio implements the WAV container used for finalized segment
// recordings: mono PCM with a fixed 44-byte header, 16-bit after transcoding
// or 8-bit for companded data that was passed through untouched.
package audio
