// Package asr defines the Transcriber interface for speech-to-text backends.
//
// Transcription here is request/response, not streaming: the caller hands a
// complete WAV clip (a rolling window or a flush remainder) and receives the
// recognised text plus whatever segment-level detail the backend exposes.
// The streaming feel of the product comes from calling Transcribe repeatedly
// on overlapping windows, not from a streaming wire protocol.
//
// Errors are classified via the Error type so that callers can distinguish
// a revoked API key (terminate the session) from a rate limit (notify and
// continue) without string matching.
package asr

import (
	"context"
	"errors"
	"fmt"
)

// Request describes one transcription call.
type Request struct {
	// Audio is a complete WAV container, 16 kHz mono PCM16.
	Audio []byte

	// Prompt is prior-context text used to bias recognition, typically the
	// tail of the transcript so far. Backends cap its length.
	Prompt string

	// Language is an ISO 639-1 hint (e.g. "en"). Empty means auto-detect.
	Language string

	// Translate requests English output regardless of the spoken language.
	Translate bool
}

// Segment is one recognised span within a clip. Times are seconds relative
// to the start of the submitted audio.
type Segment struct {
	ID               int
	Start            float64
	End              float64
	Text             string
	AvgLogProb       float64
	NoSpeechProb     float64
	CompressionRatio float64
}

// Result is the outcome of one transcription call.
type Result struct {
	// Text is the full recognised text of the clip.
	Text string

	// Language is the detected (or requested) language code.
	Language string

	// Duration is the clip length in seconds as reported by the backend.
	Duration float64

	// Segments carries per-span detail when the backend provides it.
	Segments []Segment

	// Translated is true when Text is an English translation of non-English
	// speech.
	Translated bool
}

// Transcriber is the abstraction over any speech-to-text backend.
//
// Implementations must be safe for concurrent use; the transcription manager
// runs up to two calls in flight at once.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (*Result, error)

	// Name identifies the backend for logs.
	Name() string
}

// ErrorKind classifies a transcription failure for the caller's policy.
type ErrorKind int

const (
	// KindOther covers failures with no special handling.
	KindOther ErrorKind = iota

	// KindTransientNetwork marks failures worth retrying on the next window.
	KindTransientNetwork

	// KindRateLimited marks HTTP 429. The session stays alive; the client is
	// told to slow down.
	KindRateLimited

	// KindInvalidCredential marks HTTP 401/403. The session cannot recover.
	KindInvalidCredential

	// KindBadRequest marks a rejected payload. Retrying the same audio is
	// pointless.
	KindBadRequest
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidCredential:
		return "invalid_credential"
	case KindBadRequest:
		return "bad_request"
	default:
		return "other"
	}
}

// Error wraps a backend failure with its classification.
type Error struct {
	Kind   ErrorKind
	Status int // HTTP status when applicable, else 0
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("asr: %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("asr: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from an error chain, defaulting to
// KindOther.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindOther
}
