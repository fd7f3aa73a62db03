// Package diarize defines the Provider interface for cloud speaker
// diarization backends.
//
// A diarization provider takes a finished recording and answers who spoke
// when, optionally with its own transcript of each span. The result feeds the
// speaker-alignment pass, which reconciles these spans with the live
// transcript captured during the meeting.
package diarize

import "context"

// SpeakerSegment is one contiguous span attributed to a single speaker.
// Times are seconds from the start of the recording.
type SpeakerSegment struct {
	// Speaker is the provider-assigned label, normalised to "SPEAKER_0",
	// "SPEAKER_1", ...
	Speaker string

	Start float64
	End   float64

	// Text is the provider's transcript of the span, when available.
	Text string

	// Confidence is the provider's confidence in the attribution, 0..1.
	Confidence float64

	// WordCount is the number of words the provider heard in the span.
	WordCount int
}

// Result is the outcome of one diarization run.
type Result struct {
	Segments []SpeakerSegment

	// Speakers is the number of distinct speakers detected.
	Speakers int

	// Transcript is the provider's full transcript of the recording, used as
	// the reference text during alignment. Empty when the provider only
	// labels spans.
	Transcript string
}

// Provider is the abstraction over any diarization backend.
type Provider interface {
	// Diarize uploads the recording (a WAV container or raw compressed
	// audio) and returns speaker-attributed segments. Implementations block
	// until the provider finishes or ctx is cancelled.
	Diarize(ctx context.Context, audio []byte) (*Result, error)

	// Name identifies the backend for logs and job records.
	Name() string
}
