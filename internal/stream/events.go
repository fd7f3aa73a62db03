// Package stream implements the live transcription pipeline for one
// streaming session: voice-activity gating, the rolling window, remote
// transcription calls, and the duplicate suppression that makes overlapping
// windows emit each sentence exactly once.
package stream

// FinalReason labels which trigger finalized a segment.
type FinalReason string

const (
	// ReasonSilence fires after a second of continuous non-speech.
	ReasonSilence FinalReason = "silence"

	// ReasonPunctuation fires on sentence-terminal punctuation once the
	// speech run is at least two seconds long.
	ReasonPunctuation FinalReason = "punctuation"

	// ReasonTimeout fires when a speech run exceeds the force-finalize
	// timeout without settling.
	ReasonTimeout FinalReason = "timeout"

	// ReasonStability fires when the backend returns the same text four
	// times in a row.
	ReasonStability FinalReason = "stability"

	// ReasonSentenceComplete fires on two stable repeats that end in
	// terminal punctuation.
	ReasonSentenceComplete FinalReason = "sentence_complete"

	// ReasonFlush marks the terminal segment produced at session close.
	ReasonFlush FinalReason = "flush"
)

// FinalSegment is one committed piece of transcript. Times are seconds in
// client time (seconds since session start).
type FinalSegment struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	Reason     FinalReason `json:"reason"`

	AudioStartTime float64 `json:"audio_start_time"`
	AudioEndTime   float64 `json:"audio_end_time"`
	Duration       float64 `json:"duration"`

	// Language is the detected language code, when the backend reports one.
	Language string `json:"language,omitempty"`

	// OriginalText carries the untranslated text when Translated is set.
	OriginalText string `json:"original_text,omitempty"`
	Translated   bool   `json:"translated,omitempty"`
}

// ErrorCode identifies session errors the client is expected to recognise.
type ErrorCode string

const (
	// CodeKeyRequired means no transcription credential could be resolved,
	// or the backend rejected the one supplied.
	CodeKeyRequired ErrorCode = "GROQ_KEY_REQUIRED"

	// CodeRateLimit means the transcription backend throttled the session.
	// The session stays alive.
	CodeRateLimit ErrorCode = "GROQ_RATE_LIMIT"
)

// SessionError is a non-fatal error surfaced to the client as an error frame.
type SessionError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e SessionError) Error() string {
	return string(e.Code) + ": " + e.Message
}
