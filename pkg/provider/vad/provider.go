// Package vad defines the Detector interface for voice-activity-detection
// backends.
//
// A detector answers one question on the streaming hot path — does this PCM
// frame contain speech — and one offline question: where are the speech
// regions in a longer recording. Three backends exist, in order of
// preference: the native TEN-VAD model (sherpa-onnx bindings), the Silero
// ONNX model (onnxruntime bindings), and a pure-Go RMS energy gate. The
// [github.com/minutehq/minute/pkg/provider/vad/auto] package builds the
// fallback chain; callers never branch on backend.
//
// Detectors must behave statelessly across IsSpeech calls: a frame's verdict
// may not depend on frames from another session. Backends with internal model
// state reset it per call.
package vad

// Detector is the abstraction over any VAD backend.
//
// Implementations must be safe for concurrent use from a single session's
// worker goroutine; a Detector is not shared between sessions.
type Detector interface {
	// IsSpeech reports whether the PCM16 frame contains speech. Frames longer
	// than the backend's native window are evaluated window by window; any
	// speech window makes the whole frame speech. Short frames are zero-padded.
	IsSpeech(samples []int16) bool

	// SpeechSegments locates speech regions in samples. Regions shorter than
	// minSpeechMs are discarded; silences shorter than minSilenceMs do not
	// split a region. Not used on the streaming hot path.
	SpeechSegments(samples []int16, minSpeechMs, minSilenceMs int) []Segment

	// Name identifies the backend for logs ("tenvad", "silero", "energy").
	Name() string

	// Close releases model resources. Safe to call more than once.
	Close() error
}

// Segment is a detected speech region, in milliseconds from the start of the
// analysed audio.
type Segment struct {
	StartMS int64
	EndMS   int64
}

// Config holds construction parameters shared by all backends.
type Config struct {
	// SampleRate must be 16000 for the model backends.
	SampleRate int

	// Threshold is the speech probability threshold for the model backends.
	// The energy backend uses its own RMS threshold. Typical: 0.3.
	Threshold float32

	// ModelPath points at the backend's ONNX model file. Ignored by the
	// energy backend.
	ModelPath string
}
