package server

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/minutehq/minute/internal/stream"
)

// timestampPrefixLen is the length of the optional little-endian float64
// client timestamp that leads a binary audio frame.
const timestampPrefixLen = 8

// decodeAudioFrame splits a binary message into PCM bytes and the client
// timestamp. Messages of at least eight bytes carry the timestamp prefix;
// shorter ones are raw PCM. A missing or nonsensical timestamp is returned
// as -1, which the manager treats as "use server time".
func decodeAudioFrame(msg []byte) (pcm []byte, clientTS float64) {
	if len(msg) < timestampPrefixLen {
		return msg, -1
	}
	ts := math.Float64frombits(binary.LittleEndian.Uint64(msg[:timestampPrefixLen]))
	if math.IsNaN(ts) || math.IsInf(ts, 0) || ts < 0 {
		ts = -1
	}
	return msg[timestampPrefixLen:], ts
}

// controlFrame is the only inbound text message shape.
type controlFrame struct {
	Type string `json:"type"`
}

// connectedFrame greets the client after accept.
type connectedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// finalFrame carries one committed transcript segment to the client.
type finalFrame struct {
	Type           string  `json:"type"`
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason"`
	Timestamp      string  `json:"timestamp"`
	AudioStartTime float64 `json:"audio_start_time"`
	AudioEndTime   float64 `json:"audio_end_time"`
	Duration       float64 `json:"duration"`
	OriginalText   string  `json:"original_text,omitempty"`
	Translated     bool    `json:"translated,omitempty"`
}

// errorFrame reports a recoverable or terminal session error.
type errorFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Timestamp string `json:"timestamp"`
}

// pongFrame answers a ping.
type pongFrame struct {
	Type string `json:"type"`
}

func wireTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func newFinalFrame(seg stream.FinalSegment, now time.Time) finalFrame {
	return finalFrame{
		Type:           "final",
		Text:           seg.Text,
		Confidence:     seg.Confidence,
		Reason:         string(seg.Reason),
		Timestamp:      wireTime(now),
		AudioStartTime: seg.AudioStartTime,
		AudioEndTime:   seg.AudioEndTime,
		Duration:       seg.Duration,
		OriginalText:   seg.OriginalText,
		Translated:     seg.Translated,
	}
}

func newErrorFrame(code, message string, now time.Time) errorFrame {
	return errorFrame{
		Type:      "error",
		Message:   message,
		Code:      code,
		Timestamp: wireTime(now),
	}
}
