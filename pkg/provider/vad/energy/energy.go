// Package energy implements the RMS amplitude fallback VAD. It has no model
// dependency and can never fail to load, which makes it the terminal link of
// the backend fallback chain: a session is never refused for lack of VAD.
package energy

import (
	"github.com/minutehq/minute/pkg/audio"
	"github.com/minutehq/minute/pkg/provider/vad"
)

// DefaultThreshold is the normalized RMS level above which a frame counts as
// speech. Deliberately lower than the model backends' probability threshold —
// raw energy is a much coarser signal.
const DefaultThreshold = 0.08

// windowMS is the analysis window for offline segmentation.
const windowMS = 50

// Detector is the amplitude-based VAD. The zero value is not usable; call [New].
type Detector struct {
	threshold  float64
	sampleRate int
}

var _ vad.Detector = (*Detector)(nil)

// New creates an energy detector. A zero threshold falls back to
// [DefaultThreshold].
func New(cfg vad.Config) *Detector {
	th := float64(cfg.Threshold)
	if th <= 0 {
		th = DefaultThreshold
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = audio.SampleRate
	}
	return &Detector{threshold: th, sampleRate: sr}
}

// IsSpeech reports whether the frame's normalized RMS exceeds the threshold.
func (d *Detector) IsSpeech(samples []int16) bool {
	return audio.RMS(samples) >= d.threshold
}

// SpeechSegments scans the audio in 50 ms windows and groups energetic
// windows into segments, bridging silences shorter than minSilenceMs and
// dropping segments shorter than minSpeechMs.
func (d *Detector) SpeechSegments(samples []int16, minSpeechMs, minSilenceMs int) []vad.Segment {
	win := d.sampleRate * windowMS / 1000
	if win <= 0 {
		win = 1
	}

	var (
		segments  []vad.Segment
		current   *vad.Segment
		silenceMS int
	)
	for off := 0; off < len(samples); off += win {
		end := off + win
		if end > len(samples) {
			end = len(samples)
		}
		ms := int64(off) * 1000 / int64(d.sampleRate)

		if audio.RMS(samples[off:end]) >= d.threshold {
			silenceMS = 0
			if current == nil {
				current = &vad.Segment{StartMS: ms}
			}
			current.EndMS = int64(end) * 1000 / int64(d.sampleRate)
		} else if current != nil {
			silenceMS += windowMS
			if silenceMS >= minSilenceMs {
				segments = appendIfLongEnough(segments, *current, minSpeechMs)
				current = nil
				silenceMS = 0
			}
		}
	}
	if current != nil {
		segments = appendIfLongEnough(segments, *current, minSpeechMs)
	}
	return segments
}

// Name implements vad.Detector.
func (d *Detector) Name() string { return "energy" }

// Close implements vad.Detector. There is nothing to release.
func (d *Detector) Close() error { return nil }

func appendIfLongEnough(segments []vad.Segment, s vad.Segment, minSpeechMs int) []vad.Segment {
	if s.EndMS-s.StartMS >= int64(minSpeechMs) {
		segments = append(segments, s)
	}
	return segments
}
