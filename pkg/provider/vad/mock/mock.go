// Package mock provides a scriptable Detector for tests.
package mock

import "github.com/minutehq/minute/pkg/provider/vad"

// Detector returns canned answers. The zero value reports silence forever.
type Detector struct {
	// Verdicts are returned by successive IsSpeech calls; once exhausted,
	// Always is returned.
	Verdicts []bool
	Always   bool

	// Segments is returned verbatim by SpeechSegments.
	Segments []vad.Segment

	Calls  int
	Closed bool
}

var _ vad.Detector = (*Detector)(nil)

// Speech returns a detector that always reports speech.
func Speech() *Detector { return &Detector{Always: true} }

// Silence returns a detector that never reports speech.
func Silence() *Detector { return &Detector{} }

func (d *Detector) IsSpeech(samples []int16) bool {
	d.Calls++
	if n := d.Calls - 1; n < len(d.Verdicts) {
		return d.Verdicts[n]
	}
	return d.Always
}

func (d *Detector) SpeechSegments(samples []int16, minSpeechMs, minSilenceMs int) []vad.Segment {
	return d.Segments
}

func (d *Detector) Name() string { return "mock" }

func (d *Detector) Close() error {
	d.Closed = true
	return nil
}
