package energy_test

import (
	"math"
	"testing"

	"github.com/minutehq/minute/pkg/audio"
	"github.com/minutehq/minute/pkg/provider/vad"
	"github.com/minutehq/minute/pkg/provider/vad/energy"
)

// tone fills ms milliseconds with a sine wave at the given amplitude.
func tone(ms int, amplitude float64) []int16 {
	n := audio.SampleRate * ms / 1000
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amplitude * 32767 * math.Sin(2*math.Pi*440*float64(i)/audio.SampleRate))
	}
	return out
}

func TestIsSpeech(t *testing.T) {
	d := energy.New(vad.Config{})

	if d.IsSpeech(make([]int16, 512)) {
		t.Error("silence classified as speech")
	}
	if !d.IsSpeech(tone(32, 0.5)) {
		t.Error("loud tone classified as silence")
	}
	// A sine at amplitude a has RMS a/sqrt(2); 0.05 lands well under the
	// default 0.08 threshold.
	if d.IsSpeech(tone(32, 0.05)) {
		t.Error("quiet tone classified as speech")
	}
}

func TestCustomThreshold(t *testing.T) {
	strict := energy.New(vad.Config{Threshold: 0.9})
	if strict.IsSpeech(tone(32, 0.5)) {
		t.Error("tone below custom threshold classified as speech")
	}
}

func TestSpeechSegments(t *testing.T) {
	d := energy.New(vad.Config{})

	// 300ms speech, 400ms silence, 300ms speech.
	var samples []int16
	samples = append(samples, tone(300, 0.5)...)
	samples = append(samples, make([]int16, audio.SampleRate*400/1000)...)
	samples = append(samples, tone(300, 0.5)...)

	segs := d.SpeechSegments(samples, 100, 200)
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2: %v", len(segs), segs)
	}
	if segs[0].StartMS != 0 {
		t.Errorf("first segment starts at %dms, want 0", segs[0].StartMS)
	}
	if got := segs[1].StartMS; got < 650 || got > 750 {
		t.Errorf("second segment starts at %dms, want ~700", got)
	}
}

func TestSpeechSegmentsBridgesShortSilence(t *testing.T) {
	d := energy.New(vad.Config{})

	// 300ms speech, 100ms gap, 300ms speech; a 200ms minimum silence must
	// keep this as one segment.
	var samples []int16
	samples = append(samples, tone(300, 0.5)...)
	samples = append(samples, make([]int16, audio.SampleRate*100/1000)...)
	samples = append(samples, tone(300, 0.5)...)

	segs := d.SpeechSegments(samples, 100, 200)
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1: %v", len(segs), segs)
	}
}

func TestSpeechSegmentsDropsShortBursts(t *testing.T) {
	d := energy.New(vad.Config{})

	var samples []int16
	samples = append(samples, tone(60, 0.5)...)
	samples = append(samples, make([]int16, audio.SampleRate)...)

	if segs := d.SpeechSegments(samples, 250, 100); len(segs) != 0 {
		t.Fatalf("got %v, want no segments for a 60ms burst", segs)
	}
}
