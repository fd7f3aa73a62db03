package audio

// Default rolling-window geometry. Six seconds of context is enough for the
// transcription model to resolve code-switched grammar; a two second slide
// bounds latency, and the resulting overlap gives the deduplicator coverage.
const (
	DefaultWindowSeconds = 6
	DefaultSlideSeconds  = 2

	// viabilityRatio is the minimum fill before a window is worth transcribing.
	viabilityRatio = 0.9
)

// RollingBuffer keeps the latest W samples of a PCM stream and signals every
// time S new samples have accumulated since the last signal. Not safe for
// concurrent use; each streaming session owns exactly one.
type RollingBuffer struct {
	window int // W, in samples
	slide  int // S, in samples

	samples    []int16 // ring storage, len == window once full
	head       int     // next write position when full
	fill       int     // number of valid samples, fill <= window
	sinceSlide int
}

// NewRollingBuffer creates a buffer with the given window and slide sizes in
// samples. Zero or negative values fall back to the package defaults.
func NewRollingBuffer(windowSamples, slideSamples int) *RollingBuffer {
	if windowSamples <= 0 {
		windowSamples = DefaultWindowSeconds * SampleRate
	}
	if slideSamples <= 0 {
		slideSamples = DefaultSlideSeconds * SampleRate
	}
	return &RollingBuffer{
		window:  windowSamples,
		slide:   slideSamples,
		samples: make([]int16, 0, windowSamples),
	}
}

// AddSamples appends samples to the buffer, discarding the oldest once the
// window is full. Returns true when at least S new samples have arrived since
// the previous trigger; the slide counter is reset on trigger.
func (b *RollingBuffer) AddSamples(samples []int16) bool {
	for _, s := range samples {
		if len(b.samples) < b.window {
			b.samples = append(b.samples, s)
		} else {
			b.samples[b.head] = s
			b.head = (b.head + 1) % b.window
		}
	}
	if b.fill < b.window {
		b.fill += len(samples)
		if b.fill > b.window {
			b.fill = b.window
		}
	}
	b.sinceSlide += len(samples)
	if b.sinceSlide >= b.slide {
		b.sinceSlide = 0
		return true
	}
	return false
}

// Window returns exactly W samples in chronological order. When the buffer
// holds fewer than W samples the head of the window is zero-padded so the
// result always has a fixed length.
func (b *RollingBuffer) Window() []int16 {
	out := make([]int16, b.window)
	ordered := b.ordered()
	copy(out[b.window-len(ordered):], ordered)
	return out
}

// WindowBytes returns the window as PCM16 bytes, ready for WAV wrapping.
func (b *RollingBuffer) WindowBytes() []byte {
	return SamplesToBytes(b.Window())
}

// AllSamplesBytes returns only the samples actually buffered (no padding),
// oldest first. Used by the flush path, where padding would add dead air.
func (b *RollingBuffer) AllSamplesBytes() []byte {
	return SamplesToBytes(b.ordered())
}

// IsViable reports whether the buffer holds enough audio to be worth a
// transcription call (fill >= 90% of the window).
func (b *RollingBuffer) IsViable() bool {
	return float64(b.fill) >= viabilityRatio*float64(b.window)
}

// Fill returns the number of valid samples currently buffered.
func (b *RollingBuffer) Fill() int { return b.fill }

// BufferDurationMS returns the duration of the buffered samples in ms.
func (b *RollingBuffer) BufferDurationMS() float64 {
	return float64(b.fill) / SampleRate * 1000
}

// Clear empties the buffer and resets the slide counter.
func (b *RollingBuffer) Clear() {
	b.samples = b.samples[:0]
	b.head = 0
	b.fill = 0
	b.sinceSlide = 0
}

// ordered returns the buffered samples oldest-first without padding.
func (b *RollingBuffer) ordered() []int16 {
	if len(b.samples) < b.window {
		return b.samples
	}
	out := make([]int16, b.window)
	n := copy(out, b.samples[b.head:])
	copy(out[n:], b.samples[:b.head])
	return out
}
