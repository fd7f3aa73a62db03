// Package silero runs the Silero VAD ONNX model through the onnxruntime
// bindings. It is the mid-tier backend: heavier than the energy gate, but
// available wherever the onnxruntime shared library can be loaded.
package silero

import (
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/minutehq/minute/pkg/audio"
	"github.com/minutehq/minute/pkg/provider/vad"
)

const (
	// windowSamples is the model's native frame at 16 kHz (32 ms).
	windowSamples = 512

	// contextSamples of the previous frame are prepended to each input.
	contextSamples = 64

	// stateLen is the LSTM state shape [2, 1, 128] flattened.
	stateLen = 2 * 1 * 128

	// DefaultThreshold is the speech probability cutoff.
	DefaultThreshold float32 = 0.5
)

// The onnxruntime environment is process-global and must be initialized
// exactly once before the first session is created.
var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initRuntime() error {
	ortInitOnce.Do(func() {
		if p := os.Getenv("ONNXRUNTIME_LIB_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// Detector evaluates 512-sample frames against the Silero model. The LSTM
// state and 64-sample context carry across frames within one call and are
// reset between calls, so verdicts never leak between sessions.
type Detector struct {
	mu        sync.Mutex
	session   *ort.DynamicAdvancedSession
	threshold float32
	state     []float32
	context   []float32
	closed    bool
}

var _ vad.Detector = (*Detector)(nil)

// New loads the Silero model from cfg.ModelPath. Only 16 kHz input is
// supported.
func New(cfg vad.Config) (*Detector, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("silero: model path not set")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("silero: model file: %w", err)
	}
	if cfg.SampleRate != 0 && cfg.SampleRate != audio.SampleRate {
		return nil, fmt.Errorf("silero: unsupported sample rate %d", cfg.SampleRate)
	}
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("silero: init onnxruntime: %w", err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("silero: session options: %w", err)
	}
	defer opts.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("silero: create session: %w", err)
	}

	th := cfg.Threshold
	if th <= 0 {
		th = DefaultThreshold
	}
	return &Detector{
		session:   session,
		threshold: th,
		state:     make([]float32, stateLen),
		context:   make([]float32, contextSamples),
	}, nil
}

// IsSpeech runs the model over the frame in 512-sample windows; any window at
// or above the probability threshold makes the frame speech. State is reset
// before and after, so the verdict depends only on this frame.
func (d *Detector) IsSpeech(samples []int16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.resetLocked()
	defer d.resetLocked()

	data := audio.SamplesToFloat32(samples)
	for off := 0; off < len(data); off += windowSamples {
		prob, err := d.inferLocked(frameAt(data, off))
		if err != nil {
			return false
		}
		if prob >= d.threshold {
			return true
		}
	}
	return false
}

// SpeechSegments scans the audio frame by frame and groups speech frames into
// regions, bridging silences shorter than minSilenceMs.
func (d *Detector) SpeechSegments(samples []int16, minSpeechMs, minSilenceMs int) []vad.Segment {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.resetLocked()
	defer d.resetLocked()

	const windowMS = windowSamples * 1000 / audio.SampleRate

	data := audio.SamplesToFloat32(samples)
	var (
		segments  []vad.Segment
		current   *vad.Segment
		silenceMS int
	)
	for off := 0; off < len(data); off += windowSamples {
		prob, err := d.inferLocked(frameAt(data, off))
		if err != nil {
			break
		}
		ms := int64(off) * 1000 / audio.SampleRate

		if prob >= d.threshold {
			silenceMS = 0
			if current == nil {
				current = &vad.Segment{StartMS: ms}
			}
			current.EndMS = ms + windowMS
		} else if current != nil {
			silenceMS += windowMS
			if silenceMS >= minSilenceMs {
				if current.EndMS-current.StartMS >= int64(minSpeechMs) {
					segments = append(segments, *current)
				}
				current = nil
				silenceMS = 0
			}
		}
	}
	if current != nil && current.EndMS-current.StartMS >= int64(minSpeechMs) {
		segments = append(segments, *current)
	}
	return segments
}

// Name implements vad.Detector.
func (d *Detector) Name() string { return "silero" }

// Close destroys the ONNX session. Safe to call more than once.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.session != nil {
		if err := d.session.Destroy(); err != nil {
			return fmt.Errorf("silero: destroy session: %w", err)
		}
		d.session = nil
	}
	return nil
}

// inferLocked feeds one 512-sample window (with leading context) through the
// model, updating the LSTM state and the rolling context.
func (d *Detector) inferLocked(window []float32) (float32, error) {
	input := make([]float32, contextSamples+len(window))
	copy(input, d.context)
	copy(input[contextSamples:], window)
	copy(d.context, window[len(window)-contextSamples:])

	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(input))), input)
	if err != nil {
		return 0, fmt.Errorf("silero: input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	stateTensor, err := ort.NewTensor(ort.NewShape(2, 1, 128), d.state)
	if err != nil {
		return 0, fmt.Errorf("silero: state tensor: %w", err)
	}
	defer stateTensor.Destroy()

	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{audio.SampleRate})
	if err != nil {
		return 0, fmt.Errorf("silero: sr tensor: %w", err)
	}
	defer srTensor.Destroy()

	outputs := []ort.Value{nil, nil}
	if err := d.session.Run([]ort.Value{inputTensor, stateTensor, srTensor}, outputs); err != nil {
		return 0, fmt.Errorf("silero: inference: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	copy(d.state, outputs[1].(*ort.Tensor[float32]).GetData())

	probs := outputs[0].(*ort.Tensor[float32]).GetData()
	if len(probs) == 0 {
		return 0, nil
	}
	return probs[0], nil
}

func (d *Detector) resetLocked() {
	clear(d.state)
	clear(d.context)
}

// frameAt returns the 512-sample window starting at off, zero-padded at the
// tail when the audio runs out.
func frameAt(data []float32, off int) []float32 {
	if off+windowSamples <= len(data) {
		return data[off : off+windowSamples]
	}
	frame := make([]float32, windowSamples)
	copy(frame, data[off:])
	return frame
}
